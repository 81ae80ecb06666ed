package feature

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/c360/botstreams/errors"
)

// Entry wraps a registered feature with its derived runtime data: the
// handler, installation sequence, process-wide enable flag, and counters.
// Entries are created by Register and read-shared with the dispatcher.
type Entry struct {
	desc    Descriptor
	handler Handler
	seq     int // installation order, breaks priority ties
	enabled atomic.Bool
	visible atomic.Bool
	stats   *Stats
}

// Descriptor returns the feature's static metadata
func (e *Entry) Descriptor() Descriptor { return e.desc }

// Name returns the feature name
func (e *Entry) Name() string { return e.desc.Name }

// Handler returns the feature's callback
func (e *Entry) Handler() Handler { return e.handler }

// Enabled reports the process-wide enable flag
func (e *Entry) Enabled() bool { return e.enabled.Load() }

// Visible reports whether the entry is dispatch-visible. The manager keeps
// a feature invisible until its initialization hook has completed.
func (e *Entry) Visible() bool { return e.visible.Load() }

// Stats returns the feature's performance counters
func (e *Entry) Stats() *Stats { return e.stats }

// Registry is the single source of truth for installed features. It
// validates the dependency graph at registration time and maintains the
// pre-sorted handler list the dispatcher reads on every event. Reads are
// lock-free against a snapshot; mutation takes an exclusive section so no
// dispatch observes a half-updated ordering.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	ordered []*Entry // sorted by (priority, installation order)
	nextSeq int
	logger  *slog.Logger
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithRegistryLogger sets the structured logger (defaults to slog.Default)
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]*Entry),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "feature.Registry")
	return r
}

// Register adds a feature to the registry. It fails if the name is already
// taken, if any declared dependency is unregistered, or if the addition
// would create a cycle in the dependency graph. On failure the registry is
// unchanged.
func (r *Registry) Register(handler Handler, desc Descriptor) error {
	return r.register(handler, desc, true)
}

// RegisterHidden registers a feature without dispatch-visibility. The
// manager uses it so a feature is never dispatched mid-initialization;
// SetVisible flips it live once setup completes.
func (r *Registry) RegisterHidden(handler Handler, desc Descriptor) error {
	return r.register(handler, desc, false)
}

func (r *Registry) register(handler Handler, desc Descriptor, visible bool) error {
	if desc.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "name validation")
	}
	if handler == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "handler validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[desc.Name]; exists {
		return errors.WrapInvalid(errors.ErrDuplicateName, "Registry", "Register", "name check for "+desc.Name)
	}
	for _, dep := range desc.Dependencies {
		// A self-edge is the one cycle the presence check below would
		// otherwise misreport as a missing dependency
		if dep == desc.Name {
			return errors.WrapInvalid(errors.ErrDependencyCycle, "Registry", "Register", "cycle check for "+desc.Name)
		}
		if _, exists := r.entries[dep]; !exists {
			return errors.WrapInvalid(errors.ErrMissingDependency, "Registry", "Register",
				"dependency check for "+desc.Name+" on "+dep)
		}
	}
	if r.wouldCycle(desc) {
		return errors.WrapInvalid(errors.ErrDependencyCycle, "Registry", "Register", "cycle check for "+desc.Name)
	}

	entry := &Entry{
		desc:    desc,
		handler: handler,
		seq:     r.nextSeq,
		stats:   NewStats(),
	}
	entry.enabled.Store(true)
	entry.visible.Store(visible)
	r.nextSeq++
	r.entries[desc.Name] = entry
	r.rebuildOrdered()

	r.logger.Info("feature registered",
		"feature", desc.Name,
		"version", desc.Version,
		"priority", desc.Priority,
		"dependencies", desc.Dependencies)
	return nil
}

// Unregister removes a feature. It fails if any other registered feature
// still declares it as a dependency.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; !exists {
		return errors.WrapInvalid(errors.ErrUnknownFeature, "Registry", "Unregister", "lookup of "+name)
	}
	for _, entry := range r.entries {
		for _, dep := range entry.desc.Dependencies {
			if dep == name {
				return errors.WrapInvalid(errors.ErrDependentsPresent, "Registry", "Unregister",
					"dependent check, "+entry.desc.Name+" depends on "+name)
			}
		}
	}

	delete(r.entries, name)
	r.rebuildOrdered()

	r.logger.Info("feature unregistered", "feature", name)
	return nil
}

// Get returns the entry for a registered feature
func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.entries[name]
	return entry, exists
}

// SetEnabled flips a feature's process-wide kill switch. It does not touch
// per-tenant toggles.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.RLock()
	entry, exists := r.entries[name]
	r.mu.RUnlock()
	if !exists {
		return errors.WrapInvalid(errors.ErrUnknownFeature, "Registry", "SetEnabled", "lookup of "+name)
	}
	entry.enabled.Store(enabled)
	r.logger.Info("feature enable flag changed", "feature", name, "enabled", enabled)
	return nil
}

// SetVisible flips a feature's dispatch-visibility
func (r *Registry) SetVisible(name string, visible bool) error {
	r.mu.RLock()
	entry, exists := r.entries[name]
	r.mu.RUnlock()
	if !exists {
		return errors.WrapInvalid(errors.ErrUnknownFeature, "Registry", "SetVisible", "lookup of "+name)
	}
	entry.visible.Store(visible)
	return nil
}

// Dependents returns the names of registered features that declare name as
// a dependency.
func (r *Registry) Dependents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var dependents []string
	for _, entry := range r.entries {
		for _, dep := range entry.desc.Dependencies {
			if dep == name {
				dependents = append(dependents, entry.desc.Name)
			}
		}
	}
	sort.Strings(dependents)
	return dependents
}

// DependencyEnabled lets a feature probe whether a named dependency is
// currently enabled process-wide, so it can adapt instead of hard-failing.
func (r *Registry) DependencyEnabled(name string) (bool, error) {
	r.mu.RLock()
	entry, exists := r.entries[name]
	r.mu.RUnlock()
	if !exists {
		return false, errors.WrapInvalid(errors.ErrUnknownFeature, "Registry", "DependencyEnabled", "lookup of "+name)
	}
	return entry.enabled.Load(), nil
}

// DispatchOrder returns the handler list in dispatch order: ascending
// priority, ties broken by installation order. The returned slice is a
// snapshot and safe to iterate without holding the registry lock.
func (r *Registry) DispatchOrder() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// ResolveOrder returns a deterministic topological ordering of the
// dependency graph: dependencies before dependents, ties broken by declared
// priority then name. The manager uses it for load and unload ordering.
func (r *Registry) ResolveOrder() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Kahn's algorithm with a sorted ready set for stability
	indegree := make(map[string]int, len(r.entries))
	dependents := make(map[string][]string, len(r.entries))
	for name := range r.entries {
		indegree[name] = 0
	}
	for name, entry := range r.entries {
		for _, dep := range entry.desc.Dependencies {
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(r.entries))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			a, b := r.entries[ready[i]], r.entries[ready[j]]
			if a.desc.Priority != b.desc.Priority {
				return a.desc.Priority < b.desc.Priority
			}
			return a.desc.Name < b.desc.Name
		})
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	return order
}

// Names returns the registered feature names in no particular order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// Len returns the number of registered features
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// wouldCycle runs a depth-first traversal over the candidate graph (the
// current entries plus the feature being added).
// Must be called with the lock held.
func (r *Registry) wouldCycle(candidate Descriptor) bool {
	deps := make(map[string][]string, len(r.entries)+1)
	for name, entry := range r.entries {
		deps[name] = entry.desc.Dependencies
	}
	deps[candidate.Name] = candidate.Dependencies

	const (
		white = 0 // unvisited
		grey  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(deps))

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = grey
		for _, dep := range deps[name] {
			switch color[dep] {
			case grey:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[name] = black
		return false
	}

	for name := range deps {
		if color[name] == white && visit(name) {
			return true
		}
	}
	return false
}

// rebuildOrdered refreshes the dispatch-order snapshot.
// Must be called with the lock held.
func (r *Registry) rebuildOrdered() {
	ordered := make([]*Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		ordered = append(ordered, entry)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].desc.Priority != ordered[j].desc.Priority {
			return ordered[i].desc.Priority < ordered[j].desc.Priority
		}
		return ordered[i].seq < ordered[j].seq
	})
	r.ordered = ordered
}
