// Package manager orchestrates feature install, uninstall, and reload
// against the registry.
//
// All operations are all-or-nothing: a failed install leaves the registry
// exactly as it was, and a feature is never dispatch-visible while its
// initialization hook is still running. The manager only acts at startup
// and on explicit admin calls; it is not on the per-event hot path.
package manager

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c360/botstreams/dispatch"
	"github.com/c360/botstreams/errors"
	"github.com/c360/botstreams/feature"
)

// Installation pairs a handler with its descriptor for install calls
type Installation struct {
	Handler    feature.Handler
	Descriptor feature.Descriptor
}

// Manager owns feature lifecycle. Safe for concurrent use; operations are
// serialized so dependency checks cannot race with concurrent installs.
type Manager struct {
	mu         sync.Mutex
	registry   *feature.Registry
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the structured logger (defaults to slog.Default)
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New creates a manager over the given registry and dispatcher
func New(registry *feature.Registry, dispatcher *dispatch.Dispatcher, opts ...Option) (*Manager, error) {
	if registry == nil || dispatcher == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "New", "dependency validation")
	}
	m := &Manager{
		registry:   registry,
		dispatcher: dispatcher,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "Manager")
	return m, nil
}

// Install validates, registers, and initializes a feature. The feature
// becomes dispatch-visible only after its initialization hook (if any)
// succeeds; a failed hook rolls the registration back.
func (m *Manager) Install(ctx context.Context, inst Installation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.install(ctx, inst)
}

// install does the work of Install. Must be called with the lock held.
func (m *Manager) install(ctx context.Context, inst Installation) error {
	name := inst.Descriptor.Name

	if err := m.registry.RegisterHidden(inst.Handler, inst.Descriptor); err != nil {
		return err
	}

	if initializer, ok := inst.Handler.(feature.Initializer); ok {
		if err := initializer.Init(ctx); err != nil {
			// Roll back so the failed install is never visible
			if unregErr := m.registry.Unregister(name); unregErr != nil {
				m.logger.Error("rollback of failed install did not complete",
					"feature", name, "error", unregErr)
			}
			return errors.Wrap(err, "Manager", "Install", "initialization of "+name)
		}
	}

	if err := m.registry.SetVisible(name, true); err != nil {
		return err
	}

	m.logger.Info("feature installed",
		"feature", name, "version", inst.Descriptor.Version)
	return nil
}

// Uninstall removes a feature: dispatch-visibility goes first so no new
// events reach it, in-flight callbacks are drained, then the teardown hook
// runs, then the registration is removed. Fails without side effects if
// other features still depend on it.
func (m *Manager) Uninstall(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uninstall(ctx, name)
}

// uninstall does the work of Uninstall. Must be called with the lock held.
func (m *Manager) uninstall(ctx context.Context, name string) error {
	entry, exists := m.registry.Get(name)
	if !exists {
		return errors.WrapInvalid(errors.ErrUnknownFeature, "Manager", "Uninstall", "lookup of "+name)
	}
	if dependents := m.registry.Dependents(name); len(dependents) > 0 {
		return errors.WrapInvalid(errors.ErrDependentsPresent, "Manager", "Uninstall",
			"dependent check for "+name)
	}

	if err := m.registry.SetVisible(name, false); err != nil {
		return err
	}
	m.dispatcher.DrainFeature(name)

	if closer, ok := entry.Handler().(feature.Closer); ok {
		if err := closer.Close(); err != nil {
			// Teardown failure does not block removal
			m.logger.Error("feature teardown failed", "feature", name, "error", err)
		}
	}

	if err := m.registry.Unregister(name); err != nil {
		return err
	}

	m.logger.Info("feature uninstalled", "feature", name)
	return nil
}

// Reload uninstalls and reinstalls a feature with its current descriptor.
// The two steps are not atomic: other features keep handling events during
// the gap, and the reloaded feature simply does not see them.
func (m *Manager) Reload(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.registry.Get(name)
	if !exists {
		return errors.WrapInvalid(errors.ErrUnknownFeature, "Manager", "Reload", "lookup of "+name)
	}
	inst := Installation{Handler: entry.Handler(), Descriptor: entry.Descriptor()}

	if err := m.uninstall(ctx, name); err != nil {
		return err
	}
	if err := m.install(ctx, inst); err != nil {
		return errors.Wrap(err, "Manager", "Reload", "reinstall of "+name)
	}

	m.logger.Info("feature reloaded", "feature", name)
	return nil
}

// InstallAll installs a startup list in the given order. A failed install
// is logged and skipped so one bad feature does not keep the process down;
// the error for each skip is collected in the returned map.
func (m *Manager) InstallAll(ctx context.Context, installations []Installation) map[string]error {
	m.mu.Lock()
	defer m.mu.Unlock()

	failures := make(map[string]error)
	for _, inst := range installations {
		if err := m.install(ctx, inst); err != nil {
			m.logger.Error("startup install skipped",
				"feature", inst.Descriptor.Name, "error", err)
			failures[inst.Descriptor.Name] = err
		}
	}
	return failures
}

// Enable flips a feature's process-wide kill switch on
func (m *Manager) Enable(name string) error {
	return m.registry.SetEnabled(name, true)
}

// Disable flips a feature's process-wide kill switch off. Per-tenant
// overrides are untouched; the feature stops dispatching everywhere the
// override chain falls through to the flag.
func (m *Manager) Disable(name string) error {
	return m.registry.SetEnabled(name, false)
}

// Stats returns the performance snapshot for one feature
func (m *Manager) Stats(name string) (feature.StatsSnapshot, error) {
	entry, exists := m.registry.Get(name)
	if !exists {
		return feature.StatsSnapshot{}, errors.WrapInvalid(errors.ErrUnknownFeature, "Manager", "Stats", "lookup of "+name)
	}
	return entry.Stats().GetSnapshot(), nil
}

// StatsAll returns performance snapshots for every installed feature
func (m *Manager) StatsAll() map[string]feature.StatsSnapshot {
	out := make(map[string]feature.StatsSnapshot)
	for _, name := range m.registry.Names() {
		if entry, exists := m.registry.Get(name); exists {
			out[name] = entry.Stats().GetSnapshot()
		}
	}
	return out
}

// UninstallAll tears down every feature in reverse resolved order, so
// dependents go before their dependencies. Used at shutdown.
func (m *Manager) UninstallAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order := m.registry.ResolveOrder()
	for i := len(order) - 1; i >= 0; i-- {
		if err := m.uninstall(ctx, order[i]); err != nil {
			m.logger.Error("shutdown uninstall failed", "feature", order[i], "error", err)
		}
	}
}
