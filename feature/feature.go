// Package feature defines the installable unit of bot behavior and the
// registry that owns the installed set.
//
// A feature is opaque to the runtime: a name, a version, a dependency list,
// a dispatch priority, and a callback that may consume an event. The
// registry validates the dependency graph, resolves deterministic load and
// dispatch orderings, and tracks per-feature performance counters.
package feature

import (
	"context"

	"github.com/c360/botstreams/types"
)

// Handler is the callback surface a feature exposes to the dispatcher.
// HandleEvent returns true when the feature consumed the event, which stops
// propagation to lower-priority features in the same chain.
type Handler interface {
	HandleEvent(ctx context.Context, event types.Event) (consumed bool, err error)
}

// HandlerFunc adapts a plain function to the Handler interface
type HandlerFunc func(ctx context.Context, event types.Event) (bool, error)

// HandleEvent implements Handler
func (f HandlerFunc) HandleEvent(ctx context.Context, event types.Event) (bool, error) {
	return f(ctx, event)
}

// Initializer is implemented by handlers that need setup before they become
// dispatch-visible. The manager calls Init in resolved dependency order.
type Initializer interface {
	Init(ctx context.Context) error
}

// Closer is implemented by handlers that need teardown at uninstall, after
// the dispatcher has drained their in-flight callbacks.
type Closer interface {
	Close() error
}

// Descriptor is the static metadata of a feature
type Descriptor struct {
	// Name uniquely identifies the feature in the registry
	Name string

	// Version is the feature's semantic version, informational only
	Version string

	// Description is a short human-readable summary
	Description string

	// Dependencies names features that must be registered before this one
	Dependencies []string

	// Priority orders dispatch, lower runs earlier
	Priority int

	// DefaultEnabled is the toggle default when neither a tenant override
	// nor a process-wide disable applies
	DefaultEnabled bool
}
