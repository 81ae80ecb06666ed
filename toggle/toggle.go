// Package toggle resolves whether a feature is active for a given tenant.
//
// Resolution walks a fixed chain: an explicit per-tenant override, then the
// feature's process-wide enable flag, then the feature's declared default.
// Overrides are persisted through the state cache under the key
// "toggle:{tenant}:{feature}".
package toggle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/c360/botstreams/errors"
	"github.com/c360/botstreams/feature"
	"github.com/c360/botstreams/statecache"
	"github.com/c360/botstreams/types"
)

// override is the persisted blob for a per-tenant toggle
type override struct {
	Enabled bool `json:"enabled"`
}

// Store answers per-tenant enablement questions for the dispatcher and
// accepts override writes from the admin surface. It never invokes feature
// code.
type Store struct {
	registry *feature.Registry
	cache    *statecache.Cache
	logger   *slog.Logger
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the structured logger (defaults to slog.Default)
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates a toggle store over the given registry and cache
func NewStore(registry *feature.Registry, cache *statecache.Cache, opts ...Option) (*Store, error) {
	if registry == nil || cache == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "toggle", "NewStore", "dependency validation")
	}
	s := &Store{
		registry: registry,
		cache:    cache,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "toggle.Store")
	return s, nil
}

// Key returns the storage key for a tenant's override of a feature
func Key(tenant types.TenantID, featureName string) string {
	return fmt.Sprintf("toggle:%s:%s", tenant, featureName)
}

// IsEnabled reports whether featureName is active for tenant. An unknown
// feature is simply not enabled. A storage failure on the override lookup
// falls back to the flag and default rather than blocking dispatch.
func (s *Store) IsEnabled(ctx context.Context, tenant types.TenantID, featureName string) bool {
	entry, exists := s.registry.Get(featureName)
	if !exists {
		return false
	}

	if tenant != types.None {
		blob, err := s.cache.Get(ctx, Key(tenant, featureName))
		if err != nil {
			s.logger.Warn("override lookup failed, falling back to defaults",
				"tenant", tenant, "feature", featureName, "error", err)
		} else if blob != nil {
			var ov override
			if err := json.Unmarshal(blob, &ov); err != nil {
				s.logger.Warn("corrupt override blob ignored",
					"tenant", tenant, "feature", featureName, "error", err)
			} else {
				return ov.Enabled
			}
		}
	}

	if !entry.Enabled() {
		return false
	}
	return entry.Descriptor().DefaultEnabled
}

// SetEnabled writes a per-tenant override. It fails if the feature is not
// registered. The write lands in the cache immediately and reaches storage
// through the cache's flush path.
func (s *Store) SetEnabled(ctx context.Context, tenant types.TenantID, featureName string, enabled bool) error {
	if _, exists := s.registry.Get(featureName); !exists {
		return errors.WrapInvalid(errors.ErrUnknownFeature, "toggle.Store", "SetEnabled", "lookup of "+featureName)
	}
	if tenant == types.None {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "toggle.Store", "SetEnabled", "tenant validation")
	}

	blob, err := json.Marshal(override{Enabled: enabled})
	if err != nil {
		return errors.WrapFatal(err, "toggle.Store", "SetEnabled", "override encoding")
	}
	if err := s.cache.Set(ctx, Key(tenant, featureName), blob); err != nil {
		return errors.WrapTransient(err, "toggle.Store", "SetEnabled", "override write")
	}

	s.logger.Info("toggle override set",
		"tenant", tenant, "feature", featureName, "enabled", enabled)
	return nil
}

// DependencyEnabled reports whether a named dependency is active for the
// given tenant, resolving the full override chain. Features use it to adapt
// behavior instead of hard-failing; unlike IsEnabled it distinguishes an
// unknown name from a disabled one.
func (s *Store) DependencyEnabled(ctx context.Context, tenant types.TenantID, featureName string) (bool, error) {
	if _, exists := s.registry.Get(featureName); !exists {
		return false, errors.WrapInvalid(errors.ErrUnknownFeature, "toggle.Store", "DependencyEnabled", "lookup of "+featureName)
	}
	return s.IsEnabled(ctx, tenant, featureName), nil
}

// ClearOverride removes a tenant's override so resolution falls back to the
// process flag and declared default.
func (s *Store) ClearOverride(ctx context.Context, tenant types.TenantID, featureName string) error {
	if _, exists := s.registry.Get(featureName); !exists {
		return errors.WrapInvalid(errors.ErrUnknownFeature, "toggle.Store", "ClearOverride", "lookup of "+featureName)
	}
	if err := s.cache.Delete(ctx, Key(tenant, featureName)); err != nil {
		return errors.WrapTransient(err, "toggle.Store", "ClearOverride", "override delete")
	}
	return nil
}
