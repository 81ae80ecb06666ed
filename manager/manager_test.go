package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/botstreams/dispatch"
	"github.com/c360/botstreams/errors"
	"github.com/c360/botstreams/feature"
	"github.com/c360/botstreams/statecache"
	"github.com/c360/botstreams/storage"
	"github.com/c360/botstreams/toggle"
	"github.com/c360/botstreams/types"
)

// lifecycleHandler records Init and Close calls and can fail either
type lifecycleHandler struct {
	initCalls  int
	closeCalls int
	initErr    error
	consume    bool
}

func (h *lifecycleHandler) HandleEvent(ctx context.Context, event types.Event) (bool, error) {
	return h.consume, nil
}

func (h *lifecycleHandler) Init(ctx context.Context) error {
	h.initCalls++
	return h.initErr
}

func (h *lifecycleHandler) Close() error {
	h.closeCalls++
	return nil
}

type fixture struct {
	registry   *feature.Registry
	dispatcher *dispatch.Dispatcher
	manager    *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cache, err := statecache.New(storage.NewMemoryStore(), statecache.Config{Capacity: 64, TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	registry := feature.NewRegistry()
	toggles, err := toggle.NewStore(registry, cache)
	require.NoError(t, err)
	dispatcher, err := dispatch.New(registry, toggles, dispatch.Config{}, nil)
	require.NoError(t, err)

	m, err := New(registry, dispatcher, WithLogger(nil))
	require.NoError(t, err)
	return &fixture{registry: registry, dispatcher: dispatcher, manager: m}
}

func install(name string, deps ...string) Installation {
	return Installation{
		Handler: &lifecycleHandler{consume: true},
		Descriptor: feature.Descriptor{
			Name:           name,
			Version:        "1.0.0",
			Dependencies:   deps,
			DefaultEnabled: true,
		},
	}
}

func TestInstallRunsInitBeforeVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	handler := &lifecycleHandler{consume: true}
	inst := install("greeter")
	inst.Handler = handler

	require.NoError(t, f.manager.Install(ctx, inst))
	assert.Equal(t, 1, handler.initCalls)

	entry, exists := f.registry.Get("greeter")
	require.True(t, exists)
	assert.True(t, entry.Visible())

	// The installed feature actually dispatches
	consumed := f.dispatcher.Route(ctx, types.NewEvent("guild-1", "user-1", nil, 1))
	assert.True(t, consumed)
}

func TestInstallInitFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst := install("broken")
	inst.Handler = &lifecycleHandler{initErr: errors.ErrStorageUnavailable}

	err := f.manager.Install(ctx, inst)
	require.Error(t, err)

	// All-or-nothing: the failed install is not registered at all
	_, exists := f.registry.Get("broken")
	assert.False(t, exists)
	assert.Equal(t, 0, f.registry.Len())
}

func TestInstallDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.Install(ctx, install("greeter")))
	err := f.manager.Install(ctx, install("greeter"))
	assert.ErrorIs(t, err, errors.ErrDuplicateName)
	assert.Equal(t, 1, f.registry.Len())
}

func TestInstallMissingDependency(t *testing.T) {
	f := newFixture(t)
	err := f.manager.Install(context.Background(), install("shop", "economy"))
	assert.ErrorIs(t, err, errors.ErrMissingDependency)
	assert.Equal(t, 0, f.registry.Len())
}

func TestUninstallLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	handler := &lifecycleHandler{consume: true}
	inst := install("greeter")
	inst.Handler = handler
	require.NoError(t, f.manager.Install(ctx, inst))

	require.NoError(t, f.manager.Uninstall(ctx, "greeter"))
	assert.Equal(t, 1, handler.closeCalls)
	assert.Equal(t, 0, f.registry.Len())

	// Post-uninstall events fall through
	consumed := f.dispatcher.Route(ctx, types.NewEvent("guild-1", "user-1", nil, 1))
	assert.False(t, consumed)
}

func TestUninstallWithDependents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.Install(ctx, install("economy")))
	require.NoError(t, f.manager.Install(ctx, install("shop", "economy")))

	err := f.manager.Uninstall(ctx, "economy")
	assert.ErrorIs(t, err, errors.ErrDependentsPresent)

	// Still installed and dispatch-visible
	entry, exists := f.registry.Get("economy")
	require.True(t, exists)
	assert.True(t, entry.Visible())

	require.NoError(t, f.manager.Uninstall(ctx, "shop"))
	require.NoError(t, f.manager.Uninstall(ctx, "economy"))
}

func TestUninstallUnknown(t *testing.T) {
	f := newFixture(t)
	err := f.manager.Uninstall(context.Background(), "ghost")
	assert.ErrorIs(t, err, errors.ErrUnknownFeature)
}

func TestReload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	handler := &lifecycleHandler{consume: true}
	inst := install("greeter")
	inst.Handler = handler
	require.NoError(t, f.manager.Install(ctx, inst))

	require.NoError(t, f.manager.Reload(ctx, "greeter"))

	// Full lifecycle ran again
	assert.Equal(t, 2, handler.initCalls)
	assert.Equal(t, 1, handler.closeCalls)

	entry, exists := f.registry.Get("greeter")
	require.True(t, exists)
	assert.True(t, entry.Visible())
}

func TestInstallAllSkipsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	failing := install("broken")
	failing.Handler = &lifecycleHandler{initErr: errors.ErrStorageUnavailable}

	failures := f.manager.InstallAll(ctx, []Installation{
		install("moderation"),
		failing,
		install("leveling"),
	})

	// One bad feature does not block the others
	assert.Len(t, failures, 1)
	assert.Contains(t, failures, "broken")
	assert.Equal(t, 2, f.registry.Len())
}

func TestEnableDisable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.Install(ctx, install("greeter")))
	require.NoError(t, f.manager.Disable("greeter"))

	consumed := f.dispatcher.Route(ctx, types.NewEvent("guild-1", "user-1", nil, 1))
	assert.False(t, consumed)

	require.NoError(t, f.manager.Enable("greeter"))
	consumed = f.dispatcher.Route(ctx, types.NewEvent("guild-1", "user-1", nil, 2))
	assert.True(t, consumed)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.Install(ctx, install("greeter")))
	f.dispatcher.Route(ctx, types.NewEvent("guild-1", "user-1", nil, 1))

	snap, err := f.manager.Stats("greeter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Calls)
	assert.Equal(t, int64(1), snap.Consumed)

	all := f.manager.StatsAll()
	assert.Contains(t, all, "greeter")

	_, err = f.manager.Stats("ghost")
	assert.ErrorIs(t, err, errors.ErrUnknownFeature)
}

func TestUninstallAllReverseOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.Install(ctx, install("economy")))
	require.NoError(t, f.manager.Install(ctx, install("shop", "economy")))
	require.NoError(t, f.manager.Install(ctx, install("auction", "shop")))

	f.manager.UninstallAll(ctx)
	assert.Equal(t, 0, f.registry.Len())
}
