package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/botstreams/errors"
	"github.com/c360/botstreams/feature"
	"github.com/c360/botstreams/statecache"
	"github.com/c360/botstreams/storage"
	"github.com/c360/botstreams/toggle"
	"github.com/c360/botstreams/types"
)

type fixture struct {
	registry   *feature.Registry
	toggles    *toggle.Store
	dispatcher *Dispatcher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	cache, err := statecache.New(storage.NewMemoryStore(), statecache.Config{Capacity: 64, TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	registry := feature.NewRegistry()
	toggles, err := toggle.NewStore(registry, cache)
	require.NoError(t, err)

	d, err := New(registry, toggles, cfg, nil)
	require.NoError(t, err)
	return &fixture{registry: registry, toggles: toggles, dispatcher: d}
}

func (f *fixture) register(t *testing.T, name string, priority int, handler feature.Handler) {
	t.Helper()
	require.NoError(t, f.registry.Register(handler, feature.Descriptor{
		Name:           name,
		Priority:       priority,
		DefaultEnabled: true,
	}))
}

func event(tenant types.TenantID, seq uint64) types.Event {
	return types.NewEvent(tenant, "user-1", []byte("hello"), seq)
}

func TestRoutePriorityOrderFirstConsumerWins(t *testing.T) {
	f := newFixture(t, Config{})

	var order []string
	var mu sync.Mutex
	record := func(name string, consume bool) feature.Handler {
		return feature.HandlerFunc(func(ctx context.Context, ev types.Event) (bool, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return consume, nil
		})
	}

	f.register(t, "leveling", 50, record("leveling", true))
	f.register(t, "moderation", 10, record("moderation", true))

	consumed := f.dispatcher.Route(context.Background(), event("guild-1", 1))
	assert.True(t, consumed)

	// Moderation (priority 10) gets first refusal; leveling never runs
	assert.Equal(t, []string{"moderation"}, order)
}

func TestRoutePassedContinuesChain(t *testing.T) {
	f := newFixture(t, Config{})

	var invoked []string
	var mu sync.Mutex
	pass := func(name string) feature.Handler {
		return feature.HandlerFunc(func(ctx context.Context, ev types.Event) (bool, error) {
			mu.Lock()
			invoked = append(invoked, name)
			mu.Unlock()
			return false, nil
		})
	}

	f.register(t, "first", 10, pass("first"))
	f.register(t, "second", 20, pass("second"))

	consumed := f.dispatcher.Route(context.Background(), event("guild-1", 1))
	assert.False(t, consumed)
	assert.Equal(t, []string{"first", "second"}, invoked)
}

func TestRouteErrorDoesNotBlockChain(t *testing.T) {
	f := newFixture(t, Config{})

	failing := feature.HandlerFunc(func(ctx context.Context, ev types.Event) (bool, error) {
		return false, errors.ErrFeatureExecution
	})
	var reached atomic.Bool
	sink := feature.HandlerFunc(func(ctx context.Context, ev types.Event) (bool, error) {
		reached.Store(true)
		return true, nil
	})

	f.register(t, "broken", 10, failing)
	f.register(t, "sink", 20, sink)

	consumed := f.dispatcher.Route(context.Background(), event("guild-1", 1))
	assert.True(t, consumed)
	assert.True(t, reached.Load())

	entry, _ := f.registry.Get("broken")
	snap := entry.Stats().GetSnapshot()
	assert.Equal(t, int64(1), snap.Errored)
	assert.Equal(t, int64(1), snap.Calls)
}

func TestRoutePanicRecordedAsError(t *testing.T) {
	f := newFixture(t, Config{})

	f.register(t, "panicky", 10, feature.HandlerFunc(func(ctx context.Context, ev types.Event) (bool, error) {
		panic("boom")
	}))
	var reached atomic.Bool
	f.register(t, "sink", 20, feature.HandlerFunc(func(ctx context.Context, ev types.Event) (bool, error) {
		reached.Store(true)
		return false, nil
	}))

	consumed := f.dispatcher.Route(context.Background(), event("guild-1", 1))
	assert.False(t, consumed)
	assert.True(t, reached.Load())

	entry, _ := f.registry.Get("panicky")
	assert.Equal(t, int64(1), entry.Stats().GetSnapshot().Errored)
}

func TestRouteTimeoutContinuesChain(t *testing.T) {
	f := newFixture(t, Config{Budget: 30 * time.Millisecond})

	release := make(chan struct{})
	f.register(t, "stuck", 10, feature.HandlerFunc(func(ctx context.Context, ev types.Event) (bool, error) {
		<-release
		return true, nil
	}))
	var reached atomic.Bool
	f.register(t, "sink", 20, feature.HandlerFunc(func(ctx context.Context, ev types.Event) (bool, error) {
		reached.Store(true)
		return true, nil
	}))

	consumed := f.dispatcher.Route(context.Background(), event("guild-1", 1))
	close(release)

	assert.True(t, consumed)
	assert.True(t, reached.Load())

	entry, _ := f.registry.Get("stuck")
	snap := entry.Stats().GetSnapshot()
	assert.Equal(t, int64(1), snap.TimedOut)
}

func TestRouteSkipsDisabledFeature(t *testing.T) {
	f := newFixture(t, Config{})

	var invoked atomic.Bool
	f.register(t, "greeter", 10, feature.HandlerFunc(func(ctx context.Context, ev types.Event) (bool, error) {
		invoked.Store(true)
		return true, nil
	}))
	require.NoError(t, f.registry.SetEnabled("greeter", false))

	consumed := f.dispatcher.Route(context.Background(), event("guild-1", 1))
	assert.False(t, consumed)
	assert.False(t, invoked.Load())
}

func TestRouteSkipsTenantDisabledFeature(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	var invoked atomic.Int64
	f.register(t, "greeter", 10, feature.HandlerFunc(func(c context.Context, ev types.Event) (bool, error) {
		invoked.Add(1)
		return true, nil
	}))
	require.NoError(t, f.toggles.SetEnabled(ctx, "guild-muted", "greeter", false))

	assert.False(t, f.dispatcher.Route(ctx, event("guild-muted", 1)))
	assert.True(t, f.dispatcher.Route(ctx, event("guild-other", 1)))
	assert.Equal(t, int64(1), invoked.Load())
}

func TestRouteDropsFeatureAuthoredEvents(t *testing.T) {
	f := newFixture(t, Config{})

	var invoked atomic.Bool
	f.register(t, "echo", 10, feature.HandlerFunc(func(ctx context.Context, ev types.Event) (bool, error) {
		invoked.Store(true)
		return true, nil
	}))

	ev := event("guild-1", 1)
	ev.AuthorIsFeature = true

	assert.False(t, f.dispatcher.Route(context.Background(), ev))
	assert.False(t, invoked.Load())
}

func TestSubmitRequiresStart(t *testing.T) {
	f := newFixture(t, Config{})
	err := f.dispatcher.Submit(context.Background(), event("guild-1", 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotStarted)
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t, Config{Lanes: 2})

	require.NoError(t, f.dispatcher.Start())
	assert.ErrorIs(t, f.dispatcher.Start(), errors.ErrAlreadyStarted)

	require.NoError(t, f.dispatcher.Stop())
	assert.ErrorIs(t, f.dispatcher.Stop(), errors.ErrNotStarted)

	// Restart works
	require.NoError(t, f.dispatcher.Start())
	require.NoError(t, f.dispatcher.Stop())
}

func TestPerTenantFIFOOrdering(t *testing.T) {
	f := newFixture(t, Config{Lanes: 4, QueueSize: 64})
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[types.TenantID][]uint64)
	f.register(t, "recorder", 10, feature.HandlerFunc(func(c context.Context, ev types.Event) (bool, error) {
		mu.Lock()
		seen[ev.Tenant] = append(seen[ev.Tenant], ev.Sequence)
		mu.Unlock()
		return true, nil
	}))

	require.NoError(t, f.dispatcher.Start())

	tenants := []types.TenantID{"guild-a", "guild-b", "guild-c"}
	for seq := uint64(1); seq <= 20; seq++ {
		for _, tenant := range tenants {
			require.NoError(t, f.dispatcher.Submit(ctx, event(tenant, seq)))
		}
	}
	require.NoError(t, f.dispatcher.Stop())

	for _, tenant := range tenants {
		require.Len(t, seen[tenant], 20, "tenant %s", tenant)
		for i, seq := range seen[tenant] {
			assert.Equal(t, uint64(i+1), seq, "tenant %s position %d", tenant, i)
		}
	}
}

func TestSubmitRacingStopNeverLosesAcceptedEvents(t *testing.T) {
	f := newFixture(t, Config{Lanes: 2, QueueSize: 4})
	ctx := context.Background()

	var delivered atomic.Int64
	f.register(t, "counter", 10, feature.HandlerFunc(func(c context.Context, ev types.Event) (bool, error) {
		delivered.Add(1)
		return true, nil
	}))

	require.NoError(t, f.dispatcher.Start())

	const attempts = 200
	var rejected atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			tenant := types.TenantID(fmt.Sprintf("guild-%d", worker))
			for seq := uint64(1); seq <= attempts/4; seq++ {
				if err := f.dispatcher.Submit(ctx, event(tenant, seq)); err != nil {
					rejected.Add(1)
				}
			}
		}(i)
	}

	// Stop while submissions are in flight
	time.Sleep(time.Millisecond)
	require.NoError(t, f.dispatcher.Stop())
	wg.Wait()

	// Every attempt either reached a feature or was rejected with an error
	assert.Equal(t, int64(attempts), delivered.Load()+rejected.Load())
}

func TestDrainFeatureWaitsForInflightCallback(t *testing.T) {
	f := newFixture(t, Config{Budget: 20 * time.Millisecond})

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	f.register(t, "slow", 10, feature.HandlerFunc(func(ctx context.Context, ev types.Event) (bool, error) {
		close(entered)
		<-release
		finished.Store(true)
		return true, nil
	}))

	done := make(chan struct{})
	go func() {
		f.dispatcher.Route(context.Background(), event("guild-1", 1))
		close(done)
	}()

	<-entered
	<-done // Route returns after the budget, abandoning the callback

	drained := make(chan struct{})
	go func() {
		f.dispatcher.DrainFeature("slow")
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("drain returned while callback still running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drain never completed")
	}
	assert.True(t, finished.Load())
}

func TestConcurrentTenantsProcessedIndependently(t *testing.T) {
	f := newFixture(t, Config{Lanes: 8, QueueSize: 16, Budget: time.Second})
	ctx := context.Background()

	var calls atomic.Int64
	f.register(t, "counter", 10, feature.HandlerFunc(func(c context.Context, ev types.Event) (bool, error) {
		calls.Add(1)
		return true, nil
	}))

	require.NoError(t, f.dispatcher.Start())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tenant := types.TenantID(fmt.Sprintf("guild-%d", n))
			for seq := uint64(1); seq <= 10; seq++ {
				_ = f.dispatcher.Submit(ctx, event(tenant, seq))
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, f.dispatcher.Stop())

	assert.Equal(t, int64(100), calls.Load())
}
