// Package dispatch routes incoming events through the ordered chain of
// enabled features.
//
// Events for different tenants are processed concurrently; events for the
// same tenant flow through a FIFO lane so they are never reordered relative
// to each other. Within one event the chain is strictly sequential: each
// feature gets the event in priority order until one consumes it. A
// feature's failure or timeout is recorded and logged, never surfaced to
// the event's originator.
package dispatch

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/c360/botstreams/errors"
	"github.com/c360/botstreams/feature"
	"github.com/c360/botstreams/metric"
	"github.com/c360/botstreams/toggle"
	"github.com/c360/botstreams/types"
)

// Config sizes the dispatcher
type Config struct {
	// Lanes is the number of tenant FIFO lanes (defaults to 16). A tenant
	// maps to exactly one lane, so per-tenant ordering holds.
	Lanes int

	// QueueSize is the per-lane buffer (defaults to 256)
	QueueSize int

	// Budget bounds a single feature callback (defaults to 3s)
	Budget time.Duration
}

func (c *Config) applyDefaults() {
	if c.Lanes <= 0 {
		c.Lanes = 16
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Budget <= 0 {
		c.Budget = 3 * time.Second
	}
}

// Dispatcher consumes events and invokes feature callbacks in registry
// order. Create with New, then Start; Submit enqueues events until Stop.
type Dispatcher struct {
	cfg      Config
	registry *feature.Registry
	toggles  *toggle.Store
	logger   *slog.Logger
	metrics  *metrics

	lanes    []chan types.Event
	started  bool
	stopping bool
	stateMu  sync.Mutex
	stopCh   chan struct{}
	wg       sync.WaitGroup
	submitWG sync.WaitGroup

	// inflight tracks running callbacks per feature so the manager can
	// drain a feature before teardown
	inflightMu sync.Mutex
	inflight   map[string]*sync.WaitGroup

	// lastSeq tracks the highest sequence seen per tenant, for ordering
	// diagnostics only
	seqMu   sync.Mutex
	lastSeq map[types.TenantID]uint64
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the structured logger (defaults to slog.Default)
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New creates a dispatcher over the given registry and toggle store.
// Metrics are registered immediately; pass a nil registrar to skip export.
func New(registry *feature.Registry, toggles *toggle.Store, cfg Config, registrar metric.Registrar, opts ...Option) (*Dispatcher, error) {
	if registry == nil || toggles == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Dispatcher", "New", "dependency validation")
	}
	cfg.applyDefaults()

	m, err := newMetrics(registrar)
	if err != nil {
		return nil, errors.WrapFatal(err, "Dispatcher", "New", "metrics registration")
	}

	d := &Dispatcher{
		cfg:      cfg,
		registry: registry,
		toggles:  toggles,
		logger:   slog.Default(),
		metrics:  m,
		inflight: make(map[string]*sync.WaitGroup),
		lastSeq:  make(map[types.TenantID]uint64),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "Dispatcher")
	return d, nil
}

// Start spins up the lane workers
func (d *Dispatcher) Start() error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	if d.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Dispatcher", "Start", "state check")
	}

	d.stopCh = make(chan struct{})
	d.lanes = make([]chan types.Event, d.cfg.Lanes)
	for i := range d.lanes {
		d.lanes[i] = make(chan types.Event, d.cfg.QueueSize)
		d.wg.Add(1)
		go d.laneLoop(i, d.lanes[i])
	}
	d.started = true

	d.logger.Info("dispatcher started", "lanes", d.cfg.Lanes, "budget", d.cfg.Budget)
	return nil
}

// Stop drains the lanes and waits for in-flight callbacks. New Submit
// calls fail immediately; in-flight ones complete before the lanes close,
// so an accepted event is delivered, never silently dropped.
func (d *Dispatcher) Stop() error {
	d.stateMu.Lock()
	if !d.started || d.stopping {
		d.stateMu.Unlock()
		return errors.WrapInvalid(errors.ErrNotStarted, "Dispatcher", "Stop", "state check")
	}
	d.stopping = true
	d.stateMu.Unlock()

	// Lane workers keep consuming until stopCh closes, so a Submit blocked
	// on a full lane still makes progress here
	d.submitWG.Wait()
	close(d.stopCh)
	d.wg.Wait()

	d.stateMu.Lock()
	d.started = false
	d.stopping = false
	d.stateMu.Unlock()

	d.logger.Info("dispatcher stopped")
	return nil
}

// Submit enqueues an event on its tenant's lane. It blocks when the lane is
// full, applying backpressure to the transport, and fails once the
// dispatcher is stopping.
func (d *Dispatcher) Submit(ctx context.Context, event types.Event) error {
	d.stateMu.Lock()
	if !d.started || d.stopping {
		d.stateMu.Unlock()
		return errors.WrapInvalid(errors.ErrNotStarted, "Dispatcher", "Submit", "state check")
	}
	d.submitWG.Add(1)
	d.stateMu.Unlock()
	defer d.submitWG.Done()

	lane := d.laneFor(event.Tenant)
	select {
	case d.lanes[lane] <- event:
		d.metrics.laneDepth.WithLabelValues(strconv.Itoa(lane)).Set(float64(len(d.lanes[lane])))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DrainFeature blocks until no callback for the named feature is running.
// New events continue to flow; the caller is expected to have removed the
// feature's dispatch-visibility first.
func (d *Dispatcher) DrainFeature(name string) {
	d.inflightMu.Lock()
	wg := d.inflight[name]
	d.inflightMu.Unlock()
	if wg != nil {
		wg.Wait()
	}
}

// laneFor maps a tenant to its lane. The zero tenant shares lane 0 traffic
// with whatever else hashes there, which is fine: non-tenant events only
// need FIFO among themselves.
func (d *Dispatcher) laneFor(tenant types.TenantID) int {
	h := fnv.New32a()
	h.Write([]byte(tenant))
	return int(h.Sum32() % uint32(len(d.lanes)))
}

// laneLoop is one tenant lane: strict FIFO, one event fully routed before
// the next begins.
func (d *Dispatcher) laneLoop(lane int, ch chan types.Event) {
	defer d.wg.Done()
	gauge := d.metrics.laneDepth.WithLabelValues(strconv.Itoa(lane))

	for {
		select {
		case event := <-ch:
			gauge.Set(float64(len(ch)))
			d.Route(context.Background(), event)
		case <-d.stopCh:
			// Drain what was already accepted
			for {
				select {
				case event := <-ch:
					d.Route(context.Background(), event)
				default:
					gauge.Set(0)
					return
				}
			}
		}
	}
}

// Route runs one event through the dispatch chain and reports whether any
// feature consumed it. Feature failures and timeouts are recorded in stats
// and logged; they never abort the chain or surface to the caller.
func (d *Dispatcher) Route(ctx context.Context, event types.Event) bool {
	d.metrics.eventsReceived.Inc()

	// Loop guard: events authored by a feature are never dispatched back
	// into the chain.
	if event.AuthorIsFeature {
		d.metrics.eventsDropped.Inc()
		return false
	}

	d.checkSequence(event)

	for _, entry := range d.registry.DispatchOrder() {
		if !entry.Visible() {
			continue
		}
		if !entry.Enabled() {
			d.metrics.invocations.WithLabelValues(entry.Name(), types.OutcomeSkipped.String()).Inc()
			continue
		}
		if !d.toggles.IsEnabled(ctx, event.Tenant, entry.Name()) {
			d.metrics.invocations.WithLabelValues(entry.Name(), types.OutcomeSkipped.String()).Inc()
			continue
		}

		if d.invoke(ctx, entry, event) {
			d.metrics.eventsConsumed.Inc()
			return true
		}
	}
	return false
}

// invoke runs a single feature callback under the time budget and returns
// whether the feature consumed the event.
func (d *Dispatcher) invoke(ctx context.Context, entry *feature.Entry, event types.Event) bool {
	name := entry.Name()
	stats := entry.Stats()

	wg := d.inflightFor(name)
	wg.Add(1)

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.Budget)
	defer cancel()

	type result struct {
		consumed bool
		err      error
	}
	resultCh := make(chan result, 1)
	start := time.Now()

	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("feature callback panicked",
					"feature", name,
					"event", event.ID,
					"panic", r,
					"stack", string(debug.Stack()))
				resultCh <- result{err: errors.WrapFatal(
					fmt.Errorf("%w: panic: %v", errors.ErrFeatureExecution, r),
					"Dispatcher", "invoke", "callback for "+name)}
			}
		}()
		consumed, err := entry.Handler().HandleEvent(callCtx, event)
		resultCh <- result{consumed: consumed, err: err}
	}()

	select {
	case res := <-resultCh:
		latency := time.Since(start)
		stats.RecordCall(latency)
		d.metrics.invocationTime.WithLabelValues(name).Observe(latency.Seconds())

		if res.err != nil {
			stats.RecordError(res.err)
			d.metrics.invocations.WithLabelValues(name, types.OutcomeErrored.String()).Inc()
			d.logger.Error("feature callback failed",
				"feature", name, "event", event.ID, "tenant", event.Tenant, "error", res.err)
			return false
		}
		if res.consumed {
			stats.RecordConsumed()
			d.metrics.invocations.WithLabelValues(name, types.OutcomeConsumed.String()).Inc()
			return true
		}
		d.metrics.invocations.WithLabelValues(name, types.OutcomePassed.String()).Inc()
		return false

	case <-callCtx.Done():
		// The callback keeps running on its goroutine and is abandoned;
		// DrainFeature still waits for it to finish.
		latency := time.Since(start)
		stats.RecordCall(latency)
		stats.RecordTimeout()
		d.metrics.invocationTime.WithLabelValues(name).Observe(latency.Seconds())
		d.metrics.invocations.WithLabelValues(name, types.OutcomeTimedOut.String()).Inc()
		d.logger.Warn("feature callback exceeded time budget",
			"feature", name, "event", event.ID, "tenant", event.Tenant, "budget", d.cfg.Budget)
		return false
	}
}

// inflightFor returns the per-feature drain group, creating it on first use
func (d *Dispatcher) inflightFor(name string) *sync.WaitGroup {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	wg, exists := d.inflight[name]
	if !exists {
		wg = &sync.WaitGroup{}
		d.inflight[name] = wg
	}
	return wg
}

// checkSequence logs when a tenant's events arrive out of sequence order.
// Sequence numbers are diagnostic only and never affect routing.
func (d *Dispatcher) checkSequence(event types.Event) {
	if event.Sequence == 0 {
		return
	}
	d.seqMu.Lock()
	last := d.lastSeq[event.Tenant]
	if event.Sequence > last {
		d.lastSeq[event.Tenant] = event.Sequence
	}
	d.seqMu.Unlock()

	if last != 0 && event.Sequence <= last {
		d.metrics.sequenceSkips.Inc()
		d.logger.Warn("event observed out of sequence order",
			"tenant", event.Tenant, "sequence", event.Sequence, "last", last)
	}
}
