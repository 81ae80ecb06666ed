package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/botstreams/metric"
)

const metricsComponent = "dispatch"

// metrics holds the dispatcher's prometheus collectors
type metrics struct {
	eventsReceived prometheus.Counter
	eventsDropped  prometheus.Counter
	eventsConsumed prometheus.Counter
	invocations    *prometheus.CounterVec // labels: feature, outcome
	invocationTime *prometheus.HistogramVec
	laneDepth      *prometheus.GaugeVec
	sequenceSkips  prometheus.Counter
}

func newMetrics(registrar metric.Registrar) (*metrics, error) {
	m := &metrics{
		eventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botstreams_dispatch_events_received_total",
			Help: "Events accepted for dispatch",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botstreams_dispatch_events_dropped_total",
			Help: "Events dropped before dispatch (feature-authored loop guard)",
		}),
		eventsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botstreams_dispatch_events_consumed_total",
			Help: "Events consumed by some feature",
		}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "botstreams_dispatch_invocations_total",
			Help: "Feature callback invocations by outcome",
		}, []string{"feature", "outcome"}),
		invocationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "botstreams_dispatch_invocation_seconds",
			Help:    "Feature callback latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"feature"}),
		laneDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "botstreams_dispatch_lane_depth",
			Help: "Queued events per tenant lane",
		}, []string{"lane"}),
		sequenceSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botstreams_dispatch_sequence_skips_total",
			Help: "Events observed out of sequence order within a tenant",
		}),
	}

	if registrar == nil {
		return m, nil
	}
	if err := registrar.RegisterCounter(metricsComponent, "events_received", m.eventsReceived); err != nil {
		return nil, err
	}
	if err := registrar.RegisterCounter(metricsComponent, "events_dropped", m.eventsDropped); err != nil {
		return nil, err
	}
	if err := registrar.RegisterCounter(metricsComponent, "events_consumed", m.eventsConsumed); err != nil {
		return nil, err
	}
	if err := registrar.RegisterCounterVec(metricsComponent, "invocations", m.invocations); err != nil {
		return nil, err
	}
	if err := registrar.RegisterHistogramVec(metricsComponent, "invocation_seconds", m.invocationTime); err != nil {
		return nil, err
	}
	if err := registrar.RegisterGaugeVec(metricsComponent, "lane_depth", m.laneDepth); err != nil {
		return nil, err
	}
	if err := registrar.RegisterCounter(metricsComponent, "sequence_skips", m.sequenceSkips); err != nil {
		return nil, err
	}
	return m, nil
}
