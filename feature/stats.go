package feature

import (
	"sync"
	"sync/atomic"
	"time"
)

// latencyAlpha is the smoothing factor for the exponentially weighted
// moving average of callback latency.
const latencyAlpha = 0.2

// Stats tracks a single feature's runtime health. Counters are atomic so
// the dispatcher can record outcomes without serializing on the registry.
type Stats struct {
	calls    atomic.Int64
	consumed atomic.Int64
	errored  atomic.Int64
	timedOut atomic.Int64

	mu           sync.Mutex
	avgLatency   time.Duration
	lastError    string
	lastErrorAt  time.Time
	lastActivity time.Time
}

// NewStats creates a stats tracker
func NewStats() *Stats {
	return &Stats{}
}

// RecordCall records an invocation and folds its latency into the moving
// average.
func (s *Stats) RecordCall(latency time.Duration) {
	s.calls.Add(1)
	s.mu.Lock()
	if s.avgLatency == 0 {
		s.avgLatency = latency
	} else {
		s.avgLatency = time.Duration(latencyAlpha*float64(latency) + (1-latencyAlpha)*float64(s.avgLatency))
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// RecordConsumed records that the feature consumed an event
func (s *Stats) RecordConsumed() { s.consumed.Add(1) }

// RecordError records a callback failure
func (s *Stats) RecordError(err error) {
	s.errored.Add(1)
	s.mu.Lock()
	s.lastError = err.Error()
	s.lastErrorAt = time.Now()
	s.mu.Unlock()
}

// RecordTimeout records a callback exceeding its time budget
func (s *Stats) RecordTimeout() { s.timedOut.Add(1) }

// StatsSnapshot is a point-in-time view of a feature's counters
type StatsSnapshot struct {
	Calls        int64
	Consumed     int64
	Errored      int64
	TimedOut     int64
	AvgLatency   time.Duration
	LastError    string
	LastErrorAt  time.Time
	LastActivity time.Time
}

// GetSnapshot returns the current counter values
func (s *Stats) GetSnapshot() StatsSnapshot {
	s.mu.Lock()
	snap := StatsSnapshot{
		AvgLatency:   s.avgLatency,
		LastError:    s.lastError,
		LastErrorAt:  s.lastErrorAt,
		LastActivity: s.lastActivity,
	}
	s.mu.Unlock()

	snap.Calls = s.calls.Load()
	snap.Consumed = s.consumed.Load()
	snap.Errored = s.errored.Load()
	snap.TimedOut = s.timedOut.Load()
	return snap
}
