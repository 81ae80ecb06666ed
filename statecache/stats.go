package statecache

import "sync/atomic"

// Statistics tracks cache activity with atomic counters
type Statistics struct {
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	evictions atomic.Int64
	flushes   atomic.Int64
	size      atomic.Int64
}

// NewStatistics creates a statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{}
}

// Hit records a cache hit
func (s *Statistics) Hit() { s.hits.Add(1) }

// Miss records a cache miss
func (s *Statistics) Miss() { s.misses.Add(1) }

// Set records a write into the cache
func (s *Statistics) Set() { s.sets.Add(1) }

// Eviction records an LRU eviction
func (s *Statistics) Eviction() { s.evictions.Add(1) }

// Flush records a completed write to backing storage
func (s *Statistics) Flush() { s.flushes.Add(1) }

// UpdateSize records the current entry count
func (s *Statistics) UpdateSize(n int64) { s.size.Store(n) }

// Snapshot is a point-in-time view of the counters
type Snapshot struct {
	Hits      int64
	Misses    int64
	Sets      int64
	Evictions int64
	Flushes   int64
	Size      int64
}

// GetSnapshot returns the current counter values
func (s *Statistics) GetSnapshot() Snapshot {
	return Snapshot{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Sets:      s.sets.Load(),
		Evictions: s.evictions.Load(),
		Flushes:   s.flushes.Load(),
		Size:      s.size.Load(),
	}
}

// HitRate returns hits as a fraction of all lookups, or 0 with no traffic
func (s *Statistics) HitRate() float64 {
	hits := s.hits.Load()
	total := hits + s.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
