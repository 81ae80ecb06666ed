// Package statecache provides the bounded, TTL-based write-through cache
// that sits between features and the persistent blob store.
//
// Reads are read-through with short-lived negative caching so repeated
// lookups of absent keys do not hammer storage. Writes update the cache
// immediately, mark the entry dirty, and flush to storage asynchronously;
// callers needing confirmed durability use Flush. Eviction is
// least-recently-used, but a dirty entry is flushed synchronously before it
// is dropped - the cache never silently loses an acknowledged write.
package statecache

import (
	"container/list"
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/botstreams/errors"
	"github.com/c360/botstreams/pkg/retry"
	"github.com/c360/botstreams/storage"
)

// Config sizes the cache
type Config struct {
	Capacity    int           // Maximum entries before LRU eviction (defaults to 4096)
	TTL         time.Duration // Entry lifetime (defaults to 5m)
	NegativeTTL time.Duration // Lifetime of cached misses (defaults to TTL/10, floor 1s)
	FlushQueue  int           // Pending async flush capacity (defaults to 1024)
}

func (c *Config) applyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 4096
	}
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.NegativeTTL <= 0 {
		c.NegativeTTL = c.TTL / 10
		if c.NegativeTTL < time.Second {
			c.NegativeTTL = time.Second
		}
	}
	if c.FlushQueue <= 0 {
		c.FlushQueue = 1024
	}
}

// entry is a single cached blob with its bookkeeping.
// A negative entry records a confirmed storage miss.
type entry struct {
	key       string
	value     []byte
	negative  bool
	dirty     bool
	version   uint64 // bumped on every Set, guards the async flush
	expiresAt time.Time
}

// expired reports whether the entry's TTL has passed. Dirty entries never
// expire: the cached value is newer than storage until the flush lands.
func (e *entry) expired(now time.Time) bool {
	if e.dirty {
		return false
	}
	return now.After(e.expiresAt)
}

// Cache is the write-through blob cache. Safe for concurrent use.
type Cache struct {
	mu    sync.Mutex
	cfg   Config
	store storage.Store
	items map[string]*list.Element
	order *list.List // front = most recently used

	stats    *Statistics
	logger   *slog.Logger
	retryCfg retry.Config

	flushCh  chan string
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures cache behavior
type Option func(*Cache)

// WithLogger sets the structured logger (defaults to slog.Default)
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithFlushRetry overrides the backoff applied to failed async flushes
func WithFlushRetry(cfg retry.Config) Option {
	return func(c *Cache) {
		c.retryCfg = cfg
	}
}

// New creates a cache over the given store and starts its flush worker
func New(store storage.Store, cfg Config, opts ...Option) (*Cache, error) {
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "statecache", "New", "store validation")
	}
	cfg.applyDefaults()

	c := &Cache{
		cfg:      cfg,
		store:    store,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		stats:    NewStatistics(),
		logger:   slog.Default(),
		retryCfg: retry.DefaultConfig(),
		flushCh:  make(chan string, cfg.FlushQueue),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "statecache")

	c.wg.Add(1)
	go c.flushLoop()

	return c, nil
}

// Get returns the blob for key, loading from storage on a cache miss.
// A key absent from both cache and storage returns (nil, nil); the miss is
// cached for NegativeTTL so repeated lookups do not reach storage.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "statecache", "Get", "key validation")
	}

	c.mu.Lock()
	if element, exists := c.items[key]; exists {
		ent := element.Value.(*entry)
		if !ent.expired(time.Now()) {
			c.order.MoveToFront(element)
			c.stats.Hit()
			if ent.negative {
				c.mu.Unlock()
				return nil, nil
			}
			value := cloneBytes(ent.value)
			c.mu.Unlock()
			return value, nil
		}
		// Stale and clean: discard and fall through to a fresh load
		c.removeElement(element)
	}
	c.stats.Miss()
	c.mu.Unlock()

	value, err := c.store.Load(ctx, key)
	if err != nil {
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			c.insert(key, nil, true, false)
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "statecache", "Get", "storage load")
	}

	c.insert(key, value, false, false)
	return cloneBytes(value), nil
}

// Set writes the blob for key through the cache. The call returns once the
// cache is updated; durability is asynchronous unless Flush is called.
func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrKeyNotFound, "statecache", "Set", "key validation")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.insert(key, cloneBytes(value), false, true)

	// Hand the key to the flush worker. A full queue degrades to a
	// synchronous flush rather than dropping the write.
	select {
	case c.flushCh <- key:
	default:
		c.logger.Warn("flush queue full, flushing synchronously", "key", key)
		return c.Flush(ctx, key)
	}
	return nil
}

// Flush blocks until the entry for key (if dirty) is acknowledged by storage
func (c *Cache) Flush(ctx context.Context, key string) error {
	c.mu.Lock()
	element, exists := c.items[key]
	if !exists {
		c.mu.Unlock()
		return nil
	}
	ent := element.Value.(*entry)
	if !ent.dirty {
		c.mu.Unlock()
		return nil
	}
	value := cloneBytes(ent.value)
	version := ent.version
	c.mu.Unlock()

	if err := c.store.Store(ctx, key, value); err != nil {
		return errors.WrapTransient(err, "statecache", "Flush", "storage store")
	}
	c.markClean(key, version)
	c.stats.Flush()
	return nil
}

// Delete removes the key from the cache and from backing storage
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	if element, exists := c.items[key]; exists {
		c.removeElement(element)
	}
	c.mu.Unlock()

	if err := c.store.Delete(ctx, key); err != nil {
		return errors.WrapTransient(err, "statecache", "Delete", "storage delete")
	}
	return nil
}

// Size returns the current number of cached entries
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns the cache statistics tracker
func (c *Cache) Stats() *Statistics {
	return c.stats
}

// Close flushes every dirty entry and stops the flush worker
func (c *Cache) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()

	// Final synchronous sweep of anything still dirty
	c.mu.Lock()
	var dirtyKeys []string
	for key, element := range c.items {
		if element.Value.(*entry).dirty {
			dirtyKeys = append(dirtyKeys, key)
		}
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var firstErr error
	for _, key := range dirtyKeys {
		if err := c.Flush(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// insert upserts an entry and applies LRU eviction. Called without the lock.
func (c *Cache) insert(key string, value []byte, negative, dirty bool) {
	now := time.Now()
	ttl := c.cfg.TTL
	if negative {
		ttl = c.cfg.NegativeTTL
	}

	var toEvict []*entry

	c.mu.Lock()
	if element, exists := c.items[key]; exists {
		ent := element.Value.(*entry)
		if dirty {
			ent.value = value
			ent.negative = negative
			ent.dirty = true
			ent.version++
		} else if !ent.dirty {
			// A clean load never overwrites a dirty entry, whose cached
			// value is newer than what storage returned
			ent.value = value
			ent.negative = negative
		}
		ent.expiresAt = now.Add(ttl)
		c.order.MoveToFront(element)
	} else {
		ent := &entry{
			key:       key,
			value:     value,
			negative:  negative,
			dirty:     dirty,
			expiresAt: now.Add(ttl),
		}
		if dirty {
			ent.version = 1
		}
		c.items[key] = c.order.PushFront(ent)
		c.stats.UpdateSize(int64(len(c.items)))
	}

	// Capacity pressure: collect LRU victims, preferring clean entries so a
	// single eviction rarely needs a synchronous flush.
	for len(c.items) > c.cfg.Capacity {
		element := c.order.Back()
		if element == nil {
			break
		}
		victim := element.Value.(*entry)
		c.removeElement(element)
		c.stats.Eviction()
		if victim.dirty {
			toEvict = append(toEvict, victim)
		}
	}
	c.stats.Set()
	c.mu.Unlock()

	// Dirty victims are flushed synchronously outside the lock - eviction
	// must never lose an acknowledged write.
	for _, victim := range toEvict {
		c.flushEvicted(victim)
	}
}

// flushEvicted persists a dirty entry that has already left the cache
func (c *Cache) flushEvicted(victim *entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := retry.Do(ctx, c.retryCfg, func() error {
		return c.store.Store(ctx, victim.key, victim.value)
	})
	if err != nil {
		c.logger.Error("ALERT: dirty entry lost on eviction, storage unreachable",
			"key", victim.key, "error", err)
		return
	}
	c.stats.Flush()
}

// markClean clears the dirty flag if no newer Set has landed since the
// flusher captured the value.
func (c *Cache) markClean(key string, version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, exists := c.items[key]
	if !exists {
		return
	}
	ent := element.Value.(*entry)
	if ent.version == version {
		ent.dirty = false
		ent.expiresAt = time.Now().Add(c.cfg.TTL)
	}
}

// flushLoop drains the async flush queue until Close
func (c *Cache) flushLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		case key := <-c.flushCh:
			c.flushOne(key)
		}
	}
}

// flushOne persists a single dirty key with backoff. Exhausted retries are
// escalated to a logged alert, never to the feature that issued the Set.
func (c *Cache) flushOne(key string) {
	c.mu.Lock()
	element, exists := c.items[key]
	if !exists {
		c.mu.Unlock()
		return
	}
	ent := element.Value.(*entry)
	if !ent.dirty {
		c.mu.Unlock()
		return
	}
	value := cloneBytes(ent.value)
	version := ent.version
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := retry.Do(ctx, c.retryCfg, func() error {
		return c.store.Store(ctx, key, value)
	})
	if err != nil {
		// Entry stays dirty; eviction or a later Flush will retry.
		c.logger.Error("ALERT: async flush retries exhausted",
			"key", key, "error", err)
		return
	}
	c.markClean(key, version)
	c.stats.Flush()
}

// removeElement drops an element from both index and LRU list.
// Must be called with the lock held.
func (c *Cache) removeElement(element *list.Element) {
	ent := element.Value.(*entry)
	delete(c.items, ent.key)
	c.order.Remove(element)
	c.stats.UpdateSize(int64(len(c.items)))
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
