package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/c360/botstreams/errors"
)

// MemoryStore is an in-process Store used by tests and single-node deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

// Load retrieves the blob for key, or errors.ErrKeyNotFound.
func (m *MemoryStore) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.items[key]
	if !exists {
		return nil, errors.ErrKeyNotFound
	}

	// Copy so callers cannot mutate the stored blob
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Store writes the blob for key, overwriting any existing value.
func (m *MemoryStore) Store(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	m.mu.Lock()
	m.items[key] = stored
	m.mu.Unlock()
	return nil
}

// Delete removes the blob at key. Deleting an absent key is a no-op.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// List returns all keys with the given prefix, in lexicographic order.
func (m *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	keys := make([]string, 0, len(m.items))
	for key := range m.items {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op for the memory store
func (m *MemoryStore) Close() error {
	return nil
}

// Len returns the number of stored keys (test helper)
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
