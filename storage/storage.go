// Package storage provides the pluggable keyed blob-store interface backing
// the state cache, plus an in-memory implementation for tests and
// single-process deployments.
package storage

import "context"

// Store is the pluggable backend interface for persistent feature state.
//
// The runtime never interprets stored bytes; it only requires get/set-by-key
// semantics. Keys follow the "{scope}:{tenant-or-user}:{feature}" convention
// used by the state cache, but implementations must treat them as opaque
// strings (hierarchical prefixes supported via ":" separators).
//
// Example implementations:
//   - MemoryStore: in-process map (tests, single-node)
//   - natskv.Store: NATS JetStream KV backend
//   - redisstore.Store: Redis backend
//   - sqlstore.Store: MySQL (key, value) table backend
//
// All Store implementations must be safe for concurrent use from multiple
// goroutines. Load returns errors.ErrKeyNotFound (possibly wrapped) when the
// key has never been stored.
type Store interface {
	// Load retrieves the blob for key, or errors.ErrKeyNotFound.
	Load(ctx context.Context, key string) ([]byte, error)

	// Store writes the blob for key, overwriting any existing value.
	Store(ctx context.Context, key string, value []byte) error

	// Delete removes the blob at key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix, in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases backend resources.
	Close() error
}
