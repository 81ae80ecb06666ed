// Package natskv implements storage.Store on a NATS JetStream KeyValue
// bucket.
package natskv

import (
	"context"
	stderrors "errors"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/botstreams/errors"
)

// Config describes the KV bucket backing the store
type Config struct {
	URL     string        // NATS server URL (defaults to nats.DefaultURL)
	Bucket  string        // KV bucket name (required)
	Timeout time.Duration // Per-operation timeout (defaults to 5s)
}

// Store is a storage.Store backed by a NATS JetStream KV bucket.
//
// NATS KV keys cannot contain ':', so the runtime's "scope:tenant:feature"
// keys are stored with '.' separators and translated back on List.
type Store struct {
	conn    *nats.Conn
	kv      jetstream.KeyValue
	timeout time.Duration
}

// New connects to NATS and binds (or creates) the configured KV bucket
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "natskv", "New", "bucket validation")
	}
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "natskv", "New", "nats connect")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, errors.WrapFatal(err, "natskv", "New", "jetstream context")
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "botstreams feature state",
	})
	if err != nil {
		conn.Close()
		return nil, errors.WrapTransient(err, "natskv", "New", "bind KV bucket")
	}

	return &Store{conn: conn, kv: kv, timeout: timeout}, nil
}

// encodeKey maps runtime keys onto the NATS KV key alphabet
func encodeKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

// decodeKey reverses encodeKey
func decodeKey(key string) string {
	return strings.ReplaceAll(key, ".", ":")
}

func (s *Store) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {}
}

// Load retrieves the blob for key, or errors.ErrKeyNotFound.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	entry, err := s.kv.Get(ctx, encodeKey(key))
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, errors.ErrKeyNotFound
		}
		return nil, errors.WrapTransient(err, "natskv", "Load", "kv get")
	}
	return entry.Value(), nil
}

// Store writes the blob for key, overwriting any existing value.
func (s *Store) Store(ctx context.Context, key string, value []byte) error {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	if _, err := s.kv.Put(ctx, encodeKey(key), value); err != nil {
		return errors.WrapTransient(err, "natskv", "Store", "kv put")
	}
	return nil
}

// Delete removes the blob at key. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	if err := s.kv.Delete(ctx, encodeKey(key)); err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return errors.WrapTransient(err, "natskv", "Delete", "kv delete")
	}
	return nil
}

// List returns all keys with the given prefix, in lexicographic order.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "natskv", "List", "kv list keys")
	}
	defer func() { _ = lister.Stop() }()

	var keys []string
	for key := range lister.Keys() {
		decoded := decodeKey(key)
		if strings.HasPrefix(decoded, prefix) {
			keys = append(keys, decoded)
		}
	}

	sort.Strings(keys)
	return keys, nil
}

// Close drains the NATS connection
func (s *Store) Close() error {
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}
