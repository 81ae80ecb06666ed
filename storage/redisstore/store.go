// Package redisstore implements storage.Store on Redis.
package redisstore

import (
	"context"
	stderrors "errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360/botstreams/errors"
)

// Config describes the Redis connection backing the store
type Config struct {
	Address   string        // host:port (required)
	Password  string        // optional auth
	DB        int           // logical database
	KeyPrefix string        // namespace prefix (defaults to "botstreams:")
	Timeout   time.Duration // per-operation timeout (defaults to 3s)
}

// Store is a storage.Store backed by Redis string values.
type Store struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// New connects to Redis and verifies the connection with a ping
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "redisstore", "New", "address validation")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "botstreams:"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WrapTransient(err, "redisstore", "New", "redis ping")
	}

	return &Store{client: client, prefix: prefix, timeout: timeout}, nil
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

	value, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, errors.ErrKeyNotFound
		}
		return nil, errors.WrapTransient(err, "redisstore", "Load", "redis get")
	}
	return value, nil
}

// Store writes the blob for key, overwriting any existing value.
func (s *Store) Store(ctx context.Context, key string, value []byte) error {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return errors.WrapTransient(err, "redisstore", "Store", "redis set")
	}
	return nil
}

// Delete removes the blob at key. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return errors.WrapTransient(err, "redisstore", "Delete", "redis del")
	}
	return nil
}

// List returns all keys with the given prefix, in lexicographic order.
// Uses SCAN to avoid blocking the Redis server on large keyspaces.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	pattern := s.prefix + prefix + "*"
	var keys []string

	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, errors.WrapTransient(err, "redisstore", "List", "redis scan")
	}

	sort.Strings(keys)
	return keys, nil
}

// Close releases the Redis client
func (s *Store) Close() error {
	return s.client.Close()
}
