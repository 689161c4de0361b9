package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 500 * time.Millisecond

// RedisStore is a Redis-backed Store.
//
// It degrades gracefully: when Redis is unreachable, Get reports a miss and
// Set returns nil, so a cache outage slows the gateway down but never breaks
// it. Delete surfaces its error so callers can decide.
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedisStore wraps an existing client. The caller owns the client
// lifecycle.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, opTimeout: redisOpTimeout}
}

// NewRedisStoreFromURL parses url, connects, and verifies with a PING.
func NewRedisStoreFromURL(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	return NewRedisStore(client), nil
}

// Get returns (data, true) on a hit; (nil, false) on a miss or any Redis
// error. Errors other than a plain miss are logged at WARN.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}
	return val, true
}

// Set stores value under key with ttl. Always returns nil — a failed write
// only means the next identical request recomputes.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Delete removes key, propagating the Redis error.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
