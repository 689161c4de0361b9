// Package cache implements the fingerprint cache for non-streaming responses.
//
// Two stores are available behind the Store interface:
//   - RedisStore — shared across replicas, recommended for clusters.
//   - LRUStore   — in-process, TTL + capacity bound, zero external deps.
//
// The Coalescer wraps a Store with single-flight semantics: for any one
// fingerprint at most one upstream computation runs at a time, and concurrent
// identical requests share its result.
package cache

import (
	"context"
	"time"
)

// Store is a byte-value cache with per-entry TTL. Entries are never mutated
// in place; expiry replaces them.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
