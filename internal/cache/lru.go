package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const (
	// DefaultCapacity bounds the LRU store when no capacity is configured.
	DefaultCapacity = 10_000

	defaultTTL      = time.Hour
	cleanupInterval = 5 * time.Minute
)

type lruEntry struct {
	key       string
	data      []byte
	expiresAt time.Time
}

// LRUStore is an in-process Store with per-entry TTL and a hard capacity
// bound. When capacity is exceeded the least-recently-used entry is evicted.
// Safe for concurrent use; a background goroutine sweeps expired entries.
//
// Use it for single-instance deployments and tests. Multi-replica
// deployments should use RedisStore so all replicas share one cache.
type LRUStore struct {
	mu       sync.Mutex
	items    map[string]*list.Element // key → element holding *lruEntry
	order    *list.List               // front = most recently used
	capacity int

	done      chan struct{}
	closeOnce sync.Once
}

// NewLRUStore creates an LRUStore and starts its sweep loop. The loop stops
// when ctx is cancelled or Close is called. capacity ≤ 0 uses DefaultCapacity.
func NewLRUStore(ctx context.Context, capacity int) *LRUStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	s := &LRUStore{
		items:    make(map[string]*list.Element),
		order:    list.New(),
		capacity: capacity,
		done:     make(chan struct{}),
	}
	go s.sweep(ctx)
	return s
}

// Get returns the value for key and marks it most recently used.
// Expired entries are removed lazily and reported as misses.
func (s *LRUStore) Get(_ context.Context, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return nil, false
	}

	ent := el.Value.(*lruEntry)
	if time.Now().After(ent.expiresAt) {
		s.order.Remove(el)
		delete(s.items, key)
		return nil, false
	}

	s.order.MoveToFront(el)
	return ent.data, true
}

// Set stores value under key for ttl, evicting the least-recently-used entry
// when the store is full. A zero or negative ttl falls back to one hour.
func (s *LRUStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	expires := time.Now().Add(ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		// Replace, never mutate: the old entry is dropped wholesale.
		s.order.Remove(el)
		delete(s.items, key)
	}

	for len(s.items) >= s.capacity {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(*lruEntry).key)
	}

	el := s.order.PushFront(&lruEntry{key: key, data: value, expiresAt: expires})
	s.items[key] = el
	return nil
}

// Delete removes key. Returns nil if the key did not exist.
func (s *LRUStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[key]; ok {
		s.order.Remove(el)
		delete(s.items, key)
	}
	return nil
}

// Len returns the number of entries currently held, including entries that
// have expired but not yet been swept.
func (s *LRUStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Close stops the sweep goroutine.
func (s *LRUStore) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *LRUStore) sweep(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *LRUStore) evictExpired() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*lruEntry)
		if now.After(ent.expiresAt) {
			s.order.Remove(el)
			delete(s.items, ent.key)
		}
		el = prev
	}
}
