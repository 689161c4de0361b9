package cache

import (
	"context"
	"sync"
	"time"
)

// flight is one in-progress computation shared by every caller of the same
// key. val and err are written exactly once, before done is closed.
type flight struct {
	done    chan struct{}
	val     []byte
	err     error
	waiters int
	cancel  context.CancelFunc
}

// Coalescer wraps a Store with single-flight semantics: GetOrCompute runs at
// most one computation per key at a time, and concurrent callers of the same
// key block on the first computation's result instead of re-invoking the
// provider.
//
// A waiter's cancellation never cancels the shared computation while other
// waiters remain; only when the last waiter departs is the computation's
// context cancelled. Computation failures are propagated to every waiter and
// are never written to the store.
type Coalescer struct {
	mu      sync.Mutex
	flights map[string]*flight

	store   Store // nil disables read/write-through; coalescing still applies
	baseCtx context.Context
	ttl     time.Duration
}

// NewCoalescer creates a Coalescer over store. Computations run under
// contexts derived from baseCtx, not from any individual caller's context.
func NewCoalescer(baseCtx context.Context, store Store, ttl time.Duration) *Coalescer {
	if baseCtx == nil {
		panic("cache: baseCtx must not be nil")
	}
	return &Coalescer{
		flights: make(map[string]*flight),
		store:   store,
		baseCtx: baseCtx,
		ttl:     ttl,
	}
}

// GetOrCompute returns the cached value for key, or runs compute and caches
// its result. hit reports whether the value came from the store. When an
// identical computation is already in flight the caller blocks and shares its
// outcome.
func (c *Coalescer) GetOrCompute(
	ctx context.Context,
	key string,
	compute func(context.Context) ([]byte, error),
) (val []byte, hit bool, err error) {
	if c.store != nil {
		if v, ok := c.store.Get(ctx, key); ok {
			return v, true, nil
		}
	}

	c.mu.Lock()
	f, joined := c.flights[key]
	if joined {
		f.waiters++
		c.mu.Unlock()
	} else {
		computeCtx, cancel := context.WithCancel(c.baseCtx)
		f = &flight{done: make(chan struct{}), waiters: 1, cancel: cancel}
		c.flights[key] = f
		c.mu.Unlock()
		go c.run(computeCtx, key, f, compute)
	}

	select {
	case <-f.done:
		return f.val, false, f.err
	case <-ctx.Done():
		c.leave(key, f)
		return nil, false, ctx.Err()
	}
}

// run executes the computation, publishes its result, and write-through
// caches successes.
func (c *Coalescer) run(
	ctx context.Context,
	key string,
	f *flight,
	compute func(context.Context) ([]byte, error),
) {
	val, err := compute(ctx)

	c.mu.Lock()
	if c.flights[key] == f {
		delete(c.flights, key)
	}
	f.val, f.err = val, err
	c.mu.Unlock()

	close(f.done)
	f.cancel()

	if err == nil && c.store != nil {
		_ = c.store.Set(c.baseCtx, key, val, c.ttl)
	}
}

// leave unregisters a cancelled waiter. The last departing waiter cancels the
// computation — nobody is left to consume its result.
func (c *Coalescer) leave(key string, f *flight) {
	c.mu.Lock()
	f.waiters--
	if f.waiters <= 0 {
		select {
		case <-f.done:
			// Already finished; nothing to cancel.
		default:
			f.cancel()
			if c.flights[key] == f {
				delete(c.flights, key)
			}
		}
	}
	c.mu.Unlock()
}

// InFlight returns the number of keys with an active computation.
func (c *Coalescer) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights)
}
