package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCoalescer_CacheHitSkipsCompute(t *testing.T) {
	store := NewLRUStore(context.Background(), 10)
	defer store.Close()
	_ = store.Set(context.Background(), "k", []byte("cached"), time.Hour)

	c := NewCoalescer(context.Background(), store, time.Hour)

	val, hit, err := c.GetOrCompute(context.Background(), "k", func(context.Context) ([]byte, error) {
		t.Fatal("compute must not run on a cache hit")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if !hit || string(val) != "cached" {
		t.Fatalf("got (%q, hit=%v), want (cached, true)", val, hit)
	}
}

func TestCoalescer_MissComputesAndStores(t *testing.T) {
	store := NewLRUStore(context.Background(), 10)
	defer store.Close()
	c := NewCoalescer(context.Background(), store, time.Hour)

	val, hit, err := c.GetOrCompute(context.Background(), "k", func(context.Context) ([]byte, error) {
		return []byte("fresh"), nil
	})
	if err != nil || hit || string(val) != "fresh" {
		t.Fatalf("got (%q, hit=%v, err=%v), want (fresh, false, nil)", val, hit, err)
	}

	// Write-through is asynchronous with respect to the waiter return only in
	// goroutine scheduling terms; poll briefly.
	deadline := time.Now().Add(time.Second)
	for {
		if v, ok := store.Get(context.Background(), "k"); ok {
			if string(v) != "fresh" {
				t.Fatalf("stored %q, want fresh", v)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("successful result was never written to the store")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestCoalescer_SingleFlight is the core correctness property: N concurrent
// identical requests invoke the provider exactly once.
func TestCoalescer_SingleFlight(t *testing.T) {
	store := NewLRUStore(context.Background(), 10)
	defer store.Close()
	c := NewCoalescer(context.Background(), store, time.Hour)

	var calls int32
	gate := make(chan struct{})

	compute := func(context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-gate
		return []byte("once"), nil
	}

	const waiters = 32
	var wg sync.WaitGroup
	results := make([][]byte, waiters)
	errs := make([]error, waiters)

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = c.GetOrCompute(context.Background(), "k", compute)
		}(i)
	}

	// Let every goroutine reach the flight before releasing the computation.
	deadline := time.Now().Add(time.Second)
	for c.InFlight() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no flight ever started")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("compute ran %d times, want exactly 1", n)
	}
	for i := 0; i < waiters; i++ {
		if errs[i] != nil {
			t.Fatalf("waiter %d error: %v", i, errs[i])
		}
		if string(results[i]) != "once" {
			t.Fatalf("waiter %d got %q", i, results[i])
		}
	}
}

func TestCoalescer_FailurePropagatesToAllWaitersAndIsNotCached(t *testing.T) {
	store := NewLRUStore(context.Background(), 10)
	defer store.Close()
	c := NewCoalescer(context.Background(), store, time.Hour)

	boom := errors.New("upstream exploded")
	gate := make(chan struct{})

	const waiters = 8
	var wg sync.WaitGroup
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = c.GetOrCompute(context.Background(), "k", func(context.Context) ([]byte, error) {
				<-gate
				return nil, boom
			})
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Errorf("waiter %d got %v, want the shared failure", i, err)
		}
	}
	if _, ok := store.Get(context.Background(), "k"); ok {
		t.Fatal("failures must never be written to the store")
	}
}

// A single waiter cancelling must not abort the computation while another
// waiter is still attached.
func TestCoalescer_WaiterCancelDoesNotCancelSharedComputation(t *testing.T) {
	c := NewCoalescer(context.Background(), nil, time.Hour)

	started := make(chan struct{})
	release := make(chan struct{})
	var sawCancel atomic.Bool

	compute := func(ctx context.Context) ([]byte, error) {
		close(started)
		select {
		case <-ctx.Done():
			sawCancel.Store(true)
			return nil, ctx.Err()
		case <-release:
			return []byte("done"), nil
		}
	}

	// Waiter A survives; waiter B cancels mid-flight.
	resultCh := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrCompute(context.Background(), "k", compute)
		resultCh <- err
	}()
	<-started

	ctxB, cancelB := context.WithCancel(context.Background())
	errB := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrCompute(ctxB, "k", compute)
		errB <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancelB()

	if err := <-errB; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled waiter got %v, want context.Canceled", err)
	}

	close(release)
	if err := <-resultCh; err != nil {
		t.Fatalf("surviving waiter got %v, want success", err)
	}
	if sawCancel.Load() {
		t.Fatal("shared computation was cancelled while a waiter remained")
	}
}

// When the last waiter departs, the shared computation must be cancelled —
// nobody is left to consume it.
func TestCoalescer_LastWaiterCancelAbortsComputation(t *testing.T) {
	c := NewCoalescer(context.Background(), nil, time.Hour)

	started := make(chan struct{})
	cancelled := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_, _, _ = c.GetOrCompute(ctx, "k", func(computeCtx context.Context) ([]byte, error) {
			close(started)
			<-computeCtx.Done()
			close(cancelled)
			return nil, computeCtx.Err()
		})
	}()

	<-started
	cancel()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("computation was not cancelled after the last waiter left")
	}
}
