package gateway

import (
	"sync"
	"time"
)

// breakerState represents the operational state of a per-provider breaker.
//
//	breakerClosed   — normal operation; all requests pass through.
//	breakerOpen     — provider is failing; requests are rejected immediately.
//	breakerHalfOpen — recovery probe; one request is allowed through.
type breakerState int

const (
	breakerClosed   breakerState = 0
	breakerOpen     breakerState = 1
	breakerHalfOpen breakerState = 2
)

// Default breaker thresholds. Overridable via BreakerConfig.
const (
	defaultErrorThreshold  = 5
	defaultTimeWindow      = 60 * time.Second
	defaultHalfOpenTimeout = 30 * time.Second
)

// BreakerConfig holds circuit breaker tuning parameters. Zero values fall
// back to the package defaults.
type BreakerConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker.
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request.
	HalfOpenTimeout time.Duration
}

func (c *BreakerConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return defaultErrorThreshold
}

func (c *BreakerConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return defaultTimeWindow
}

func (c *BreakerConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return defaultHalfOpenTimeout
}

// providerBreaker holds per-provider state.
type providerBreaker struct {
	mu sync.Mutex

	state         breakerState
	errorCount    int
	windowStart   time.Time // start of the current error-counting window
	openedAt      time.Time // when the breaker tripped (for the half-open timer)
	probeInflight bool      // true while a half-open probe is in flight
}

// Breaker manages independent circuit breakers for each provider. A tripped
// breaker fails the request; the gateway never reroutes to another provider.
// Safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	breakers map[string]*providerBreaker
	cfg      BreakerConfig
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		breakers: make(map[string]*providerBreaker),
		cfg:      cfg,
	}
}

// Allow reports whether the named provider should receive the next request.
//
//   - Closed   → always true.
//   - Open     → false, unless the half-open timeout has elapsed, in which
//     case the breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (b *Breaker) Allow(provider string) bool {
	pb := b.get(provider)

	pb.mu.Lock()
	defer pb.mu.Unlock()

	switch pb.state {
	case breakerClosed:
		return true

	case breakerOpen:
		if time.Since(pb.openedAt) >= b.cfg.halfOpenTimeout() {
			pb.state = breakerHalfOpen
			pb.probeInflight = true
			return true
		}
		return false

	case breakerHalfOpen:
		if pb.probeInflight {
			return false
		}
		pb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess resets the breaker to Closed regardless of its previous state.
func (b *Breaker) RecordSuccess(provider string) {
	pb := b.get(provider)

	pb.mu.Lock()
	defer pb.mu.Unlock()

	pb.state = breakerClosed
	pb.errorCount = 0
	pb.probeInflight = false
	pb.windowStart = time.Now()
}

// RecordFailure increments the error counter for provider. When the counter
// reaches ErrorThreshold within TimeWindow the breaker opens.
func (b *Breaker) RecordFailure(provider string) {
	pb := b.get(provider)

	pb.mu.Lock()
	defer pb.mu.Unlock()

	now := time.Now()

	// Reset counter when the rolling window has expired.
	if now.Sub(pb.windowStart) > b.cfg.timeWindow() {
		pb.errorCount = 0
		pb.windowStart = now
	}

	pb.errorCount++
	pb.probeInflight = false

	if pb.errorCount >= b.cfg.errorThreshold() {
		pb.state = breakerOpen
		pb.openedAt = now
	}
}

// State returns the current breakerState for provider (for metrics export).
func (b *Breaker) State(provider string) breakerState {
	pb := b.get(provider)
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.state
}

// StateLabel returns "closed", "open", or "half_open".
func (b *Breaker) StateLabel(provider string) string {
	switch b.State(provider) {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (b *Breaker) get(provider string) *providerBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	pb, ok := b.breakers[provider]
	if !ok {
		pb = &providerBreaker{state: breakerClosed, windowStart: time.Now()}
		b.breakers[provider] = pb
	}
	return pb
}
