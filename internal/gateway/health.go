package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/perimetric/modelgate/internal/adapter"
	"github.com/perimetric/modelgate/internal/metrics"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes and exposes the latest results.
type HealthChecker struct {
	adapters   map[string]adapter.Adapter
	cacheReady func() bool
	baseCtx    context.Context
	metrics    *metrics.Registry

	adapterStatuses map[string]*componentStatus
	cacheStatus     componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. cacheReady may be nil when no external cache backend is configured.
func NewHealthChecker(
	ctx context.Context,
	adapters map[string]adapter.Adapter,
	cacheReady func() bool,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		adapters:        adapters,
		cacheReady:      cacheReady,
		adapterStatuses: make(map[string]*componentStatus),
		startTime:       time.Now(),
		done:            make(chan struct{}),
		baseCtx:         ctx,
		metrics:         met,
	}

	for name := range adapters {
		hc.adapterStatuses[name] = &componentStatus{status: "unknown"}
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot is the serialized GET /health response.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Cache         string            `json:"cache"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	provs := make(map[string]string, len(hc.adapterStatuses))
	for name, s := range hc.adapterStatuses {
		st := s.get()
		provs[name] = st
		if st != "ok" {
			overall = "degraded"
		}
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     provs,
		Cache:         hc.cacheStatus.get(),
	}
}

// ReadinessOK reports whether the cache backend is reachable. Provider
// degradation does not fail readiness: the gateway can still serve the
// healthy providers.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.cacheStatus.get() == "ok"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	// Adapter probes run in parallel.
	var wg sync.WaitGroup
	for name, a := range hc.adapters {
		name, a := name, a
		s := hc.adapterStatuses[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.HealthCheck(ctx); err != nil {
				s.set("degraded")
				if hc.metrics != nil {
					hc.metrics.SetProviderHealth(name, false)
				}
			} else {
				s.set("ok")
				if hc.metrics != nil {
					hc.metrics.SetProviderHealth(name, true)
				}
			}
		}()
	}

	// Cache probe — nil probe means "not configured" → ok.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.cacheReady == nil || hc.cacheReady() {
			hc.cacheStatus.set("ok")
		} else {
			hc.cacheStatus.set("degraded")
		}
	}()

	wg.Wait()
}
