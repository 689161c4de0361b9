package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/perimetric/modelgate/internal/adapter"
)

type healthAdapter struct {
	*fakeAdapter
	err error
}

func (a *healthAdapter) HealthCheck(context.Context) error { return a.err }

func TestHealthChecker_AllHealthy(t *testing.T) {
	hc := NewHealthChecker(context.Background(), map[string]adapter.Adapter{
		"openai":    &fakeAdapter{name: "openai"},
		"anthropic": &fakeAdapter{name: "anthropic"},
	}, nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "ok" {
		t.Errorf("status = %q", snap.Status)
	}
	if snap.Providers["openai"] != "ok" || snap.Providers["anthropic"] != "ok" {
		t.Errorf("providers = %v", snap.Providers)
	}
	if snap.Cache != "ok" {
		t.Errorf("cache = %q", snap.Cache)
	}
	if !hc.ReadinessOK() {
		t.Error("expected ready")
	}
}

func TestHealthChecker_DegradedProvider(t *testing.T) {
	hc := NewHealthChecker(context.Background(), map[string]adapter.Adapter{
		"openai": &healthAdapter{fakeAdapter: &fakeAdapter{name: "openai"}, err: errors.New("down")},
		"gemini": &fakeAdapter{name: "gemini"},
	}, nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "degraded" {
		t.Errorf("status = %q, want degraded", snap.Status)
	}
	if snap.Providers["openai"] != "degraded" {
		t.Errorf("openai = %q", snap.Providers["openai"])
	}
	if snap.Providers["gemini"] != "ok" {
		t.Errorf("gemini = %q", snap.Providers["gemini"])
	}
	// Provider degradation does not fail readiness.
	if !hc.ReadinessOK() {
		t.Error("expected ready despite degraded provider")
	}
}

func TestHealthChecker_CacheDown(t *testing.T) {
	hc := NewHealthChecker(context.Background(), map[string]adapter.Adapter{
		"openai": &fakeAdapter{name: "openai"},
	}, func() bool { return false }, nil)
	defer hc.Close()

	if hc.ReadinessOK() {
		t.Error("expected not ready when the cache probe fails")
	}
	if got := hc.Snapshot().Cache; got != "degraded" {
		t.Errorf("cache = %q", got)
	}
}
