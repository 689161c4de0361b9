// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis when needed)
//  2. initAdapters — provider adapters and the routing registry
//  3. initServices — cache store, coalescer, accounting sink, metrics
//  4. initGateway  — dispatcher + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/perimetric/modelgate/internal/adapter"
	anthropicad "github.com/perimetric/modelgate/internal/adapter/anthropic"
	geminiad "github.com/perimetric/modelgate/internal/adapter/gemini"
	mistralad "github.com/perimetric/modelgate/internal/adapter/mistral"
	openaiad "github.com/perimetric/modelgate/internal/adapter/openai"
	openaicompatad "github.com/perimetric/modelgate/internal/adapter/openaicompat"
	mgCache "github.com/perimetric/modelgate/internal/cache"
	"github.com/perimetric/modelgate/internal/config"
	"github.com/perimetric/modelgate/internal/gateway"
	"github.com/perimetric/modelgate/internal/logsink"
	"github.com/perimetric/modelgate/internal/metrics"
	"github.com/perimetric/modelgate/internal/registry"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	lruStore  *mgCache.LRUStore
	coalescer *mgCache.Coalescer
	sink      *logsink.Sink

	prom *metrics.Registry

	adapters map[string]adapter.Adapter
	reg      *registry.Registry
	mgmt     *gateway.ManagementRoutes
	gw       *gateway.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"adapters", a.initAdapters},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("providers", len(a.adapters)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.gw != nil {
		a.gw.Close()
		a.gw = nil
	}
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.log.Error("sink close error", slog.String("error", err.Error()))
		}
		a.sink = nil
	}
	if a.lruStore != nil {
		a.lruStore.Close()
		a.lruStore = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// HealthChecker. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// buildAdapters creates the adapter map from non-empty API keys.
func buildAdapters(ctx context.Context, cfg *config.Config, log *slog.Logger) map[string]adapter.Adapter {
	adapters := make(map[string]adapter.Adapter)

	if cfg.OpenAI.APIKey != "" {
		var opts []openaiad.Option
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiad.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		adapters["openai"] = openaiad.New(cfg.OpenAI.APIKey, opts...)
	}
	if cfg.Anthropic.APIKey != "" {
		var opts []anthropicad.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicad.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		adapters["anthropic"] = anthropicad.New(cfg.Anthropic.APIKey, opts...)
	}
	if cfg.Gemini.APIKey != "" {
		var opts []geminiad.Option
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, geminiad.WithBaseURL(cfg.Gemini.BaseURL))
		}
		if ad, err := geminiad.New(ctx, cfg.Gemini.APIKey, opts...); err == nil {
			adapters["gemini"] = ad
		} else {
			log.Warn("gemini adapter disabled", slog.String("error", err.Error()))
		}
	}
	if cfg.Mistral.APIKey != "" {
		var opts []mistralad.Option
		if cfg.Mistral.BaseURL != "" {
			opts = append(opts, mistralad.WithBaseURL(cfg.Mistral.BaseURL))
		}
		adapters["mistral"] = mistralad.New(cfg.Mistral.APIKey, opts...)
	}

	for _, p := range cfg.Compat {
		if p.APIKey == "" {
			continue
		}
		adapters[p.Name] = openaicompatad.New(p.Name, p.APIKey, p.BaseURL)
	}

	return adapters
}
