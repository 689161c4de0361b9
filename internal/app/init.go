package app

import (
	"context"
	"fmt"
	"log/slog"

	mgCache "github.com/perimetric/modelgate/internal/cache"
	"github.com/perimetric/modelgate/internal/gateway"
	"github.com/perimetric/modelgate/internal/logsink"
	"github.com/perimetric/modelgate/internal/metrics"
	"github.com/perimetric/modelgate/internal/registry"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initAdapters builds the adapter map and the routing registry. At least one
// adapter must be configured — enforced by config validation before this.
func (a *App) initAdapters(_ context.Context) error {
	a.adapters = buildAdapters(a.baseCtx, a.cfg, a.log)
	if len(a.adapters) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	rules := append(append([]registry.Rule{}, registry.DefaultRules...), a.cfg.Routes...)
	reg, skipped, err := registry.New(rules, a.adapters)
	if err != nil {
		return fmt.Errorf("routing rules: %w", err)
	}
	a.reg = reg

	if len(skipped) > 0 {
		a.log.Info("routing rules skipped for unconfigured providers",
			slog.Any("patterns", skipped))
	}
	a.log.Info("adapters loaded", slog.Any("providers", reg.Providers()))

	return nil
}

// initServices creates the cache store, the coalescer, the accounting sink,
// and the Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	var store mgCache.Store

	switch a.cfg.Cache.Mode {
	case "redis":
		store = mgCache.NewRedisStore(a.rdb)
		a.log.Info("cache backend: redis")

	case "memory":
		a.lruStore = mgCache.NewLRUStore(a.baseCtx, a.cfg.Cache.Capacity)
		store = a.lruStore
		a.log.Info("cache backend: memory (in-process LRU)",
			slog.Int("capacity", a.cfg.Cache.Capacity))

	case "none":
		// Coalescing still applies; only persistence is off.
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.coalescer = mgCache.NewCoalescer(a.baseCtx, store, a.cfg.Cache.TTL)

	var backend logsink.Backend
	if a.cfg.Sink.Mode == "clickhouse" {
		ch, err := logsink.NewClickHouseBackend(ctx, a.cfg.Sink.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		backend = ch
		a.log.Info("accounting sink: clickhouse")
	} else {
		a.log.Info("accounting sink: stdout")
	}

	sink, err := logsink.New(a.baseCtx, backend, a.log)
	if err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	a.sink = sink

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires together the dispatcher with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	var cacheReady func() bool
	if a.rdb != nil {
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	}

	opts := gateway.Options{
		Logger:             a.log,
		UpstreamTimeout:    a.cfg.UpstreamTimeout,
		CacheTTL:           a.cfg.Cache.TTL,
		Metrics:            a.prom,
		Sink:               a.sink,
		CacheReady:         cacheReady,
		AllowClientAPIKeys: a.cfg.AllowClientAPIKeys,
		Breaker: gateway.BreakerConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
	}

	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		rules, err := mgCache.NewExclusionRules(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		opts.Exclusions = rules
		a.log.Info("cache exclusions loaded", slog.Int("rules", rules.Len()))
	}

	gw := gateway.New(a.baseCtx, a.reg, a.coalescer, a.adapters, opts)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	a.mgmt = &gateway.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}
	a.gw = gw

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
