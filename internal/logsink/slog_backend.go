package logsink

import (
	"context"
	"log/slog"
	"os"
)

// SlogBackend writes one structured log record per event. It is the default
// backend for deployments without a ClickHouse cluster.
type SlogBackend struct {
	log *slog.Logger
}

func NewSlogBackend(log *slog.Logger) *SlogBackend {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	return &SlogBackend{log: log}
}

func (b *SlogBackend) WriteBatch(ctx context.Context, events []Event) error {
	for _, e := range events {
		b.log.InfoContext(ctx, "request",
			slog.String("request_id", e.RequestID),
			slog.String("provider", e.Provider),
			slog.String("model", e.Model),
			slog.String("route", e.Route),
			slog.Int("prompt_tokens", e.PromptTokens),
			slog.Int("output_tokens", e.OutputTokens),
			slog.Int64("latency_ms", e.LatencyMs),
			slog.Int("status", e.Status),
			slog.String("cache", e.CacheState),
			slog.Time("created_at", e.CreatedAt),
		)
	}
	return nil
}

func (b *SlogBackend) Close() error { return nil }
