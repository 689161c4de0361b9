// Package logsink implements a non-blocking, batched request-event sink.
//
// Events are written to an internal buffered channel and flushed in batches
// by a background goroutine, so accounting never blocks the request hot
// path. If the channel fills up (> 10 000 events), new events are dropped
// and counted in Dropped.
//
// Two backends ship with the gateway: a structured-log backend that writes
// one slog record per event, and a ClickHouse backend for deployments that
// keep long-term usage history.
package logsink

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Event is one completed gateway request, normalized across providers.
type Event struct {
	RequestID    string
	Provider     string
	Model        string
	Route        string // chat_completions | completions | embeddings
	PromptTokens int
	OutputTokens int
	LatencyMs    int64
	Status       int
	CacheState   string // hit | miss | bypass
	CreatedAt    time.Time
}

// Backend receives flushed batches. Implementations may block; the sink
// goroutine absorbs the latency.
type Backend interface {
	WriteBatch(ctx context.Context, events []Event) error
	Close() error
}

// Sink is the async fan-in point for request events.
type Sink struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	backend Backend
	log     *slog.Logger
}

func New(ctx context.Context, backend Backend, log *slog.Logger) (*Sink, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logsink: context must not be nil")
	}
	if backend == nil {
		backend = NewSlogBackend(nil)
	}
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	s := &Sink{
		ch:      make(chan Event, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		backend: backend,
		log:     log,
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// Record enqueues an event. Never blocks; events are dropped under pressure.
func (s *Sink) Record(e Event) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	select {
	case s.ch <- e:
	default:
		atomic.AddInt64(&s.dropped, 1)
	}
}

// Dropped returns the number of events discarded because the buffer was full.
func (s *Sink) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// Close drains the channel, flushes the final batch, and closes the backend.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return s.backend.Close()
}

func (s *Sink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.backend.WriteBatch(s.baseCtx, batch); err != nil {
			s.log.Warn("logsink flush failed",
				slog.Int("events", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-s.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-s.done:
			for {
				select {
				case e := <-s.ch:
					batch = append(batch, e)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
