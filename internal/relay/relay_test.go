package relay

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/perimetric/modelgate/internal/adapter"
)

// failAfterWriter flushes successfully n times, then reports a closed client
// connection.
type failAfterWriter struct {
	bytes.Buffer
	okFlushes int
	flushes   int
}

func (w *failAfterWriter) Flush() error {
	w.flushes++
	if w.flushes > w.okFlushes {
		return errors.New("connection reset by peer")
	}
	return nil
}

// okWriter never fails.
type okWriter struct{ bytes.Buffer }

func (w *okWriter) Flush() error { return nil }

func chunkStream(chunks ...adapter.StreamChunk) *adapter.Stream {
	ch := make(chan adapter.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return &adapter.Stream{ID: "chatcmpl-mock", Model: "gpt-4o", Chunks: ch}
}

func TestForward_OrderedDeliveryAndSentinel(t *testing.T) {
	stream := chunkStream(
		adapter.StreamChunk{Seq: 0, Content: "Hel"},
		adapter.StreamChunk{Seq: 1, Content: "lo"},
		adapter.StreamChunk{Seq: 2, FinishReason: "stop"},
	)

	var cancelled bool
	w := &okWriter{}
	stats := New(stream, func() { cancelled = true }).Forward(w)

	if stats.State != StateClosed {
		t.Fatalf("state = %v, want closed", stats.State)
	}
	if stats.Chunks != 3 || stats.Chars != 5 {
		t.Errorf("stats = %+v, want 3 chunks / 5 chars", stats)
	}
	if !cancelled {
		t.Error("upstream must be released after close")
	}

	out := w.String()
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Errorf("output must end with the sentinel, got %q", out)
	}
	// Content fragments appear in emission order.
	if strings.Index(out, "Hel") > strings.Index(out, "lo") {
		t.Error("chunks were reordered")
	}
	if !strings.Contains(out, `"finish_reason":"stop"`) {
		t.Errorf("finish reason missing from final delta: %q", out)
	}
	// Every delta carries the stream's ID.
	if strings.Count(out, `"id":"chatcmpl-mock"`) != 3 {
		t.Errorf("expected the stream ID on all 3 deltas: %q", out)
	}
}

func TestForward_ClientDisconnectAborts(t *testing.T) {
	// Feed chunks through an unbuffered goroutine so the upstream can observe
	// whether the relay stops consuming.
	ch := make(chan adapter.StreamChunk)
	upstreamReleased := make(chan struct{})
	go func() {
		defer close(ch)
		for i := 0; i < 100; i++ {
			select {
			case ch <- adapter.StreamChunk{Seq: i, Content: "x"}:
			case <-upstreamReleased:
				return
			}
		}
	}()

	stream := &adapter.Stream{ID: "s", Model: "gpt-4o", Chunks: ch}
	w := &failAfterWriter{okFlushes: 2} // client drops after the second chunk

	done := make(chan Stats, 1)
	go func() {
		done <- New(stream, func() { close(upstreamReleased) }).Forward(w)
	}()

	select {
	case stats := <-done:
		if stats.State != StateAborted {
			t.Fatalf("state = %v, want aborted", stats.State)
		}
		if stats.Chunks != 2 {
			t.Errorf("forwarded %d chunks before abort, want 2", stats.Chunks)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not abort within bounded time after client disconnect")
	}

	select {
	case <-upstreamReleased:
	default:
		t.Fatal("upstream connection was not released on abort")
	}
}

func TestForward_UpstreamErrorBecomesTerminalEvent(t *testing.T) {
	stream := chunkStream(
		adapter.StreamChunk{Seq: 0, Content: "partial"},
		adapter.StreamChunk{Err: errors.New("upstream hung up")},
	)

	w := &okWriter{}
	stats := New(stream, func() {}).Forward(w)

	if stats.State != StateAborted {
		t.Fatalf("state = %v, want aborted", stats.State)
	}

	out := w.String()
	if !strings.Contains(out, "upstream hung up") {
		t.Errorf("terminal error event missing: %q", out)
	}
	if strings.Contains(out, "[DONE]") {
		t.Error("an errored stream must not emit the completion sentinel")
	}
}

func TestForward_OutOfOrderChunkAborts(t *testing.T) {
	stream := chunkStream(
		adapter.StreamChunk{Seq: 0, Content: "a"},
		adapter.StreamChunk{Seq: 2, Content: "b"},
		adapter.StreamChunk{Seq: 1, Content: "c"},
	)

	w := &okWriter{}
	stats := New(stream, func() {}).Forward(w)

	if stats.State != StateAborted {
		t.Fatalf("state = %v, want aborted on sequence regression", stats.State)
	}
	if strings.Contains(w.String(), `"content":"c"`) {
		t.Error("no chunk may be written after a sequence violation")
	}
}

func TestForward_EmptyStreamClosesCleanly(t *testing.T) {
	w := &okWriter{}
	stats := New(chunkStream(), func() {}).Forward(w)

	if stats.State != StateClosed {
		t.Fatalf("state = %v, want closed", stats.State)
	}
	if w.String() != "data: [DONE]\n\n" {
		t.Errorf("empty stream should emit only the sentinel, got %q", w.String())
	}
}
