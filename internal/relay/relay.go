// Package relay forwards a provider's incremental output to the client as
// Server-Sent Events.
//
// A relay owns exactly one in-flight stream and holds at most one outstanding
// chunk — memory use is O(chunk), never O(response). Client disconnects and
// upstream failures both drive the relay into a terminal state that releases
// the upstream connection promptly.
package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/perimetric/modelgate/internal/adapter"
	"github.com/perimetric/modelgate/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// State is the relay lifecycle position.
type State int32

const (
	// StateOpened — upstream established, nothing forwarded yet.
	StateOpened State = iota
	// StateForwarding — at least one chunk has been written to the client.
	StateForwarding
	// StateClosed — upstream signalled end-of-stream; terminator emitted.
	StateClosed
	// StateAborted — client disconnected or upstream failed mid-stream.
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateOpened:
		return "opened"
	case StateForwarding:
		return "forwarding"
	case StateClosed:
		return "closed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// FlushWriter is the client-side sink: a buffered writer whose Flush reports
// client disconnects. *bufio.Writer satisfies it.
type FlushWriter interface {
	io.Writer
	Flush() error
}

// Stats summarises one completed relay run.
type Stats struct {
	State  State
	Chunks int
	Chars  int
}

// Relay forwards one stream. Not reusable.
type Relay struct {
	stream *adapter.Stream

	// cancelUpstream releases the upstream connection. Called exactly once,
	// on any terminal transition.
	cancelUpstream context.CancelFunc
}

// New creates a relay over stream. cancel must release the upstream
// connection when invoked; it is called on every terminal transition.
func New(stream *adapter.Stream, cancel context.CancelFunc) *Relay {
	return &Relay{stream: stream, cancelUpstream: cancel}
}

// Forward drains the stream into w chunk by chunk and returns the terminal
// state. It never writes after a failed flush, and it always releases the
// upstream connection before returning.
func (r *Relay) Forward(w FlushWriter) Stats {
	defer r.cancelUpstream()

	st := Stats{State: StateOpened}
	lastSeq := -1

	for chunk := range r.stream.Chunks {
		if chunk.Err != nil {
			// Terminal upstream failure: the client already holds partial
			// output, so the error is an event on the stream, not a fresh
			// HTTP error.
			r.writeErrorEvent(w, chunk.Err)
			st.State = StateAborted
			return st
		}

		if chunk.Seq <= lastSeq {
			r.writeErrorEvent(w, apierr.Protocol("",
				fmt.Sprintf("stream chunk out of order: seq %d after %d", chunk.Seq, lastSeq)))
			st.State = StateAborted
			return st
		}
		lastSeq = chunk.Seq

		if err := r.writeDelta(w, chunk); err != nil {
			// Client went away; stop immediately and release upstream.
			st.State = StateAborted
			return st
		}

		st.State = StateForwarding
		st.Chunks++
		st.Chars += len(chunk.Content)
	}

	// Upstream end-of-stream: emit the sentinel. A failed final flush still
	// counts as Closed — the response was complete.
	fmt.Fprint(w, "data: [DONE]\n\n")
	_ = w.Flush()
	st.State = StateClosed
	return st
}

type deltaPayload struct {
	Content string `json:"content,omitempty"`
}

type deltaChoice struct {
	Index        int          `json:"index"`
	Delta        deltaPayload `json:"delta"`
	FinishReason any          `json:"finish_reason"`
}

type deltaEvent struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []deltaChoice `json:"choices"`
}

func (r *Relay) writeDelta(w FlushWriter, chunk adapter.StreamChunk) error {
	var finish any
	if chunk.FinishReason != "" {
		finish = chunk.FinishReason
	}

	ev := deltaEvent{
		ID:      r.stream.ID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   r.stream.Model,
		Choices: []deltaChoice{{
			Index:        0,
			Delta:        deltaPayload{Content: chunk.Content},
			FinishReason: finish,
		}},
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}

type errorEvent struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (r *Relay) writeErrorEvent(w FlushWriter, cause error) {
	var ev errorEvent
	ev.Error.Message = cause.Error()
	ev.Error.Type = apierr.TypeProviderError

	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "data: %s\n\n", data)
	_ = w.Flush()
}

// ServeSSE wires a relay into a fasthttp response. onDone receives the final
// stats once the body stream writer finishes.
func ServeSSE(ctx *fasthttp.RequestCtx, stream *adapter.Stream, cancel context.CancelFunc, onDone func(Stats)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { _ = recover() }() // stream writers must not kill the server

		stats := New(stream, cancel).Forward(w)
		if onDone != nil {
			onDone(stats)
		}
	})
}
