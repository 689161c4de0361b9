// Package adapter defines the unified request/response schema and the
// interfaces every provider adapter implements.
//
// An adapter translates the unified schema into one provider's wire format,
// performs the outbound call with its own HTTP client and credential, and
// translates the provider response (or stream) back. The gateway never sees a
// provider-native shape.
package adapter

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type (
	// Message is a single conversation turn.
	Message struct {
		Role    string
		Content string
	}

	// Usage holds normalized token accounting. Providers that do not report
	// usage leave fields at zero — never omitted.
	Usage struct {
		PromptTokens     int
		CompletionTokens int
	}

	// ChatRequest is the unified chat-completion request. Immutable once
	// built by the gateway.
	ChatRequest struct {
		Model       string // adapter-native model name from the binding
		Messages    []Message
		Stream      bool
		Temperature float64
		MaxTokens   int
		RequestID   string

		// Credential is the opaque per-request key override supplied by the
		// credential collaborator. Empty means use the adapter's configured key.
		Credential string
	}

	// ChatResponse is the unified non-streaming chat result.
	ChatResponse struct {
		ID           string
		Model        string
		Content      string
		FinishReason string
		Usage        Usage
	}

	// StreamChunk is one delta fragment of a streaming response. Seq is
	// assigned by the adapter goroutine that owns the upstream read and
	// increases monotonically within one stream.
	StreamChunk struct {
		Seq          int
		Content      string
		FinishReason string

		// Err terminates the stream when non-nil. The relay converts it into
		// a terminal SSE error event.
		Err error
	}

	// Stream is the adapter side of a streaming response. The channel is
	// closed by the adapter when the upstream signals end-of-stream or fails;
	// cancelling the context passed to StreamChat releases the upstream
	// connection.
	Stream struct {
		ID     string
		Model  string
		Chunks <-chan StreamChunk
	}

	// EmbeddingRequest is the unified embeddings request.
	EmbeddingRequest struct {
		Model      string
		Input      []string // at least one element
		RequestID  string
		Credential string
	}

	// Vector is one embedding result, order-preserving relative to Input.
	Vector struct {
		Index     int
		Embedding []float32
	}

	// EmbeddingResponse is the unified embeddings result.
	EmbeddingResponse struct {
		Model string
		Data  []Vector
		Usage Usage
	}
)

// Adapter is the chat-completion capability set.
type Adapter interface {
	Name() string

	// Complete performs a non-streaming chat completion.
	Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// StreamChat opens a streaming chat completion. The returned Stream's
	// channel delivers chunks in upstream emission order.
	StreamChat(ctx context.Context, req *ChatRequest) (*Stream, error)

	// HealthCheck verifies connectivity and auth against the upstream.
	HealthCheck(ctx context.Context) error
}

// Embedder is implemented by adapters that support the embeddings API.
// Check with a type assertion before calling.
type Embedder interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// StreamID derives the identifier carried by every SSE chunk of a stream.
// The gateway request ID keeps chunks correlatable with access logs; direct
// adapter callers get a generated one.
func StreamID(req *ChatRequest) string {
	if req.RequestID != "" {
		return "chatcmpl-" + req.RequestID
	}
	return "chatcmpl-" + uuid.NewString()
}

// UpstreamTimeout is the default per-provider HTTP request timeout.
const UpstreamTimeout = 30 * time.Second

// StreamBuffer is the chunk channel capacity used by all adapters. It is
// kept small so the relay holds O(1) chunks, not the whole response.
const StreamBuffer = 8
