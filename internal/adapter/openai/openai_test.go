package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/perimetric/modelgate/internal/adapter"
	"github.com/perimetric/modelgate/pkg/apierr"
)

func newTestAdapter(srv *httptest.Server) *Adapter {
	return New("mock-api-key", WithBaseURL(srv.URL))
}

func baseRequest() *adapter.ChatRequest {
	return &adapter.ChatRequest{
		Model:     "gpt-4o",
		Messages:  []adapter.Message{{Role: "user", Content: "Hello"}},
		RequestID: "req-mock-1",
	}
}

func TestAdapter_Name(t *testing.T) {
	a := New("key")
	if a.Name() != "openai" {
		t.Fatalf("expected 'openai', got %q", a.Name())
	}
}

func TestAdapter_Complete_Success(t *testing.T) {
	// Minimal chat.completion payload that openai-go/v3 can unmarshal.
	responseBody := map[string]any{
		"id":      "chatcmpl-123",
		"object":  "chat.completion",
		"created": 0,
		"model":   "gpt-4o",
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": "Hello, world!",
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     10,
			"completion_tokens": 5,
			"total_tokens":      15,
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer mock-api-key" {
			t.Errorf("missing or wrong Authorization header: %s", r.Header.Get("Authorization"))
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(responseBody)
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	resp, err := a.Complete(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.ID != "chatcmpl-123" {
		t.Errorf("expected ID 'chatcmpl-123', got %q", resp.ID)
	}
	if resp.Content != "Hello, world!" {
		t.Errorf("expected content 'Hello, world!', got %q", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("expected finish reason 'stop', got %q", resp.FinishReason)
	}
	if resp.Usage.PromptTokens != 10 {
		t.Errorf("expected 10 prompt tokens, got %d", resp.Usage.PromptTokens)
	}
	if resp.Usage.CompletionTokens != 5 {
		t.Errorf("expected 5 completion tokens, got %d", resp.Usage.CompletionTokens)
	}
}

func TestAdapter_StreamChat(t *testing.T) {
	chunks := []string{
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		flusher, ok := w.(http.Flusher)
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			if ok {
				flusher.Flush()
			}
		}
		fmt.Fprintln(w, "data: [DONE]")
	}))
	defer srv.Close()

	req := baseRequest()
	req.Stream = true

	a := newTestAdapter(srv)
	stream, err := a.StreamChat(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stream.ID != "chatcmpl-req-mock-1" {
		t.Errorf("stream ID = %q, want chatcmpl-req-mock-1", stream.ID)
	}

	var content string
	var finish string
	lastSeq := -1
	for chunk := range stream.Chunks {
		if chunk.Err != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
		if chunk.Seq <= lastSeq {
			t.Fatalf("seq went backwards: %d after %d", chunk.Seq, lastSeq)
		}
		lastSeq = chunk.Seq
		content += chunk.Content
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}

	if content != "Hello world" {
		t.Errorf("expected 'Hello world', got %q", content)
	}
	if finish != "stop" {
		t.Errorf("expected finish reason 'stop', got %q", finish)
	}
}

func TestAdapter_Complete_RateLimit(t *testing.T) {
	errBody := map[string]any{
		"error": map[string]any{
			"message": "Rate limit exceeded",
			"type":    "rate_limit_error",
			"code":    "rate_limit_exceeded",
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(errBody)
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	_, err := a.Complete(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error for 429, got nil")
	}

	var ge *apierr.Error
	if !errors.As(err, &ge) {
		t.Fatalf("expected *apierr.Error, got %T: %v", err, err)
	}
	if ge.Kind != apierr.KindUpstreamUnavailable {
		t.Errorf("expected KindUpstreamUnavailable, got %v", ge.Kind)
	}
	if ge.UpstreamStatus != http.StatusTooManyRequests {
		t.Errorf("expected upstream status 429, got %d", ge.UpstreamStatus)
	}
	if !strings.Contains(strings.ToLower(ge.Message), "rate limit") {
		t.Errorf("expected message to contain rate limit text, got %q", ge.Message)
	}
}

func TestAdapter_Complete_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, `{"error":{"message":"Service unavailable","type":"server_error"}}`)
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	_, err := a.Complete(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error for 503, got nil")
	}

	var ge *apierr.Error
	if !errors.As(err, &ge) {
		t.Fatalf("expected *apierr.Error, got %T: %v", err, err)
	}
	if ge.UpstreamStatus != http.StatusServiceUnavailable {
		t.Errorf("expected upstream status 503, got %d", ge.UpstreamStatus)
	}
	if ge.Provider != "openai" {
		t.Errorf("expected provider 'openai', got %q", ge.Provider)
	}
}

func TestAdapter_Embed(t *testing.T) {
	responseBody := map[string]any{
		"object": "list",
		"model":  "text-embedding-3-small",
		"data": []any{
			map[string]any{"object": "embedding", "index": 0, "embedding": []float64{0.1, 0.2, 0.3}},
			map[string]any{"object": "embedding", "index": 1, "embedding": []float64{0.4, 0.5, 0.6}},
		},
		"usage": map[string]any{
			"prompt_tokens": 8,
			"total_tokens":  8,
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "embeddings") {
			t.Errorf("expected embeddings path, got %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(responseBody)
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	resp, err := a.Embed(context.Background(), &adapter.EmbeddingRequest{
		Model: "text-embedding-3-small",
		Input: []string{"first", "second"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(resp.Data) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(resp.Data))
	}
	if resp.Data[0].Index != 0 || resp.Data[1].Index != 1 {
		t.Errorf("vector indices out of order: %d, %d", resp.Data[0].Index, resp.Data[1].Index)
	}
	if len(resp.Data[0].Embedding) != 3 {
		t.Errorf("expected 3 dimensions, got %d", len(resp.Data[0].Embedding))
	}
	if resp.Usage.PromptTokens != 8 {
		t.Errorf("expected 8 prompt tokens, got %d", resp.Usage.PromptTokens)
	}
}

func TestAdapter_Complete_NoAPIKey(t *testing.T) {
	a := New("")
	_, err := a.Complete(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error with no key configured")
	}
}

func TestAdapter_Complete_CredentialOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer override-key" {
			t.Errorf("expected override key, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"id":"chatcmpl-9","object":"chat.completion","created":0,"model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	}))
	defer srv.Close()

	req := baseRequest()
	req.Credential = "override-key"

	a := newTestAdapter(srv)
	if _, err := a.Complete(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
