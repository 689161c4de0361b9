package gemini

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

func newTestAdapter(t *testing.T, srv *httptest.Server) *Adapter {
	t.Helper()
	// The base URL keeps an API version segment so splitBaseURLAndVersion
	// extracts it the way the real endpoint would.
	a, err := New(context.Background(), "mock-api-key", WithBaseURL(srv.URL+"/v1beta"))
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return a
}

func baseRequest() *adapter.ChatRequest {
	return &adapter.ChatRequest{
		Model:     "gemini-1.5-pro",
		Messages:  []adapter.Message{{Role: "user", Content: "Hello"}},
		RequestID: "req-mock-1",
	}
}

func successResponse(text string) generateResponse {
	return generateResponse{
		Candidates: []candidate{
			{
				Content: content{
					Role:  "model",
					Parts: []part{{Text: text}},
				},
				FinishReason: "STOP",
			},
		},
		UsageMetadata: usageMetadata{
			PromptTokenCount:     10,
			CandidatesTokenCount: 5,
		},
	}
}

func TestAdapter_Complete_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		gotKey := r.URL.Query().Get("key")
		if gotKey == "" {
			gotKey = r.Header.Get("X-Goog-Api-Key")
		}
		if gotKey != "mock-api-key" {
			t.Errorf("expected api key in query or header, got %q", gotKey)
		}
		if !strings.Contains(r.URL.Path, "gemini-1.5-pro") || !strings.Contains(r.URL.Path, "generateContent") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successResponse("Hello, world!"))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
	resp, err := a.Complete(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Content != "Hello, world!" {
		t.Errorf("expected content 'Hello, world!', got %q", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("expected finish 'stop' for STOP, got %q", resp.FinishReason)
	}
	if resp.Usage.PromptTokens != 10 || resp.Usage.CompletionTokens != 5 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
	if resp.ID != "req-mock-1" {
		t.Errorf("request ID should be preserved, got %q", resp.ID)
	}
}

func TestAdapter_Complete_RoleAndSystemMapping(t *testing.T) {
	var captured generateRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successResponse("Sure!"))
	}))
	defer srv.Close()

	req := baseRequest()
	req.Messages = []adapter.Message{
		{Role: "system", Content: "Be helpful."},
		{Role: "user", Content: "What is 2+2?"},
		{Role: "assistant", Content: "4"},
	}

	a := newTestAdapter(t, srv)
	if _, err := a.Complete(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if captured.SystemInstruction == nil || len(captured.SystemInstruction.Parts) == 0 ||
		captured.SystemInstruction.Parts[0].Text != "Be helpful." {
		t.Errorf("system message should become systemInstruction, got %+v", captured.SystemInstruction)
	}
	if len(captured.Contents) != 2 {
		t.Fatalf("expected 2 contents, got %d", len(captured.Contents))
	}
	if captured.Contents[1].Role != "model" {
		t.Errorf("assistant message should map to role 'model', got %q", captured.Contents[1].Role)
	}
}

func TestAdapter_StreamChat(t *testing.T) {
	chunks := []string{
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hello"}]},"finishReason":""}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":" world"}]},"finishReason":""}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":""}]},"finishReason":"STOP"}]}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "streamGenerateContent") {
			t.Errorf("expected streamGenerateContent in path, got %q", r.URL.Path)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		flusher, ok := w.(http.Flusher)
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			if ok {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	req := baseRequest()
	req.Stream = true

	a := newTestAdapter(t, srv)
	stream, err := a.StreamChat(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stream.ID != "chatcmpl-req-mock-1" {
		t.Errorf("stream ID = %q, want chatcmpl-req-mock-1", stream.ID)
	}

	var text, finish string
	lastSeq := -1
	for chunk := range stream.Chunks {
		if chunk.Err != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
		if chunk.Seq <= lastSeq {
			t.Fatalf("seq went backwards: %d after %d", chunk.Seq, lastSeq)
		}
		lastSeq = chunk.Seq
		text += chunk.Content
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}

	if text != "Hello world" {
		t.Errorf("expected 'Hello world', got %q", text)
	}
	if finish != "stop" {
		t.Errorf("expected finish 'stop', got %q", finish)
	}
}

func TestAdapter_Complete_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprintln(w, `{"error":{"code":429,"message":"Resource has been exhausted (e.g. check quota).","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
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
}

func TestAdapter_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "EmbedContents") && !strings.Contains(r.URL.Path, "embedContent") {
			t.Errorf("expected embed path, got %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"embeddings":[{"values":[0.1,0.2,0.3]},{"values":[0.4,0.5,0.6]}]}`)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv)
	resp, err := a.Embed(context.Background(), &adapter.EmbeddingRequest{
		Model: "text-embedding-004",
		Input: []string{"one", "two"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(resp.Data) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(resp.Data))
	}
	if resp.Data[0].Index != 0 || resp.Data[1].Index != 1 {
		t.Errorf("vector indices out of order: %+v", resp.Data)
	}
	if len(resp.Data[1].Embedding) != 3 {
		t.Errorf("expected 3 dimensions, got %d", len(resp.Data[1].Embedding))
	}
}

// --- local JSON shapes used by tests (request capture + response stubs) ---

type generateRequest struct {
	Contents          []content         `json:"contents"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	MaxOutputTokens *int32   `json:"maxOutputTokens,omitempty"`
}

type generateResponse struct {
	Candidates    []candidate   `json:"candidates"`
	UsageMetadata usageMetadata `json:"usageMetadata,omitempty"`
	ResponseID    string        `json:"responseId,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}
