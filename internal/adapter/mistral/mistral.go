// Package mistral talks to the Mistral REST API directly. Mistral is
// OpenAI-wire-compatible so the request and response shapes are written
// out by hand rather than pulling in another SDK.
package mistral

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/perimetric/modelgate/internal/adapter"
	"github.com/perimetric/modelgate/pkg/apierr"
)

const (
	defaultBaseURL = "https://api.mistral.ai/v1"
	providerName   = "mistral"

	// maxTemperature is the upper bound the Mistral API accepts.
	maxTemperature = 1.5
)

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   usage    `json:"usage"`
	Error   *wireErr `json:"error,omitempty"`
}

type choice struct {
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type wireErr struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type embeddingResponse struct {
	Object string          `json:"object"`
	Model  string          `json:"model"`
	Data   []embeddingData `json:"data"`
	Usage  usage           `json:"usage"`
	Error  *wireErr        `json:"error,omitempty"`
}

type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type Option func(*Adapter)

func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: adapter.UpstreamTimeout},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("mistral: health check: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("mistral: health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mistral: health check: status %d", resp.StatusCode)
	}
	return nil
}

func (a *Adapter) Complete(ctx context.Context, req *adapter.ChatRequest) (*adapter.ChatResponse, error) {
	resp, err := a.doChat(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, apierr.Protocol(providerName, fmt.Sprintf("decode response: %v", err))
	}

	content := ""
	finish := ""
	if len(cr.Choices) > 0 {
		if cr.Choices[0].Message != nil {
			content = cr.Choices[0].Message.Content
		}
		finish = cr.Choices[0].FinishReason
	}

	return &adapter.ChatResponse{
		ID:           cr.ID,
		Model:        cr.Model,
		Content:      content,
		FinishReason: finish,
		Usage: adapter.Usage{
			PromptTokens:     cr.Usage.PromptTokens,
			CompletionTokens: cr.Usage.CompletionTokens,
		},
	}, nil
}

func (a *Adapter) StreamChat(ctx context.Context, req *adapter.ChatRequest) (*adapter.Stream, error) {
	resp, err := a.doChat(ctx, req, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan adapter.StreamChunk, adapter.StreamBuffer)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		seq := 0
		send := func(c adapter.StreamChunk) bool {
			c.Seq = seq
			seq++
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var cr chatResponse
			if err := json.Unmarshal([]byte(data), &cr); err != nil {
				send(adapter.StreamChunk{Err: apierr.Protocol(providerName, "malformed stream event")})
				return
			}
			if len(cr.Choices) == 0 || cr.Choices[0].Delta == nil {
				continue
			}

			if !send(adapter.StreamChunk{
				Content:      cr.Choices[0].Delta.Content,
				FinishReason: cr.Choices[0].FinishReason,
			}) {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			send(adapter.StreamChunk{Err: apierr.Upstream(providerName, 0, err.Error())})
		}
	}()

	return &adapter.Stream{ID: adapter.StreamID(req), Model: req.Model, Chunks: ch}, nil
}

func (a *Adapter) doChat(ctx context.Context, req *adapter.ChatRequest, stream bool) (*http.Response, error) {
	if req.Temperature > maxTemperature {
		return nil, apierr.Newf(apierr.KindUnsupportedParameter,
			"mistral: temperature %g exceeds the provider maximum %g", req.Temperature, maxTemperature)
	}

	msgs := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	cr := chatRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   stream,
	}
	if req.Temperature > 0 {
		cr.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		cr.MaxTokens = req.MaxTokens
	}

	body, err := json.Marshal(cr)
	if err != nil {
		return nil, fmt.Errorf("mistral: marshal request: %w", err)
	}

	apiKey, err := a.effectiveAPIKey(req.Credential)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mistral: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apierr.Upstream(providerName, 0, err.Error())
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, a.parseError(resp)
	}

	return resp, nil
}

// Embed implements adapter.Embedder.
func (a *Adapter) Embed(ctx context.Context, req *adapter.EmbeddingRequest) (*adapter.EmbeddingResponse, error) {
	body, err := json.Marshal(embeddingRequest{
		Model: req.Model,
		Input: req.Input,
	})
	if err != nil {
		return nil, fmt.Errorf("mistral: embed: marshal request: %w", err)
	}

	apiKey, err := a.effectiveAPIKey(req.Credential)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mistral: embed: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apierr.Upstream(providerName, 0, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.parseError(resp)
	}

	var er embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, apierr.Protocol(providerName, fmt.Sprintf("decode embeddings: %v", err))
	}

	data := make([]adapter.Vector, len(er.Data))
	for i, d := range er.Data {
		data[i] = adapter.Vector{
			Index:     d.Index,
			Embedding: d.Embedding,
		}
	}

	return &adapter.EmbeddingResponse{
		Model: er.Model,
		Data:  data,
		Usage: adapter.Usage{
			PromptTokens: er.Usage.PromptTokens,
		},
	}, nil
}

func (a *Adapter) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var cr chatResponse
	if json.Unmarshal(body, &cr) == nil && cr.Error != nil {
		return apierr.Upstream(providerName, resp.StatusCode, cr.Error.Message)
	}

	return apierr.Upstream(providerName, resp.StatusCode, fmt.Sprintf("unexpected status %d", resp.StatusCode))
}

func (a *Adapter) effectiveAPIKey(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if a.apiKey == "" {
		return "", apierr.New(apierr.KindUpstreamUnavailable, "mistral: no API key configured")
	}
	return a.apiKey, nil
}
