// Package openai adapts the official OpenAI SDK to the gateway's
// adapter contract. It serves both chat completions (streaming and
// non-streaming) and embeddings.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/perimetric/modelgate/internal/adapter"
	"github.com/perimetric/modelgate/pkg/apierr"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

type Adapter struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

type Option func(*Adapter)

// WithBaseURL points the adapter at an alternate endpoint. Used by
// tests and by self-hosted OpenAI-compatible deployments.
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}

	for _, o := range opts {
		o(a)
	}

	httpClient := &http.Client{Timeout: adapter.UpstreamTimeout}
	if a.baseURL != "" && a.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, a.baseURL)
	}

	a.client = openaiSDK.NewClient(
		option.WithAPIKey(a.apiKey),
		option.WithHTTPClient(httpClient),
	)

	return a
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", toAPIError(err))
	}
	return nil
}

func (a *Adapter) Complete(ctx context.Context, req *adapter.ChatRequest) (*adapter.ChatResponse, error) {
	params := a.buildChatParams(req)

	opts, err := a.requestOptions(req.Credential)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, toAPIError(err)
	}

	content := ""
	finish := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finish = resp.Choices[0].FinishReason
	}

	return &adapter.ChatResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      content,
		FinishReason: finish,
		Usage: adapter.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (a *Adapter) StreamChat(ctx context.Context, req *adapter.ChatRequest) (*adapter.Stream, error) {
	params := a.buildChatParams(req)

	opts, err := a.requestOptions(req.Credential)
	if err != nil {
		return nil, err
	}

	sdkStream := a.client.Chat.Completions.NewStreaming(ctx, params, opts...)
	if err := sdkStream.Err(); err != nil {
		_ = sdkStream.Close()
		return nil, toAPIError(err)
	}

	ch := make(chan adapter.StreamChunk, adapter.StreamBuffer)

	go func() {
		defer close(ch)
		defer sdkStream.Close()

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

		for sdkStream.Next() {
			chunk := sdkStream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]

			if c.Delta.Content == "" && c.FinishReason == "" {
				continue
			}
			if !send(adapter.StreamChunk{Content: c.Delta.Content, FinishReason: c.FinishReason}) {
				return
			}
		}

		if err := sdkStream.Err(); err != nil {
			send(adapter.StreamChunk{Err: toAPIError(err)})
		}
	}()

	return &adapter.Stream{ID: adapter.StreamID(req), Model: req.Model, Chunks: ch}, nil
}

func (a *Adapter) buildChatParams(req *adapter.ChatRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}

	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	return params
}

// Embed implements adapter.Embedder.
func (a *Adapter) Embed(ctx context.Context, req *adapter.EmbeddingRequest) (*adapter.EmbeddingResponse, error) {
	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(req.Model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Input,
		},
	}

	opts, err := a.requestOptions(req.Credential)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Embeddings.New(ctx, params, opts...)
	if err != nil {
		return nil, toAPIError(err)
	}

	data := make([]adapter.Vector, len(resp.Data))
	for i, d := range resp.Data {
		f32 := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			f32[j] = float32(v)
		}
		data[i] = adapter.Vector{
			Index:     int(d.Index),
			Embedding: f32,
		}
	}

	return &adapter.EmbeddingResponse{
		Model: resp.Model,
		Data:  data,
		Usage: adapter.Usage{
			PromptTokens: int(resp.Usage.PromptTokens),
		},
	}, nil
}

func (a *Adapter) requestOptions(overrideKey string) ([]option.RequestOption, error) {
	key := overrideKey
	if key == "" {
		key = a.apiKey
	}
	if key == "" {
		return nil, apierr.New(apierr.KindUpstreamUnavailable, "openai: no API key configured")
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

func toAPIError(err error) error {
	var sdkErr *openaiSDK.Error
	if errors.As(err, &sdkErr) {
		return apierr.Upstream(providerName, sdkErr.StatusCode, sdkErr.Error())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apierr.Upstream(providerName, 0, err.Error())
}

type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2

	return t.rt.RoundTrip(r2)
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	case "user":
		fallthrough
	default:
		return openaiSDK.UserMessage(content)
	}
}
