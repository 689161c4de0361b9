// Package openaicompat is a generic adapter for any service that speaks
// the OpenAI chat completions wire format (xAI, Groq, DeepSeek, Perplexity,
// Moonshot, Qwen, and so on). One instance is configured per provider name
// with that provider's base URL and key.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/perimetric/modelgate/internal/adapter"
	"github.com/perimetric/modelgate/pkg/apierr"
)

type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// New creates an OpenAI-compatible adapter.
//
//   - name    — unique provider identifier used for routing and logs.
//   - apiKey  — key sent as "Authorization: Bearer <key>".
//   - baseURL — API base URL, e.g. "https://api.x.ai/v1".
func New(name, apiKey, baseURL string) *Adapter {
	a := &Adapter{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
	}

	opts := []option.RequestOption{
		option.WithAPIKey(a.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: adapter.UpstreamTimeout}),
	}
	if a.baseURL != "" {
		opts = append(opts, option.WithBaseURL(a.baseURL))
	}

	a.client = openaiSDK.NewClient(opts...)
	return a
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", a.name, a.toAPIError(err))
	}
	return nil
}

func (a *Adapter) Complete(ctx context.Context, req *adapter.ChatRequest) (*adapter.ChatResponse, error) {
	params := buildParams(req)
	opts, err := a.requestOptions(req.Credential)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, a.toAPIError(err)
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
	params := buildParams(req)
	opts, err := a.requestOptions(req.Credential)
	if err != nil {
		return nil, err
	}

	sdkStream := a.client.Chat.Completions.NewStreaming(ctx, params, opts...)
	if err := sdkStream.Err(); err != nil {
		_ = sdkStream.Close()
		return nil, a.toAPIError(err)
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
			send(adapter.StreamChunk{Err: a.toAPIError(err)})
		}
	}()

	return &adapter.Stream{ID: adapter.StreamID(req), Model: req.Model, Chunks: ch}, nil
}

func buildParams(req *adapter.ChatRequest) openaiSDK.ChatCompletionNewParams {
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

func (a *Adapter) toAPIError(err error) error {
	var sdkErr *openaiSDK.Error
	if errors.As(err, &sdkErr) {
		return apierr.Upstream(a.name, sdkErr.StatusCode, sdkErr.Error())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apierr.Upstream(a.name, 0, err.Error())
}

func (a *Adapter) requestOptions(overrideKey string) ([]option.RequestOption, error) {
	key := overrideKey
	if key == "" {
		key = a.apiKey
	}
	if key == "" {
		return nil, apierr.Newf(apierr.KindUpstreamUnavailable, "%s: no API key configured", a.name)
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
