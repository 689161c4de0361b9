// Package anthropic adapts the official Anthropic SDK to the gateway's
// adapter contract. System and developer messages are folded into the
// Messages API system prompt; message-stop events carry the finish reason.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/perimetric/modelgate/internal/adapter"
	"github.com/perimetric/modelgate/pkg/apierr"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = "anthropic"
	defaultMaxTokens = 4096

	// maxTemperature is the upper bound the Messages API accepts.
	maxTemperature = 1.0
)

type Adapter struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
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

	a.client = anthropic.NewClient(
		option.WithAPIKey(a.apiKey),
		option.WithBaseURL(a.baseURL),
		option.WithHTTPClient(httpClient),
	)

	return a
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toAPIError(err))
	}
	return nil
}

func (a *Adapter) Complete(ctx context.Context, req *adapter.ChatRequest) (*adapter.ChatResponse, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}

	opts, err := a.requestOptions(req.Credential)
	if err != nil {
		return nil, err
	}

	msg, err := a.client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, toAPIError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &adapter.ChatResponse{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      sb.String(),
		FinishReason: finishReason(string(msg.StopReason)),
		Usage: adapter.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (a *Adapter) StreamChat(ctx context.Context, req *adapter.ChatRequest) (*adapter.Stream, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}

	opts, err := a.requestOptions(req.Credential)
	if err != nil {
		return nil, err
	}

	sdkStream := a.client.Messages.NewStreaming(ctx, params, opts...)
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

		stopReason := ""
		for sdkStream.Next() {
			ev := sdkStream.Current()

			switch eventVariant := ev.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if deltaVariant.Text != "" && !send(adapter.StreamChunk{Content: deltaVariant.Text}) {
						return
					}
				case *anthropic.TextDelta:
					if deltaVariant.Text != "" && !send(adapter.StreamChunk{Content: deltaVariant.Text}) {
						return
					}
				}
			case anthropic.MessageDeltaEvent:
				if eventVariant.Delta.StopReason != "" {
					stopReason = string(eventVariant.Delta.StopReason)
				}
			}
		}

		if err := sdkStream.Err(); err != nil {
			send(adapter.StreamChunk{Err: toAPIError(err)})
			return
		}

		send(adapter.StreamChunk{FinishReason: finishReason(stopReason)})
	}()

	return &adapter.Stream{ID: adapter.StreamID(req), Model: req.Model, Chunks: ch}, nil
}

// buildParams translates the unified request. Fields the Messages API cannot
// express fail here with an unsupported_parameter error so the caller gets a
// 4xx instead of a relayed upstream rejection.
func buildParams(req *adapter.ChatRequest) (anthropic.MessageNewParams, error) {
	if req.Temperature > maxTemperature {
		return anthropic.MessageNewParams{}, apierr.Newf(apierr.KindUnsupportedParameter,
			"anthropic: temperature %g exceeds the provider maximum %g", req.Temperature, maxTemperature)
	}

	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}

	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	return params, nil
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	r := strings.ToLower(role)
	anthRole := anthropic.MessageParamRoleUser
	if r == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{
				OfText: &anthropic.TextBlockParam{
					Text: content,
				},
			},
		},
	}
}

// finishReason maps Anthropic stop reasons onto the OpenAI vocabulary
// the unified schema uses.
func finishReason(stop string) string {
	switch stop {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "":
		return "stop"
	default:
		return stop
	}
}

func (a *Adapter) requestOptions(overrideKey string) ([]option.RequestOption, error) {
	key := overrideKey
	if key == "" {
		key = a.apiKey
	}
	if key == "" {
		return nil, apierr.New(apierr.KindUpstreamUnavailable, "anthropic: no API key configured")
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

func toAPIError(err error) error {
	var sdkErr *anthropic.Error
	if errors.As(err, &sdkErr) {
		return apierr.Upstream(providerName, sdkErr.StatusCode, sdkErr.Error())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apierr.Upstream(providerName, 0, err.Error())
}
