// Package gemini adapts the Google GenAI SDK to the gateway's adapter
// contract. System and developer messages become the system instruction;
// assistant turns map to the model role.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/perimetric/modelgate/internal/adapter"
	"github.com/perimetric/modelgate/pkg/apierr"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
)

type Adapter struct {
	apiKey     string
	baseURL    string
	client     *genai.Client
	httpClient *http.Client
	base       string
	apiVersion string
}

type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates a Gemini adapter. The context is only used for SDK client
// construction. Returns an error when the SDK rejects the configuration.
func New(ctx context.Context, apiKey string, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(a)
	}

	a.httpClient = &http.Client{Timeout: adapter.UpstreamTimeout}

	base, ver := splitBaseURLAndVersion(a.baseURL)
	a.base = base
	a.apiVersion = ver

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      a.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  a.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: a.base, APIVersion: a.apiVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	a.client = client

	return a, nil
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", toAPIError(err))
	}
	return nil
}

func (a *Adapter) Complete(ctx context.Context, req *adapter.ChatRequest) (*adapter.ChatResponse, error) {
	contents, cfg := buildContentsAndConfig(req)

	client, err := a.clientForKey(ctx, req.Credential)
	if err != nil {
		return nil, err
	}

	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toAPIError(err)
	}

	id := req.RequestID
	if id == "" {
		if resp != nil && resp.ResponseID != "" {
			id = resp.ResponseID
		} else {
			id = "gemini-" + uuid.NewString()
		}
	}

	out := ""
	finish := ""
	if resp != nil {
		out = resp.Text()
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			finish = finishReason(resp.Candidates[0].FinishReason)
		}
	}

	var inTok, outTok int
	if resp != nil && resp.UsageMetadata != nil {
		inTok = int(resp.UsageMetadata.PromptTokenCount)
		outTok = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &adapter.ChatResponse{
		ID:           id,
		Model:        req.Model,
		Content:      out,
		FinishReason: finish,
		Usage: adapter.Usage{
			PromptTokens:     inTok,
			CompletionTokens: outTok,
		},
	}, nil
}

func (a *Adapter) StreamChat(ctx context.Context, req *adapter.ChatRequest) (*adapter.Stream, error) {
	contents, cfg := buildContentsAndConfig(req)

	client, err := a.clientForKey(ctx, req.Credential)
	if err != nil {
		return nil, err
	}

	ch := make(chan adapter.StreamChunk, adapter.StreamBuffer)

	go func() {
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

		for resp, err := range client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			if err != nil {
				send(adapter.StreamChunk{Err: toAPIError(err)})
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			c := resp.Candidates[0]
			text := candidateText(c)
			finish := finishReason(c.FinishReason)

			if text == "" && finish == "" {
				continue
			}
			if !send(adapter.StreamChunk{Content: text, FinishReason: finish}) {
				return
			}
		}
	}()

	return &adapter.Stream{ID: adapter.StreamID(req), Model: req.Model, Chunks: ch}, nil
}

func buildContentsAndConfig(req *adapter.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content

		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))

		default: // user / unknown
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" || req.Temperature > 0 || req.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
	}

	if cfg != nil && systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if cfg != nil && req.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}
	if cfg != nil && req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	return contents, cfg
}

// Embed implements adapter.Embedder. All input strings go out in a single
// EmbedContent call as a batch of contents.
func (a *Adapter) Embed(ctx context.Context, req *adapter.EmbeddingRequest) (*adapter.EmbeddingResponse, error) {
	contents := make([]*genai.Content, len(req.Input))
	for i, text := range req.Input {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	client, err := a.clientForKey(ctx, req.Credential)
	if err != nil {
		return nil, err
	}

	resp, err := client.Models.EmbedContent(ctx, req.Model, contents, nil)
	if err != nil {
		return nil, toAPIError(err)
	}
	if resp == nil || len(resp.Embeddings) == 0 {
		return nil, apierr.Protocol(providerName, "empty embeddings response")
	}

	data := make([]adapter.Vector, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			continue
		}
		data[i] = adapter.Vector{
			Index:     i,
			Embedding: emb.Values,
		}
	}

	// The Gemini embeddings API does not report token usage; fields stay zero.
	return &adapter.EmbeddingResponse{
		Model: req.Model,
		Data:  data,
	}, nil
}

func (a *Adapter) clientForKey(ctx context.Context, overrideKey string) (*genai.Client, error) {
	key := overrideKey
	if key == "" {
		key = a.apiKey
	}
	if key == "" {
		return nil, apierr.New(apierr.KindUpstreamUnavailable, "gemini: no API key configured")
	}
	if key == a.apiKey {
		return a.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      key,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  a.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: a.base, APIVersion: a.apiVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: override client: %w", err)
	}
	return client, nil
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// finishReason maps Gemini finish reasons onto the OpenAI vocabulary.
func finishReason(fr genai.FinishReason) string {
	switch fr {
	case "":
		return ""
	case genai.FinishReasonStop:
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "length"
	default:
		return strings.ToLower(string(fr))
	}
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

func toAPIError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apierr.Upstream(providerName, apiErr.Code, apiErr.Message)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apierr.Upstream(providerName, 0, err.Error())
}
