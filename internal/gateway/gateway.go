// Package gateway is the core LLM request dispatcher.
//
// The Gateway receives an incoming OpenAI-compatible request, resolves the
// target provider through the routing registry, consults the single-flight
// response cache, and forwards the request to the bound adapter. Routing is
// deterministic: a model that matches no rule is rejected, never rerouted.
//
// Key constraints:
//   - Gateway overhead < 2 ms P50. No blocking I/O on the hot path.
//   - Coalescer, exclusion rules, metrics, and log sink are nil-safe.
//   - All upstream I/O uses context.Context so timeouts propagate.
//   - Streaming responses are relayed as SSE and never cached.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/perimetric/modelgate/internal/adapter"
	"github.com/perimetric/modelgate/internal/cache"
	"github.com/perimetric/modelgate/internal/logsink"
	"github.com/perimetric/modelgate/internal/metrics"
	"github.com/perimetric/modelgate/internal/registry"
	"github.com/perimetric/modelgate/internal/relay"
	"github.com/perimetric/modelgate/pkg/apierr"
)

const (
	xCacheHIT    = "HIT"
	xCacheMISS   = "MISS"
	xCacheBYPASS = "BYPASS"
)

// Options holds optional tuning parameters for a Gateway. All fields have
// sensible defaults and can be omitted.
type Options struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// UpstreamTimeout is the per-request upstream deadline for
	// non-streaming calls. Default: adapter.UpstreamTimeout (30s).
	UpstreamTimeout time.Duration

	// CacheTTL controls the TTL for cached responses. Default: 1h.
	CacheTTL time.Duration

	// Breaker configures the per-provider circuit breaker thresholds.
	// Zero values use the package-level defaults.
	Breaker BreakerConfig

	// AllowClientAPIKeys enables forwarding Authorization bearer tokens
	// from clients to upstream providers. Requests carrying a client key
	// bypass the cache: fingerprints deliberately exclude credentials.
	AllowClientAPIKeys bool

	// Metrics enables Prometheus collection. Nil disables it.
	Metrics *metrics.Registry

	// Sink receives one accounting event per completed request.
	Sink *logsink.Sink

	// Exclusions lists models that skip the cache entirely.
	Exclusions *cache.ExclusionRules

	// CacheReady is the readiness probe for the cache backend, reported
	// by GET /readiness. Nil means always ready.
	CacheReady func() bool
}

// Gateway is the main dispatcher. All dependencies are injected via the
// constructor so tests can substitute doubles.
type Gateway struct {
	registry   *registry.Registry
	coalescer  *cache.Coalescer
	exclusions *cache.ExclusionRules
	breaker    *Breaker
	health     *HealthChecker
	baseCtx    context.Context
	log        *slog.Logger
	metrics    *metrics.Registry
	sink       *logsink.Sink

	upstreamTimeout time.Duration
	cacheTTL        time.Duration

	// CORS allowed origins. Empty means deny all; ["*"] allows all.
	corsOrigins []string

	allowClientAPIKeys bool
}

// New creates a fully configured Gateway. The coalescer may be nil, which
// disables caching and request coalescing.
func New(
	baseCtx context.Context,
	reg *registry.Registry,
	co *cache.Coalescer,
	adapters map[string]adapter.Adapter,
	opts Options,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	upstreamTimeout := opts.UpstreamTimeout
	if upstreamTimeout <= 0 {
		upstreamTimeout = adapter.UpstreamTimeout
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	gw := &Gateway{
		registry:           reg,
		coalescer:          co,
		exclusions:         opts.Exclusions,
		breaker:            NewBreaker(opts.Breaker),
		baseCtx:            baseCtx,
		log:                log,
		metrics:            opts.Metrics,
		sink:               opts.Sink,
		upstreamTimeout:    upstreamTimeout,
		cacheTTL:           cacheTTL,
		allowClientAPIKeys: opts.AllowClientAPIKeys,
	}

	if gw.metrics != nil {
		for _, name := range reg.Providers() {
			gw.metrics.SetCircuitBreaker(name, int64(gw.breaker.State(name)))
		}
	}

	if len(adapters) > 0 {
		gw.health = NewHealthChecker(baseCtx, adapters, opts.CacheReady, gw.metrics)
	}

	return gw
}

// SetCORSOrigins configures the allowed CORS origins.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// Close stops background goroutines owned by the gateway.
func (g *Gateway) Close() {
	if g.health != nil {
		g.health.Close()
	}
}

// extractClientAPIKey returns the Authorization bearer token when client key
// forwarding is enabled, empty otherwise.
func (g *Gateway) extractClientAPIKey(ctx *fasthttp.RequestCtx) string {
	if !g.allowClientAPIKeys {
		return ""
	}
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	return parseBearerToken(raw)
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// ── Inbound / outbound wire types ─────────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundChatRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature *float64         `json:"temperature"`
		MaxTokens   int              `json:"max_tokens"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundChatResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

var validRoles = map[string]bool{
	"system":    true,
	"developer": true,
	"user":      true,
	"assistant": true,
}

// parseChatRequest decodes and validates the inbound body. Unknown top-level
// fields are rejected rather than silently dropped, so a client never gets an
// answer that ignored half its request.
func parseChatRequest(body []byte) (*inboundChatRequest, error) {
	var req inboundChatRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if strings.Contains(err.Error(), "unknown field") {
			return nil, apierr.Newf(apierr.KindUnsupportedParameter, "unsupported parameter: %s", unknownFieldName(err))
		}
		return nil, apierr.Newf(apierr.KindMalformedRequest, "invalid JSON: %s", err.Error())
	}

	if req.Model == "" {
		return nil, apierr.New(apierr.KindMalformedRequest, "field 'model' is required")
	}
	if len(req.Messages) == 0 {
		return nil, apierr.New(apierr.KindMalformedRequest, "field 'messages' must not be empty")
	}
	for i, m := range req.Messages {
		if !validRoles[m.Role] {
			return nil, apierr.Newf(apierr.KindMalformedRequest, "messages[%d]: invalid role %q", i, m.Role)
		}
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return nil, apierr.Newf(apierr.KindMalformedRequest, "temperature %g out of range [0, 2]", *req.Temperature)
	}
	if req.MaxTokens < 0 {
		return nil, apierr.Newf(apierr.KindMalformedRequest, "max_tokens must not be negative")
	}
	return &req, nil
}

// unknownFieldName extracts the offending field from encoding/json's
// `json: unknown field "xyz"` error text.
func unknownFieldName(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, `"`); i >= 0 {
		return strings.Trim(msg[i:], `"`)
	}
	return msg
}

// dispatchChat handles POST /v1/chat/completions and /v1/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	if string(ctx.Path()) == "/v1/completions" {
		route = "completions"
	}
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass"
	promptTokens, outputTokens := 0, 0
	cached := false
	streaming := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streaming requests are finalised by the relay callback
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, route, promptTokens, outputTokens, cached)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	clientKey := g.extractClientAPIKey(ctx)

	req, err := parseChatRequest(ctx.PostBody())
	if err != nil {
		apierr.Write(ctx, err)
		return
	}

	binding, err := g.registry.Resolve(req.Model)
	if err != nil {
		apierr.Write(ctx, err)
		return
	}
	servedProvider = binding.Provider

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("provider", binding.Provider),
		slog.Bool("stream", req.Stream),
	)

	if !g.breaker.Allow(binding.Provider) {
		g.rejectOpenBreaker(ctx, binding.Provider, reqID)
		return
	}

	var temperature float64
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	msgs := make([]adapter.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = adapter.Message{Role: m.Role, Content: m.Content}
	}
	chatReq := &adapter.ChatRequest{
		Model:       binding.Model,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: temperature,
		MaxTokens:   req.MaxTokens,
		RequestID:   reqID,
		Credential:  clientKey,
	}

	if req.Stream {
		streaming = true
		g.streamChat(ctx, binding, chatReq, route, start, reqBytes, reqID)
		return
	}

	// Client credentials never enter the fingerprint, so keyed requests
	// cannot share cache entries.
	cacheEligible := g.coalescer != nil && clientKey == "" &&
		(g.exclusions == nil || !g.exclusions.Excluded(req.Model))

	if !cacheEligible {
		if g.metrics != nil {
			g.metrics.CacheGetBypass()
		}
		body, usage, err := g.computeChat(ctx, binding, chatReq, route)
		if err != nil {
			g.writeUpstreamError(ctx, err, binding.Provider, reqID, start)
			g.record(reqID, binding.Provider, req.Model, route, 0, 0, start, ctx.Response.StatusCode(), "bypass")
			return
		}
		promptTokens, outputTokens = usage.PromptTokens, usage.CompletionTokens
		g.record(reqID, binding.Provider, req.Model, route, promptTokens, outputTokens, start, fasthttp.StatusOK, "bypass")
		writeJSON(ctx, body, xCacheBYPASS)
		respBytes = len(body)
		return
	}

	key := cache.ChatKey(binding.Provider, chatReq)
	computed := false
	body, hit, err := g.coalescer.GetOrCompute(ctx, key, func(cctx context.Context) ([]byte, error) {
		computed = true
		b, _, cerr := g.computeChat(cctx, binding, chatReq, route)
		return b, cerr
	})
	if err != nil {
		g.writeUpstreamError(ctx, err, binding.Provider, reqID, start)
		g.record(reqID, binding.Provider, req.Model, route, 0, 0, start, ctx.Response.StatusCode(), "miss")
		return
	}

	cacheLabel = "miss"
	if hit {
		cacheLabel = "hit"
		cached = true
		if g.metrics != nil {
			g.metrics.CacheGetHit()
		}
	} else if g.metrics != nil {
		g.metrics.CacheGetMiss()
		if !computed {
			// Served by another caller's in-flight computation.
			g.metrics.RecordCoalesced()
		}
	}

	promptTokens, outputTokens = usageFromPayload(body)
	g.record(reqID, binding.Provider, req.Model, route, promptTokens, outputTokens, start, fasthttp.StatusOK, cacheLabel)
	label := xCacheMISS
	if hit {
		label = xCacheHIT
	}
	writeJSON(ctx, body, label)
	respBytes = len(body)
}

// computeChat performs one upstream chat completion (with a single bounded
// retry on transient failures) and marshals the OpenAI envelope.
func (g *Gateway) computeChat(
	ctx context.Context,
	binding registry.Binding,
	req *adapter.ChatRequest,
	route string,
) ([]byte, adapter.Usage, error) {
	upCtx, cancel := context.WithTimeout(ctx, g.upstreamTimeout)
	defer cancel()

	upStart := time.Now()
	resp, err := adapter.CompleteWithRetry(upCtx, func(c context.Context) (*adapter.ChatResponse, error) {
		return binding.Adapter.Complete(c, req)
	})
	upDur := time.Since(upStart)

	if err != nil {
		if providerFault(err) {
			g.breaker.RecordFailure(binding.Provider)
		}
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(binding.Provider, route, "error", upDur)
			g.metrics.RecordError(binding.Provider, errorLabel(err))
			g.metrics.SetCircuitBreaker(binding.Provider, int64(g.breaker.State(binding.Provider)))
		}
		return nil, adapter.Usage{}, err
	}
	g.breaker.RecordSuccess(binding.Provider)
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(binding.Provider, route, "success", upDur)
		g.metrics.SetCircuitBreaker(binding.Provider, int64(g.breaker.State(binding.Provider)))
	}

	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}
	out := outboundChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: resp.Content},
				FinishReason: finish,
			},
		},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.PromptTokens + resp.Usage.CompletionTokens,
		},
	}
	body, merr := json.Marshal(out)
	if merr != nil {
		return nil, adapter.Usage{}, apierr.New(apierr.KindInternal, "failed to serialize response")
	}
	return body, resp.Usage, nil
}

// streamChat relays an upstream SSE stream to the client. The stream context
// derives from the gateway's base context, not the request: fasthttp's
// RequestCtx is released before the body stream writer runs.
func (g *Gateway) streamChat(
	ctx *fasthttp.RequestCtx,
	binding registry.Binding,
	req *adapter.ChatRequest,
	route string,
	start time.Time,
	reqBytes int,
	reqID string,
) {
	if g.metrics != nil {
		g.metrics.CacheGetBypass()
	}

	streamCtx, cancel := context.WithCancel(g.baseCtx)

	stream, err := binding.Adapter.StreamChat(streamCtx, req)
	if err != nil {
		cancel()
		if providerFault(err) {
			g.breaker.RecordFailure(binding.Provider)
		}
		if g.metrics != nil {
			g.metrics.DecInFlight()
			g.metrics.RecordError(binding.Provider, errorLabel(err))
		}
		g.writeUpstreamError(ctx, err, binding.Provider, reqID, start)
		g.record(reqID, binding.Provider, req.Model, route, 0, 0, start, ctx.Response.StatusCode(), "bypass")
		return
	}
	g.breaker.RecordSuccess(binding.Provider)

	model := req.Model
	relay.ServeSSE(ctx, stream, cancel, func(stats relay.Stats) {
		dur := time.Since(start)
		// ~4 chars per token, the usual GPT-ish heuristic. Good enough
		// for accounting; streams carry no usage object.
		estTokens := stats.Chars / 4
		if estTokens == 0 && stats.Chunks > 0 {
			estTokens = 1
		}
		if g.metrics != nil {
			g.metrics.RecordStreamState(stats.State.String())
			g.metrics.ObserveHTTP(route, fasthttp.StatusOK, dur, reqBytes, -1)
			g.metrics.ObserveGatewayRequest(binding.Provider, route, "bypass", dur)
			g.metrics.AddTokens(binding.Provider, route, 0, estTokens, false)
			g.metrics.DecInFlight()
		}
		g.record(reqID, binding.Provider, model, route, 0, estTokens, start, fasthttp.StatusOK, "bypass")
	})
}

// ── Embeddings ────────────────────────────────────────────────────────────────

type (
	inboundEmbeddingRequest struct {
		Model          string          `json:"model"`
		Input          json.RawMessage `json:"input"`
		EncodingFormat string          `json:"encoding_format"`
	}

	outboundEmbeddingData struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	outboundEmbeddingUsage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	outboundEmbeddingResponse struct {
		Object string                  `json:"object"`
		Data   []outboundEmbeddingData `json:"data"`
		Model  string                  `json:"model"`
		Usage  outboundEmbeddingUsage  `json:"usage"`
	}
)

// parseEmbeddingInput normalises the "input" field, which the OpenAI API
// accepts as a bare string or an array of strings.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, apierr.New(apierr.KindMalformedRequest, "'input' is required")
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, apierr.New(apierr.KindMalformedRequest, "'input' must not be empty")
		}
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, apierr.New(apierr.KindMalformedRequest, "'input' must not be empty")
		}
		return []string{s}, nil
	}
	return nil, apierr.New(apierr.KindMalformedRequest, "'input' must be a string or array of strings")
}

// dispatchEmbeddings handles POST /v1/embeddings.
func (g *Gateway) dispatchEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "embeddings"
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass"
	promptTokens := 0
	cached := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, route, promptTokens, 0, cached)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	clientKey := g.extractClientAPIKey(ctx)

	var req inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, apierr.Newf(apierr.KindMalformedRequest, "invalid JSON: %s", err.Error()))
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, apierr.New(apierr.KindMalformedRequest, "field 'model' is required"))
		return
	}
	if req.EncodingFormat != "" && req.EncodingFormat != "float" {
		apierr.Write(ctx, apierr.Newf(apierr.KindUnsupportedParameter, "encoding_format %q is not supported", req.EncodingFormat))
		return
	}
	inputs, err := parseEmbeddingInput(req.Input)
	if err != nil {
		apierr.Write(ctx, err)
		return
	}

	binding, err := g.registry.Resolve(req.Model)
	if err != nil {
		apierr.Write(ctx, err)
		return
	}
	servedProvider = binding.Provider

	embedder, ok := binding.Adapter.(adapter.Embedder)
	if !ok {
		apierr.Write(ctx, apierr.Newf(apierr.KindUnsupportedParameter,
			"provider %q does not support embeddings", binding.Provider))
		return
	}

	g.log.InfoContext(ctx, "embedding_request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("provider", binding.Provider),
		slog.Int("inputs", len(inputs)),
	)

	if !g.breaker.Allow(binding.Provider) {
		g.rejectOpenBreaker(ctx, binding.Provider, reqID)
		return
	}

	embReq := &adapter.EmbeddingRequest{
		Model:      binding.Model,
		Input:      inputs,
		RequestID:  reqID,
		Credential: clientKey,
	}

	cacheEligible := g.coalescer != nil && clientKey == "" &&
		(g.exclusions == nil || !g.exclusions.Excluded(req.Model))

	compute := func(cctx context.Context) ([]byte, error) {
		return g.computeEmbedding(cctx, binding, embedder, embReq, route)
	}

	var body []byte
	var hit bool
	if cacheEligible {
		key := cache.EmbeddingKey(binding.Provider, embReq)
		body, hit, err = g.coalescer.GetOrCompute(ctx, key, compute)
	} else {
		if g.metrics != nil {
			g.metrics.CacheGetBypass()
		}
		body, err = compute(ctx)
	}
	if err != nil {
		g.writeUpstreamError(ctx, err, binding.Provider, reqID, start)
		g.record(reqID, binding.Provider, req.Model, route, 0, 0, start, ctx.Response.StatusCode(), cacheLabel)
		return
	}

	label := xCacheBYPASS
	if cacheEligible {
		cacheLabel = "miss"
		label = xCacheMISS
		if hit {
			cacheLabel = "hit"
			label = xCacheHIT
			cached = true
		}
		if g.metrics != nil {
			if hit {
				g.metrics.CacheGetHit()
			} else {
				g.metrics.CacheGetMiss()
			}
		}
	}

	promptTokens, _ = usageFromPayload(body)
	g.record(reqID, binding.Provider, req.Model, route, promptTokens, 0, start, fasthttp.StatusOK, cacheLabel)
	writeJSON(ctx, body, label)
	respBytes = len(body)
}

func (g *Gateway) computeEmbedding(
	ctx context.Context,
	binding registry.Binding,
	embedder adapter.Embedder,
	req *adapter.EmbeddingRequest,
	route string,
) ([]byte, error) {
	upCtx, cancel := context.WithTimeout(ctx, g.upstreamTimeout)
	defer cancel()

	upStart := time.Now()
	resp, err := embedder.Embed(upCtx, req)
	upDur := time.Since(upStart)
	if err != nil {
		g.breaker.RecordFailure(binding.Provider)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(binding.Provider, route, "error", upDur)
			g.metrics.RecordError(binding.Provider, errorLabel(err))
		}
		return nil, err
	}
	g.breaker.RecordSuccess(binding.Provider)
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(binding.Provider, route, "success", upDur)
	}

	data := make([]outboundEmbeddingData, len(resp.Data))
	for i, v := range resp.Data {
		data[i] = outboundEmbeddingData{Object: "embedding", Index: v.Index, Embedding: v.Embedding}
	}
	out := outboundEmbeddingResponse{
		Object: "list",
		Data:   data,
		Model:  resp.Model,
		Usage: outboundEmbeddingUsage{
			PromptTokens: resp.Usage.PromptTokens,
			TotalTokens:  resp.Usage.PromptTokens,
		},
	}
	body, merr := json.Marshal(out)
	if merr != nil {
		return nil, apierr.New(apierr.KindInternal, "failed to serialize response")
	}
	return body, nil
}

// ── Shared helpers ────────────────────────────────────────────────────────────

func (g *Gateway) rejectOpenBreaker(ctx *fasthttp.RequestCtx, provider, reqID string) {
	label := g.breaker.StateLabel(provider)
	if g.metrics != nil {
		g.metrics.RecordCircuitBreakerRejection(provider, label)
	}
	g.log.WarnContext(ctx, "circuit_open",
		slog.String("request_id", reqID),
		slog.String("provider", provider),
	)
	apierr.Write(ctx, apierr.Upstream(provider, 0,
		fmt.Sprintf("provider %q is temporarily unavailable (circuit open)", provider)))
}

// writeUpstreamError maps an upstream failure to the wire. Deadline errors
// become 504; everything else renders through the error taxonomy.
func (g *Gateway) writeUpstreamError(ctx *fasthttp.RequestCtx, err error, provider, reqID string, start time.Time) {
	g.log.ErrorContext(ctx, "upstream_error",
		slog.String("request_id", reqID),
		slog.String("provider", provider),
		slog.String("error", err.Error()),
		slog.Duration("elapsed", time.Since(start)),
	)
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}
	if errors.Is(err, context.Canceled) {
		// Client went away; the response will not be delivered anyway.
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
		return
	}
	apierr.Write(ctx, err)
}

// providerFault reports whether err reflects on the provider's health.
// Caller-fixable request problems must not feed the circuit breaker.
func providerFault(err error) bool {
	switch apierr.KindOf(err) {
	case apierr.KindMalformedRequest, apierr.KindUnknownModel, apierr.KindUnsupportedParameter:
		return false
	}
	return true
}

// errorLabel buckets an error for the provider_errors metric.
func errorLabel(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	switch apierr.KindOf(err) {
	case apierr.KindUpstreamProtocol:
		return "protocol"
	case apierr.KindUpstreamUnavailable:
		return "unavailable"
	default:
		return "other"
	}
}

// usageFromPayload best-effort extracts token counts from a response body,
// including bodies served from cache.
func usageFromPayload(body []byte) (prompt, completion int) {
	var u struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &u); err != nil {
		return 0, 0
	}
	return u.Usage.PromptTokens, u.Usage.CompletionTokens
}

func writeJSON(ctx *fasthttp.RequestCtx, body []byte, cacheState string) {
	ctx.Response.Header.Set("X-Cache", cacheState)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// record enqueues one accounting event. Never blocks.
func (g *Gateway) record(
	requestID, provider, model, route string,
	promptTokens, outputTokens int,
	start time.Time,
	status int,
	cacheState string,
) {
	if g.sink == nil {
		return
	}
	g.sink.Record(logsink.Event{
		RequestID:    requestID,
		Provider:     provider,
		Model:        model,
		Route:        route,
		PromptTokens: promptTokens,
		OutputTokens: outputTokens,
		LatencyMs:    time.Since(start).Milliseconds(),
		Status:       status,
		CacheState:   cacheState,
		CreatedAt:    time.Now(),
	})
}
