package gateway

import (
	"encoding/json"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// ManagementRoutes holds optional management handlers registered alongside
// the API routes.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Handler builds the full request handler: routes plus middleware chain.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.dispatchChat)
	r.POST("/v1/completions", g.dispatchChat)
	r.POST("/v1/embeddings", g.dispatchEmbeddings)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

func (g *Gateway) server(mgmt *ManagementRoutes) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:     g.Handler(mgmt),
		ReadTimeout: 60 * time.Second,
		// No WriteTimeout: SSE relays stay open until the upstream
		// stream ends or the relay aborts.
		StreamRequestBody: false,
	}
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (g *Gateway) Start(addr string, mgmt *ManagementRoutes) error {
	return g.server(mgmt).ListenAndServe(addr)
}

// Serve accepts connections from ln. Used by tests with in-memory listeners.
func (g *Gateway) Serve(ln net.Listener, mgmt *ManagementRoutes) error {
	return g.server(mgmt).Serve(ln)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSONValue(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSONValue(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSONValue(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSONValue(ctx, map[string]string{"status": "unavailable"})
}

func writeJSONValue(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
