package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080") with every route
// StartWithRoutes registers except /metrics.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server, wiring the full inbound surface of
// spec.md §6: the OpenAI-compatible chat/models/health routes, the /api/
// management surface, the /ws observer channel, and the MCP gateway egress
// endpoint.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	r.POST("/chat/completions", g.handleChatCompletions)
	r.GET("/models", g.handleModels)
	r.GET("/health", g.handleHealth)

	r.GET("/api/readiness", g.handleReadiness)
	r.GET("/api/sessions", g.handleListSessions)
	r.POST("/api/sessions", g.handleCreateSession)
	r.POST("/api/sessions/{id}/select", g.handleSelectSession)
	r.GET("/api/sessions/{id}/metrics", g.handleSessionMetrics)
	r.GET("/api/sessions/{id}/export", g.handleExportSession)
	r.GET("/api/sessions/{id}/auto-compact", g.handleGetAutoCompact)
	r.POST("/api/sessions/{id}/auto-compact/toggle", g.handleToggleAutoCompact)
	r.POST("/api/sessions/{id}/compaction/preview", g.handleCompactionPreview)
	r.POST("/api/sessions/{id}/compaction/execute", g.handleCompactionExecute)
	r.GET("/api/sessions/{id}/memory", g.handleListMemoryEntries)
	r.GET("/api/blobs/{hash}", g.handleGetMaskedBlob)
	r.POST("/api/blobs", g.handlePutMaskedBlob)
	r.GET("/api/mcp/peers", g.handleMCPPeers)
	r.POST("/api/mcp-gateway/{server}/rpc", g.handleMCPGatewayRPC)

	r.GET("/ws", g.handleObserverWS)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:           handler,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0, // streaming responses must not be cut off by a write deadline
		StreamRequestBody: true,
	}

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

// handleObserverWS upgrades the connection to the spec.md §4.5 observer
// channel WebSocket.
func (g *Gateway) handleObserverWS(ctx *fasthttp.RequestCtx) {
	if g.h == nil {
		apierr404(ctx)
		return
	}
	g.h.ServeFastHTTP(ctx, g.log)
}

func apierr404(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusNotFound)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	snap := g.health.Snapshot()
	writeJSON(ctx, snap)
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetBody(data)
}
