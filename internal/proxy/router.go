package proxy

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start in proxy-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv.ListenAndServe(addr)
}

// Handler builds the routed handler with the middleware chain applied
// (exposed separately so tests can drive it without a listener).
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.dispatchChat)
	r.GET("/v1/models", g.handleModels)
	r.GET("/health", g.handleHealth)
	r.GET("/ready", g.handleReady)
	r.GET("/live", g.handleLive)

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

// handleModels returns the union of concrete model names advertised by the
// registered providers, in the OpenAI list format. Glob capabilities are
// patterns, not names, so they are left out.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}

	seen := make(map[string]bool)
	data := make([]modelEntry, 0, 16)
	for _, h := range g.reg.List() {
		for _, m := range h.Capabilities {
			if strings.ContainsAny(m, "*?[") {
				continue
			}
			if seen[m] {
				continue
			}
			seen[m] = true
			data = append(data, modelEntry{ID: m, Object: "model", OwnedBy: h.ID})
		}
	}
	sort.Slice(data, func(i, j int) bool { return data[i].ID < data[j].ID })

	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	resp := map[string]any{"status": "ok"}
	if g.prober != nil {
		snap := g.prober.Snapshot()
		resp["status"] = snap.Status
		resp["uptime_seconds"] = snap.UptimeSeconds
		resp["providers"] = snap.Providers
	}
	if g.cb != nil {
		resp["circuit_breakers"] = g.cb.States()
	}
	writeJSON(ctx, resp)
}

// handleReady reports whether the gateway can serve traffic: at least one
// provider must not be unhealthy.
func (g *Gateway) handleReady(ctx *fasthttp.RequestCtx) {
	if g.prober == nil || g.prober.ReadyOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func (g *Gateway) handleLive(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
