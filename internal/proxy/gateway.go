// Package proxy is the request dispatch plane.
//
// The Gateway receives an incoming OpenAI-compatible request, admits it
// through the rate limiter, consults the fingerprint cache, routes it to an
// ordered provider plan, and executes the plan with retry and failover.
// Every dispatch emits exactly one decision event.
//
// Key design constraints:
//   - No blocking I/O off the dispatch path: rate limiting, cache lookups and
//     event emission are in-process or bounded.
//   - Limiter, cache, emitter and prober are optional and nil-safe.
//   - All upstream I/O takes a context so deadlines propagate.
//   - Streaming responses are pass-through (SSE); they are never cached and
//     never retried once the first chunk is written.
package proxy

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-gateway/internal/audit"
	"github.com/nulpointcorp/inference-gateway/internal/breaker"
	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/ratelimit"
	"github.com/nulpointcorp/inference-gateway/internal/registry"
	"github.com/nulpointcorp/inference-gateway/internal/routing"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	// clientDeadlineHeader lets the caller bound the whole dispatch; the
	// effective deadline is the smaller of this and the configured one.
	clientDeadlineHeader = "X-Request-Timeout"

	tenantHeader = "X-Tenant-ID"
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger for dispatch events. Defaults to
	// slog.Default.
	Logger *slog.Logger

	// Metrics enables Prometheus collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// CacheTTL is the lifetime of cached responses. Default 1h.
	CacheTTL time.Duration

	// PartitionByTenant folds the tenant id into the cache fingerprint so
	// tenants never share entries.
	PartitionByTenant bool

	// RequestDeadline bounds one whole dispatch, retries included.
	// Default 60s.
	RequestDeadline time.Duration

	// AllowClientAPIKeys forwards Authorization headers from clients to
	// upstream providers. When false, only configured keys are used.
	AllowClientAPIKeys bool
}

// Gateway is the dispatch controller. Dependencies are injected so they can
// be replaced with doubles in tests; the optional ones are nil-safe.
type Gateway struct {
	reg    *registry.Registry
	router *routing.Router
	exec   *Executor
	cb     *breaker.Breaker

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	cacheTTL        time.Duration
	partitionTenant bool
	requestDeadline time.Duration

	// Optional dependencies.
	limiter *ratelimit.Limiter
	window  *ratelimit.WindowLimiter
	store   cache.Store
	bypass  *cache.Bypass
	flight  *cache.Flight
	emitter *audit.Emitter
	prober  *Prober

	// CORS allowed origins. Empty slice means allow all.
	corsOrigins []string

	allowClientAPIKeys bool
}

// NewGateway creates a Gateway around a router and an executor.
func NewGateway(baseCtx context.Context, reg *registry.Registry, rt *routing.Router, exec *Executor, cb *breaker.Breaker, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	requestDeadline := opts.RequestDeadline
	if requestDeadline <= 0 {
		requestDeadline = 60 * time.Second
	}

	return &Gateway{
		reg:                reg,
		router:             rt,
		exec:               exec,
		cb:                 cb,
		baseCtx:            baseCtx,
		log:                log,
		metrics:            opts.Metrics,
		cacheTTL:           cacheTTL,
		partitionTenant:    opts.PartitionByTenant,
		requestDeadline:    requestDeadline,
		flight:             cache.NewFlight(),
		allowClientAPIKeys: opts.AllowClientAPIKeys,
	}
}

// SetRateLimiters injects the per-scope bucket limiter and the optional
// replica-shared RPM window.
func (g *Gateway) SetRateLimiters(l *ratelimit.Limiter, w *ratelimit.WindowLimiter) {
	g.limiter = l
	g.window = w
}

// SetCache injects the response cache backend and its bypass policy.
func (g *Gateway) SetCache(store cache.Store, bypass *cache.Bypass) {
	g.store = store
	g.bypass = bypass
}

// SetEmitter injects the decision event pipeline.
func (g *Gateway) SetEmitter(e *audit.Emitter) {
	g.emitter = e
}

// SetProber injects the background health prober (feeds /health).
func (g *Gateway) SetProber(p *Prober) {
	g.prober = p
}

// SetCORSOrigins configures the allowed CORS origins.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// ── Inbound / outbound wire types ─────────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	inboundMetadata struct {
		PreferredProvider string   `json:"preferred_provider"`
		FallbackProviders []string `json:"fallback_providers"`
		Priority          string   `json:"priority"`
		NoCache           bool     `json:"no_cache"`
	}

	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature float64          `json:"temperature"`
		TopP        float64          `json:"top_p"`
		MaxTokens   int              `json:"max_tokens"`
		Metadata    *inboundMetadata `json:"metadata"`
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

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

// flightOutcome is what one routed-and-executed dispatch produced; it is the
// value shared through the single-flight latch.
type flightOutcome struct {
	body     []byte
	model    string
	usage    providers.Usage
	decision *routing.Decision
	exec     *ExecResult
}

// dispatchChat is the core handler for POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass" // hit|miss|bypass
	inputTokens, outputTokens := 0, 0
	cached := false
	streaming := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.RecordDispatch(servedProvider, status)
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, route, inputTokens, outputTokens, cached)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	tenant := string(ctx.Request.Header.Peek(tenantHeader))
	clientKey, clientKeyID := g.extractClientAPIKey(ctx)
	sourceIP := ctx.RemoteIP().String()

	// 1. Parse and validate.
	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteValidation(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if req.Model == "" {
		apierr.WriteValidation(ctx, "field 'model' is required")
		return
	}
	if len(req.Messages) == 0 {
		apierr.WriteValidation(ctx, "field 'messages' must not be empty")
		return
	}

	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	var meta providers.RequestMetadata
	if req.Metadata != nil {
		meta = providers.RequestMetadata{
			PreferredProvider: req.Metadata.PreferredProvider,
			FallbackProviders: req.Metadata.FallbackProviders,
			Priority:          req.Metadata.Priority,
			NoCache:           req.Metadata.NoCache,
		}
	}
	proxyReq := &providers.ProxyRequest{
		RequestID:   reqID,
		TenantID:    tenant,
		APIKey:      clientKey,
		APIKeyID:    clientKeyID,
		SourceIP:    sourceIP,
		Model:       req.Model,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Metadata:    meta,
	}

	g.log.InfoContext(ctx, "dispatch",
		slog.String("request_id", reqID),
		slog.String("tenant", tenant),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
	)

	// 2. Rate limiting: per-scope buckets, then the shared RPM window.
	if !g.admit(ctx, proxyReq, start) {
		return
	}

	// 3. Cache lookup via the request fingerprint.
	var key string
	cacheEligible := g.store != nil && g.bypass != nil && !g.bypass.Skip(proxyReq)
	if cacheEligible {
		key = cache.Fingerprint(proxyReq, g.partitionTenant)
		if entry, ok := g.cacheGet(ctx, key); ok {
			cacheLabel = "hit"
			cached = true
			servedProvider = entry.Provider
			inputTokens = entry.Usage.InputTokens
			outputTokens = entry.Usage.OutputTokens
			respBytes = len(entry.Body)

			g.log.DebugContext(ctx, "cache_hit",
				slog.String("request_id", reqID),
				slog.String("model", req.Model),
			)
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(entry.Body)

			g.emit(audit.Event{
				DecisionID:   uuid.NewString(),
				RequestID:    reqID,
				DecidedAt:    audit.Time{Time: time.Now()},
				DecisionType: audit.DecisionCached,
				InputsHash:   key,
				Outputs: audit.Outputs{
					ProviderID:   entry.Provider,
					Model:        entry.Model,
					InputTokens:  entry.Usage.InputTokens,
					OutputTokens: entry.Usage.OutputTokens,
					LatencyMs:    time.Since(start).Milliseconds(),
				},
				Confidence:   1.0,
				ExecutionRef: reqID,
			})
			return
		}
		cacheLabel = "miss"
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	} else if g.metrics != nil {
		g.metrics.CacheGetBypass()
	}

	// 4. Effective deadline: the smaller of the client's and the configured.
	deadline := g.requestDeadline
	clientBounded := false
	if s := string(ctx.Request.Header.Peek(clientDeadlineHeader)); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			if d := time.Duration(secs) * time.Second; d < deadline {
				deadline = d
				clientBounded = true
			}
		}
	}
	provCtx, cancel := context.WithTimeout(g.baseCtx, deadline)
	defer cancel()

	// 5a. Streaming: route and execute directly; no cache, no coalescing.
	if proxyReq.Stream {
		out, err := g.routeAndExecute(provCtx, proxyReq, route)
		if err != nil {
			g.failDispatch(ctx, reqID, key, out, err, clientBounded, start)
			return
		}
		servedProvider = out.exec.ProviderID
		streaming = true
		g.streamSSE(ctx, out, reqID, route, reqBytes, start)
		return
	}

	// 5b. Non-streaming: coalesce identical concurrent dispatches.
	var (
		fr  cache.FlightResult
		err error
	)
	if cacheEligible {
		fr, err = g.flight.Do(provCtx, key, func() (any, error) {
			out, execErr := g.routeAndExecuteEnvelope(provCtx, proxyReq, route)
			return out, execErr
		})
	} else {
		var out *flightOutcome
		out, err = g.routeAndExecuteEnvelope(provCtx, proxyReq, route)
		fr = cache.FlightResult{Value: out, Leader: true}
	}

	out, _ := fr.Value.(*flightOutcome)
	if err != nil {
		g.failDispatch(ctx, reqID, key, out, err, clientBounded, start)
		return
	}

	servedProvider = out.exec.ProviderID
	inputTokens = out.usage.InputTokens
	outputTokens = out.usage.OutputTokens

	// 6. Populate the cache; only the flight leader writes.
	if cacheEligible && fr.Leader {
		g.cacheSet(ctx, key, out)
	}

	constraints := dispatchConstraints(out, fr.Shared)
	g.emit(audit.Event{
		DecisionID:   out.decision.DecisionID,
		RequestID:    reqID,
		DecidedAt:    audit.Time{Time: out.decision.DecidedAt},
		DecisionType: audit.DecisionSelected,
		InputsHash:   key,
		Outputs: audit.Outputs{
			ProviderID:          out.exec.ProviderID,
			Model:               out.model,
			IsFallback:          out.exec.IsFallback,
			FallbacksConsidered: out.decision.Fallbacks(),
			InputTokens:         out.usage.InputTokens,
			OutputTokens:        out.usage.OutputTokens,
			LatencyMs:           time.Since(start).Milliseconds(),
		},
		Confidence:         out.decision.Confidence,
		ConstraintsApplied: constraints,
		ExecutionRef:       reqID,
	})

	g.log.DebugContext(ctx, "dispatch_ok",
		slog.String("request_id", reqID),
		slog.String("provider", out.exec.ProviderID),
		slog.String("model", out.model),
		slog.Bool("fallback", out.exec.IsFallback),
		slog.Bool("coalesced", fr.Shared),
		slog.Int("attempts", out.exec.Attempts),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(out.body)
	respBytes = len(out.body)
}

// admit runs the request through the per-scope buckets and the shared RPM
// window. On rejection it writes the 429 and emits the decision event.
func (g *Gateway) admit(ctx *fasthttp.RequestCtx, req *providers.ProxyRequest, start time.Time) bool {
	if g.limiter != nil {
		id := ratelimit.Identity{
			TenantID: req.TenantID,
			APIKeyID: req.APIKeyID,
			SourceIP: req.SourceIP,
		}
		if err := g.limiter.Allow(id, 1); err != nil {
			var rl *ratelimit.Error
			if errors.As(err, &rl) {
				if g.metrics != nil {
					g.metrics.RecordRateLimit(string(rl.Scope), "blocked")
				}
				g.log.WarnContext(ctx, "rate_limit_exceeded",
					slog.String("request_id", req.RequestID),
					slog.String("scope", string(rl.Scope)),
					slog.String("key", rl.Key),
				)
				g.emitRejected(req.RequestID, audit.ReasonRateLimit, start)
				apierr.WriteRateLimit(ctx, rl.RetryAfterSeconds())
				return false
			}
		}
		if g.metrics != nil {
			g.metrics.RecordRateLimit("all", "allowed")
		}
	}

	if g.window != nil {
		allowed, _ := g.window.Allow(ctx)
		if !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("global_rpm", "blocked")
			}
			g.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", req.RequestID),
				slog.String("scope", "global_rpm"),
			)
			g.emitRejected(req.RequestID, audit.ReasonRateLimit, start)
			apierr.WriteRateLimit(ctx, 60)
			return false
		}
	}
	return true
}

// routeAndExecute resolves the plan and runs it. The returned outcome carries
// the decision and execution state even on error, for the decision event.
func (g *Gateway) routeAndExecute(ctx context.Context, req *providers.ProxyRequest, route string) (*flightOutcome, error) {
	dec, err := g.router.Decide(req)
	if err != nil {
		return &flightOutcome{}, err
	}
	if g.metrics != nil {
		g.metrics.RecordBalancerPick(g.router.Strategy(), dec.Primary())
	}
	res, err := g.exec.Execute(ctx, dec, req, route)
	if err != nil {
		return &flightOutcome{decision: dec, exec: res}, err
	}
	return &flightOutcome{
		model:    res.Resp.Model,
		usage:    res.Resp.Usage,
		decision: dec,
		exec:     res,
	}, nil
}

// routeAndExecuteEnvelope additionally serializes the OpenAI-compatible
// response body (non-streaming dispatches only).
func (g *Gateway) routeAndExecuteEnvelope(ctx context.Context, req *providers.ProxyRequest, route string) (*flightOutcome, error) {
	out, err := g.routeAndExecute(ctx, req, route)
	if err != nil {
		return out, err
	}

	resp := out.exec.Resp
	envelope := outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: resp.Content},
				FinishReason: "stop",
			},
		},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return out, fmt.Errorf("proxy: serialize response: %w", err)
	}
	out.body = body
	return out, nil
}

// cacheGet fetches and decodes one entry; undecodable data is a miss.
func (g *Gateway) cacheGet(ctx context.Context, key string) (*cache.Entry, bool) {
	raw, ok := g.store.Get(ctx, key)
	if !ok {
		return nil, false
	}
	entry, err := cache.DecodeEntry(raw)
	if err != nil {
		return nil, false
	}
	if g.metrics != nil {
		g.metrics.CacheGetHit()
	}
	return entry, true
}

func (g *Gateway) cacheSet(ctx context.Context, key string, out *flightOutcome) {
	data, err := cache.EncodeEntry(&cache.Entry{
		Body:      out.body,
		Usage:     out.usage,
		Provider:  out.exec.ProviderID,
		Model:     out.model,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return
	}
	if err := g.store.Set(ctx, key, data, g.cacheTTL); err != nil {
		if g.metrics != nil {
			g.metrics.CacheSetError()
		}
		return
	}
	if g.metrics != nil {
		g.metrics.CacheSetOK()
	}
}

// failDispatch maps a dispatch error onto the HTTP response and emits the
// decision event. out may be nil (flight wait cancelled) or partial.
func (g *Gateway) failDispatch(ctx *fasthttp.RequestCtx, reqID, key string, out *flightOutcome, err error, clientBounded bool, start time.Time) {
	ev := audit.Event{
		DecisionID:   uuid.NewString(),
		RequestID:    reqID,
		DecidedAt:    audit.Time{Time: time.Now()},
		DecisionType: audit.DecisionFailed,
		InputsHash:   key,
		ExecutionRef: reqID,
	}
	if out != nil {
		if out.decision != nil {
			ev.DecisionID = out.decision.DecisionID
			ev.DecidedAt = audit.Time{Time: out.decision.DecidedAt}
			ev.Confidence = out.decision.Confidence
			ev.Outputs.FallbacksConsidered = out.decision.Fallbacks()
		}
		ev.ConstraintsApplied = dispatchConstraints(out, false)
		if out.exec != nil {
			ev.Outputs.LatencyMs = time.Since(start).Milliseconds()
		}
	}

	var (
		deny      *routing.DenyError
		unknown   *routing.UnknownModelError
		exhausted *ExhaustedError
		sc        providers.StatusCoder
	)
	switch {
	case errors.As(err, &deny):
		ev.DecisionType = audit.DecisionDenied
		ev.Reason = audit.ReasonRuleDeny
		ev.ConstraintsApplied = append(ev.ConstraintsApplied, routing.Constraint{
			Kind: "rule", Effect: "denied", Detail: deny.RuleID,
		})
		apierr.WriteDenied(ctx, deny.Reason)

	case errors.As(err, &unknown):
		ev.Reason = audit.ReasonModelNotFound
		apierr.WriteModelNotFound(ctx, unknown.Model)

	case errors.Is(err, routing.ErrNoHealthyBackend), errors.Is(err, ErrPlanSkipped):
		ev.Reason = audit.ReasonNoHealthyBackend
		apierr.WriteNoHealthyBackend(ctx)

	case errors.As(err, &exhausted):
		ev.Reason = audit.ReasonExhausted
		apierr.WriteExhausted(ctx, err.Error())

	case errors.Is(err, context.DeadlineExceeded):
		ev.Reason = audit.ReasonDeadline
		if clientBounded {
			apierr.WriteRequestTimeout(ctx)
		} else {
			apierr.WriteTimeout(ctx)
		}

	case errors.Is(err, context.Canceled):
		ev.Reason = audit.ReasonCancelled
		apierr.WriteRequestTimeout(ctx)

	case errors.As(err, &sc):
		ev.Reason = audit.ReasonTerminal
		apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())

	default:
		ev.Reason = audit.ReasonTerminal
		apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(),
			apierr.TypeProviderError, apierr.CodeProviderError)
	}

	g.log.ErrorContext(ctx, "dispatch_failed",
		slog.String("request_id", reqID),
		slog.String("reason", ev.Reason),
		slog.String("error", err.Error()),
		slog.Duration("elapsed", time.Since(start)),
	)
	g.emit(ev)
}

// emitRejected covers pre-routing denials (rate limiting). These are policy
// decisions, not failures, so they carry the denied decision type like rule
// denials do.
func (g *Gateway) emitRejected(reqID, reason string, start time.Time) {
	g.emit(audit.Event{
		DecisionID:   uuid.NewString(),
		RequestID:    reqID,
		DecidedAt:    audit.Time{Time: time.Now()},
		DecisionType: audit.DecisionDenied,
		Reason:       reason,
		Outputs:      audit.Outputs{LatencyMs: time.Since(start).Milliseconds()},
		ExecutionRef: reqID,
	})
}

// emit hands the event to the pipeline and mirrors its counters into metrics.
func (g *Gateway) emit(ev audit.Event) {
	if g.emitter == nil {
		return
	}
	g.emitter.Emit(ev)
	if g.metrics != nil {
		g.metrics.RecordDecision(ev.DecisionType, ev.Reason)
		g.metrics.SetDecisionEventsDropped(g.emitter.Dropped())
	}
}

// dispatchConstraints merges routing constraints, executor skips, and the
// coalescing marker into one list for the decision event.
func dispatchConstraints(out *flightOutcome, shared bool) []routing.Constraint {
	var cs []routing.Constraint
	if out.decision != nil {
		cs = append(cs, out.decision.Constraints...)
	}
	if out.exec != nil {
		cs = append(cs, out.exec.Skipped...)
	}
	if shared {
		cs = append(cs, routing.Constraint{
			Kind: "single_flight", Effect: "shared",
		})
	}
	return cs
}

// extractClientAPIKey returns the Authorization bearer token (if allowed and
// present) and a deterministic SHA-256 hash suitable for rate-limit and cache
// keying.
func (g *Gateway) extractClientAPIKey(ctx *fasthttp.RequestCtx) (token string, tokenID string) {
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	if raw == "" {
		return "", ""
	}
	token = parseBearerToken(raw)
	if token == "" {
		return "", ""
	}
	sum := sha256.Sum256([]byte(token))
	tokenID = hex.EncodeToString(sum[:])
	if !g.allowClientAPIKeys {
		return "", tokenID
	}
	return token, tokenID
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// streamSSE streams chunks from the provider as Server-Sent Events. The
// decision event is emitted once the stream drains: mid-stream failures after
// partial delivery surface as an SSE error payload and a failed decision.
// Output tokens are estimated at ~4 characters per token.
func (g *Gateway) streamSSE(ctx *fasthttp.RequestCtx, out *flightOutcome, reqID, route string, reqBytes int, start time.Time) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)

	resp := out.exec.Resp
	provider := out.exec.ProviderID

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		var (
			sb        strings.Builder
			streamErr error
		)
		for chunk := range resp.Stream {
			if chunk.Err != nil {
				streamErr = chunk.Err
				payload, _ := json.Marshal(map[string]any{
					"error": map[string]string{
						"message": chunk.Err.Error(),
						"type":    apierr.TypeProviderError,
						"code":    apierr.CodeProviderError,
					},
				})
				fmt.Fprintf(w, "data: %s\n\n", payload)
				w.Flush() //nolint:errcheck
				break
			}
			sb.WriteString(chunk.Content)

			delta := map[string]any{
				"id":      "chatcmpl-" + reqID,
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"model":   resp.Model,
				"choices": []map[string]any{
					{
						"index": 0,
						"delta": map[string]string{"content": chunk.Content},
						"finish_reason": func() any {
							if chunk.FinishReason != "" {
								return chunk.FinishReason
							}
							return nil
						}(),
					},
				},
			}
			data, _ := json.Marshal(delta)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}

		if streamErr == nil {
			fmt.Fprint(w, "data: [DONE]\n\n")
			w.Flush() //nolint:errcheck
		}

		estimated := sb.Len() / 4
		if estimated == 0 && sb.Len() > 0 {
			estimated = 1
		}
		dur := time.Since(start)

		ev := audit.Event{
			DecisionID:   out.decision.DecisionID,
			RequestID:    reqID,
			DecidedAt:    audit.Time{Time: out.decision.DecidedAt},
			DecisionType: audit.DecisionSelected,
			Outputs: audit.Outputs{
				ProviderID:          provider,
				Model:               resp.Model,
				IsFallback:          out.exec.IsFallback,
				FallbacksConsidered: out.decision.Fallbacks(),
				OutputTokens:        estimated,
				LatencyMs:           dur.Milliseconds(),
			},
			Confidence:         out.decision.Confidence,
			ConstraintsApplied: dispatchConstraints(out, false),
			ExecutionRef:       reqID,
		}
		if streamErr != nil {
			ev.DecisionType = audit.DecisionFailed
			ev.Reason = audit.ReasonPartialDelivery
		}
		g.emit(ev)

		if g.metrics != nil {
			g.metrics.ObserveHTTP(route, fasthttp.StatusOK, dur, reqBytes, -1)
			g.metrics.RecordDispatch(provider, fasthttp.StatusOK)
			g.metrics.ObserveGatewayRequest(provider, route, "bypass", dur)
			g.metrics.AddTokens(provider, route, 0, estimated, false)
			g.metrics.DecInFlight()
		}
	})
}
