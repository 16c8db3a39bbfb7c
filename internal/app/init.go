package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/inference-gateway/internal/audit"
	"github.com/nulpointcorp/inference-gateway/internal/breaker"
	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/proxy"
	"github.com/nulpointcorp/inference-gateway/internal/ratelimit"
	"github.com/nulpointcorp/inference-gateway/internal/registry"
	"github.com/nulpointcorp/inference-gateway/internal/routing"
)

// initInfra establishes optional external connections. Redis is required when
// the cache backend is "redis" or the global RPM window is enabled.
func (a *App) initInfra(ctx context.Context) error {
	needRedis := a.cfg.Cache.Mode == "redis" || a.cfg.RateLimit.RPMLimit > 0
	if !needRedis {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")
	return nil
}

// initProviders builds the provider registry. At least one provider must be
// configured — enforced by config validation before we reach here.
func (a *App) initProviders(_ context.Context) error {
	handles := buildHandles(a.baseCtx, a.cfg)
	if len(handles) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	a.reg = registry.New()
	names := make([]string, 0, len(handles))
	for _, h := range handles {
		if err := a.reg.Register(h); err != nil {
			return err
		}
		names = append(names, h.ID)
	}
	a.log.Info("providers registered", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend, rate limiters, the decision-event
// pipeline, and the Prometheus registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		a.log.Info("cache backend: redis")
	case "memory":
		a.memStore = cache.NewMemory(ctx, cache.MemoryOptions{
			MaxEntries: a.cfg.Cache.MaxEntries,
			MaxBytes:   a.cfg.Cache.MaxBytes,
		})
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	// Per-scope token buckets. Scopes with capacity 0 stay unlimited; when no
	// scope is configured the limiter is left out entirely.
	limits := make(map[ratelimit.Scope]ratelimit.Limit)
	for scope, l := range map[ratelimit.Scope]ratelimit.Limit{
		ratelimit.ScopeTenant: {Capacity: a.cfg.RateLimit.TenantCapacity, RefillPerSec: a.cfg.RateLimit.TenantRefill},
		ratelimit.ScopeAPIKey: {Capacity: a.cfg.RateLimit.APIKeyCapacity, RefillPerSec: a.cfg.RateLimit.APIKeyRefill},
		ratelimit.ScopeIP:     {Capacity: a.cfg.RateLimit.IPCapacity, RefillPerSec: a.cfg.RateLimit.IPRefill},
		ratelimit.ScopeGlobal: {Capacity: a.cfg.RateLimit.GlobalCapacity, RefillPerSec: a.cfg.RateLimit.GlobalRefill},
	} {
		if l.Capacity > 0 {
			limits[scope] = l
		}
	}
	if len(limits) > 0 {
		a.limiter = ratelimit.New(limits, ratelimit.Options{IdleTTL: a.cfg.RateLimit.IdleTTL})
		a.log.Info("rate limiting enabled", slog.Int("scopes", len(limits)))
	}

	// Decision-event pipeline.
	if a.cfg.Audit.Sink != "none" {
		sink, err := a.buildAuditSink(ctx)
		if err != nil {
			return err
		}
		emitter, err := audit.NewEmitter(a.baseCtx, sink, audit.EmitterOptions{Buffer: a.cfg.Audit.Buffer})
		if err != nil {
			return err
		}
		a.emitter = emitter
		a.log.Info("decision events enabled", slog.String("sink", a.cfg.Audit.Sink))
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

func (a *App) buildAuditSink(ctx context.Context) (audit.Sink, error) {
	switch a.cfg.Audit.Sink {
	case "clickhouse":
		sink, err := audit.NewClickHouseSink(ctx, a.cfg.Audit.ClickHouseDSN, a.log)
		if err != nil {
			return nil, fmt.Errorf("audit sink: %w", err)
		}
		return sink, nil
	default:
		return audit.NewSlogSink(a.log), nil
	}
}

// initGateway wires routing, execution, and the dispatch controller.
func (a *App) initGateway(_ context.Context) error {
	// Routing rules are optional; without them every request goes to the
	// default pool.
	var rules *routing.RuleSet
	if a.cfg.Route.RulesPath != "" {
		rs, err := routing.LoadRules(a.cfg.Route.RulesPath)
		if err != nil {
			return fmt.Errorf("routing rules: %w", err)
		}
		rules = rs
		a.log.Info("routing rules loaded", slog.String("path", a.cfg.Route.RulesPath))
	}

	bal, err := routing.NewBalancer(a.cfg.Route.Strategy, a.reg.Latency)
	if err != nil {
		return err
	}
	sel := routing.NewSelector(a.reg, bal, a.cfg.Route.ExcludeDegraded)
	rt := routing.NewRouter(a.reg, rules, sel, a.cfg.Route.DefaultPool)

	a.cb = breaker.New(breaker.Config{
		FailureThreshold:      a.cfg.Breaker.FailureThreshold,
		SuccessThreshold:      a.cfg.Breaker.SuccessThreshold,
		OpenDuration:          a.cfg.Breaker.OpenDuration,
		HalfOpenMaxConcurrent: a.cfg.Breaker.HalfOpenMax,
	})

	exec := proxy.NewExecutor(a.cb, a.reg, proxy.ExecutorOptions{
		Logger:              a.log,
		Metrics:             a.prom,
		BaseDelay:           a.cfg.Retry.BaseDelay,
		MaxDelay:            a.cfg.Retry.MaxDelay,
		PerProviderAttempts: a.cfg.Retry.PerProviderAttempts,
	})

	gw := proxy.NewGateway(a.baseCtx, a.reg, rt, exec, a.cb, proxy.GatewayOptions{
		Logger:             a.log,
		Metrics:            a.prom,
		CacheTTL:           a.cfg.Cache.TTL,
		PartitionByTenant:  a.cfg.Cache.PartitionByTenant,
		RequestDeadline:    a.cfg.Retry.RequestDeadline,
		AllowClientAPIKeys: a.cfg.AllowClientAPIKeys,
	})

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Response cache.
	var store cache.Store
	switch a.cfg.Cache.Mode {
	case "redis":
		store = cache.NewRedisFromClient(a.rdb)
	case "memory":
		store = a.memStore
	}
	if store != nil {
		var exclusions *cache.ExclusionList
		if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
			el, err := cache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
			if err != nil {
				return fmt.Errorf("cache exclusions: %w", err)
			}
			exclusions = el
			a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
		}
		gw.SetCache(store, cache.NewBypass(exclusions))
	}

	// Rate limiting: in-process buckets plus the Redis RPM window.
	var window *ratelimit.WindowLimiter
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		window = ratelimit.NewWindowLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("global rpm window enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}
	if a.limiter != nil || window != nil {
		gw.SetRateLimiters(a.limiter, window)
	}

	// Decision events.
	if a.emitter != nil {
		gw.SetEmitter(a.emitter)
	}

	// Background health probing.
	if a.cfg.HealthProbe.Interval > 0 {
		a.prober = proxy.NewProber(a.baseCtx, a.reg, proxy.ProberOptions{
			Interval: a.cfg.HealthProbe.Interval,
			Timeout:  a.cfg.HealthProbe.Timeout,
			Logger:   a.log,
			Metrics:  a.prom,
		})
		gw.SetProber(a.prober)
	}

	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
