// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis when needed)
//  2. initProviders — provider adapters and the registry
//  3. initServices  — cache, rate limiters, audit pipeline, metrics
//  4. initGateway   — routing, execution, dispatch controller
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/inference-gateway/internal/audit"
	"github.com/nulpointcorp/inference-gateway/internal/breaker"
	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/config"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	anthropicprov "github.com/nulpointcorp/inference-gateway/internal/providers/anthropic"
	geminiprov "github.com/nulpointcorp/inference-gateway/internal/providers/gemini"
	openaiprov "github.com/nulpointcorp/inference-gateway/internal/providers/openai"
	openaicompatprov "github.com/nulpointcorp/inference-gateway/internal/providers/openaicompat"
	"github.com/nulpointcorp/inference-gateway/internal/proxy"
	"github.com/nulpointcorp/inference-gateway/internal/ratelimit"
	"github.com/nulpointcorp/inference-gateway/internal/registry"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	reg      *registry.Registry
	cb       *breaker.Breaker
	limiter  *ratelimit.Limiter
	memStore *cache.Memory
	emitter  *audit.Emitter
	prober   *proxy.Prober

	prom *metrics.Registry

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.String("strategy", a.cfg.Route.Strategy),
		slog.Int("providers", len(a.reg.List())),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.prober != nil {
		a.prober.Close()
		a.prober = nil
	}
	if a.emitter != nil {
		if err := a.emitter.Close(); err != nil {
			a.log.Error("emitter close error", slog.String("error", err.Error()))
		}
		a.emitter = nil
	}
	if a.limiter != nil {
		a.limiter.Close()
		a.limiter = nil
	}
	if a.memStore != nil {
		a.memStore.Close()
		a.memStore = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// buildHandles creates registry handles for every provider with credentials.
func buildHandles(ctx context.Context, cfg *config.Config) []*registry.Handle {
	var handles []*registry.Handle

	add := func(id string, p providers.Provider, pc config.ProviderConfig) {
		handles = append(handles, &registry.Handle{
			ID:           id,
			Provider:     p,
			Capabilities: p.Models(),
			Priority:     pc.Priority,
			Weight:       pc.Weight,
		})
	}

	if cfg.OpenAI.APIKey != "" {
		var opts []openaiprov.Option
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		if len(cfg.OpenAI.Models) > 0 {
			opts = append(opts, openaiprov.WithModels(cfg.OpenAI.Models))
		}
		add("openai", openaiprov.New(cfg.OpenAI.APIKey, opts...), cfg.OpenAI)
	}
	if cfg.Anthropic.APIKey != "" {
		var opts []anthropicprov.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		if len(cfg.Anthropic.Models) > 0 {
			opts = append(opts, anthropicprov.WithModels(cfg.Anthropic.Models))
		}
		add("anthropic", anthropicprov.New(cfg.Anthropic.APIKey, opts...), cfg.Anthropic)
	}
	if cfg.Gemini.APIKey != "" {
		var opts []geminiprov.Option
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
		}
		if len(cfg.Gemini.Models) > 0 {
			opts = append(opts, geminiprov.WithModels(cfg.Gemini.Models))
		}
		add("gemini", geminiprov.New(ctx, cfg.Gemini.APIKey, opts...), cfg.Gemini)
	}

	// OpenAI-compatible endpoints share one adapter; default capability globs
	// cover each vendor's model family.
	type ocEntry struct {
		id            string
		pc            config.ProviderConfig
		baseURL       string
		defaultModels []string
	}
	ocProviders := []ocEntry{
		{"xai", cfg.XAI, "https://api.x.ai/v1", []string{"grok-*"}},
		{"deepseek", cfg.DeepSeek, "https://api.deepseek.com/v1", []string{"deepseek-*"}},
		{"groq", cfg.Groq, "https://api.groq.com/openai/v1", []string{"llama-*", "mixtral-*", "gemma-*"}},
		{"together", cfg.Together, "https://api.together.xyz/v1", []string{"meta-llama/*", "mistralai/*", "Qwen/*"}},
	}
	for _, e := range ocProviders {
		if e.pc.APIKey == "" {
			continue
		}
		baseURL := e.pc.BaseURL
		if baseURL == "" {
			baseURL = e.baseURL
		}
		models := e.pc.Models
		if len(models) == 0 {
			models = e.defaultModels
		}
		add(e.id, openaicompatprov.New(e.id, e.pc.APIKey, baseURL, models), e.pc)
	}

	return handles
}
