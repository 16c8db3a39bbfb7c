package proxy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/registry"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// ProberOptions tune the background health prober. Zero values use defaults.
type ProberOptions struct {
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Registry
}

// Prober runs periodic HealthCheck probes against every registered provider
// and feeds the results into the registry's health table.
//
// One failed probe demotes a provider to degraded; consecutive failures mark
// it unhealthy. A single success restores healthy.
type Prober struct {
	reg     *registry.Registry
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	interval time.Duration
	timeout  time.Duration

	mu       sync.Mutex
	failures map[string]int

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewProber creates a Prober and starts probing. The first probe runs
// synchronously so health is populated before the gateway accepts traffic.
func NewProber(ctx context.Context, reg *registry.Registry, opts ProberOptions) *Prober {
	if ctx == nil {
		panic("prober: context must not be nil")
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	p := &Prober{
		reg:       reg,
		baseCtx:   ctx,
		log:       log,
		metrics:   opts.Metrics,
		interval:  interval,
		timeout:   timeout,
		failures:  make(map[string]int),
		startTime: time.Now(),
		done:      make(chan struct{}),
	}

	p.probe()

	p.wg.Add(1)
	go p.run()

	return p
}

// Close stops the background probe goroutine.
func (p *Prober) Close() {
	close(p.done)
	p.wg.Wait()
}

// ProberSnapshot is the latest health state for all providers.
type ProberSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
}

// Snapshot builds a snapshot from the registry's current health table.
func (p *Prober) Snapshot() ProberSnapshot {
	overall := "ok"
	provs := make(map[string]string)
	for _, h := range p.reg.List() {
		health, _ := p.reg.HealthOf(h.ID)
		provs[h.ID] = health.String()
		if health != registry.HealthHealthy {
			overall = "degraded"
		}
	}
	return ProberSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(p.startTime).Seconds()),
		Providers:     provs,
	}
}

// ReadyOK reports whether at least one provider can take traffic.
func (p *Prober) ReadyOK() bool {
	for _, h := range p.reg.List() {
		health, _ := p.reg.HealthOf(h.ID)
		if health != registry.HealthUnhealthy {
			return true
		}
	}
	return len(p.reg.List()) == 0
}

func (p *Prober) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.probe()
		case <-p.done:
			return
		}
	}
}

func (p *Prober) probe() {
	ctx, cancel := context.WithTimeout(p.baseCtx, p.timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, h := range p.reg.List() {
		h := h
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.Provider.HealthCheck(ctx)
			p.record(h.ID, err)
		}()
	}
	wg.Wait()
}

// record folds one probe result into the failure counter and publishes the
// resulting health state.
func (p *Prober) record(id string, err error) {
	p.mu.Lock()
	if err == nil {
		p.failures[id] = 0
	} else {
		p.failures[id]++
	}
	n := p.failures[id]
	p.mu.Unlock()

	var health registry.Health
	switch {
	case n == 0:
		health = registry.HealthHealthy
	case n == 1:
		health = registry.HealthDegraded
	default:
		health = registry.HealthUnhealthy
	}

	if err != nil {
		p.log.Warn("provider_probe_failed",
			slog.String("provider", id),
			slog.Int("consecutive_failures", n),
			slog.String("health", health.String()),
			slog.String("error", err.Error()),
		)
	}

	p.reg.UpdateHealth(id, health)
	if p.metrics != nil {
		p.metrics.SetProviderHealth(id, int64(health))
	}
}
