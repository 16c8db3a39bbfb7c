// Package breaker implements per-provider circuit breakers gating dispatch
// attempts. Breakers are created lazily as provider ids are first seen, so a
// registry hot-reload never needs to reconfigure them.
package breaker

import (
	"sync"
	"time"
)

// State represents the operational state of a per-provider circuit breaker.
//
//	StateClosed   — normal operation; all requests pass through.
//	StateOpen     — provider is failing; requests are rejected without contact.
//	StateHalfOpen — recovery probing; a bounded number of requests may pass.
type State int

const (
	StateClosed   State = 0
	StateOpen     State = 1
	StateHalfOpen State = 2
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Default tuning values applied for zero-valued Config fields.
const (
	DefaultFailureThreshold      = 5
	DefaultSuccessThreshold      = 2
	DefaultOpenDuration          = 30 * time.Second
	DefaultHalfOpenMaxConcurrent = 1
)

// Config holds circuit breaker tuning parameters. Zero values fall back to
// the package defaults.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker.
	FailureThreshold int

	// SuccessThreshold is the number of half-open probe successes required to
	// close the breaker again.
	SuccessThreshold int

	// OpenDuration is how long the breaker rejects without contact before the
	// next probe is permitted.
	OpenDuration time.Duration

	// HalfOpenMaxConcurrent caps in-flight probes while half-open.
	HalfOpenMaxConcurrent int
}

func (c *Config) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return DefaultFailureThreshold
}

func (c *Config) successThreshold() int {
	if c.SuccessThreshold > 0 {
		return c.SuccessThreshold
	}
	return DefaultSuccessThreshold
}

func (c *Config) openDuration() time.Duration {
	if c.OpenDuration > 0 {
		return c.OpenDuration
	}
	return DefaultOpenDuration
}

func (c *Config) halfOpenMax() int {
	if c.HalfOpenMaxConcurrent > 0 {
		return c.HalfOpenMaxConcurrent
	}
	return DefaultHalfOpenMaxConcurrent
}

// providerCB holds per-provider circuit breaker state.
type providerCB struct {
	mu sync.Mutex

	state               State
	consecutiveFailures int
	halfOpenSuccesses   int
	probesInFlight      int
	openedAt            time.Time
	nextProbeAt         time.Time
}

// Breaker manages independent circuit breakers for each provider id.
// It is safe for concurrent use from multiple goroutines.
type Breaker struct {
	mu       sync.RWMutex
	breakers map[string]*providerCB
	cfg      Config

	// now is swapped in tests to control time.
	now func() time.Time
}

// New creates a Breaker with the given tuning. Zero-valued fields use the
// package defaults.
func New(cfg Config) *Breaker {
	return &Breaker{
		breakers: make(map[string]*providerCB),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Allow reports whether the provider should receive the next request, along
// with the breaker state observed at the decision.
//
//   - Closed   → always allowed.
//   - Open     → rejected until nextProbeAt; the first call at or after it
//     transitions to HalfOpen and is admitted as a probe.
//   - HalfOpen → allowed while in-flight probes are below the configured cap.
func (b *Breaker) Allow(provider string) (bool, State) {
	pcb := b.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case StateClosed:
		return true, StateClosed

	case StateOpen:
		if !b.now().Before(pcb.nextProbeAt) {
			pcb.state = StateHalfOpen
			pcb.halfOpenSuccesses = 0
			pcb.probesInFlight = 1
			return true, StateHalfOpen
		}
		return false, StateOpen

	case StateHalfOpen:
		if pcb.probesInFlight >= b.cfg.halfOpenMax() {
			return false, StateHalfOpen
		}
		pcb.probesInFlight++
		return true, StateHalfOpen
	}

	return true, StateClosed
}

// RecordSuccess marks a successful attempt.
//
// Closed: resets the consecutive-failure counter. HalfOpen: counts the probe
// success; once SuccessThreshold is reached the breaker closes. Results that
// arrive while Open (admitted before the trip) are ignored.
func (b *Breaker) RecordSuccess(provider string) {
	pcb := b.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case StateClosed:
		pcb.consecutiveFailures = 0

	case StateHalfOpen:
		if pcb.probesInFlight > 0 {
			pcb.probesInFlight--
		}
		pcb.halfOpenSuccesses++
		if pcb.halfOpenSuccesses >= b.cfg.successThreshold() {
			pcb.state = StateClosed
			pcb.consecutiveFailures = 0
			pcb.halfOpenSuccesses = 0
			pcb.probesInFlight = 0
		}
	}
}

// RecordFailure marks a failed attempt.
//
// Closed: increments the consecutive-failure counter and trips to Open at the
// threshold. HalfOpen: any probe failure reopens with a fresh probe deadline.
// Late results while Open are ignored.
func (b *Breaker) RecordFailure(provider string) {
	pcb := b.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	now := b.now()

	switch pcb.state {
	case StateClosed:
		pcb.consecutiveFailures++
		if pcb.consecutiveFailures >= b.cfg.failureThreshold() {
			b.trip(pcb, now)
		}

	case StateHalfOpen:
		if pcb.probesInFlight > 0 {
			pcb.probesInFlight--
		}
		b.trip(pcb, now)
	}
}

// Release returns a probe slot taken by Allow without recording an outcome.
// Callers use it when an admitted attempt ends in a result that says nothing
// about provider health (a client 4xx, a caller cancellation); otherwise the
// slot would stay occupied and a HalfOpen breaker could stop admitting probes.
// No-op outside HalfOpen.
func (b *Breaker) Release(provider string) {
	pcb := b.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	if pcb.state == StateHalfOpen && pcb.probesInFlight > 0 {
		pcb.probesInFlight--
	}
}

// trip moves the breaker to Open; callers must hold pcb.mu.
func (b *Breaker) trip(pcb *providerCB, now time.Time) {
	pcb.state = StateOpen
	pcb.halfOpenSuccesses = 0
	pcb.probesInFlight = 0
	pcb.openedAt = now
	pcb.nextProbeAt = now.Add(b.cfg.openDuration())
}

// State returns the current state for provider.
func (b *Breaker) State(provider string) State {
	pcb := b.get(provider)
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state
}

// NextProbeAt returns when an Open breaker permits its next probe. The zero
// time is returned for breakers that never opened.
func (b *Breaker) NextProbeAt(provider string) time.Time {
	pcb := b.get(provider)
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.nextProbeAt
}

// States returns a snapshot of all tracked breaker states, keyed by provider
// id (used by the health endpoint and metrics export).
func (b *Breaker) States() map[string]string {
	b.mu.RLock()
	ids := make([]string, 0, len(b.breakers))
	for id := range b.breakers {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	out := make(map[string]string, len(ids))
	for _, id := range ids {
		out[id] = b.State(id).String()
	}
	return out
}

func (b *Breaker) get(provider string) *providerCB {
	b.mu.RLock()
	pcb, ok := b.breakers[provider]
	b.mu.RUnlock()
	if ok {
		return pcb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if pcb, ok = b.breakers[provider]; ok {
		return pcb
	}
	pcb = &providerCB{state: StateClosed}
	b.breakers[provider] = pcb
	return pcb
}
