// Package ratelimit admits requests through token buckets keyed by
// (scope, key). Scopes are evaluated in a fixed order — tenant, api_key, ip,
// global — and the first rejection short-circuits. Buckets live in a sharded
// map with per-bucket locking; idle buckets are evicted by a background sweep.
//
// An optional Redis sliding-window limiter (see window.go) can additionally
// cap the global request rate across gateway replicas.
package ratelimit

import (
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"
)

// Scope identifies which part of the request identity a bucket is keyed by.
type Scope string

const (
	ScopeTenant Scope = "tenant"
	ScopeAPIKey Scope = "api_key"
	ScopeIP     Scope = "ip"
	ScopeGlobal Scope = "global"
)

// ScopeOrder is the deterministic evaluation order.
var ScopeOrder = []Scope{ScopeTenant, ScopeAPIKey, ScopeIP, ScopeGlobal}

// Limit configures one scope's buckets.
type Limit struct {
	Capacity     float64
	RefillPerSec float64
}

// Identity carries the request attributes buckets are keyed by. Empty fields
// skip their scope.
type Identity struct {
	TenantID string
	APIKeyID string
	SourceIP string
}

func (id Identity) key(s Scope) string {
	switch s {
	case ScopeTenant:
		return id.TenantID
	case ScopeAPIKey:
		return id.APIKeyID
	case ScopeIP:
		return id.SourceIP
	case ScopeGlobal:
		return "global"
	}
	return ""
}

// Error reports a rejected admission.
type Error struct {
	Scope      Scope
	Key        string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("ratelimit: %s %q exceeded, retry after %s", e.Scope, e.Key, e.RetryAfter)
}

// HTTPStatus implements the gateway's status mapping contract.
func (e *Error) HTTPStatus() int { return 429 }

// RetryAfterSeconds returns the header value: whole seconds, rounded up,
// never below one.
func (e *Error) RetryAfterSeconds() int {
	s := int(math.Ceil(e.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

const shardCount = 64

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	lastUsed   time.Time
}

// take refills from elapsed time, then admits if the balance covers cost.
// On rejection it reports how long until the deficit refills.
func (b *bucket) take(cost float64, lim Limit, now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(lim.Capacity, b.tokens+elapsed*lim.RefillPerSec)
		b.lastRefill = now
	}
	b.lastUsed = now

	if b.tokens >= cost {
		b.tokens -= cost
		return true, 0
	}

	if lim.RefillPerSec <= 0 {
		// Nothing refills this bucket; report a fixed backoff.
		return false, time.Minute
	}
	deficit := cost - b.tokens
	return false, time.Duration(deficit / lim.RefillPerSec * float64(time.Second))
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Options tune bucket lifecycle. Zero values use the defaults.
type Options struct {
	// IdleTTL is how long an untouched bucket survives before the sweeper
	// evicts it. Default 10m.
	IdleTTL time.Duration

	// SweepInterval is how often the sweeper runs. Default 1m.
	SweepInterval time.Duration
}

// Limiter evaluates token buckets across the configured scopes.
type Limiter struct {
	limits map[Scope]Limit
	shards [shardCount]*shard

	idleTTL time.Duration
	stop    chan struct{}
	once    sync.Once

	now func() time.Time
}

// New creates a Limiter for the given per-scope limits. Scopes without an
// entry are unlimited. The background sweeper starts immediately; call Close
// to stop it.
func New(limits map[Scope]Limit, opts Options) *Limiter {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 10 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}

	l := &Limiter{
		limits:  limits,
		idleTTL: opts.IdleTTL,
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}

	go l.sweep(opts.SweepInterval)
	return l
}

// Allow admits a request of the given cost, or returns *Error for the first
// scope that rejects. Scopes whose identity attribute is empty are skipped.
// Buckets already debited by earlier scopes are not refunded on a later
// rejection; only admitted requests count against the invariantly enforced
// budget.
func (l *Limiter) Allow(id Identity, cost float64) error {
	now := l.now()

	for _, scope := range ScopeOrder {
		lim, configured := l.limits[scope]
		if !configured {
			continue
		}
		key := id.key(scope)
		if key == "" {
			continue
		}

		b := l.bucket(scope, key, lim)
		ok, retryAfter := b.take(cost, lim, now)
		if !ok {
			return &Error{Scope: scope, Key: key, RetryAfter: retryAfter}
		}
	}
	return nil
}

// Close stops the background sweeper.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) bucket(scope Scope, key string, lim Limit) *bucket {
	composite := string(scope) + ":" + key
	sh := l.shards[shardIndex(composite)]

	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.buckets[composite]
	if !ok {
		// Lazily created buckets start full.
		b = &bucket{tokens: lim.Capacity, lastRefill: l.now()}
		sh.buckets[composite] = b
	}
	return b
}

func (l *Limiter) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := l.now().Add(-l.idleTTL)
			for _, sh := range l.shards {
				sh.mu.Lock()
				for k, b := range sh.buckets {
					b.mu.Lock()
					idle := b.lastUsed.Before(cutoff)
					b.mu.Unlock()
					if idle {
						delete(sh.buckets, k)
					}
				}
				sh.mu.Unlock()
			}
		}
	}
}

// size reports the total bucket count (test hook).
func (l *Limiter) size() int {
	n := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		n += len(sh.buckets)
		sh.mu.Unlock()
	}
	return n
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}
