package routing

import (
	"fmt"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/registry"
)

// Balancing strategies.
const (
	StrategyRoundRobin   = "round_robin"
	StrategyWeighted     = "weighted"
	StrategyLeastLatency = "least_latency"
	StrategyRandom       = "random"
)

// Balancer orders the handles of one priority band: the first element is the
// primary, the rest are fallbacks. Implementations must not mutate the input.
type Balancer interface {
	Name() string
	Order(band []*registry.Handle) []*registry.Handle
}

// NewBalancer builds the balancer for a strategy name. latency supplies the
// per-provider EWMA used by least_latency; it is ignored by the others.
func NewBalancer(strategy string, latency func(id string) time.Duration) (Balancer, error) {
	switch strategy {
	case StrategyRoundRobin, "":
		return &roundRobin{}, nil
	case StrategyWeighted:
		return &weighted{randFloat: rand.Float64}, nil
	case StrategyLeastLatency:
		if latency == nil {
			return nil, fmt.Errorf("routing: least_latency needs a latency source")
		}
		return &leastLatency{latency: latency}, nil
	case StrategyRandom:
		return &random{}, nil
	default:
		return nil, fmt.Errorf("routing: unknown strategy %q", strategy)
	}
}

// roundRobin rotates the primary with an atomic counter; fallbacks follow in
// ring order so every handle appears exactly once.
type roundRobin struct {
	counter atomic.Uint64
}

func (b *roundRobin) Name() string { return StrategyRoundRobin }

func (b *roundRobin) Order(band []*registry.Handle) []*registry.Handle {
	n := len(band)
	if n <= 1 {
		return band
	}
	start := int(b.counter.Add(1)-1) % n
	out := make([]*registry.Handle, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, band[(start+i)%n])
	}
	return out
}

// weighted picks the primary by a uniform draw over the prefix-weight sums.
// Zero-weight handles never become primary but remain as trailing fallbacks.
// Equal prefix boundaries resolve in id order because the band arrives sorted.
type weighted struct {
	randFloat func() float64 // uniform in [0, 1)
}

func (b *weighted) Name() string { return StrategyWeighted }

func (b *weighted) Order(band []*registry.Handle) []*registry.Handle {
	n := len(band)
	if n <= 1 {
		return band
	}

	total := 0
	for _, h := range band {
		total += h.Weight
	}
	if total == 0 {
		return band
	}

	target := b.randFloat() * float64(total)
	idx := 0
	sum := 0
	for i, h := range band {
		sum += h.Weight
		if target < float64(sum) {
			idx = i
			break
		}
	}

	out := make([]*registry.Handle, 0, n)
	out = append(out, band[idx])
	for i, h := range band {
		if i != idx {
			out = append(out, h)
		}
	}
	return out
}

// leastLatency sorts by EWMA latency ascending. Handles never observed sort
// first so new providers get traffic; ties resolve in id order.
type leastLatency struct {
	latency func(id string) time.Duration
}

func (b *leastLatency) Name() string { return StrategyLeastLatency }

func (b *leastLatency) Order(band []*registry.Handle) []*registry.Handle {
	n := len(band)
	if n <= 1 {
		return band
	}
	out := make([]*registry.Handle, n)
	copy(out, band)
	sort.SliceStable(out, func(i, j int) bool {
		return b.latency(out[i].ID) < b.latency(out[j].ID)
	})
	return out
}

// random shuffles the band uniformly.
type random struct{}

func (b *random) Name() string { return StrategyRandom }

func (b *random) Order(band []*registry.Handle) []*registry.Handle {
	n := len(band)
	if n <= 1 {
		return band
	}
	out := make([]*registry.Handle, n)
	copy(out, band)
	rand.Shuffle(n, func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
