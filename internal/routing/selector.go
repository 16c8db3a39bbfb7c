package routing

import (
	"sort"

	"github.com/nulpointcorp/inference-gateway/internal/registry"
)

// Constraint records one filtering decision applied while building a plan.
// It is carried verbatim onto the decision event.
type Constraint struct {
	Kind   string `json:"kind"`   // unhealthy | degraded | no_capability | circuit_open
	Effect string `json:"effect"` // excluded | demoted | skipped
	Detail string `json:"detail,omitempty"`
}

// Selector filters candidates by capability and health and orders the
// survivors into a plan: priority bands ascending, the balancer ordering each
// band, degraded handles demoted to the tail of their band.
type Selector struct {
	reg             *registry.Registry
	balancer        Balancer
	excludeDegraded bool
}

// NewSelector builds a selector. When excludeDegraded is set, degraded
// providers are dropped instead of demoted.
func NewSelector(reg *registry.Registry, balancer Balancer, excludeDegraded bool) *Selector {
	return &Selector{reg: reg, balancer: balancer, excludeDegraded: excludeDegraded}
}

// Select returns the ordered provider plan for model plus the constraints it
// applied. An empty plan means no candidate survived filtering.
func (s *Selector) Select(candidates []*registry.Handle, model string) ([]*registry.Handle, []Constraint) {
	var constraints []Constraint

	type bandEntry struct {
		healthy  []*registry.Handle
		degraded []*registry.Handle
	}
	bands := make(map[int]*bandEntry)
	var priorities []int

	for _, h := range candidates {
		if !h.Serves(model) {
			constraints = append(constraints, Constraint{
				Kind: "no_capability", Effect: "excluded", Detail: h.ID,
			})
			continue
		}

		health, _ := s.reg.HealthOf(h.ID)
		switch health {
		case registry.HealthUnhealthy:
			constraints = append(constraints, Constraint{
				Kind: "unhealthy", Effect: "excluded", Detail: h.ID,
			})
			continue
		case registry.HealthDegraded:
			if s.excludeDegraded {
				constraints = append(constraints, Constraint{
					Kind: "degraded", Effect: "excluded", Detail: h.ID,
				})
				continue
			}
			constraints = append(constraints, Constraint{
				Kind: "degraded", Effect: "demoted", Detail: h.ID,
			})
		}

		b, ok := bands[h.Priority]
		if !ok {
			b = &bandEntry{}
			bands[h.Priority] = b
			priorities = append(priorities, h.Priority)
		}
		if health == registry.HealthDegraded {
			b.degraded = append(b.degraded, h)
		} else {
			b.healthy = append(b.healthy, h)
		}
	}

	sort.Ints(priorities)

	var plan []*registry.Handle
	for _, p := range priorities {
		b := bands[p]
		plan = append(plan, s.balancer.Order(b.healthy)...)
		plan = append(plan, s.balancer.Order(b.degraded)...)
	}
	return plan, constraints
}
