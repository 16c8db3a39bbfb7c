package routing

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/registry"
)

// ErrModelNotFound means no registered provider advertises the requested
// model.
var ErrModelNotFound = errors.New("routing: model not available")

// ErrNoHealthyBackend means candidates exist but none survived health
// filtering.
var ErrNoHealthyBackend = errors.New("routing: no healthy backend")

// UnknownModelError carries the model a lookup failed for. It unwraps to
// ErrModelNotFound so callers can keep matching with errors.Is.
type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string {
	return "routing: model not available: " + e.Model
}

func (e *UnknownModelError) Unwrap() error { return ErrModelNotFound }

// DenyError is returned when a deny rule matches.
type DenyError struct {
	RuleID string
	Reason string
}

func (e *DenyError) Error() string {
	return fmt.Sprintf("routing: denied by rule %s: %s", e.RuleID, e.Reason)
}

// Decision is the immutable outcome of routing one request.
type Decision struct {
	DecisionID  string
	RequestID   string
	DecidedAt   time.Time
	Plan        []*registry.Handle // primary first, then fallbacks
	TargetModel string             // after any rewrite_model rules
	RuleID      string             // empty when the default pool was used
	Confidence  float64
	Constraints []Constraint
}

// Primary returns the selected provider id.
func (d *Decision) Primary() string {
	if len(d.Plan) == 0 {
		return ""
	}
	return d.Plan[0].ID
}

// Fallbacks returns the ids of the plan's fallback providers.
func (d *Decision) Fallbacks() []string {
	if len(d.Plan) <= 1 {
		return nil
	}
	out := make([]string, 0, len(d.Plan)-1)
	for _, h := range d.Plan[1:] {
		out = append(out, h.ID)
	}
	return out
}

// Router evaluates rules and builds the ordered provider plan.
type Router struct {
	reg         *registry.Registry
	rules       *RuleSet
	selector    *Selector
	defaultPool []string // provider ids; empty means any capable provider

	now func() time.Time
}

// NewRouter builds a router. rules may be nil (default pool only).
func NewRouter(reg *registry.Registry, rules *RuleSet, selector *Selector, defaultPool []string) *Router {
	if rules == nil {
		rules = &RuleSet{}
	}
	return &Router{
		reg:         reg,
		rules:       rules,
		selector:    selector,
		defaultPool: defaultPool,
		now:         time.Now,
	}
}

// Strategy reports the balancer strategy the selector orders bands with.
func (r *Router) Strategy() string {
	return r.selector.balancer.Name()
}

// Decide matches rules against the request, builds the candidate pool, and
// runs the selector. Rules apply in ascending priority; rewrite_model rules
// rewrite and keep going, the first terminal rule (route_to, route_to_pool,
// deny) wins.
func (r *Router) Decide(req *providers.ProxyRequest) (*Decision, error) {
	model := req.Model
	metadata := metadataFields(&req.Metadata)

	var (
		candidates []*registry.Handle
		ruleID     string
		poolSized  bool
	)

	for i := range r.rules.rules {
		rule := &r.rules.rules[i]
		if !rule.matches(model, req.TenantID, metadata) {
			continue
		}

		switch rule.Action.Kind {
		case ActionRewriteModel:
			model = rule.Action.Target
			continue
		case ActionDeny:
			return nil, &DenyError{RuleID: rule.ID, Reason: rule.Action.Reason}
		case ActionRouteTo:
			ruleID = rule.ID
			if h, ok := r.reg.Get(rule.Action.Target); ok {
				candidates = []*registry.Handle{h}
			}
			poolSized = true
		case ActionRouteToPool:
			ruleID = rule.ID
			candidates = r.resolvePool(rule.Action.Pool)
			poolSized = true
		}
		break
	}

	if !poolSized {
		if len(r.defaultPool) > 0 {
			candidates = r.resolvePool(r.defaultPool)
		} else {
			candidates = r.reg.Candidates(model)
		}
	}
	if len(candidates) == 0 {
		return nil, &UnknownModelError{Model: model}
	}

	plan, constraints := r.selector.Select(candidates, model)
	if len(plan) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoHealthyBackend, model)
	}
	plan, constraints = promotePreferred(plan, req.Metadata.PreferredProvider, constraints)

	return &Decision{
		DecisionID:  uuid.NewString(),
		RequestID:   req.RequestID,
		DecidedAt:   r.now(),
		Plan:        plan,
		TargetModel: model,
		RuleID:      ruleID,
		Confidence:  r.confidence(ruleID, poolSized, plan),
		Constraints: constraints,
	}, nil
}

// resolvePool maps provider ids onto current handles, dropping unknown ids.
// The result is ordered by (priority, id) like a registry candidate list, so
// downstream tie-breaks behave the same regardless of pool spelling.
func (r *Router) resolvePool(ids []string) []*registry.Handle {
	out := make([]*registry.Handle, 0, len(ids))
	for _, id := range ids {
		if h, ok := r.reg.Get(id); ok {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// promotePreferred moves the client's preferred provider to the front of the
// plan when it is already in the plan. It never adds providers the selector
// filtered out.
func promotePreferred(plan []*registry.Handle, preferred string, constraints []Constraint) ([]*registry.Handle, []Constraint) {
	if preferred == "" {
		return plan, constraints
	}
	for i, h := range plan {
		if h.ID != preferred || i == 0 {
			continue
		}
		out := make([]*registry.Handle, 0, len(plan))
		out = append(out, h)
		out = append(out, plan[:i]...)
		out = append(out, plan[i+1:]...)
		constraints = append(constraints, Constraint{
			Kind: "preferred_provider", Effect: "promoted", Detail: preferred,
		})
		return out, constraints
	}
	return plan, constraints
}

// confidence scores how determined the decision was: an explicit rule beats
// the default pool, and a degraded primary lowers the score.
func (r *Router) confidence(ruleID string, poolSized bool, plan []*registry.Handle) float64 {
	c := 0.7
	switch {
	case ruleID != "" && len(plan) == 1:
		c = 1.0
	case ruleID != "":
		c = 0.9
	case poolSized:
		c = 0.8
	}
	if health, _ := r.reg.HealthOf(plan[0].ID); health == registry.HealthDegraded {
		c -= 0.2
	}
	if c < 0 {
		c = 0
	}
	return c
}

// metadataFields flattens the request metadata into the matcher's key space.
func metadataFields(m *providers.RequestMetadata) map[string]string {
	out := make(map[string]string, 2)
	if m.PreferredProvider != "" {
		out["preferred_provider"] = m.PreferredProvider
	}
	if m.Priority != "" {
		out["priority"] = m.Priority
	}
	return out
}
