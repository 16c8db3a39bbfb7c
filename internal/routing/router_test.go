package routing

import (
	"errors"
	"testing"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/registry"
)

func newTestRouter(t *testing.T, reg *registry.Registry, rules []Rule, defaultPool []string) *Router {
	t.Helper()

	var rs *RuleSet
	if rules != nil {
		var err error
		rs, err = CompileRules(rules)
		if err != nil {
			t.Fatalf("CompileRules: %v", err)
		}
	}
	return NewRouter(reg, rs, NewSelector(reg, identity{}, false), defaultPool)
}

func chatRequest(model, tenant string) *providers.ProxyRequest {
	return &providers.ProxyRequest{
		RequestID: "req-1",
		TenantID:  tenant,
		Model:     model,
		Messages:  []providers.Message{{Role: "user", Content: "hi"}},
	}
}

func TestDecideDefaultPoolByCapability(t *testing.T) {
	reg := newTestRegistry(t,
		&registry.Handle{ID: "openai", Capabilities: []string{"gpt-4o"}, Weight: 1},
		&registry.Handle{ID: "anthropic", Capabilities: []string{"claude-3-*"}, Weight: 1},
	)
	r := newTestRouter(t, reg, nil, nil)

	d, err := r.Decide(chatRequest("gpt-4o", "acme"))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Primary() != "openai" {
		t.Fatalf("primary = %s, want openai", d.Primary())
	}
	if d.RuleID != "" {
		t.Fatalf("RuleID = %q, want empty for default pool", d.RuleID)
	}
	if d.TargetModel != "gpt-4o" {
		t.Fatalf("TargetModel = %s", d.TargetModel)
	}
	if d.DecisionID == "" || d.RequestID != "req-1" || d.DecidedAt.IsZero() {
		t.Fatal("decision identity fields must be populated")
	}
}

func TestDecideRouteTo(t *testing.T) {
	reg := newTestRegistry(t,
		&registry.Handle{ID: "openai", Capabilities: []string{"gpt-4o"}, Weight: 1},
		&registry.Handle{ID: "mirror", Capabilities: []string{"gpt-4o"}, Weight: 1},
	)
	r := newTestRouter(t, reg, []Rule{{
		ID:       "pin",
		Priority: 1,
		Matcher:  Matcher{Tenants: []string{"acme"}},
		Action:   Action{Kind: ActionRouteTo, Target: "mirror"},
	}}, nil)

	d, err := r.Decide(chatRequest("gpt-4o", "acme"))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Primary() != "mirror" {
		t.Fatalf("primary = %s, want mirror", d.Primary())
	}
	if d.RuleID != "pin" {
		t.Fatalf("RuleID = %s, want pin", d.RuleID)
	}
	if d.Confidence != 1.0 {
		t.Fatalf("Confidence = %v, want 1.0 for explicit route_to", d.Confidence)
	}
	if len(d.Fallbacks()) != 0 {
		t.Fatalf("route_to must not add fallbacks, got %v", d.Fallbacks())
	}
}

func TestDecideRouteToPool(t *testing.T) {
	reg := newTestRegistry(t,
		&registry.Handle{ID: "a", Capabilities: []string{"m"}, Weight: 1},
		&registry.Handle{ID: "b", Capabilities: []string{"m"}, Weight: 1},
		&registry.Handle{ID: "c", Capabilities: []string{"m"}, Weight: 1},
	)
	r := newTestRouter(t, reg, []Rule{{
		ID:       "pool",
		Priority: 1,
		Action:   Action{Kind: ActionRouteToPool, Pool: []string{"b", "c", "ghost"}},
	}}, nil)

	d, err := r.Decide(chatRequest("m", ""))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	got := planIDs(d.Plan)
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("plan = %v, want [b c]", got)
	}
}

func TestDecidePoolOrderIndependentOfSpelling(t *testing.T) {
	reg := newTestRegistry(t,
		&registry.Handle{ID: "a", Capabilities: []string{"m"}, Weight: 1},
		&registry.Handle{ID: "b", Capabilities: []string{"m"}, Weight: 1},
	)
	r := newTestRouter(t, reg, []Rule{{
		ID:       "pool",
		Priority: 1,
		Action:   Action{Kind: ActionRouteToPool, Pool: []string{"b", "a"}},
	}}, nil)

	// Pool members are reordered by (priority, id) before selection, so the
	// same set of ids yields the same plan however the rule spells them.
	d, err := r.Decide(chatRequest("m", ""))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if got := planIDs(d.Plan); got[0] != "a" || got[1] != "b" {
		t.Fatalf("plan = %v, want [a b]", got)
	}
}

func TestDecideRewriteModelThenContinue(t *testing.T) {
	reg := newTestRegistry(t,
		&registry.Handle{ID: "openai", Capabilities: []string{"gpt-4o"}, Weight: 1},
		&registry.Handle{ID: "legacy", Capabilities: []string{"gpt-3.5-turbo"}, Weight: 1},
	)
	r := newTestRouter(t, reg, []Rule{
		{
			ID:       "upgrade",
			Priority: 1,
			Matcher:  Matcher{Model: "gpt-3.5-turbo"},
			Action:   Action{Kind: ActionRewriteModel, Target: "gpt-4o"},
		},
		{
			ID:       "pin-upgraded",
			Priority: 2,
			Matcher:  Matcher{Model: "gpt-4o"},
			Action:   Action{Kind: ActionRouteTo, Target: "openai"},
		},
	}, nil)

	d, err := r.Decide(chatRequest("gpt-3.5-turbo", ""))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.TargetModel != "gpt-4o" {
		t.Fatalf("TargetModel = %s, want gpt-4o", d.TargetModel)
	}
	if d.Primary() != "openai" {
		t.Fatalf("primary = %s, want openai", d.Primary())
	}
	if d.RuleID != "pin-upgraded" {
		t.Fatalf("RuleID = %s, want pin-upgraded", d.RuleID)
	}
}

func TestDecideDeny(t *testing.T) {
	reg := newTestRegistry(t,
		&registry.Handle{ID: "openai", Capabilities: []string{"gpt-4o"}, Weight: 1},
	)
	r := newTestRouter(t, reg, []Rule{{
		ID:       "block",
		Priority: 1,
		Matcher:  Matcher{Tenants: []string{"banned"}},
		Action:   Action{Kind: ActionDeny, Reason: "tenant suspended"},
	}}, nil)

	_, err := r.Decide(chatRequest("gpt-4o", "banned"))
	var deny *DenyError
	if !errors.As(err, &deny) {
		t.Fatalf("err = %v, want DenyError", err)
	}
	if deny.RuleID != "block" || deny.Reason != "tenant suspended" {
		t.Fatalf("deny = %+v", deny)
	}

	// Other tenants pass through.
	if _, err := r.Decide(chatRequest("gpt-4o", "acme")); err != nil {
		t.Fatalf("unmatched tenant should route: %v", err)
	}
}

func TestDecideFirstMatchWins(t *testing.T) {
	reg := newTestRegistry(t,
		&registry.Handle{ID: "a", Capabilities: []string{"m"}, Weight: 1},
		&registry.Handle{ID: "b", Capabilities: []string{"m"}, Weight: 1},
	)
	r := newTestRouter(t, reg, []Rule{
		{ID: "second", Priority: 20, Action: Action{Kind: ActionRouteTo, Target: "b"}},
		{ID: "first", Priority: 10, Action: Action{Kind: ActionRouteTo, Target: "a"}},
	}, nil)

	d, err := r.Decide(chatRequest("m", ""))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.RuleID != "first" || d.Primary() != "a" {
		t.Fatalf("rule = %s primary = %s, want first/a", d.RuleID, d.Primary())
	}
}

func TestDecideModelNotFound(t *testing.T) {
	reg := newTestRegistry(t,
		&registry.Handle{ID: "openai", Capabilities: []string{"gpt-4o"}, Weight: 1},
	)
	r := newTestRouter(t, reg, nil, nil)

	_, err := r.Decide(chatRequest("unknown-model", ""))
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("err = %v, want ErrModelNotFound", err)
	}

	// The typed error carries the requested model verbatim.
	var um *UnknownModelError
	if !errors.As(err, &um) || um.Model != "unknown-model" {
		t.Fatalf("err = %v, want UnknownModelError for unknown-model", err)
	}
}

func TestDecideNoHealthyBackend(t *testing.T) {
	reg := newTestRegistry(t,
		&registry.Handle{ID: "openai", Capabilities: []string{"gpt-4o"}, Weight: 1},
	)
	reg.UpdateHealth("openai", registry.HealthUnhealthy)
	r := newTestRouter(t, reg, nil, nil)

	_, err := r.Decide(chatRequest("gpt-4o", ""))
	if !errors.Is(err, ErrNoHealthyBackend) {
		t.Fatalf("err = %v, want ErrNoHealthyBackend", err)
	}
}

func TestDecideDefaultPoolConfigured(t *testing.T) {
	reg := newTestRegistry(t,
		&registry.Handle{ID: "a", Capabilities: []string{"m"}, Weight: 1},
		&registry.Handle{ID: "b", Capabilities: []string{"m"}, Weight: 1},
	)
	r := newTestRouter(t, reg, nil, []string{"b"})

	d, err := r.Decide(chatRequest("m", ""))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if got := planIDs(d.Plan); len(got) != 1 || got[0] != "b" {
		t.Fatalf("plan = %v, want [b]", got)
	}
}

func TestDecidePreferredProviderPromoted(t *testing.T) {
	reg := newTestRegistry(t,
		&registry.Handle{ID: "a", Capabilities: []string{"m"}, Weight: 1},
		&registry.Handle{ID: "b", Capabilities: []string{"m"}, Weight: 1},
	)
	r := newTestRouter(t, reg, nil, nil)

	req := chatRequest("m", "")
	req.Metadata.PreferredProvider = "b"

	d, err := r.Decide(req)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if got := planIDs(d.Plan); got[0] != "b" || got[1] != "a" {
		t.Fatalf("plan = %v, want [b a]", got)
	}
	if !hasConstraint(d.Constraints, "preferred_provider", "promoted", "b") {
		t.Fatalf("missing promotion constraint, got %v", d.Constraints)
	}
}

func TestDecidePreferredProviderNotInPlanIgnored(t *testing.T) {
	reg := newTestRegistry(t,
		&registry.Handle{ID: "a", Capabilities: []string{"m"}, Weight: 1},
	)
	r := newTestRouter(t, reg, nil, nil)

	req := chatRequest("m", "")
	req.Metadata.PreferredProvider = "ghost"

	d, err := r.Decide(req)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if got := planIDs(d.Plan); len(got) != 1 || got[0] != "a" {
		t.Fatalf("plan = %v, want [a]", got)
	}
}

func TestDecideConfidenceDegradedPrimary(t *testing.T) {
	reg := newTestRegistry(t,
		&registry.Handle{ID: "a", Capabilities: []string{"m"}, Weight: 1},
	)
	reg.UpdateHealth("a", registry.HealthDegraded)
	r := newTestRouter(t, reg, nil, nil)

	d, err := r.Decide(chatRequest("m", ""))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Confidence >= 0.7 {
		t.Fatalf("Confidence = %v, want lowered for degraded primary", d.Confidence)
	}
}
