package routing

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCompileRulesValidation(t *testing.T) {
	cases := []struct {
		name    string
		rules   []Rule
		wantErr string
	}{
		{
			name:    "missing id",
			rules:   []Rule{{Action: Action{Kind: ActionDeny}}},
			wantErr: "missing id",
		},
		{
			name: "duplicate id",
			rules: []Rule{
				{ID: "r1", Action: Action{Kind: ActionDeny}},
				{ID: "r1", Action: Action{Kind: ActionDeny}},
			},
			wantErr: "duplicate rule id",
		},
		{
			name:    "route_to without target",
			rules:   []Rule{{ID: "r1", Action: Action{Kind: ActionRouteTo}}},
			wantErr: "needs a target",
		},
		{
			name:    "route_to_pool without pool",
			rules:   []Rule{{ID: "r1", Action: Action{Kind: ActionRouteToPool}}},
			wantErr: "needs a pool",
		},
		{
			name:    "unknown action",
			rules:   []Rule{{ID: "r1", Action: Action{Kind: "teleport"}}},
			wantErr: "unknown action",
		},
		{
			name: "invalid regex",
			rules: []Rule{{
				ID:      "r1",
				Matcher: Matcher{ModelRegex: `[unclosed`},
				Action:  Action{Kind: ActionDeny},
			}},
			wantErr: "invalid regex",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := CompileRules(c.rules)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), c.wantErr) {
				t.Fatalf("error %q does not contain %q", err, c.wantErr)
			}
		})
	}
}

func TestCompileRulesOrdersByPriority(t *testing.T) {
	rs, err := CompileRules([]Rule{
		{ID: "low", Priority: 100, Action: Action{Kind: ActionDeny}},
		{ID: "high", Priority: 1, Action: Action{Kind: ActionDeny}},
		{ID: "mid", Priority: 50, Action: Action{Kind: ActionDeny}},
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"high", "mid", "low"}
	for i, id := range want {
		if rs.rules[i].ID != id {
			t.Fatalf("rule %d = %s, want %s", i, rs.rules[i].ID, id)
		}
	}
}

func TestMatcherPredicates(t *testing.T) {
	rs, err := CompileRules([]Rule{{
		ID: "r1",
		Matcher: Matcher{
			ModelGlob: "gpt-*",
			Tenants:   []string{"acme", "globex"},
			Metadata:  map[string]string{"priority": "high"},
		},
		Action: Action{Kind: ActionDeny},
	}})
	if err != nil {
		t.Fatal(err)
	}
	r := &rs.rules[0]

	cases := []struct {
		name   string
		model  string
		tenant string
		meta   map[string]string
		want   bool
	}{
		{"all match", "gpt-4o", "acme", map[string]string{"priority": "high"}, true},
		{"other tenant in set", "gpt-4o", "globex", map[string]string{"priority": "high"}, true},
		{"model mismatch", "claude-3-opus", "acme", map[string]string{"priority": "high"}, false},
		{"tenant not in set", "gpt-4o", "initech", map[string]string{"priority": "high"}, false},
		{"metadata mismatch", "gpt-4o", "acme", map[string]string{"priority": "low"}, false},
		{"metadata absent", "gpt-4o", "acme", nil, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := r.matches(c.model, c.tenant, c.meta); got != c.want {
				t.Fatalf("matches = %v, want %v", got, c.want)
			}
		})
	}
}

func TestMatcherExactAndRegex(t *testing.T) {
	rs, err := CompileRules([]Rule{
		{ID: "exact", Matcher: Matcher{Model: "gpt-4o"}, Action: Action{Kind: ActionDeny}},
		{ID: "regex", Matcher: Matcher{ModelRegex: `^claude-3-`}, Action: Action{Kind: ActionDeny}},
	})
	if err != nil {
		t.Fatal(err)
	}

	exact, regex := &rs.rules[0], &rs.rules[1]
	if !exact.matches("gpt-4o", "", nil) {
		t.Error("exact should match gpt-4o")
	}
	if exact.matches("gpt-4o-mini", "", nil) {
		t.Error("exact must not match a longer name")
	}
	if !regex.matches("claude-3-opus", "", nil) {
		t.Error("regex should match claude-3-opus")
	}
	if regex.matches("claude-2", "", nil) {
		t.Error("regex must not match claude-2")
	}
}

func TestMatcherEmptyMatchesEverything(t *testing.T) {
	rs, err := CompileRules([]Rule{{ID: "all", Action: Action{Kind: ActionDeny}}})
	if err != nil {
		t.Fatal(err)
	}
	if !rs.rules[0].matches("anything", "any-tenant", nil) {
		t.Fatal("empty matcher must match everything")
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := `rules:
  - id: pin-acme
    priority: 10
    matcher:
      tenants: [acme]
    action:
      kind: route_to
      target: openai
  - id: block-internal
    priority: 20
    matcher:
      model_glob: "internal-*"
    action:
      kind: deny
      reason: internal models are not exposed
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	rs, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	if len(rs.rules) != 2 {
		t.Fatalf("loaded %d rules, want 2", len(rs.rules))
	}
	if rs.rules[0].ID != "pin-acme" || rs.rules[1].ID != "block-internal" {
		t.Fatalf("unexpected rule order: %s, %s", rs.rules[0].ID, rs.rules[1].ID)
	}
	if rs.rules[1].Action.Reason != "internal models are not exposed" {
		t.Fatalf("deny reason = %q", rs.rules[1].Action.Reason)
	}
}

func TestLoadRulesRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := `rules:
  - id: r1
    priority: 1
    frobnicate: yes
    action:
      kind: deny
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadRules(path); err == nil {
		t.Fatal("unknown fields must be rejected")
	}
}
