// Package routing turns a normalized request into an ordered provider plan.
//
// The pipeline is rules → candidates → selector → balancer. Rules are matched
// in ascending priority, first match wins; the selector filters candidates by
// health and capability and hands each priority band to the configured load
// balancer.
package routing

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/viper"
)

// Action kinds.
const (
	ActionRouteTo      = "route_to"
	ActionRouteToPool  = "route_to_pool"
	ActionRewriteModel = "rewrite_model"
	ActionDeny         = "deny"
)

// Matcher is a conjunction of predicates; empty fields always match.
type Matcher struct {
	Model      string            `mapstructure:"model"`       // exact
	ModelGlob  string            `mapstructure:"model_glob"`  // doublestar pattern
	ModelRegex string            `mapstructure:"model_regex"` // RE2
	Tenants    []string          `mapstructure:"tenants"`     // set membership
	Metadata   map[string]string `mapstructure:"metadata"`    // equality per key
}

// Action is what a matched rule does to the dispatch.
type Action struct {
	Kind   string   `mapstructure:"kind"`
	Target string   `mapstructure:"target"` // provider id or new model name
	Pool   []string `mapstructure:"pool"`   // provider ids for route_to_pool
	Reason string   `mapstructure:"reason"` // for deny
}

// Rule is one declarative routing rule.
type Rule struct {
	ID       string  `mapstructure:"id"`
	Priority int     `mapstructure:"priority"`
	Matcher  Matcher `mapstructure:"matcher"`
	Action   Action  `mapstructure:"action"`
}

// compiledRule pairs a rule with its pre-compiled regex.
type compiledRule struct {
	Rule
	modelRe *regexp.Regexp
	tenants map[string]struct{}
}

// RuleSet is an ordered, validated collection of rules. Immutable after
// construction.
type RuleSet struct {
	rules []compiledRule
}

// CompileRules validates the rules, compiles their patterns, and orders them
// by ascending priority (declaration order breaks ties).
func CompileRules(rules []Rule) (*RuleSet, error) {
	compiled := make([]compiledRule, 0, len(rules))
	seen := make(map[string]struct{}, len(rules))

	for i, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("routing: rule %d: missing id", i)
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("routing: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = struct{}{}

		cr := compiledRule{Rule: r}

		switch r.Action.Kind {
		case ActionRouteTo:
			if r.Action.Target == "" {
				return nil, fmt.Errorf("routing: rule %q: route_to needs a target", r.ID)
			}
		case ActionRouteToPool:
			if len(r.Action.Pool) == 0 {
				return nil, fmt.Errorf("routing: rule %q: route_to_pool needs a pool", r.ID)
			}
		case ActionRewriteModel:
			if r.Action.Target == "" {
				return nil, fmt.Errorf("routing: rule %q: rewrite_model needs a target", r.ID)
			}
		case ActionDeny:
		default:
			return nil, fmt.Errorf("routing: rule %q: unknown action kind %q", r.ID, r.Action.Kind)
		}

		if r.Matcher.ModelGlob != "" {
			if !doublestar.ValidatePattern(r.Matcher.ModelGlob) {
				return nil, fmt.Errorf("routing: rule %q: invalid glob %q", r.ID, r.Matcher.ModelGlob)
			}
		}
		if r.Matcher.ModelRegex != "" {
			re, err := regexp.Compile(r.Matcher.ModelRegex)
			if err != nil {
				return nil, fmt.Errorf("routing: rule %q: invalid regex: %w", r.ID, err)
			}
			cr.modelRe = re
		}
		if len(r.Matcher.Tenants) > 0 {
			cr.tenants = make(map[string]struct{}, len(r.Matcher.Tenants))
			for _, t := range r.Matcher.Tenants {
				cr.tenants[t] = struct{}{}
			}
		}

		compiled = append(compiled, cr)
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Priority < compiled[j].Priority
	})
	return &RuleSet{rules: compiled}, nil
}

// matches evaluates the conjunction against a routing context.
func (r *compiledRule) matches(model, tenant string, metadata map[string]string) bool {
	m := r.Matcher
	if m.Model != "" && m.Model != model {
		return false
	}
	if m.ModelGlob != "" {
		if ok, err := doublestar.Match(m.ModelGlob, model); err != nil || !ok {
			return false
		}
	}
	if r.modelRe != nil && !r.modelRe.MatchString(model) {
		return false
	}
	if r.tenants != nil {
		if _, ok := r.tenants[tenant]; !ok {
			return false
		}
	}
	for k, want := range m.Metadata {
		if metadata[k] != want {
			return false
		}
	}
	return true
}

// ruleFile is the on-disk shape of the rule file.
type ruleFile struct {
	Rules []Rule `mapstructure:"rules"`
}

// LoadRules reads and compiles a rule file. Unknown fields are rejected.
func LoadRules(path string) (*RuleSet, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("routing: read rules: %w", err)
	}

	var f ruleFile
	if err := v.UnmarshalExact(&f); err != nil {
		return nil, fmt.Errorf("routing: parse rules: %w", err)
	}
	return CompileRules(f.Rules)
}
