package cache

import (
	"fmt"
	"regexp"
)

// ExclusionList holds the models an operator never wants cached, checked by
// Bypass before a request is fingerprinted. Rules are either exact model
// names or Go regular expressions. A nil list matches nothing.
type ExclusionList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExclusionList compiles the rule sets. Empty strings are ignored; a
// pattern that fails to compile aborts startup rather than silently caching
// what the operator excluded.
func NewExclusionList(exact, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{exact: make(map[string]struct{}, len(exact))}
	for _, name := range exact {
		if name == "" {
			continue
		}
		el.exact[name] = struct{}{}
	}
	for _, pat := range patterns {
		if pat == "" {
			continue
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("cache: exclusion pattern %q: %w", pat, err)
		}
		el.patterns = append(el.patterns, re)
	}
	return el, nil
}

// Matches reports whether model is excluded from caching. The exact set is
// consulted first, then patterns in configuration order.
func (el *ExclusionList) Matches(model string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.exact[model]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len counts the configured rules across both modes.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + len(el.patterns)
}
