package cache

import (
	"fmt"
	"regexp"
)

// ExclusionRules decides which model names bypass the cache entirely.
// Exact names are checked first (O(1)), then regex patterns in order.
// A nil *ExclusionRules is safe to call — Excluded always returns false.
type ExclusionRules struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExclusionRules compiles exact names and regex patterns. Pattern compile
// failures surface here so misconfiguration is caught at startup.
func NewExclusionRules(exact, patterns []string) (*ExclusionRules, error) {
	r := &ExclusionRules{exact: make(map[string]struct{}, len(exact))}

	for _, e := range exact {
		if e != "" {
			r.exact[e] = struct{}{}
		}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache: invalid exclusion pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}

	return r, nil
}

// Excluded reports whether model must never be cached.
func (r *ExclusionRules) Excluded(model string) bool {
	if r == nil {
		return false
	}
	if _, ok := r.exact[model]; ok {
		return true
	}
	for _, re := range r.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len returns the number of rules configured.
func (r *ExclusionRules) Len() int {
	if r == nil {
		return 0
	}
	return len(r.exact) + len(r.patterns)
}
