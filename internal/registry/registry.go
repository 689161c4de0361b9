// Package registry maps model identifiers to provider adapters.
//
// Routing is a single ordered pattern table built once at startup: exact model
// names and prefix families ("claude-*"). Resolution is pure and read-only, so
// every routing decision is auditable in one place instead of being scattered
// across call sites.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/perimetric/modelgate/internal/adapter"
	"github.com/perimetric/modelgate/pkg/apierr"
)

// Rule maps a model pattern to a provider name. A pattern is either an exact
// model identifier or a literal prefix followed by a single trailing '*'.
type Rule struct {
	Pattern  string
	Provider string
}

// Binding is the result of a successful lookup: the adapter that will serve
// the request and the adapter-native model name.
type Binding struct {
	Provider string
	Adapter  adapter.Adapter
	Model    string
}

// Registry resolves model identifiers to bindings. Contents are immutable
// after New, so Resolve needs no synchronization.
type Registry struct {
	exact    map[string]string // model → provider
	prefixes []prefixRule      // sorted by literal length, longest first
	adapters map[string]adapter.Adapter
}

type prefixRule struct {
	literal  string
	provider string
}

// New builds a Registry from rules over the configured adapters.
//
// Rules naming a provider with no configured adapter are skipped (the provider
// is simply unavailable in this deployment); skipped rule patterns are
// returned so the caller can log them. Two rules with the same pattern bound
// to different providers are a configuration error: at equal specificity there
// is no defensible winner, and the conflict must surface at load time rather
// than at request time.
func New(rules []Rule, adapters map[string]adapter.Adapter) (*Registry, []string, error) {
	r := &Registry{
		exact:    make(map[string]string),
		adapters: adapters,
	}

	var skipped []string
	prefixSeen := make(map[string]string)

	for _, rule := range rules {
		if rule.Pattern == "" {
			return nil, nil, fmt.Errorf("registry: empty pattern for provider %q", rule.Provider)
		}
		if strings.Count(rule.Pattern, "*") > 1 ||
			(strings.Contains(rule.Pattern, "*") && !strings.HasSuffix(rule.Pattern, "*")) {
			return nil, nil, fmt.Errorf("registry: pattern %q: '*' is only valid as a trailing wildcard", rule.Pattern)
		}

		if _, ok := adapters[rule.Provider]; !ok {
			skipped = append(skipped, rule.Pattern)
			continue
		}

		if literal, ok := strings.CutSuffix(rule.Pattern, "*"); ok {
			if prev, dup := prefixSeen[literal]; dup {
				if prev != rule.Provider {
					return nil, nil, fmt.Errorf(
						"registry: pattern %q is bound to both %q and %q", rule.Pattern, prev, rule.Provider)
				}
				continue
			}
			prefixSeen[literal] = rule.Provider
			r.prefixes = append(r.prefixes, prefixRule{literal: literal, provider: rule.Provider})
			continue
		}

		if prev, dup := r.exact[rule.Pattern]; dup {
			if prev != rule.Provider {
				return nil, nil, fmt.Errorf(
					"registry: model %q is bound to both %q and %q", rule.Pattern, prev, rule.Provider)
			}
			continue
		}
		r.exact[rule.Pattern] = rule.Provider
	}

	// Longest literal prefix wins; equal lengths cannot both match one
	// identifier unless the literals are equal, which was rejected above.
	sort.SliceStable(r.prefixes, func(i, j int) bool {
		return len(r.prefixes[i].literal) > len(r.prefixes[j].literal)
	})

	return r, skipped, nil
}

// Resolve returns the binding for model. Exact rules beat prefix rules of any
// length; among prefix rules the longest matching literal wins.
func (r *Registry) Resolve(model string) (Binding, error) {
	if name, ok := r.exact[model]; ok {
		return r.bind(name, model)
	}
	for _, p := range r.prefixes {
		if strings.HasPrefix(model, p.literal) {
			return r.bind(p.provider, model)
		}
	}
	return Binding{}, apierr.Newf(apierr.KindUnknownModel,
		"model %q is not served by any configured provider", model)
}

func (r *Registry) bind(provider, model string) (Binding, error) {
	a, ok := r.adapters[provider]
	if !ok {
		return Binding{}, apierr.Newf(apierr.KindUnknownModel,
			"model %q routes to provider %q, which is not configured", model, provider)
	}
	return Binding{Provider: provider, Adapter: a, Model: model}, nil
}

// Providers returns the adapter names the registry can bind to.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultRules is the built-in routing table. Exact entries pin identifiers
// a broader family rule would otherwise claim (text-embedding-004 is Gemini,
// not OpenAI). Deployments extend or override this set via configuration.
var DefaultRules = []Rule{
	// OpenAI
	{Pattern: "gpt-*", Provider: "openai"},
	{Pattern: "chatgpt-*", Provider: "openai"},
	{Pattern: "o1*", Provider: "openai"},
	{Pattern: "o3*", Provider: "openai"},
	{Pattern: "o4*", Provider: "openai"},
	{Pattern: "text-embedding-*", Provider: "openai"},

	// Anthropic
	{Pattern: "claude-*", Provider: "anthropic"},

	// Google Gemini
	{Pattern: "gemini-*", Provider: "gemini"},
	{Pattern: "gemma-*", Provider: "gemini"},
	{Pattern: "learnlm-*", Provider: "gemini"},
	{Pattern: "text-embedding-004", Provider: "gemini"},
	{Pattern: "embedding-001", Provider: "gemini"},

	// Mistral AI (mistral-embed rides the mistral-* family)
	{Pattern: "mistral-*", Provider: "mistral"},
	{Pattern: "ministral-*", Provider: "mistral"},
	{Pattern: "mixtral-*", Provider: "mistral"},
	{Pattern: "open-mistral-*", Provider: "mistral"},
	{Pattern: "open-mixtral-*", Provider: "mistral"},
	{Pattern: "codestral-*", Provider: "mistral"},
	{Pattern: "pixtral-*", Provider: "mistral"},

	// OpenAI-compatible backends
	{Pattern: "grok-*", Provider: "xai"},
	{Pattern: "deepseek-*", Provider: "deepseek"},
	{Pattern: "llama-*", Provider: "groq"},
	{Pattern: "llama3*", Provider: "groq"},
	{Pattern: "sonar*", Provider: "perplexity"},
	{Pattern: "moonshot-*", Provider: "moonshot"},
	{Pattern: "kimi-*", Provider: "moonshot"},
	{Pattern: "qwen*", Provider: "qwen"},
	{Pattern: "qwq-*", Provider: "qwen"},
	{Pattern: "glm-*", Provider: "zai"},
	{Pattern: "doubao-*", Provider: "bytedance"},
}
