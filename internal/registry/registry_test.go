package registry

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/perimetric/modelgate/internal/adapter"
	"github.com/perimetric/modelgate/pkg/apierr"
)

// nullAdapter satisfies adapter.Adapter for routing tests; no call should
// ever reach it.
type nullAdapter struct{ name string }

func (a *nullAdapter) Name() string { return a.name }
func (a *nullAdapter) Complete(context.Context, *adapter.ChatRequest) (*adapter.ChatResponse, error) {
	return nil, errors.New("not implemented")
}
func (a *nullAdapter) StreamChat(context.Context, *adapter.ChatRequest) (*adapter.Stream, error) {
	return nil, errors.New("not implemented")
}
func (a *nullAdapter) HealthCheck(context.Context) error { return nil }

func testAdapters(names ...string) map[string]adapter.Adapter {
	m := make(map[string]adapter.Adapter, len(names))
	for _, n := range names {
		m[n] = &nullAdapter{name: n}
	}
	return m
}

func mustRegistry(t *testing.T, rules []Rule, adapters map[string]adapter.Adapter) *Registry {
	t.Helper()
	r, _, err := New(rules, adapters)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestResolve_ExactBeatsPrefix(t *testing.T) {
	r := mustRegistry(t, []Rule{
		{Pattern: "text-embedding-*", Provider: "openai"},
		{Pattern: "text-embedding-004", Provider: "gemini"},
	}, testAdapters("openai", "gemini"))

	b, err := r.Resolve("text-embedding-004")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b.Provider != "gemini" {
		t.Errorf("exact rule should win over prefix, got provider %q", b.Provider)
	}

	b, err = r.Resolve("text-embedding-3-small")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b.Provider != "openai" {
		t.Errorf("prefix family should catch the rest, got provider %q", b.Provider)
	}
}

func TestResolve_LongestPrefixWins(t *testing.T) {
	r := mustRegistry(t, []Rule{
		{Pattern: "open-*", Provider: "openai"},
		{Pattern: "open-mistral-*", Provider: "mistral"},
	}, testAdapters("openai", "mistral"))

	b, err := r.Resolve("open-mistral-nemo")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b.Provider != "mistral" {
		t.Errorf("longest literal prefix should win, got provider %q", b.Provider)
	}
}

func TestResolve_Deterministic(t *testing.T) {
	r := mustRegistry(t, DefaultRules, testAdapters("openai", "anthropic", "gemini", "mistral"))

	first, err := r.Resolve("claude-3-5-sonnet")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for i := 0; i < 100; i++ {
		b, err := r.Resolve("claude-3-5-sonnet")
		if err != nil {
			t.Fatalf("Resolve iteration %d: %v", i, err)
		}
		if b.Provider != first.Provider || b.Model != first.Model {
			t.Fatalf("resolution not deterministic: %+v vs %+v", b, first)
		}
	}
	if first.Provider != "anthropic" {
		t.Errorf("claude-* should bind to anthropic, got %q", first.Provider)
	}
}

func TestResolve_NoMatch(t *testing.T) {
	r := mustRegistry(t, DefaultRules, testAdapters("openai"))

	_, err := r.Resolve("totally-unknown-model")
	if err == nil {
		t.Fatal("expected error for unknown model")
	}
	if apierr.KindOf(err) != apierr.KindUnknownModel {
		t.Errorf("expected KindUnknownModel, got %v", apierr.KindOf(err))
	}
}

func TestResolve_UnconfiguredProviderRulesAreSkipped(t *testing.T) {
	r, skipped, err := New(DefaultRules, testAdapters("openai"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(skipped) == 0 {
		t.Fatal("expected skipped rules for unconfigured providers")
	}

	// claude-* is skipped, so claude models are unknown in this deployment.
	if _, err := r.Resolve("claude-3-opus"); apierr.KindOf(err) != apierr.KindUnknownModel {
		t.Errorf("expected KindUnknownModel for skipped provider, got %v", err)
	}
}

func TestNew_AmbiguousPatternIsLoadError(t *testing.T) {
	_, _, err := New([]Rule{
		{Pattern: "gpt-*", Provider: "openai"},
		{Pattern: "gpt-*", Provider: "mistral"},
	}, testAdapters("openai", "mistral"))
	if err == nil {
		t.Fatal("expected load-time error for ambiguous pattern")
	}
	if !strings.Contains(err.Error(), "gpt-*") {
		t.Errorf("error should name the conflicting pattern: %v", err)
	}
}

func TestNew_AmbiguousExactIsLoadError(t *testing.T) {
	_, _, err := New([]Rule{
		{Pattern: "mistral-embed", Provider: "mistral"},
		{Pattern: "mistral-embed", Provider: "openai"},
	}, testAdapters("openai", "mistral"))
	if err == nil {
		t.Fatal("expected load-time error for duplicate exact pattern")
	}
}

func TestNew_RejectsInteriorWildcard(t *testing.T) {
	_, _, err := New([]Rule{{Pattern: "gpt-*-turbo", Provider: "openai"}}, testAdapters("openai"))
	if err == nil {
		t.Fatal("expected error for interior wildcard")
	}
}
