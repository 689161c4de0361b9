package cache

import (
	"testing"

	"github.com/perimetric/modelgate/internal/adapter"
)

func chatReq(model string, temp float64, maxTokens int, msgs ...adapter.Message) *adapter.ChatRequest {
	return &adapter.ChatRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: temp,
		MaxTokens:   maxTokens,
	}
}

func TestChatKey_Deterministic(t *testing.T) {
	req := chatReq("gpt-4o", 0.7, 128, adapter.Message{Role: "user", Content: "hi"})

	k1 := ChatKey("openai", req)
	k2 := ChatKey("openai", req)
	if k1 != k2 {
		t.Fatalf("same request produced different keys: %s vs %s", k1, k2)
	}
}

func TestChatKey_IgnoresIdentityFields(t *testing.T) {
	a := chatReq("gpt-4o", 0.7, 128, adapter.Message{Role: "user", Content: "hi"})
	b := chatReq("gpt-4o", 0.7, 128, adapter.Message{Role: "user", Content: "hi"})
	b.RequestID = "req-123"
	b.Credential = "sk-override"
	b.Stream = false

	if ChatKey("openai", a) != ChatKey("openai", b) {
		t.Fatal("request id and credential must not affect the fingerprint")
	}
}

func TestChatKey_SensitiveToOutputAffectingParameters(t *testing.T) {
	base := chatReq("gpt-4o", 0.7, 128, adapter.Message{Role: "user", Content: "hi"})
	key := ChatKey("openai", base)

	variants := []*adapter.ChatRequest{
		chatReq("gpt-4o-mini", 0.7, 128, adapter.Message{Role: "user", Content: "hi"}),
		chatReq("gpt-4o", 0.8, 128, adapter.Message{Role: "user", Content: "hi"}),
		chatReq("gpt-4o", 0.7, 256, adapter.Message{Role: "user", Content: "hi"}),
		chatReq("gpt-4o", 0.7, 128, adapter.Message{Role: "user", Content: "hello"}),
		chatReq("gpt-4o", 0.7, 128, adapter.Message{Role: "system", Content: "hi"}),
	}
	for i, v := range variants {
		if ChatKey("openai", v) == key {
			t.Errorf("variant %d should have produced a different key", i)
		}
	}

	if ChatKey("groq", base) == key {
		t.Error("provider must participate in the fingerprint")
	}
}

func TestChatKey_MessageOrderMatters(t *testing.T) {
	ab := chatReq("gpt-4o", 0, 0,
		adapter.Message{Role: "user", Content: "a"},
		adapter.Message{Role: "user", Content: "b"},
	)
	ba := chatReq("gpt-4o", 0, 0,
		adapter.Message{Role: "user", Content: "b"},
		adapter.Message{Role: "user", Content: "a"},
	)
	if ChatKey("openai", ab) == ChatKey("openai", ba) {
		t.Fatal("message order must affect the fingerprint")
	}
}

func TestEmbeddingKey_OrderAndContent(t *testing.T) {
	a := &adapter.EmbeddingRequest{Model: "text-embedding-3-small", Input: []string{"a", "b"}}
	b := &adapter.EmbeddingRequest{Model: "text-embedding-3-small", Input: []string{"b", "a"}}

	if EmbeddingKey("openai", a) == EmbeddingKey("openai", b) {
		t.Fatal("input order must affect the fingerprint")
	}
	if EmbeddingKey("openai", a) != EmbeddingKey("openai", a) {
		t.Fatal("fingerprint must be deterministic")
	}
}

func TestKeys_ScopedByEndpoint(t *testing.T) {
	chat := ChatKey("openai", chatReq("m", 0, 0, adapter.Message{Role: "user", Content: "x"}))
	emb := EmbeddingKey("openai", &adapter.EmbeddingRequest{Model: "m", Input: []string{"x"}})
	if chat == emb {
		t.Fatal("chat and embedding keys must not collide")
	}
}
