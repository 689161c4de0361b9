package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/perimetric/modelgate/internal/adapter"
)

// Fingerprints are SHA-256 over a canonical struct marshal: struct field
// order is fixed at compile time, so semantically irrelevant JSON field
// ordering in the inbound request can never change the key. Everything that
// affects output participates — provider, native model, ordered content,
// temperature, max tokens. Credentials, request IDs and the stream flag do
// not (streaming requests are never cached at all).

type fpMessage struct {
	Role    string `json:"r"`
	Content string `json:"c"`
}

type chatFingerprint struct {
	Provider    string      `json:"p"`
	Model       string      `json:"m"`
	Temperature string      `json:"t"`
	MaxTokens   int         `json:"mt"`
	Messages    []fpMessage `json:"msgs"`
}

type embeddingFingerprint struct {
	Provider string   `json:"p"`
	Model    string   `json:"m"`
	Input    []string `json:"in"`
}

// ChatKey returns the deterministic cache key for a non-streaming chat
// request bound to provider. The provider name guards against two providers
// sharing a model name.
func ChatKey(provider string, req *adapter.ChatRequest) string {
	msgs := make([]fpMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = fpMessage{Role: m.Role, Content: m.Content}
	}
	data, _ := json.Marshal(chatFingerprint{
		Provider:    provider,
		Model:       req.Model,
		Temperature: fmt.Sprintf("%.2f", req.Temperature),
		MaxTokens:   req.MaxTokens,
		Messages:    msgs,
	})
	return digest("chat", data)
}

// EmbeddingKey returns the deterministic cache key for an embedding request.
func EmbeddingKey(provider string, req *adapter.EmbeddingRequest) string {
	data, _ := json.Marshal(embeddingFingerprint{
		Provider: provider,
		Model:    req.Model,
		Input:    req.Input,
	})
	return digest("emb", data)
}

func digest(scope string, data []byte) string {
	sum := sha256.Sum256(data)
	return "mg:" + scope + ":" + hex.EncodeToString(sum[:])
}
