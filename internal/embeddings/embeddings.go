// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package embeddings

import (
	"context"
	"errors"
	"fmt"
)

// Embedder generates vector embeddings from text. EmbedBatch does not split
// its input to a provider limit: the OpenAI-compatible embedders send every
// text in one request, the Ollama embedder sends one request per text, and
// any single failure fails the whole call.
type Embedder interface {
	// EmbedText generates an embedding vector for the given text.
	EmbedText(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts (more efficient).
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the dimension of the embedding vectors.
	Dimension() int

	// ContextWindow returns the provider's max input tokens per request.
	ContextWindow() int
}

var (
	// ErrProviderUnreachable wraps a network-level failure talking to the
	// embedding provider.
	ErrProviderUnreachable = errors.New("embeddings: provider unreachable")
	// ErrDimensionMismatch names a provider vector width that disagrees
	// with the configured dimension. No embedder in this package returns
	// it; width checks happen in the vector store.
	ErrDimensionMismatch = errors.New("embeddings: dimension mismatch")
	// ErrBatchTooLarge names a batch that exceeds the provider's
	// context-token budget. No embedder in this package returns it; an
	// oversized request fails with the provider's HTTP status and body.
	ErrBatchTooLarge = errors.New("embeddings: batch exceeds context window")
)

// Config is the minimal set of fields NewEmbedder needs; it mirrors
// config.ProviderConfig without importing internal/config.
type Config struct {
	Provider      string
	BaseURL       string
	Model         string
	APIKey        string
	Dimensions    int
	ContextTokens int
}

// NewEmbedder constructs an Embedder for cfg.Provider. Supported providers:
// "openai", "ollama", "lmstudio", "mock".
func NewEmbedder(cfg Config) (Embedder, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("embeddings: openai requires an api_key")
		}
		model := cfg.Model
		if model == "" {
			model = "text-embedding-3-small"
		}
		return NewOpenAIEmbedder(cfg.APIKey, model, cfg.ContextTokens)
	case "lmstudio":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:1234/v1"
		}
		return NewLMStudioEmbedder(baseURL, cfg.Model, cfg.Dimensions, cfg.ContextTokens)
	case "ollama":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		model := cfg.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		return NewOllamaEmbedder(baseURL, model, cfg.ContextTokens)
	case "fastembed", "mock", "":
		// "fastembed" is the in-process variant slot; until a real local
		// model is linked in it shares the deterministic hash embedder,
		// which keeps the rest of the pipeline exercisable offline.
		dim := cfg.Dimensions
		if dim == 0 {
			dim = 384
		}
		return NewMockEmbedder(dim), nil
	default:
		return nil, fmt.Errorf("embeddings: unknown provider %q", cfg.Provider)
	}
}
