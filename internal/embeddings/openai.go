// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OpenAIEmbedder uses OpenAI's embedding API.
type OpenAIEmbedder struct {
	apiKey        string
	model         string
	client        *http.Client
	dim           int
	contextWindow int
}

var openaiModelDims = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// NewOpenAIEmbedder creates a new OpenAI embedder.
func NewOpenAIEmbedder(apiKey, model string, contextTokens int) (*OpenAIEmbedder, error) {
	dim, ok := openaiModelDims[model]
	if !ok {
		dim = 1536
	}
	if contextTokens == 0 {
		contextTokens = 8191
	}

	return &OpenAIEmbedder{
		apiKey:        apiKey,
		model:         model,
		client:        &http.Client{Timeout: 30 * time.Second},
		dim:           dim,
		contextWindow: contextTokens,
	}, nil
}

// Dimension returns the embedding dimension.
func (e *OpenAIEmbedder) Dimension() int {
	return e.dim
}

// ContextWindow returns the provider's configured token budget.
func (e *OpenAIEmbedder) ContextWindow() int {
	return e.contextWindow
}

// EmbedText generates an embedding for a single text.
func (e *OpenAIEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one HTTP request.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return postOpenAICompatibleEmbeddings(ctx, e.client, "https://api.openai.com/v1/embeddings", e.apiKey, e.model, texts)
}

// postOpenAICompatibleEmbeddings issues the shared OpenAI-compatible
// embeddings request/response shape used by both OpenAIEmbedder and
// LMStudioEmbedder (LM Studio serves the same API surface).
func postOpenAICompatibleEmbeddings(ctx context.Context, client *http.Client, url, apiKey, model string, texts []string) ([][]float32, error) {
	type requestPayload struct {
		Input []string `json:"input"`
		Model string   `json:"model"`
	}

	payload := requestPayload{Input: texts, Model: model}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", apiKey))
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embeddings API error (status %d): %s", resp.StatusCode, string(body))
	}

	type responsePayload struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}

	var response responsePayload
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(response.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(response.Data))
	}

	result := make([][]float32, len(response.Data))
	for i, data := range response.Data {
		result[i] = make([]float32, len(data.Embedding))
		for j, v := range data.Embedding {
			result[i][j] = float32(v)
		}
	}

	return result, nil
}
