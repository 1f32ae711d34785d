// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package embeddings

import (
	"context"
	"net/http"
	"time"
)

// LMStudioEmbedder talks to a local LM Studio server, which serves an
// OpenAI-compatible embeddings endpoint at {base_url}/embeddings. It reuses
// the OpenAI request/response shape rather than duplicating it.
type LMStudioEmbedder struct {
	baseURL       string
	model         string
	client        *http.Client
	dim           int
	contextWindow int
}

// NewLMStudioEmbedder creates a new LM Studio embedder. dim is the caller's
// configured expectation; if 0, EmbedText probes it on first use by
// measuring the returned vector's length.
func NewLMStudioEmbedder(baseURL, model string, dim, contextTokens int) (*LMStudioEmbedder, error) {
	if contextTokens == 0 {
		contextTokens = 4096
	}
	return &LMStudioEmbedder{
		baseURL:       baseURL,
		model:         model,
		client:        &http.Client{Timeout: 30 * time.Second},
		dim:           dim,
		contextWindow: contextTokens,
	}, nil
}

func (e *LMStudioEmbedder) Dimension() int {
	return e.dim
}

func (e *LMStudioEmbedder) ContextWindow() int {
	return e.contextWindow
}

func (e *LMStudioEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func (e *LMStudioEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	result, err := postOpenAICompatibleEmbeddings(ctx, e.client, e.baseURL+"/embeddings", "", e.model, texts)
	if err != nil {
		return nil, err
	}
	if e.dim == 0 && len(result) > 0 {
		e.dim = len(result[0])
	}
	return result, nil
}
