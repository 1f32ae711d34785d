// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch

// Package retrieval is the unified query surface over the code, memory,
// and plan collections: embed once, fan out, merge by score, bucket into
// confidence tiers.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/oakdev/oak-ci/internal/embeddings"
	"github.com/oakdev/oak-ci/internal/vectorstore"
)

// SearchType selects which collection(s) a query targets.
type SearchType string

const (
	SearchCode   SearchType = "code"
	SearchMemory SearchType = "memory"
	SearchPlan   SearchType = "plan"
	SearchAll    SearchType = "all"
)

// Tier buckets cosine similarity into coarse confidence bands.
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

func tierRank(t Tier) int {
	switch t {
	case TierHigh:
		return 2
	case TierMedium:
		return 1
	default:
		return 0
	}
}

// Item is one scored, tiered hit.
type Item struct {
	Collection vectorstore.Collection
	ID         string
	Score      float64
	Tier       Tier
	Content    string
	Metadata   map[string]string
}

// Result is an ordered result set.
type Result struct {
	Items []Item
}

// FilterByConfidence keeps only items at or above min.
func (r *Result) FilterByConfidence(min Tier) []Item {
	var out []Item
	for _, it := range r.Items {
		if tierRank(it.Tier) >= tierRank(min) {
			out = append(out, it)
		}
	}
	return out
}

// Options tunes a single query.
type Options struct {
	Limit  int
	Filter vectorstore.Filter
	// SortByImportance re-sorts equal-score memory ties by importance
	// instead of the default created_at desc.
	SortByImportance bool
}

// Engine embeds queries and searches the vector store.
type Engine struct {
	vectors       vectorstore.VectorStore
	embedder      embeddings.Embedder
	highThreshold float64
	medThreshold  float64
	defaultLimit  int
}

// New constructs an Engine with the configured tier thresholds.
func New(vectors vectorstore.VectorStore, embedder embeddings.Embedder, highThreshold, medThreshold float64, defaultLimit int) *Engine {
	if defaultLimit <= 0 {
		defaultLimit = 8
	}
	return &Engine{
		vectors:       vectors,
		embedder:      embedder,
		highThreshold: highThreshold,
		medThreshold:  medThreshold,
		defaultLimit:  defaultLimit,
	}
}

// Query embeds text once and searches the requested collection(s). Results
// are merged by score desc, ties broken by created_at desc (or importance
// when opts.SortByImportance). A DimensionMismatch from the store surfaces
// verbatim so the caller can prompt a collection reset.
func (e *Engine) Query(ctx context.Context, text string, searchType SearchType, opts Options) (*Result, error) {
	if text == "" {
		return &Result{}, nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = e.defaultLimit
	}

	vec, err := e.embedder.EmbedText(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}

	collections := e.collectionsFor(searchType)

	var mu sync.Mutex
	var items []Item
	g, gctx := errgroup.WithContext(ctx)
	for _, coll := range collections {
		coll := coll
		g.Go(func() error {
			matches, err := e.vectors.Search(gctx, coll, vec, limit, opts.Filter, 0)
			if err != nil {
				return fmt.Errorf("retrieval: search %s: %w", coll, err)
			}
			mu.Lock()
			for _, m := range matches {
				items = append(items, Item{
					Collection: coll,
					ID:         m.ID,
					Score:      m.Score,
					Tier:       e.tierFor(m.Score),
					Content:    m.Content,
					Metadata:   m.Metadata,
				})
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sortItems(items, opts.SortByImportance)
	if len(items) > limit {
		items = items[:limit]
	}
	return &Result{Items: items}, nil
}

func (e *Engine) collectionsFor(searchType SearchType) []vectorstore.Collection {
	switch searchType {
	case SearchCode:
		return []vectorstore.Collection{vectorstore.CollectionCode}
	case SearchMemory:
		return []vectorstore.Collection{vectorstore.CollectionMemory}
	case SearchPlan:
		return []vectorstore.Collection{vectorstore.CollectionPlan}
	default:
		return []vectorstore.Collection{vectorstore.CollectionCode, vectorstore.CollectionMemory, vectorstore.CollectionPlan}
	}
}

func (e *Engine) tierFor(score float64) Tier {
	switch {
	case score >= e.highThreshold:
		return TierHigh
	case score >= e.medThreshold:
		return TierMedium
	default:
		return TierLow
	}
}

func sortItems(items []Item, byImportance bool) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		if byImportance {
			ri, rj := importanceRank(items[i].Metadata["importance"]), importanceRank(items[j].Metadata["importance"])
			if ri != rj {
				return ri > rj
			}
		}
		return items[i].Metadata["created_at"] > items[j].Metadata["created_at"]
	})
}

func importanceRank(v string) int {
	switch v {
	case "high":
		return 2
	case "medium":
		return 1
	default:
		return 0
	}
}
