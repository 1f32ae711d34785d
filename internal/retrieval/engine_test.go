// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package retrieval

import (
	"context"
	"testing"

	"github.com/oakdev/oak-ci/internal/embeddings"
	"github.com/oakdev/oak-ci/internal/vectorstore"
)

func seedEngine(t *testing.T) (*Engine, *vectorstore.MockStore, embeddings.Embedder) {
	t.Helper()
	store := vectorstore.NewMockStore()
	embedder := embeddings.NewMockEmbedder(32)
	return New(store, embedder, 0.75, 0.5, 8), store, embedder
}

func addPoint(t *testing.T, store *vectorstore.MockStore, coll vectorstore.Collection, embedder embeddings.Embedder, id, content string, metadata map[string]string) {
	t.Helper()
	vec, err := embedder.EmbedText(context.Background(), content)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if err := store.Add(context.Background(), coll, []vectorstore.Item{{ID: id, Vector: vec, Metadata: metadata, Content: content}}, true); err != nil {
		t.Fatalf("add: %v", err)
	}
}

func TestQuery_ExactMatchIsHighConfidence(t *testing.T) {
	e, store, embedder := seedEngine(t)
	addPoint(t, store, vectorstore.CollectionCode, embedder, "c1", "func ParseConfig(path string) error", map[string]string{"filepath": "config.go"})
	addPoint(t, store, vectorstore.CollectionCode, embedder, "c2", "completely unrelated text about birds", map[string]string{"filepath": "birds.go"})

	res, err := e.Query(context.Background(), "func ParseConfig(path string) error", SearchCode, Options{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Items) == 0 {
		t.Fatal("expected results")
	}
	if res.Items[0].ID != "c1" {
		t.Errorf("expected exact match first, got %s", res.Items[0].ID)
	}
	if res.Items[0].Tier != TierHigh {
		t.Errorf("identical text should be high confidence, got %s", res.Items[0].Tier)
	}

	high := res.FilterByConfidence(TierHigh)
	for _, it := range high {
		if it.Tier != TierHigh {
			t.Errorf("FilterByConfidence(high) leaked tier %s", it.Tier)
		}
	}
}

func TestQuery_AllFansOutAcrossCollections(t *testing.T) {
	e, store, embedder := seedEngine(t)
	addPoint(t, store, vectorstore.CollectionCode, embedder, "code1", "retry with backoff", map[string]string{"filepath": "retry.go"})
	addPoint(t, store, vectorstore.CollectionMemory, embedder, "mem1", "retry with backoff", map[string]string{"type": "gotcha"})
	addPoint(t, store, vectorstore.CollectionPlan, embedder, "plan1", "retry with backoff", map[string]string{"session_id": "s1"})

	res, err := e.Query(context.Background(), "retry with backoff", SearchAll, Options{Limit: 10})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	seen := make(map[vectorstore.Collection]bool)
	for _, it := range res.Items {
		seen[it.Collection] = true
	}
	for _, coll := range []vectorstore.Collection{vectorstore.CollectionCode, vectorstore.CollectionMemory, vectorstore.CollectionPlan} {
		if !seen[coll] {
			t.Errorf("expected a hit from the %s collection", coll)
		}
	}
}

func TestQuery_TieBreakCreatedAtDesc(t *testing.T) {
	e, store, embedder := seedEngine(t)
	// Identical content means identical vectors, so identical scores.
	addPoint(t, store, vectorstore.CollectionMemory, embedder, "old", "use WAL mode", map[string]string{"created_at": "2026-01-01T00:00:00Z"})
	addPoint(t, store, vectorstore.CollectionMemory, embedder, "new", "use WAL mode", map[string]string{"created_at": "2026-06-01T00:00:00Z"})

	res, err := e.Query(context.Background(), "use WAL mode", SearchMemory, Options{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Items) < 2 {
		t.Fatalf("expected both ties, got %d", len(res.Items))
	}
	if res.Items[0].ID != "new" {
		t.Errorf("ties must break newest-first, got %s first", res.Items[0].ID)
	}
}

func TestQuery_SortByImportanceOption(t *testing.T) {
	e, store, embedder := seedEngine(t)
	addPoint(t, store, vectorstore.CollectionMemory, embedder, "low", "pin the sqlite version", map[string]string{"importance": "low", "created_at": "2026-06-01T00:00:00Z"})
	addPoint(t, store, vectorstore.CollectionMemory, embedder, "high", "pin the sqlite version", map[string]string{"importance": "high", "created_at": "2026-01-01T00:00:00Z"})

	res, err := e.Query(context.Background(), "pin the sqlite version", SearchMemory, Options{SortByImportance: true})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Items[0].ID != "high" {
		t.Errorf("importance sort should win over recency, got %s first", res.Items[0].ID)
	}
}

func TestQuery_EmptyTextIsEmptyResult(t *testing.T) {
	e, _, _ := seedEngine(t)
	res, err := e.Query(context.Background(), "", SearchAll, Options{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Items) != 0 {
		t.Errorf("expected no items for an empty query, got %d", len(res.Items))
	}
}
