// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package background

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/oakdev/oak-ci/internal/activitystore"
	"github.com/oakdev/oak-ci/internal/embeddings"
	"github.com/oakdev/oak-ci/internal/queue"
	"github.com/oakdev/oak-ci/internal/summarizer"
	"github.com/oakdev/oak-ci/internal/vectorstore"
)

func newTestProcessor(t *testing.T) (*Processor, *activitystore.Store, *vectorstore.MockStore) {
	t.Helper()
	store, err := activitystore.Open(filepath.Join(t.TempDir(), "activities.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	vectors := vectorstore.NewMockStore()
	p := New(store, vectors, embeddings.NewMockEmbedder(32), &summarizer.Mock{}, queue.NewChannelQueue(64), time.Hour)
	t.Cleanup(p.cancel)
	return p, store, vectors
}

func backdateSession(t *testing.T, store *activitystore.Store, id string, age time.Duration) {
	t.Helper()
	if err := store.SetSessionStartedAt(context.Background(), id, time.Now().UTC().Add(-age)); err != nil {
		t.Fatalf("backdate: %v", err)
	}
}

func TestInfrequent_DeletesEmptyStaleSessions(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, "empty", "claude", "/p"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	backdateSession(t, store, "empty", 2*time.Hour)

	recovered, deleted := p.Infrequent()
	if len(deleted) != 1 || deleted[0] != "empty" {
		t.Errorf("deleted = %v, want [empty]", deleted)
	}
	if len(recovered) != 0 {
		t.Errorf("recovered = %v, want none", recovered)
	}
	if _, err := store.GetSession(ctx, "empty"); err != activitystore.ErrNotFound {
		t.Errorf("empty stale session must be deleted, got %v", err)
	}
}

func TestInfrequent_CompletesNonEmptyStaleSessions(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, "busy", "claude", "/p"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	batch, err := store.CreateBatch(ctx, "busy", "did things", activitystore.SourceUser)
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	backdateSession(t, store, "busy", 2*time.Hour)
	if err := store.SetBatchStartedAt(ctx, batch.ID, time.Now().UTC().Add(-2*time.Hour)); err != nil {
		t.Fatalf("backdate batch: %v", err)
	}

	recovered, deleted := p.Infrequent()
	if len(recovered) != 1 || recovered[0] != "busy" {
		t.Errorf("recovered = %v, want [busy]", recovered)
	}
	if len(deleted) != 0 {
		t.Errorf("deleted = %v, want none", deleted)
	}

	sess, err := store.GetSession(ctx, "busy")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != activitystore.SessionCompleted {
		t.Errorf("stale session status = %q, want completed", sess.Status)
	}
}

func TestInfrequent_FreshSessionsUntouched(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, "fresh", "claude", "/p"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	recovered, deleted := p.Infrequent()
	if len(recovered)+len(deleted) != 0 {
		t.Errorf("fresh session was swept: recovered=%v deleted=%v", recovered, deleted)
	}
}

func TestEmbedObservations_MarksAndStores(t *testing.T) {
	p, store, vectors := newTestProcessor(t)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, "s1", "claude", "/p"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	obs, err := store.AddObservation(ctx, activitystore.Observation{
		SessionID:  "s1",
		Type:       activitystore.ObsGotcha,
		Text:       "the watcher needs its own goroutine",
		Importance: activitystore.ImportanceHigh,
		Tags:       []string{"watcher"},
	})
	if err != nil {
		t.Fatalf("AddObservation: %v", err)
	}

	if err := p.embedObservations(ctx); err != nil {
		t.Fatalf("embedObservations: %v", err)
	}

	stats, _ := vectors.Stats(ctx, vectorstore.CollectionMemory)
	if stats.Count != 1 {
		t.Errorf("expected 1 memory point, got %d", stats.Count)
	}
	left, _ := store.GetUnembedded(ctx, 10)
	if len(left) != 0 {
		t.Errorf("observation %s should be marked embedded", obs.ID)
	}
}

func TestEmbedPlan_FlipsFlagAndWritesObservation(t *testing.T) {
	p, store, vectors := newTestProcessor(t)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, "s1", "claude", "/p"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	batch, err := store.CreateBatch(ctx, "s1", "plan the feature", activitystore.SourcePlan)
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if err := store.AttachPlan(ctx, batch.ID, "/plans/p.md", "# Plan\n\n1. do the thing"); err != nil {
		t.Fatalf("AttachPlan: %v", err)
	}

	if err := p.embedPlan(ctx, batch.ID); err != nil {
		t.Fatalf("embedPlan: %v", err)
	}

	got, _ := store.GetBatch(ctx, batch.ID)
	if !got.PlanEmbedded {
		t.Error("plan_embedded should be set after embedding")
	}
	stats, _ := vectors.Stats(ctx, vectorstore.CollectionPlan)
	if stats.Count != 1 {
		t.Errorf("expected 1 plan point, got %d", stats.Count)
	}

	planType := activitystore.ObsPlan
	obs, err := store.ListObservations(ctx, activitystore.ObservationFilters{Type: &planType})
	if err != nil {
		t.Fatalf("ListObservations: %v", err)
	}
	if len(obs) != 1 {
		t.Fatalf("expected one plan observation, got %d", len(obs))
	}

	// Idempotence: a second run sees plan_embedded=true and exits cleanly.
	if err := p.embedPlan(ctx, batch.ID); err != nil {
		t.Fatalf("second embedPlan: %v", err)
	}
	stats, _ = vectors.Stats(ctx, vectorstore.CollectionPlan)
	if stats.Count != 1 {
		t.Errorf("second run must not duplicate the plan point, got %d", stats.Count)
	}
}

func TestGenerateSessionSummary_Idempotent(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, "s1", "claude", "/p"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := store.CreateBatch(ctx, "s1", "build the indexer", activitystore.SourceUser); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	if err := p.generateSessionSummary(ctx, "s1"); err != nil {
		t.Fatalf("generateSessionSummary: %v", err)
	}
	sess, _ := store.GetSession(ctx, "s1")
	if sess.Title == nil || sess.Summary == nil {
		t.Fatal("expected title and summary to be set")
	}
	firstTitle := *sess.Title

	if err := p.generateSessionSummary(ctx, "s1"); err != nil {
		t.Fatalf("second generateSessionSummary: %v", err)
	}
	sess, _ = store.GetSession(ctx, "s1")
	if *sess.Title != firstTitle {
		t.Error("already-summarized session must not be re-summarized")
	}
}

func TestClassify(t *testing.T) {
	mk := func(tools []string, failures int) []activitystore.Activity {
		var out []activitystore.Activity
		for i, tool := range tools {
			out = append(out, activitystore.Activity{ToolName: tool, Success: i >= failures})
		}
		return out
	}
	planContent := "steps"

	cases := []struct {
		name  string
		batch activitystore.PromptBatch
		acts  []activitystore.Activity
		want  activitystore.Classification
	}{
		{"plan payload", activitystore.PromptBatch{SourceType: activitystore.SourcePlan, PlanContent: &planContent}, nil, activitystore.ClassPlan},
		{"edits", activitystore.PromptBatch{UserPrompt: "add feature"}, mk([]string{"Edit", "Write", "Read"}, 0), activitystore.ClassImplementation},
		{"reads only", activitystore.PromptBatch{UserPrompt: "how does x work"}, mk([]string{"Read", "Grep", "Read"}, 0), activitystore.ClassExploration},
		{"failures", activitystore.PromptBatch{UserPrompt: "fix it"}, mk([]string{"Read", "Edit", "Edit", "Read"}, 2), activitystore.ClassDebugging},
		{"refactor prompt", activitystore.PromptBatch{UserPrompt: "refactor the store"}, mk([]string{"Edit", "Edit"}, 0), activitystore.ClassRefactoring},
		{"nothing", activitystore.PromptBatch{UserPrompt: "hello"}, nil, activitystore.ClassOther},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(&tc.batch, tc.acts); got != tc.want {
				t.Errorf("Classify = %s, want %s", got, tc.want)
			}
		})
	}
}
