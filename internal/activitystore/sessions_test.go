// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package activitystore

import (
	"context"
	"testing"
)

func TestCreateBatch_DensePromptNumbers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateSession(ctx, "sess-1", "claude-code", "/tmp/proj"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	for want := 1; want <= 3; want++ {
		b, err := s.CreateBatch(ctx, "sess-1", "prompt", SourceUser)
		if err != nil {
			t.Fatalf("CreateBatch[%d]: %v", want, err)
		}
		if b.PromptNumber != want {
			t.Errorf("PromptNumber = %d, want %d", b.PromptNumber, want)
		}
	}

	sess, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.PromptCount != 3 {
		t.Errorf("PromptCount = %d, want 3", sess.PromptCount)
	}
}

func TestCreateBatch_ReactivatesCompletedSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateSession(ctx, "sess-1", "claude-code", "/tmp/proj"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.EndSession(ctx, "sess-1"); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	if _, err := s.CreateBatch(ctx, "sess-1", "one more thing", SourceUser); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	sess, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != SessionActive {
		t.Errorf("Status = %q, want active (prompt must reactivate in the same transaction)", sess.Status)
	}
	if sess.EndedAt != nil {
		t.Error("EndedAt should be cleared on reactivation")
	}
}

func TestEnsureSession_RecreatesDeleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateSession(ctx, "sess-1", "claude-code", "/tmp/proj"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.DeleteSessionCascade(ctx, "sess-1"); err != nil {
		t.Fatalf("DeleteSessionCascade: %v", err)
	}

	sess, err := s.EnsureSession(ctx, "sess-1", "codex", "/tmp/proj")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if sess.Agent != "codex" {
		t.Errorf("recreated session should carry the incoming agent, got %q", sess.Agent)
	}
	if sess.PromptCount != 0 {
		t.Errorf("recreated session starts fresh, got PromptCount=%d", sess.PromptCount)
	}
}

func TestDeleteSessionCascade_RemovesChildren(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateSession(ctx, "sess-1", "claude-code", "/tmp/proj"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	batch, err := s.CreateBatch(ctx, "sess-1", "p", SourceUser)
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if err := s.AppendActivity(ctx, Activity{SessionID: "sess-1", PromptBatchID: batch.ID, ToolName: "Read", Success: true}); err != nil {
		t.Fatalf("AppendActivity: %v", err)
	}
	if err := s.FlushActivities(ctx); err != nil {
		t.Fatalf("FlushActivities: %v", err)
	}
	if _, err := s.AddObservation(ctx, Observation{SessionID: "sess-1", Type: ObsDiscovery, Text: "x"}); err != nil {
		t.Fatalf("AddObservation: %v", err)
	}

	if err := s.DeleteSessionCascade(ctx, "sess-1"); err != nil {
		t.Fatalf("DeleteSessionCascade: %v", err)
	}

	if _, err := s.GetBatch(ctx, batch.ID); err != ErrNotFound {
		t.Errorf("batch should cascade, got %v", err)
	}
	acts, err := s.ListActivities(ctx, batch.ID)
	if err != nil {
		t.Fatalf("ListActivities: %v", err)
	}
	if len(acts) != 0 {
		t.Errorf("activities should cascade, got %d", len(acts))
	}
	obs, err := s.ListObservations(ctx, ObservationFilters{})
	if err != nil {
		t.Fatalf("ListObservations: %v", err)
	}
	if len(obs) != 0 {
		t.Errorf("observations should be deleted with the session, got %d", len(obs))
	}
}

func TestListSessions_FilterAndSort(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateSession(ctx, "a", "claude-code", "/p"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := s.CreateSession(ctx, "b", "codex", "/p"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	agent := "codex"
	got, err := s.ListSessions(ctx, SessionFilters{Agent: &agent})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("agent filter failed: %+v", got)
	}

	all, err := s.ListSessions(ctx, SessionFilters{})
	if err != nil {
		t.Fatalf("ListSessions all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected both sessions, got %d", len(all))
	}
}

func TestListRecentSummaries_OnlySummarized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateSession(ctx, "a", "claude-code", "/p"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := s.CreateSession(ctx, "b", "claude-code", "/p"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.SetSessionSummary(ctx, "a", "Title A", "Did a thing."); err != nil {
		t.Fatalf("SetSessionSummary: %v", err)
	}

	got, err := s.ListRecentSummaries(ctx, "/p", 5)
	if err != nil {
		t.Fatalf("ListRecentSummaries: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("expected only the summarized session, got %+v", got)
	}
}
