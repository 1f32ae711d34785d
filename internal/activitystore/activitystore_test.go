// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package activitystore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "activity.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "activity.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected db file to exist: %v", err)
	}

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != SchemaVersion {
		t.Errorf("user_version = %d, want %d", version, SchemaVersion)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "sess-1", "claude-code", "/tmp/proj")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if sess.Status != SessionActive {
		t.Errorf("Status = %q, want %q", sess.Status, SessionActive)
	}

	got, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Agent != "claude-code" {
		t.Errorf("Agent = %q, want claude-code", got.Agent)
	}

	if err := s.EndSession(ctx, "sess-1"); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	got, err = s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession after end failed: %v", err)
	}
	if got.Status != SessionCompleted {
		t.Errorf("Status after end = %q, want %q", got.Status, SessionCompleted)
	}
	if got.EndedAt == nil {
		t.Error("EndedAt is nil after EndSession")
	}
}

func TestGetSession_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "missing")
	if err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestBatchAndActivityFlow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateSession(ctx, "sess-1", "claude-code", "/tmp/proj"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	batch, err := s.CreateBatch(ctx, "sess-1", "fix the bug", SourceUser)
	if err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}
	if batch.PromptNumber != 1 {
		t.Errorf("first batch PromptNumber = %d, want 1", batch.PromptNumber)
	}

	if err := s.AppendActivity(ctx, Activity{
		SessionID:     "sess-1",
		PromptBatchID: batch.ID,
		ToolName:      "Edit",
		Success:       true,
		ToolUseID:     "tu-1",
	}); err != nil {
		t.Fatalf("AppendActivity failed: %v", err)
	}
	if err := s.FlushActivities(ctx); err != nil {
		t.Fatalf("FlushActivities failed: %v", err)
	}

	activities, err := s.ListActivities(ctx, batch.ID)
	if err != nil {
		t.Fatalf("ListActivities failed: %v", err)
	}
	if len(activities) != 1 {
		t.Fatalf("len(activities) = %d, want 1", len(activities))
	}
	if activities[0].ToolName != "Edit" {
		t.Errorf("ToolName = %q, want Edit", activities[0].ToolName)
	}

	gotBatch, err := s.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}
	if gotBatch.ActivityCount != 1 {
		t.Errorf("ActivityCount = %d, want 1", gotBatch.ActivityCount)
	}

	if err := s.EndBatch(ctx, batch.ID, ClassImplementation); err != nil {
		t.Fatalf("EndBatch failed: %v", err)
	}
	gotBatch, err = s.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetBatch after end failed: %v", err)
	}
	if gotBatch.Classification == nil || *gotBatch.Classification != ClassImplementation {
		t.Errorf("Classification = %v, want %q", gotBatch.Classification, ClassImplementation)
	}
}

func TestAppendActivity_DedupesOnToolUseID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateSession(ctx, "sess-1", "claude-code", "/tmp/proj"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	batch, err := s.CreateBatch(ctx, "sess-1", "prompt", SourceUser)
	if err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := s.AppendActivity(ctx, Activity{
			SessionID:     "sess-1",
			PromptBatchID: batch.ID,
			ToolName:      "Read",
			Success:       true,
			ToolUseID:     "dup-1",
		}); err != nil {
			t.Fatalf("AppendActivity[%d] failed: %v", i, err)
		}
	}
	if err := s.FlushActivities(ctx); err != nil {
		t.Fatalf("FlushActivities failed: %v", err)
	}

	activities, err := s.ListActivities(ctx, batch.ID)
	if err != nil {
		t.Fatalf("ListActivities failed: %v", err)
	}
	if len(activities) != 1 {
		t.Fatalf("len(activities) = %d, want 1 (duplicate tool_use_id should be ignored)", len(activities))
	}
}

func TestObservationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateSession(ctx, "sess-1", "claude-code", "/tmp/proj"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	obs, err := s.AddObservation(ctx, Observation{
		SessionID: "sess-1",
		Type:      ObsGotcha,
		Text:      "the cache must be invalidated before reading stats",
		Tags:      []string{"cache", "stats"},
	})
	if err != nil {
		t.Fatalf("AddObservation failed: %v", err)
	}
	if obs.Importance != ImportanceMedium {
		t.Errorf("default Importance = %q, want medium", obs.Importance)
	}

	unembedded, err := s.GetUnembedded(ctx, 10)
	if err != nil {
		t.Fatalf("GetUnembedded failed: %v", err)
	}
	if len(unembedded) != 1 {
		t.Fatalf("len(unembedded) = %d, want 1", len(unembedded))
	}

	if err := s.MarkEmbedded(ctx, obs.ID); err != nil {
		t.Fatalf("MarkEmbedded failed: %v", err)
	}
	unembedded, err = s.GetUnembedded(ctx, 10)
	if err != nil {
		t.Fatalf("GetUnembedded after mark failed: %v", err)
	}
	if len(unembedded) != 0 {
		t.Fatalf("len(unembedded) after mark = %d, want 0", len(unembedded))
	}

	ids, err := s.SearchFTS(ctx, "cache", 10)
	if err != nil {
		t.Fatalf("SearchFTS failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != obs.ID {
		t.Fatalf("SearchFTS = %v, want [%s]", ids, obs.ID)
	}

	if err := s.ArchiveObservation(ctx, obs.ID); err != nil {
		t.Fatalf("ArchiveObservation failed: %v", err)
	}
	list, err := s.ListObservations(ctx, ObservationFilters{})
	if err != nil {
		t.Fatalf("ListObservations failed: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("len(list) after archive = %d, want 0 (default excludes archived)", len(list))
	}
}

func TestIndexedFileRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f := IndexedFile{
		Filepath:    "main.go",
		ContentHash: "abc123",
		Mtime:       time.Now().UTC().Truncate(time.Second),
		ChunkCount:  3,
	}
	if err := s.UpsertIndexedFile(ctx, f); err != nil {
		t.Fatalf("UpsertIndexedFile failed: %v", err)
	}

	got, err := s.GetIndexedFile(ctx, "main.go")
	if err != nil {
		t.Fatalf("GetIndexedFile failed: %v", err)
	}
	if got.ContentHash != "abc123" || got.ChunkCount != 3 {
		t.Errorf("got %+v, want hash abc123, chunks 3", got)
	}

	f.ContentHash = "def456"
	f.ChunkCount = 5
	if err := s.UpsertIndexedFile(ctx, f); err != nil {
		t.Fatalf("UpsertIndexedFile (update) failed: %v", err)
	}
	got, err = s.GetIndexedFile(ctx, "main.go")
	if err != nil {
		t.Fatalf("GetIndexedFile after update failed: %v", err)
	}
	if got.ContentHash != "def456" || got.ChunkCount != 5 {
		t.Errorf("after update got %+v, want hash def456, chunks 5", got)
	}

	if err := s.DeleteIndexedFile(ctx, "main.go"); err != nil {
		t.Fatalf("DeleteIndexedFile failed: %v", err)
	}
	if _, err := s.GetIndexedFile(ctx, "main.go"); err != ErrNotFound {
		t.Fatalf("err after delete = %v, want ErrNotFound", err)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateSession(ctx, "sess-1", "claude-code", "/tmp/proj"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.SessionCount != 1 || stats.ActiveSessionCount != 1 {
		t.Errorf("stats = %+v, want SessionCount=1 ActiveSessionCount=1", stats)
	}

	if err := s.EndSession(ctx, "sess-1"); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	stats, err = s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats after end failed: %v", err)
	}
	if stats.ActiveSessionCount != 0 {
		t.Errorf("ActiveSessionCount after end = %d, want 0 (cache should invalidate on write)", stats.ActiveSessionCount)
	}
}

func TestGetStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateSession(ctx, "sess-1", "claude-code", "/tmp/proj"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// Backdate the session directly since CreateSession always stamps "now".
	old := time.Now().UTC().Add(-3 * time.Hour)
	if _, err := s.db.Exec(`UPDATE sessions SET started_at = ? WHERE id = ?`, old, "sess-1"); err != nil {
		t.Fatalf("backdate session failed: %v", err)
	}

	stale, err := s.GetStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("GetStale failed: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "sess-1" {
		t.Fatalf("GetStale = %v, want [sess-1]", stale)
	}
}
