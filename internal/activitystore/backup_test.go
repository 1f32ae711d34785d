// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package activitystore

import (
	"context"
	"strings"
	"testing"
)

func TestExportImport_RoundTrips(t *testing.T) {
	src := newTestStore(t)
	ctx := context.Background()

	if _, err := src.CreateSession(ctx, "sess-1", "claude-code", "/tmp/proj"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	batch, err := src.CreateBatch(ctx, "sess-1", "tricky prompt; with 'quotes'\nand newlines", SourceUser)
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if err := src.AppendActivity(ctx, Activity{
		SessionID:     "sess-1",
		PromptBatchID: batch.ID,
		ToolName:      "Edit",
		Success:       true,
		ToolUseID:     "tu-1",
	}); err != nil {
		t.Fatalf("AppendActivity: %v", err)
	}
	if _, err := src.AddObservation(ctx, Observation{
		SessionID: "sess-1",
		Type:      ObsDecision,
		Text:      "chose WAL mode; it's safer",
		Tags:      []string{"sqlite"},
	}); err != nil {
		t.Fatalf("AddObservation: %v", err)
	}

	dump, err := src.ExportSQL(ctx)
	if err != nil {
		t.Fatalf("ExportSQL: %v", err)
	}
	if !strings.Contains(dump, "INSERT OR REPLACE INTO sessions") {
		t.Error("dump is missing the sessions table")
	}

	dst := newTestStore(t)
	if err := dst.ImportSQL(ctx, dump); err != nil {
		t.Fatalf("ImportSQL: %v", err)
	}

	srcStats, _ := src.Stats(ctx)
	dstStats, err := dst.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if dstStats.SessionCount != srcStats.SessionCount ||
		dstStats.ActivityCount != srcStats.ActivityCount ||
		dstStats.ObservationCount != srcStats.ObservationCount {
		t.Errorf("counts diverged after round-trip: src=%+v dst=%+v", srcStats, dstStats)
	}

	got, err := dst.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetBatch after import: %v", err)
	}
	if got.UserPrompt != batch.UserPrompt {
		t.Errorf("prompt mangled by round-trip: %q != %q", got.UserPrompt, batch.UserPrompt)
	}

	// FTS mirror is rebuilt, not dumped -- across all three sources.
	ids, err := dst.SearchFTS(ctx, "WAL", 10)
	if err != nil {
		t.Fatalf("SearchFTS after import: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("expected rebuilt FTS to find the observation, got %d hits", len(ids))
	}
	prompts, err := dst.SearchText(ctx, "tricky", []string{"prompt"}, 10)
	if err != nil {
		t.Fatalf("SearchText after import: %v", err)
	}
	if len(prompts) != 1 || prompts[0].EntityID != batch.ID {
		t.Errorf("expected rebuilt mirror to find the prompt, got %v", prompts)
	}
}

func TestImportSQL_Idempotent(t *testing.T) {
	src := newTestStore(t)
	ctx := context.Background()
	if _, err := src.CreateSession(ctx, "sess-1", "claude-code", "/tmp/proj"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	dump, err := src.ExportSQL(ctx)
	if err != nil {
		t.Fatalf("ExportSQL: %v", err)
	}

	dst := newTestStore(t)
	for i := 0; i < 2; i++ {
		if err := dst.ImportSQL(ctx, dump); err != nil {
			t.Fatalf("ImportSQL[%d]: %v", i, err)
		}
	}
	stats, _ := dst.Stats(ctx)
	if stats.SessionCount != 1 {
		t.Errorf("re-import must not duplicate rows, got %d sessions", stats.SessionCount)
	}
}

func TestSplitSQL_QuoteAware(t *testing.T) {
	dump := "-- header\nINSERT INTO t (a) VALUES ('x; y\nz''q');\nINSERT INTO t (a) VALUES ('2');\n"
	stmts := splitSQL(dump)
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(stmts), stmts)
	}
	if !strings.Contains(stmts[0], "x; y\nz''q") {
		t.Errorf("semicolon/newline inside a literal was split: %q", stmts[0])
	}
}
