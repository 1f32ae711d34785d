// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/oakdev/oak-ci/internal/activitystore"
	"github.com/oakdev/oak-ci/internal/config"
	"github.com/oakdev/oak-ci/internal/embeddings"
	"github.com/oakdev/oak-ci/internal/retrieval"
	"github.com/oakdev/oak-ci/internal/vectorstore"
)

func newTestServer(t *testing.T) (*Server, *activitystore.Store, *vectorstore.MockStore) {
	t.Helper()
	store, err := activitystore.Open(filepath.Join(t.TempDir(), "activities.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	vectors := vectorstore.NewMockStore()
	embedder := embeddings.NewMockEmbedder(32)
	engine := retrieval.New(vectors, embedder, 0.75, 0.5, 8)

	cfg := &config.Config{
		ProjectRoot: t.TempDir(),
		Retrieval:   config.RetrievalConfig{HighConfidenceThreshold: 0.75, MediumConfidenceThreshold: 0.5, TopK: 8},
	}
	srv := NewServer(cfg, store, engine, vectors, embedder, "test", nil)
	srv.SetStatus(StatusReady)
	return srv, store, vectors
}

func postHook(t *testing.T, h http.Handler, path string, body map[string]any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("%s returned %d: %s", path, rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestSessionStartAndFirstPrompt(t *testing.T) {
	srv, store, vectors := newTestServer(t)
	h := srv.Routes(nil)
	ctx := context.Background()

	// Seed one code chunk whose content matches the prompt exactly, so the
	// mock embedder scores it at full similarity.
	embedder := embeddings.NewMockEmbedder(32)
	vec, _ := embedder.EmbedText(ctx, "add dark mode")
	if err := vectors.Add(ctx, vectorstore.CollectionCode, []vectorstore.Item{{
		ID:     "c1",
		Vector: vec,
		Metadata: map[string]string{
			"filepath": "theme.go", "start_line": "1", "end_line": "10",
		},
		Content: "add dark mode",
	}}, true); err != nil {
		t.Fatalf("seed vector: %v", err)
	}

	resp := postHook(t, h, "/api/oak/ci/session-start", map[string]any{
		"agent": "claude", "session_id": "s1",
	})
	if _, hasCtx := resp["additional_context"]; hasCtx {
		t.Error("fresh project has no summaries, expected {}")
	}

	resp = postHook(t, h, "/api/oak/ci/prompt-submit", map[string]any{
		"session_id": "s1", "agent": "claude", "prompt": "add dark mode",
	})
	if _, ok := resp["additional_context"]; !ok {
		t.Error("expected injected context for a high-confidence code match")
	}

	sess, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != activitystore.SessionActive || sess.PromptCount != 1 {
		t.Errorf("session = %+v, want active with prompt_count=1", sess)
	}
	batches, _ := store.ListBatchesForSession(ctx, "s1")
	if len(batches) != 1 || batches[0].PromptNumber != 1 {
		t.Errorf("expected one batch numbered 1, got %+v", batches)
	}
}

func TestToolFailureRecorded(t *testing.T) {
	srv, store, _ := newTestServer(t)
	h := srv.Routes(nil)
	ctx := context.Background()

	postHook(t, h, "/api/oak/ci/prompt-submit", map[string]any{
		"session_id": "s1", "agent": "claude", "prompt": "read stuff",
	})
	postHook(t, h, "/api/oak/ci/post-tool-use-failure", map[string]any{
		"session_id": "s1", "tool_name": "Read",
		"tool_input":    map[string]string{"file_path": "/x"},
		"error_message": "ENOENT",
	})

	if err := store.FlushActivities(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	sess, _ := store.GetSession(ctx, "s1")
	acts, err := store.ListActivities(ctx, *sess.CurrentPromptBatchID)
	if err != nil {
		t.Fatalf("ListActivities: %v", err)
	}
	if len(acts) != 1 {
		t.Fatalf("expected 1 activity, got %d", len(acts))
	}
	a := acts[0]
	if a.Success || a.ErrorMessage == nil || *a.ErrorMessage != "ENOENT" {
		t.Errorf("activity = %+v, want success=false error=ENOENT", a)
	}
	if a.FilePath == nil || *a.FilePath != "/x" {
		t.Errorf("file_path not extracted from tool_input: %+v", a)
	}
}

func TestToolHookWithoutBatchOpensSynthetic(t *testing.T) {
	srv, store, _ := newTestServer(t)
	h := srv.Routes(nil)
	ctx := context.Background()

	postHook(t, h, "/api/oak/ci/post-tool-use", map[string]any{
		"session_id": "s1", "agent": "claude", "tool_name": "Bash",
		"tool_input": map[string]string{"command": "ls"},
	})

	if err := store.FlushActivities(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	batches, _ := store.ListBatchesForSession(ctx, "s1")
	if len(batches) != 1 {
		t.Fatalf("expected a synthetic batch, got %d", len(batches))
	}
	if batches[0].SourceType != activitystore.SourceAgentNotification {
		t.Errorf("synthetic batch source = %q, want agent_notification", batches[0].SourceType)
	}
}

func TestDeletedSessionRecreatedOnPrompt(t *testing.T) {
	srv, store, _ := newTestServer(t)
	h := srv.Routes(nil)
	ctx := context.Background()

	postHook(t, h, "/api/oak/ci/session-start", map[string]any{"agent": "claude", "session_id": "s2"})
	if err := store.DeleteSessionCascade(ctx, "s2"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	postHook(t, h, "/api/oak/ci/prompt-submit", map[string]any{
		"session_id": "s2", "agent": "claude", "prompt": "hello again",
	})

	sess, err := store.GetSession(ctx, "s2")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.PromptCount != 1 {
		t.Errorf("recreated session prompt_count = %d, want 1", sess.PromptCount)
	}
}

func TestSubagentStopStoresTranscriptPath(t *testing.T) {
	srv, store, _ := newTestServer(t)
	h := srv.Routes(nil)
	ctx := context.Background()

	postHook(t, h, "/api/oak/ci/subagent-stop", map[string]any{
		"session_id": "s1", "agent": "claude",
		"agent_type": "explorer", "agent_id": "sub-1",
		"agent_transcript_path": "/tmp/transcript.json",
	})

	if err := store.FlushActivities(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	sess, _ := store.GetSession(ctx, "s1")
	acts, _ := store.ListActivities(ctx, *sess.CurrentPromptBatchID)
	if len(acts) != 1 || acts[0].ToolName != "subagent_stop" {
		t.Fatalf("expected one subagent_stop activity, got %+v", acts)
	}
	var input map[string]string
	if err := json.Unmarshal(acts[0].ToolInput, &input); err != nil {
		t.Fatalf("unmarshal input: %v", err)
	}
	if input["agent_transcript_path"] != "/tmp/transcript.json" {
		t.Errorf("transcript path not stored: %v", input)
	}
}

func TestHookNeverFailsTheAgent(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Routes(nil)

	// Malformed body: still 200 with {}.
	req := httptest.NewRequest(http.MethodPost, "/api/oak/ci/prompt-submit", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("hook returned %d for malformed body, want 200", rec.Code)
	}
	if got := bytes.TrimSpace(rec.Body.Bytes()); string(got) != "{}" {
		t.Errorf("hook body = %s, want {}", got)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Routes(nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if resp.Status != string(StatusReady) || resp.Version != "test" {
		t.Errorf("health = %+v", resp)
	}
}

func TestResetCollections(t *testing.T) {
	srv, store, vectors := newTestServer(t)
	h := srv.Routes(nil)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, "s1", "claude", srv.cfg.ProjectRoot); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	obs, err := store.AddObservation(ctx, activitystore.Observation{
		SessionID: "s1",
		Type:      activitystore.ObsDiscovery,
		Text:      "old-model memory",
	})
	if err != nil {
		t.Fatalf("AddObservation: %v", err)
	}
	if err := store.MarkEmbedded(ctx, obs.ID); err != nil {
		t.Fatalf("MarkEmbedded: %v", err)
	}
	if err := store.UpsertIndexedFile(ctx, activitystore.IndexedFile{
		Filepath: "a.go", ContentHash: "h", ChunkCount: 1,
	}); err != nil {
		t.Fatalf("UpsertIndexedFile: %v", err)
	}
	embedder := embeddings.NewMockEmbedder(32)
	vec, _ := embedder.EmbedText(ctx, "old-model memory")
	if err := vectors.Add(ctx, vectorstore.CollectionMemory, []vectorstore.Item{{ID: obs.ID, Vector: vec}}, true); err != nil {
		t.Fatalf("seed vector: %v", err)
	}

	resp := postHook(t, h, "/api/config/reset-collections", map[string]any{})
	if resp["restart_required"] != true {
		t.Errorf("expected restart_required, got %v", resp)
	}
	select {
	case <-srv.RestartRequested():
	default:
		t.Error("reset should request a daemon restart")
	}

	stats, _ := vectors.Stats(ctx, vectorstore.CollectionMemory)
	if stats.Count != 0 {
		t.Errorf("memory collection should be empty after reset, got %d points", stats.Count)
	}
	unembedded, _ := store.GetUnembedded(ctx, 10)
	if len(unembedded) != 1 {
		t.Errorf("observation should be queued for re-embedding, got %d", len(unembedded))
	}
	if _, err := store.GetIndexedFile(ctx, "a.go"); err != activitystore.ErrNotFound {
		t.Errorf("indexed files should be cleared, got %v", err)
	}
}

func TestResetCollections_RejectsUnknown(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Routes(nil)

	body, _ := json.Marshal(map[string]any{"collections": []string{"bogus"}})
	req := httptest.NewRequest(http.MethodPost, "/api/config/reset-collections", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown collection returned %d, want 400", rec.Code)
	}
}

func TestSessionsAPI(t *testing.T) {
	srv, store, _ := newTestServer(t)
	h := srv.Routes(nil)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, "s1", "claude", srv.cfg.ProjectRoot); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/activity/sessions?limit=10", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var list struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Count != 1 {
		t.Errorf("expected 1 session, got %d", list.Count)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/activity/sessions/s1", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete returned %d", rec.Code)
	}
	if _, err := store.GetSession(ctx, "s1"); err != activitystore.ErrNotFound {
		t.Errorf("session should be gone, got %v", err)
	}
}
