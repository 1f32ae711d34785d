// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oakdev/oak-ci/internal/activitystore"
	"github.com/oakdev/oak-ci/internal/config"
	"github.com/oakdev/oak-ci/internal/embeddings"
	"github.com/oakdev/oak-ci/internal/logger"
	"github.com/oakdev/oak-ci/internal/retrieval"
	"github.com/oakdev/oak-ci/internal/vectorstore"
)

// sessionView is the JSON shape of a session on the activity API.
type sessionView struct {
	ID          string     `json:"id"`
	Agent       string     `json:"agent"`
	ProjectRoot string     `json:"project_root"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Status      string     `json:"status"`
	PromptCount int        `json:"prompt_count"`
	ToolCount   int        `json:"tool_count"`
	Title       *string    `json:"title,omitempty"`
	Summary     *string    `json:"summary,omitempty"`
}

func toSessionView(s activitystore.Session) sessionView {
	return sessionView{
		ID:          s.ID,
		Agent:       s.Agent,
		ProjectRoot: s.ProjectRoot,
		StartedAt:   s.StartedAt,
		EndedAt:     s.EndedAt,
		Status:      string(s.Status),
		PromptCount: s.PromptCount,
		ToolCount:   s.ToolCount,
		Title:       s.Title,
		Summary:     s.Summary,
	}
}

type planView struct {
	BatchID      string    `json:"batch_id"`
	SessionID    string    `json:"session_id"`
	PromptNumber int       `json:"prompt_number"`
	StartedAt    time.Time `json:"started_at"`
	PlanFilePath *string   `json:"plan_file_path,omitempty"`
	PlanContent  *string   `json:"plan_content,omitempty"`
	PlanEmbedded bool      `json:"plan_embedded"`
}

type observationView struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Type       string    `json:"type"`
	Text       string    `json:"observation"`
	Context    *string   `json:"context,omitempty"`
	Tags       []string  `json:"tags"`
	Importance string    `json:"importance"`
	FilePath   *string   `json:"file_path,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Archived   bool      `json:"archived"`
}

func toObservationView(o activitystore.Observation) observationView {
	return observationView{
		ID:         o.ID,
		SessionID:  o.SessionID,
		Type:       string(o.Type),
		Text:       o.Text,
		Context:    o.Context,
		Tags:       o.Tags,
		Importance: string(o.Importance),
		FilePath:   o.FilePath,
		CreatedAt:  o.CreatedAt,
		Archived:   o.Archived,
	}
}

// handleSessions serves GET /api/activity/sessions.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	q := r.URL.Query()
	filters := activitystore.SessionFilters{
		Limit:  atoiDefault(q.Get("limit"), 50),
		Offset: atoiDefault(q.Get("offset"), 0),
		Sort:   q.Get("sort"),
	}
	if agent := q.Get("agent"); agent != "" {
		filters.Agent = &agent
	}

	sessions, err := s.store.ListSessions(r.Context(), filters)
	if err != nil {
		logger.Errorf("api: list sessions: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to list sessions")
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, toSessionView(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views, "count": len(views)})
}

// handleSessionByID serves GET/DELETE /api/activity/sessions/{id}.
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/activity/sessions/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not_found", "unknown session path")
		return
	}

	switch r.Method {
	case http.MethodGet:
		sess, err := s.store.GetSession(r.Context(), id)
		if errors.Is(err, activitystore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no such session")
			return
		}
		if err != nil {
			logger.Errorf("api: get session %s: %v", id, err)
			writeError(w, http.StatusInternalServerError, "internal", "failed to load session")
			return
		}
		batches, err := s.store.ListBatchesForSession(r.Context(), id)
		if err != nil {
			logger.Errorf("api: list batches for %s: %v", id, err)
			writeError(w, http.StatusInternalServerError, "internal", "failed to load batches")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session": toSessionView(*sess),
			"batches": batchViews(batches),
		})

	case http.MethodDelete:
		// Relational rows cascade; the session's plan and memory points
		// in the vector store go with them.
		if err := s.store.DeleteSessionCascade(r.Context(), id); err != nil {
			if errors.Is(err, activitystore.ErrNotFound) {
				writeError(w, http.StatusNotFound, "not_found", "no such session")
				return
			}
			logger.Errorf("api: delete session %s: %v", id, err)
			writeError(w, http.StatusInternalServerError, "internal", "failed to delete session")
			return
		}
		if s.vectors != nil {
			if err := s.vectors.Delete(r.Context(), vectorstore.CollectionPlan, vectorstore.Filter{"session_id": id}); err != nil {
				logger.Warnf("api: delete plan points for %s: %v", id, err)
			}
			if err := s.vectors.Delete(r.Context(), vectorstore.CollectionMemory, vectorstore.Filter{"session_id": id}); err != nil {
				logger.Warnf("api: delete memory points for %s: %v", id, err)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": id})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET or DELETE required")
	}
}

type batchView struct {
	ID             string  `json:"id"`
	PromptNumber   int     `json:"prompt_number"`
	UserPrompt     string  `json:"user_prompt"`
	Status         string  `json:"status"`
	ActivityCount  int     `json:"activity_count"`
	Classification *string `json:"classification,omitempty"`
	SourceType     string  `json:"source_type"`
}

func batchViews(batches []activitystore.PromptBatch) []batchView {
	out := make([]batchView, 0, len(batches))
	for _, b := range batches {
		v := batchView{
			ID:            b.ID,
			PromptNumber:  b.PromptNumber,
			UserPrompt:    b.UserPrompt,
			Status:        string(b.Status),
			ActivityCount: b.ActivityCount,
			SourceType:    string(b.SourceType),
		}
		if b.Classification != nil {
			c := string(*b.Classification)
			v.Classification = &c
		}
		out = append(out, v)
	}
	return out
}

// handlePlans serves GET /api/activity/plans straight from the relational
// store.
func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	q := r.URL.Query()
	var sessionID *string
	if v := q.Get("session_id"); v != "" {
		sessionID = &v
	}
	batches, err := s.store.ListPlanBatches(r.Context(), sessionID, atoiDefault(q.Get("limit"), 50), atoiDefault(q.Get("offset"), 0))
	if err != nil {
		logger.Errorf("api: list plans: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to list plans")
		return
	}

	views := make([]planView, 0, len(batches))
	for _, b := range batches {
		views = append(views, planView{
			BatchID:      b.ID,
			SessionID:    b.SessionID,
			PromptNumber: b.PromptNumber,
			StartedAt:    b.StartedAt,
			PlanFilePath: b.PlanFilePath,
			PlanContent:  b.PlanContent,
			PlanEmbedded: b.PlanEmbedded,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": views, "count": len(views)})
}

// handleSearch serves GET /api/search (unified retrieval).
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "q is required")
		return
	}
	searchType := retrieval.SearchType(q.Get("search_type"))
	if searchType == "" {
		searchType = retrieval.SearchAll
	}

	// search_type=text is the lexical path: the activity store's
	// full-text mirror over prompts, observations, and tool output
	// summaries, no embedding involved.
	if searchType == "text" {
		matches, err := s.store.SearchText(r.Context(), query, nil, atoiDefault(q.Get("limit"), 10))
		if err != nil {
			logger.Errorf("api: text search: %v", err)
			writeError(w, http.StatusInternalServerError, "internal", "search failed")
			return
		}
		type textHit struct {
			Kind     string `json:"kind"`
			EntityID string `json:"entity_id"`
			Body     string `json:"body"`
		}
		hits := make([]textHit, 0, len(matches))
		for _, m := range matches {
			hits = append(hits, textHit{Kind: m.Kind, EntityID: m.EntityID, Body: m.Body})
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": hits, "count": len(hits)})
		return
	}

	res, err := s.engine.Query(r.Context(), query, searchType, retrieval.Options{Limit: atoiDefault(q.Get("limit"), 10)})
	if err != nil {
		logger.Errorf("api: search: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "search failed")
		return
	}

	type hit struct {
		Collection string            `json:"collection"`
		ID         string            `json:"id"`
		Score      float64           `json:"score"`
		Confidence string            `json:"confidence"`
		Content    string            `json:"content"`
		Metadata   map[string]string `json:"metadata"`
	}
	hits := make([]hit, 0, len(res.Items))
	for _, it := range res.Items {
		hits = append(hits, hit{
			Collection: string(it.Collection),
			ID:         it.ID,
			Score:      it.Score,
			Confidence: string(it.Tier),
			Content:    it.Content,
			Metadata:   it.Metadata,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits, "count": len(hits)})
}

// handleMemories serves GET /api/search/memories (relational filters, not
// similarity).
func (s *Server) handleMemories(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	q := r.URL.Query()
	filters := activitystore.ObservationFilters{
		Limit:  atoiDefault(q.Get("limit"), 100),
		Offset: atoiDefault(q.Get("offset"), 0),
	}
	if v := q.Get("type"); v != "" {
		ot := activitystore.ObservationType(v)
		filters.Type = &ot
	}
	if v := q.Get("tag"); v != "" {
		filters.Tag = &v
	}
	if v := q.Get("archived"); v != "" {
		archived := v == "true" || v == "1"
		filters.Archived = &archived
	}
	if v := q.Get("start_date"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			filters.StartDate = &t
		}
	}
	if v := q.Get("end_date"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			filters.EndDate = &t
		}
	}

	obs, err := s.store.ListObservations(r.Context(), filters)
	if err != nil {
		logger.Errorf("api: list memories: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to list memories")
		return
	}
	views := make([]observationView, 0, len(obs))
	for _, o := range obs {
		views = append(views, toObservationView(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": views, "count": len(views)})
}

// handleMemoriesBulk serves POST /api/search/memories/bulk:
// {action: archive|delete, ids: [...]}. Any other action, unarchive
// included, is rejected with 400.
func (s *Server) handleMemoriesBulk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	var req struct {
		Action string   `json:"action"`
		IDs    []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	var applied int
	for _, id := range req.IDs {
		var err error
		switch req.Action {
		case "archive":
			err = s.store.ArchiveObservation(r.Context(), id)
		case "delete":
			err = s.deleteObservation(r.Context(), id)
		default:
			writeError(w, http.StatusBadRequest, "bad_request", "unknown action "+req.Action)
			return
		}
		if err != nil && !errors.Is(err, activitystore.ErrNotFound) {
			logger.Warnf("api: bulk %s %s: %v", req.Action, id, err)
			continue
		}
		if err == nil {
			applied++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied})
}

// deleteObservation removes an observation everywhere: relational row,
// memory point, and -- for plan observations -- the owning batch's
// plan_embedded flag so the invariant "flag iff point exists" holds.
func (s *Server) deleteObservation(ctx context.Context, id string) error {
	obs, err := s.store.ListObservations(ctx, activitystore.ObservationFilters{Limit: 1000})
	if err != nil {
		return err
	}
	var target *activitystore.Observation
	for i := range obs {
		if obs[i].ID == id {
			target = &obs[i]
			break
		}
	}

	if err := s.store.DeleteObservation(ctx, id); err != nil {
		return err
	}
	if s.vectors != nil {
		if err := s.vectors.Delete(ctx, vectorstore.CollectionMemory, vectorstore.Filter{"observation_id": id}); err != nil {
			logger.Warnf("api: delete memory point %s: %v", id, err)
		}
		if target != nil && target.Type == activitystore.ObsPlan && target.PromptBatchID != "" {
			if err := s.vectors.Delete(ctx, vectorstore.CollectionPlan, vectorstore.Filter{"batch_id": target.PromptBatchID}); err != nil {
				logger.Warnf("api: delete plan point for batch %s: %v", target.PromptBatchID, err)
			}
			if err := s.store.MarkPlanUnembedded(ctx, target.PromptBatchID); err != nil {
				logger.Warnf("api: clear plan_embedded for batch %s: %v", target.PromptBatchID, err)
			}
		}
	}
	return nil
}

// handleBackupExport serves POST /api/backup/export.
func (s *Server) handleBackupExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	dump, err := s.store.ExportSQL(r.Context())
	if err != nil {
		logger.Errorf("api: export: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "export failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sql": dump})
}

// handleBackupImport serves POST /api/backup/import with {sql: "..."}.
func (s *Server) handleBackupImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	var req struct {
		SQL string `json:"sql"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SQL == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "sql body field is required")
		return
	}
	if err := s.store.ImportSQL(r.Context(), req.SQL); err != nil {
		logger.Errorf("api: import: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "import failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"imported": true})
}

// handleConfig serves GET and PUT /api/config. PUT writes the file and
// requests a daemon restart instead of mutating live state.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, configView(s.cfg))

	case http.MethodPut:
		updated := *s.cfg
		if err := json.NewDecoder(r.Body).Decode(&updated); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid config body")
			return
		}
		updated.ProjectRoot = s.cfg.ProjectRoot
		if err := config.Save(&updated); err != nil {
			logger.Errorf("api: save config: %v", err)
			writeError(w, http.StatusInternalServerError, "internal", "failed to write config")
			return
		}
		select {
		case s.restartCh <- struct{}{}:
		default:
		}
		writeJSON(w, http.StatusOK, map[string]any{"saved": true, "restart_required": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET or PUT required")
	}
}

func configView(cfg *config.Config) map[string]any {
	return map[string]any{
		"daemon":        cfg.Daemon,
		"indexing":      cfg.Indexing,
		"embedding":     redactProvider(cfg.Embedding),
		"summarization": redactProvider(cfg.Summarization),
		"session":       cfg.Session,
		"retrieval":     cfg.Retrieval,
		"relay":         map[string]any{"enabled": cfg.Relay.Enabled, "address": cfg.Relay.Address},
		"qdrant":        cfg.Qdrant,
	}
}

func redactProvider(p config.ProviderConfig) map[string]any {
	return map[string]any{
		"provider":       p.Provider,
		"base_url":       p.BaseURL,
		"model":          p.Model,
		"dimensions":     p.Dimensions,
		"context_tokens": p.ContextTokens,
		"api_key_set":    p.APIKey != "",
	}
}

// handleConfigTestDetect serves POST /api/config/test-detect: construct an
// embedder from the posted provider config, embed a probe string, and
// report the discovered dimension.
func (s *Server) handleConfigTestDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	var req config.ProviderConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid provider body")
		return
	}

	embedder, err := embeddings.NewEmbedder(embeddings.Config{
		Provider:      req.Provider,
		BaseURL:       req.BaseURL,
		Model:         req.Model,
		APIKey:        req.APIKey,
		Dimensions:    req.Dimensions,
		ContextTokens: req.ContextTokens,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	vec, err := embedder.EmbedText(ctx, "probe")
	if err != nil {
		writeError(w, http.StatusBadGateway, "provider_unreachable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider":   req.Provider,
		"dimensions": len(vec),
		"reachable":  true,
	})
}

// handleResetCollections serves POST /api/config/reset-collections: the
// recovery path for a DimensionMismatch after an embedding model switch.
// Each named collection (all three by default) is dropped and recreated
// at the active embedder's dimension, and the matching re-embedding state
// is cleared so the next full index / background pass repopulates it. A
// restart is requested so the rebuild starts from a clean process.
func (s *Server) handleResetCollections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required")
		return
	}
	var req struct {
		Collections []string `json:"collections"`
	}
	if r.Body != nil {
		// An empty body means "all collections".
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if len(req.Collections) == 0 {
		req.Collections = []string{
			string(vectorstore.CollectionCode),
			string(vectorstore.CollectionMemory),
			string(vectorstore.CollectionPlan),
		}
	}

	dim := s.embedder.Dimension()
	var reset []string
	for _, name := range req.Collections {
		coll := vectorstore.Collection(name)
		switch coll {
		case vectorstore.CollectionCode, vectorstore.CollectionMemory, vectorstore.CollectionPlan:
		default:
			writeError(w, http.StatusBadRequest, "bad_request", "unknown collection "+name)
			return
		}

		if err := s.vectors.Reset(r.Context(), coll, dim); err != nil {
			logger.Errorf("api: reset collection %s: %v", coll, err)
			writeError(w, http.StatusInternalServerError, "internal", "failed to reset "+name)
			return
		}

		var stateErr error
		switch coll {
		case vectorstore.CollectionCode:
			stateErr = s.store.ClearIndexedFiles(r.Context())
		case vectorstore.CollectionMemory:
			stateErr = s.store.MarkAllUnembedded(r.Context())
		case vectorstore.CollectionPlan:
			stateErr = s.store.MarkAllPlansUnembedded(r.Context())
		}
		if stateErr != nil {
			logger.Errorf("api: clear re-embedding state for %s: %v", coll, stateErr)
			writeError(w, http.StatusInternalServerError, "internal", "failed to reset "+name)
			return
		}
		reset = append(reset, name)
		logger.Printf("api: reset collection %s at dimension %d", coll, dim)
	}

	select {
	case s.restartCh <- struct{}{}:
	default:
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reset":            reset,
		"dimensions":       dim,
		"restart_required": true,
	})
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
