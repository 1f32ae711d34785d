// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch

// Package hooks is the daemon's HTTP surface: the agent lifecycle hook
// endpoints (session start/end, prompt submit, tool use, subagent events)
// plus the activity, search, backup, and config APIs. Hook endpoints are
// best-effort by contract: an internal failure returns {} so the agent is
// never blocked on its own telemetry.
package hooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/oakdev/oak-ci/internal/activitystore"
	"github.com/oakdev/oak-ci/internal/config"
	"github.com/oakdev/oak-ci/internal/embeddings"
	"github.com/oakdev/oak-ci/internal/events"
	"github.com/oakdev/oak-ci/internal/logger"
	"github.com/oakdev/oak-ci/internal/retrieval"
	"github.com/oakdev/oak-ci/internal/vectorstore"
)

// DaemonStatus is the process-wide coarse state reported by /api/health.
type DaemonStatus string

const (
	StatusStarting DaemonStatus = "starting"
	StatusReady    DaemonStatus = "ready"
	StatusIndexing DaemonStatus = "indexing"
	StatusError    DaemonStatus = "error"
)

// hookTimeout bounds how long a hook handler may block on downstream
// work before giving the agent an empty context instead.
const hookTimeout = 5 * time.Second

// Server carries the handler dependencies.
type Server struct {
	cfg       *config.Config
	store     *activitystore.Store
	engine    *retrieval.Engine
	vectors   vectorstore.VectorStore
	embedder  embeddings.Embedder
	injection *InjectionBuilder
	version   string
	startedAt time.Time

	// indexingStatus is polled for /api/health's indexing_status field.
	indexingStatus func() string

	status atomic.Value // DaemonStatus

	// restartCh receives one signal when PUT /api/config wants the
	// process relaunched with the new file.
	restartCh chan struct{}

	// bus, when attached, feeds GET /api/events with live indexing
	// progress.
	bus *events.Broadcaster
}

// NewServer wires a Server. indexingStatus may be nil.
func NewServer(cfg *config.Config, store *activitystore.Store, engine *retrieval.Engine, vectors vectorstore.VectorStore, embedder embeddings.Embedder, version string, indexingStatus func() string) *Server {
	s := &Server{
		cfg:            cfg,
		store:          store,
		engine:         engine,
		vectors:        vectors,
		embedder:       embedder,
		injection:      NewInjectionBuilder(engine, store, cfg.Retrieval.TopK),
		version:        version,
		startedAt:      time.Now().UTC(),
		indexingStatus: indexingStatus,
		restartCh:      make(chan struct{}, 1),
	}
	s.status.Store(StatusStarting)
	return s
}

// AttachEventBus enables the /api/events progress stream.
func (s *Server) AttachEventBus(bus *events.Broadcaster) {
	s.bus = bus
}

// SetStatus updates the daemon's coarse state.
func (s *Server) SetStatus(st DaemonStatus) {
	s.status.Store(st)
}

// Status returns the daemon's coarse state.
func (s *Server) Status() DaemonStatus {
	return s.status.Load().(DaemonStatus)
}

// RestartRequested fires once when a config write wants the daemon
// relaunched.
func (s *Server) RestartRequested() <-chan struct{} {
	return s.restartCh
}

// Routes builds the daemon's mux. extra maps additional path prefixes
// (e.g. "/mcp") to handlers owned elsewhere.
func (s *Server) Routes(extra map[string]http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/events", s.handleEvents)

	mux.HandleFunc("/api/oak/ci/session-start", s.hook(s.handleSessionStart))
	mux.HandleFunc("/api/oak/ci/session-end", s.hook(s.handleSessionEnd))
	mux.HandleFunc("/api/oak/ci/prompt-submit", s.hook(s.handlePromptSubmit))
	mux.HandleFunc("/api/oak/ci/post-tool-use", s.hook(s.handlePostToolUse(true)))
	mux.HandleFunc("/api/oak/ci/post-tool-use-failure", s.hook(s.handlePostToolUse(false)))
	mux.HandleFunc("/api/oak/ci/subagent-start", s.hook(s.handleSubagentStart))
	mux.HandleFunc("/api/oak/ci/subagent-stop", s.hook(s.handleSubagentStop))

	mux.HandleFunc("/api/activity/sessions", s.handleSessions)
	mux.HandleFunc("/api/activity/sessions/", s.handleSessionByID)
	mux.HandleFunc("/api/activity/plans", s.handlePlans)

	mux.HandleFunc("/api/search", s.handleSearch)
	mux.HandleFunc("/api/search/memories", s.handleMemories)
	mux.HandleFunc("/api/search/memories/bulk", s.handleMemoriesBulk)

	mux.HandleFunc("/api/backup/export", s.handleBackupExport)
	mux.HandleFunc("/api/backup/import", s.handleBackupImport)

	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/config/test-detect", s.handleConfigTestDetect)
	mux.HandleFunc("/api/config/reset-collections", s.handleResetCollections)

	for prefix, h := range extra {
		mux.Handle(prefix, h)
	}
	return mux
}

// hook wraps a hook handler with the best-effort contract: POST only, a
// 5s downstream budget, and a recover that degrades any failure to {}.
func (s *Server) hook(fn func(ctx context.Context, body []byte) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": map[string]string{"code": "method_not_allowed", "message": "POST required"}})
			return
		}

		corrID := newCorrelationID()
		defer func() {
			if rec := recover(); rec != nil {
				logger.Errorf("hooks: panic [%s]: %v", corrID, rec)
				writeJSON(w, http.StatusOK, map[string]any{})
			}
		}()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			logger.Warnf("hooks: %s [%s]: read body: %v", r.URL.Path, corrID, err)
			writeJSON(w, http.StatusOK, map[string]any{})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), hookTimeout)
		defer cancel()

		resp, err := fn(ctx, body)
		if err != nil {
			logger.Warnf("hooks: %s [%s]: %v", r.URL.Path, corrID, err)
			writeJSON(w, http.StatusOK, map[string]any{})
			return
		}
		if resp == nil {
			resp = map[string]any{}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	indexing := "idle"
	if s.indexingStatus != nil {
		indexing = s.indexingStatus()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          s.Status(),
		"version":         s.version,
		"uptime_s":        int(time.Since(s.startedAt).Seconds()),
		"indexing_status": indexing,
	})
}

// handleEvents streams indexing progress as server-sent events until the
// client hangs up.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusNotFound, "not_found", "event stream not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	ch := make(chan events.Event, 64)
	s.bus.Subscribe(ch)
	defer s.bus.Unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			raw, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: " + string(raw) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"code": code, "message": message}})
}

var corrCounter atomic.Uint64

func newCorrelationID() string {
	return time.Now().UTC().Format("150405") + "-" + itoa(corrCounter.Add(1))
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}
