// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oakdev/oak-ci/internal/activitystore"
	"github.com/oakdev/oak-ci/internal/logger"
)

// hookRequest is the superset of fields the agent sends across hook kinds;
// each handler reads the slice it needs.
type hookRequest struct {
	Agent          string `json:"agent"`
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
	HookEventName  string `json:"hook_event_name"`

	Prompt string `json:"prompt"`

	ToolName     string          `json:"tool_name"`
	ToolInput    json.RawMessage `json:"tool_input"`
	ToolUseID    string          `json:"tool_use_id"`
	ToolResponse string          `json:"tool_response"`
	ErrorMessage string          `json:"error_message"`

	AgentType           string `json:"agent_type"`
	AgentID             string `json:"agent_id"`
	AgentTranscriptPath string `json:"agent_transcript_path"`

	PlanFilePath string `json:"plan_file_path"`
	PlanContent  string `json:"plan_content"`
}

func (r *hookRequest) sessionID() string {
	if r.SessionID != "" {
		return r.SessionID
	}
	return r.ConversationID
}

func (r *hookRequest) agent() string {
	if r.Agent != "" {
		return r.Agent
	}
	return "unknown"
}

func decodeHook(body []byte) (*hookRequest, error) {
	var req hookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decode hook body: %w", err)
	}
	if req.sessionID() == "" {
		return nil, errors.New("hook body has no session_id")
	}
	return &req, nil
}

// handleSessionStart creates or reactivates the session and injects prior
// session summaries so a resumed agent starts with continuity.
func (s *Server) handleSessionStart(ctx context.Context, body []byte) (any, error) {
	req, err := decodeHook(body)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.EnsureSession(ctx, req.sessionID(), req.agent(), s.cfg.ProjectRoot); err != nil {
		return nil, err
	}
	if err := s.store.ReactivateIfNeeded(ctx, req.sessionID()); err != nil {
		return nil, err
	}
	logger.Debugf("hooks: session-start %s (%s)", req.sessionID(), req.agent())

	text := s.injection.BuildSessionContext(ctx, s.cfg.ProjectRoot)
	if text == "" {
		return map[string]any{}, nil
	}
	return map[string]any{"additional_context": text}, nil
}

// handleSessionEnd marks the session completed; summary generation is the
// background processor's job.
func (s *Server) handleSessionEnd(ctx context.Context, body []byte) (any, error) {
	req, err := decodeHook(body)
	if err != nil {
		return nil, err
	}
	if err := s.store.EndSession(ctx, req.sessionID()); err != nil && !errors.Is(err, activitystore.ErrNotFound) {
		return nil, err
	}
	logger.Debugf("hooks: session-end %s", req.sessionID())
	return map[string]any{}, nil
}

// handlePromptSubmit opens a new PromptBatch and synthesizes the injected
// context: high-confidence code chunks, memories, and prior session
// summaries.
func (s *Server) handlePromptSubmit(ctx context.Context, body []byte) (any, error) {
	req, err := decodeHook(body)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.EnsureSession(ctx, req.sessionID(), req.agent(), s.cfg.ProjectRoot); err != nil {
		return nil, err
	}

	source := activitystore.SourceUser
	if req.PlanContent != "" {
		source = activitystore.SourcePlan
	}
	batch, err := s.store.CreateBatch(ctx, req.sessionID(), req.Prompt, source)
	if err != nil {
		return nil, err
	}
	if req.PlanContent != "" {
		if err := s.store.AttachPlan(ctx, batch.ID, req.PlanFilePath, req.PlanContent); err != nil {
			logger.Warnf("hooks: attach plan to batch %s: %v", batch.ID, err)
		}
	}

	text := s.injection.BuildPromptContext(ctx, s.cfg.ProjectRoot, req.Prompt)
	if text == "" {
		return map[string]any{}, nil
	}
	return map[string]any{"additional_context": text}, nil
}

// handlePostToolUse records one Activity and, for file-touching tools,
// returns memories relevant to the touched file.
func (s *Server) handlePostToolUse(success bool) func(ctx context.Context, body []byte) (any, error) {
	return func(ctx context.Context, body []byte) (any, error) {
		req, err := decodeHook(body)
		if err != nil {
			return nil, err
		}

		batchID, err := s.currentBatchID(ctx, req)
		if err != nil {
			return nil, err
		}

		filePath := extractFilePath(req.ToolInput)
		a := activitystore.Activity{
			SessionID:     req.sessionID(),
			PromptBatchID: batchID,
			ToolName:      req.ToolName,
			ToolInput:     req.ToolInput,
			Success:       success,
			ToolUseID:     req.ToolUseID,
		}
		if req.ToolResponse != "" {
			summary := truncateHead(req.ToolResponse, 500)
			a.ToolOutputSummary = &summary
		}
		if filePath != "" {
			a.FilePath = &filePath
		}
		if !success && req.ErrorMessage != "" {
			a.ErrorMessage = &req.ErrorMessage
		}
		if err := s.store.AppendActivity(ctx, a); err != nil {
			return nil, err
		}

		if filePath == "" || !fileTool(req.ToolName) {
			return map[string]any{}, nil
		}
		text := s.injection.BuildFileContext(ctx, filePath, req.ToolResponse, req.Prompt)
		if text == "" {
			return map[string]any{}, nil
		}
		return map[string]any{"additional_context": text}, nil
	}
}

func (s *Server) handleSubagentStart(ctx context.Context, body []byte) (any, error) {
	return s.appendSubagentActivity(ctx, body, "subagent_start")
}

func (s *Server) handleSubagentStop(ctx context.Context, body []byte) (any, error) {
	return s.appendSubagentActivity(ctx, body, "subagent_stop")
}

func (s *Server) appendSubagentActivity(ctx context.Context, body []byte, tool string) (any, error) {
	req, err := decodeHook(body)
	if err != nil {
		return nil, err
	}
	batchID, err := s.currentBatchID(ctx, req)
	if err != nil {
		return nil, err
	}

	input := map[string]string{"agent_type": req.AgentType, "agent_id": req.AgentID}
	if tool == "subagent_stop" && req.AgentTranscriptPath != "" {
		// Only the path is stored; the transcript is not parsed into
		// sub-activities.
		input["agent_transcript_path"] = req.AgentTranscriptPath
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}

	if err := s.store.AppendActivity(ctx, activitystore.Activity{
		SessionID:     req.sessionID(),
		PromptBatchID: batchID,
		ToolName:      tool,
		ToolInput:     raw,
		Success:       true,
		ToolUseID:     req.ToolUseID,
	}); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

// currentBatchID resolves the session's open batch, opening a synthetic
// agent_notification batch when a tool hook arrives outside any user turn.
func (s *Server) currentBatchID(ctx context.Context, req *hookRequest) (string, error) {
	sess, err := s.store.EnsureSession(ctx, req.sessionID(), req.agent(), s.cfg.ProjectRoot)
	if err != nil {
		return "", err
	}
	if sess.CurrentPromptBatchID != nil {
		return *sess.CurrentPromptBatchID, nil
	}
	batch, err := s.store.CreateBatch(ctx, req.sessionID(), "", activitystore.SourceAgentNotification)
	if err != nil {
		return "", err
	}
	return batch.ID, nil
}

func fileTool(name string) bool {
	switch name {
	case "Read", "Edit", "Write":
		return true
	}
	return false
}

// extractFilePath pulls tool_input.file_path (or .path) if present.
func extractFilePath(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var fields struct {
		FilePath string `json:"file_path"`
		Path     string `json:"path"`
	}
	if err := json.Unmarshal(input, &fields); err != nil {
		return ""
	}
	if fields.FilePath != "" {
		return fields.FilePath
	}
	return fields.Path
}

func truncateHead(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
