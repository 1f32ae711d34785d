// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oakdev/oak-ci/internal/activitystore"
	"github.com/oakdev/oak-ci/internal/retrieval"
)

// RegisterTools installs the daemon's five tools into registry.
// projectRoot scopes oak_fetch to the project tree.
func RegisterTools(registry *ToolRegistry, engine *retrieval.Engine, store *activitystore.Store, projectRoot string) {
	registry.Register(Tool{
		Name:        "oak_search",
		Description: "Search the project's indexed code, memories, and plans by semantic similarity.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string"},
				"search_type": {"type": "string", "enum": ["code", "memory", "plan", "all"]},
				"limit": {"type": "integer"}
			},
			"required": ["query"]
		}`),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Query      string `json:"query"`
				SearchType string `json:"search_type"`
				Limit      int    `json:"limit"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("oak_search: invalid arguments: %w", err)
			}
			if in.Query == "" {
				return nil, fmt.Errorf("oak_search: query is required")
			}
			searchType := retrieval.SearchType(in.SearchType)
			if searchType == "" {
				searchType = retrieval.SearchAll
			}

			res, err := engine.Query(ctx, in.Query, searchType, retrieval.Options{Limit: in.Limit})
			if err != nil {
				return nil, err
			}

			type snippet struct {
				Collection string            `json:"collection"`
				Score      float64           `json:"score"`
				Confidence string            `json:"confidence"`
				Content    string            `json:"content"`
				Metadata   map[string]string `json:"metadata"`
			}
			out := make([]snippet, 0, len(res.Items))
			for _, it := range res.Items {
				out = append(out, snippet{
					Collection: string(it.Collection),
					Score:      it.Score,
					Confidence: string(it.Tier),
					Content:    it.Content,
					Metadata:   it.Metadata,
				})
			}
			return out, nil
		},
	})

	registry.Register(Tool{
		Name:        "oak_fetch",
		Description: "Fetch file content from the project by path, optionally a line range.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string"},
				"start": {"type": "integer"},
				"end": {"type": "integer"}
			},
			"required": ["path"]
		}`),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Path  string `json:"path"`
				Start int    `json:"start"`
				End   int    `json:"end"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("oak_fetch: invalid arguments: %w", err)
			}
			return fetchFileRange(projectRoot, in.Path, in.Start, in.End)
		},
	})

	registry.Register(Tool{
		Name:        "oak_remember",
		Description: "Store a manual observation (memory) for this project.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"observation": {"type": "string"},
				"type": {"type": "string", "enum": ["discovery", "gotcha", "decision", "bug_fix", "trade_off"]},
				"tags": {"type": "array", "items": {"type": "string"}},
				"context": {"type": "string"},
				"importance": {"type": "string", "enum": ["low", "medium", "high"]}
			},
			"required": ["observation", "type"]
		}`),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Observation string   `json:"observation"`
				Type        string   `json:"type"`
				Tags        []string `json:"tags"`
				Context     string   `json:"context"`
				Importance  string   `json:"importance"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("oak_remember: invalid arguments: %w", err)
			}
			if in.Observation == "" {
				return nil, fmt.Errorf("oak_remember: observation is required")
			}

			obs := activitystore.Observation{
				SessionID:  "manual",
				Type:       activitystore.ObservationType(in.Type),
				Text:       in.Observation,
				Tags:       in.Tags,
				Importance: activitystore.Importance(in.Importance),
				Source:     "manual",
			}
			if in.Context != "" {
				obs.Context = &in.Context
			}
			saved, err := store.AddObservation(ctx, obs)
			if err != nil {
				return nil, err
			}
			return map[string]string{"id": saved.ID, "status": "stored"}, nil
		},
	})

	registry.Register(Tool{
		Name:        "oak_plans",
		Description: "List recorded plans, optionally for one session.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"session_id": {"type": "string"},
				"limit": {"type": "integer"}
			}
		}`),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				SessionID string `json:"session_id"`
				Limit     int    `json:"limit"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("oak_plans: invalid arguments: %w", err)
			}
			var sessionID *string
			if in.SessionID != "" {
				sessionID = &in.SessionID
			}
			batches, err := store.ListPlanBatches(ctx, sessionID, in.Limit, 0)
			if err != nil {
				return nil, err
			}

			type plan struct {
				BatchID   string  `json:"batch_id"`
				SessionID string  `json:"session_id"`
				FilePath  *string `json:"file_path,omitempty"`
				Content   *string `json:"content,omitempty"`
			}
			out := make([]plan, 0, len(batches))
			for _, b := range batches {
				out = append(out, plan{BatchID: b.ID, SessionID: b.SessionID, FilePath: b.PlanFilePath, Content: b.PlanContent})
			}
			return out, nil
		},
	})

	registry.Register(Tool{
		Name:        "oak_memories",
		Description: "List stored memories with relational filters (type, tag, archived).",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"type": {"type": "string"},
				"tag": {"type": "string"},
				"archived": {"type": "boolean"},
				"limit": {"type": "integer"}
			}
		}`),
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Type     string `json:"type"`
				Tag      string `json:"tag"`
				Archived *bool  `json:"archived"`
				Limit    int    `json:"limit"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("oak_memories: invalid arguments: %w", err)
			}
			filters := activitystore.ObservationFilters{Limit: in.Limit, Archived: in.Archived}
			if in.Type != "" {
				t := activitystore.ObservationType(in.Type)
				filters.Type = &t
			}
			if in.Tag != "" {
				filters.Tag = &in.Tag
			}

			obs, err := store.ListObservations(ctx, filters)
			if err != nil {
				return nil, err
			}
			type memory struct {
				ID         string   `json:"id"`
				Type       string   `json:"type"`
				Text       string   `json:"observation"`
				Tags       []string `json:"tags"`
				Importance string   `json:"importance"`
			}
			out := make([]memory, 0, len(obs))
			for _, o := range obs {
				out = append(out, memory{ID: o.ID, Type: string(o.Type), Text: o.Text, Tags: o.Tags, Importance: string(o.Importance)})
			}
			return out, nil
		},
	})
}

// fetchFileRange returns path's content (optionally lines start..end,
// 1-indexed inclusive), refusing paths that escape the project root.
func fetchFileRange(projectRoot, path string, start, end int) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(projectRoot, path)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(projectRoot, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("oak_fetch: path %q is outside the project", path)
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("oak_fetch: %w", err)
	}
	if start <= 0 && end <= 0 {
		return string(content), nil
	}

	lines := strings.Split(string(content), "\n")
	if start <= 0 {
		start = 1
	}
	if end <= 0 || end > len(lines) {
		end = len(lines)
	}
	if start > len(lines) || start > end {
		return "", fmt.Errorf("oak_fetch: line range %d-%d out of bounds (%d lines)", start, end, len(lines))
	}
	return strings.Join(lines[start-1:end], "\n"), nil
}
