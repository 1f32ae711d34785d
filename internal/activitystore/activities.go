// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package activitystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AppendActivity buffers one PostToolUse record. Activities are
// flushed in batches (every activityBufferLimit entries, or every
// activityFlushInterval, whichever comes first) rather than written one at
// a time, since a busy session can emit dozens of tool calls per second.
// toolUseID, when non-empty, is used by the flush path to deduplicate
// retried hook deliveries.
func (s *Store) AppendActivity(ctx context.Context, a Activity) error {
	if a.ID == "" {
		a.ID = newID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.ToolInput == nil {
		a.ToolInput = json.RawMessage("{}")
	}

	s.bufMu.Lock()
	s.buf = append(s.buf, pendingActivity{a: a})
	shouldFlush := len(s.buf) >= activityBufferLimit
	s.bufMu.Unlock()

	if shouldFlush {
		return s.flushActivitiesCtx(ctx)
	}
	return nil
}

// FlushActivities forces an immediate flush of buffered activities; the
// background processor's fast tier and ExportSQL call this so buffered
// rows are on disk before they are read.
func (s *Store) FlushActivities(ctx context.Context) error {
	return s.flushActivitiesCtx(ctx)
}

func (s *Store) flushActivities() {
	_ = s.flushActivitiesCtx(context.Background())
}

func (s *Store) flushActivitiesCtx(ctx context.Context) error {
	s.bufMu.Lock()
	if len(s.buf) == 0 {
		s.bufMu.Unlock()
		return nil
	}
	pending := s.buf
	s.buf = nil
	s.bufMu.Unlock()

	batchCounts := make(map[string]int)
	err := s.write(ctx, func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		stmt, err := tx.Prepare(`INSERT INTO activities
			(id, session_id, prompt_batch_id, tool_name, tool_input, tool_output_summary, file_path, success, error_message, created_at, tool_use_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''))
			ON CONFLICT(tool_use_id) WHERE tool_use_id IS NOT NULL AND tool_use_id != '' DO NOTHING`)
		if err != nil {
			tx.Rollback()
			return err
		}
		defer stmt.Close()

		for _, p := range pending {
			a := p.a
			res, err := stmt.Exec(a.ID, a.SessionID, a.PromptBatchID, a.ToolName, string(a.ToolInput),
				a.ToolOutputSummary, a.FilePath, a.Success, a.ErrorMessage, a.CreatedAt, a.ToolUseID)
			if err != nil {
				tx.Rollback()
				return fmt.Errorf("insert activity %s: %w", a.ID, err)
			}
			n, _ := res.RowsAffected()
			if n == 0 {
				continue // duplicate tool_use_id
			}
			batchCounts[a.PromptBatchID]++
			if a.ToolOutputSummary != nil && *a.ToolOutputSummary != "" {
				if err := s.indexText(tx, a.ID, "activity", *a.ToolOutputSummary); err != nil {
					tx.Rollback()
					return fmt.Errorf("mirror activity %s: %w", a.ID, err)
				}
			}
		}

		for batchID, n := range batchCounts {
			if _, err := tx.Exec(`UPDATE prompt_batches SET activity_count = activity_count + ? WHERE id = ?`, n, batchID); err != nil {
				tx.Rollback()
				return fmt.Errorf("bump activity_count for batch %s: %w", batchID, err)
			}
		}
		sessionCounts := make(map[string]int)
		for batchID, n := range batchCounts {
			row := tx.QueryRow(`SELECT session_id FROM prompt_batches WHERE id = ?`, batchID)
			var sessionID string
			if err := row.Scan(&sessionID); err == nil {
				sessionCounts[sessionID] += n
			}
		}
		for sessionID, n := range sessionCounts {
			if _, err := tx.Exec(`UPDATE sessions SET tool_count = tool_count + ? WHERE id = ?`, n, sessionID); err != nil {
				tx.Rollback()
				return fmt.Errorf("bump tool_count for session %s: %w", sessionID, err)
			}
		}

		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("activitystore: flush activities: %w", err)
	}
	s.invalidateStats()
	return nil
}

// ListSessionActivities returns every activity for a session in
// chronological order, feeding the summary generator's activity digest.
func (s *Store) ListSessionActivities(ctx context.Context, sessionID string) ([]Activity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, prompt_batch_id, tool_name, tool_input,
		tool_output_summary, file_path, success, error_message, created_at, COALESCE(tool_use_id, '')
		FROM activities WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("activitystore: list activities for session %s: %w", sessionID, err)
	}
	defer rows.Close()
	return scanActivities(rows)
}

// ListActivities returns activities for a batch in chronological order, for
// the HookRouter's "what happened this turn" queries.
func (s *Store) ListActivities(ctx context.Context, batchID string) ([]Activity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, prompt_batch_id, tool_name, tool_input,
		tool_output_summary, file_path, success, error_message, created_at, COALESCE(tool_use_id, '')
		FROM activities WHERE prompt_batch_id = ? ORDER BY created_at ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("activitystore: list activities for batch %s: %w", batchID, err)
	}
	defer rows.Close()
	return scanActivities(rows)
}

func scanActivities(rows *sql.Rows) ([]Activity, error) {
	var out []Activity
	for rows.Next() {
		var a Activity
		var toolInput string
		var outSummary, filePath, errMsg sql.NullString
		if err := rows.Scan(&a.ID, &a.SessionID, &a.PromptBatchID, &a.ToolName, &toolInput,
			&outSummary, &filePath, &a.Success, &errMsg, &a.CreatedAt, &a.ToolUseID); err != nil {
			return nil, fmt.Errorf("activitystore: scan activity: %w", err)
		}
		a.ToolInput = json.RawMessage(toolInput)
		if outSummary.Valid {
			a.ToolOutputSummary = &outSummary.String
		}
		if filePath.Valid {
			a.FilePath = &filePath.String
		}
		if errMsg.Valid {
			a.ErrorMessage = &errMsg.String
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
