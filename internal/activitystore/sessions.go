// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package activitystore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateSession inserts a new active session record. It does not reactivate
// an existing row: an id that already exists fails on the primary key.
// EnsureSession and ReactivateIfNeeded handle repeated SessionStart hooks.
func (s *Store) CreateSession(ctx context.Context, id, agent, projectRoot string) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:          id,
		Agent:       agent,
		ProjectRoot: projectRoot,
		StartedAt:   now,
		Status:      SessionActive,
	}
	err := s.write(ctx, func(db *sql.DB) error {
		_, err := db.Exec(`INSERT INTO sessions (id, agent, project_root, started_at, status, prompt_count, tool_count)
			VALUES (?, ?, ?, ?, ?, 0, 0)`, sess.ID, sess.Agent, sess.ProjectRoot, sess.StartedAt, sess.Status)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("activitystore: create session %s: %w", id, err)
	}
	s.invalidateStats()
	return sess, nil
}

// GetSession fetches a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, agent, project_root, started_at, ended_at, status,
		prompt_count, tool_count, title, summary, current_prompt_batch_id FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var endedAt sql.NullTime
	var title, summary, curBatch sql.NullString
	err := row.Scan(&sess.ID, &sess.Agent, &sess.ProjectRoot, &sess.StartedAt, &endedAt, &sess.Status,
		&sess.PromptCount, &sess.ToolCount, &title, &summary, &curBatch)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("activitystore: scan session: %w", err)
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	if title.Valid {
		sess.Title = &title.String
	}
	if summary.Valid {
		sess.Summary = &summary.String
	}
	if curBatch.Valid {
		sess.CurrentPromptBatchID = &curBatch.String
	}
	return &sess, nil
}

// EndSession marks a session completed and stamps EndedAt.
func (s *Store) EndSession(ctx context.Context, id string) error {
	now := time.Now().UTC()
	err := s.write(ctx, func(db *sql.DB) error {
		res, err := db.Exec(`UPDATE sessions SET status = ?, ended_at = ? WHERE id = ? AND status = ?`,
			SessionCompleted, now, id, SessionActive)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("activitystore: end session %s: %w", id, err)
	}
	s.invalidateStats()
	return nil
}

// SetSessionSummary stores the summarizer's title/summary for a session.
func (s *Store) SetSessionSummary(ctx context.Context, id, title, summary string) error {
	err := s.write(ctx, func(db *sql.DB) error {
		res, err := db.Exec(`UPDATE sessions SET title = ?, summary = ? WHERE id = ?`, title, summary, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("activitystore: set session summary %s: %w", id, err)
	}
	return nil
}

// SetCurrentBatch records which PromptBatch a session is currently inside
// in sessions.current_prompt_batch_id.
func (s *Store) SetCurrentBatch(ctx context.Context, sessionID, batchID string) error {
	return s.write(ctx, func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE sessions SET current_prompt_batch_id = ? WHERE id = ?`, batchID, sessionID)
		return err
	})
}

// IncrementCounts bumps a session's prompt/tool counters. Either delta may
// be zero.
func (s *Store) IncrementCounts(ctx context.Context, sessionID string, prompts, tools int) error {
	return s.write(ctx, func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE sessions SET prompt_count = prompt_count + ?, tool_count = tool_count + ? WHERE id = ?`,
			prompts, tools, sessionID)
		return err
	})
}

// GetStale returns sessions still marked active whose last activity is
// older than timeout, the crash-recovery query the background processor's
// periodic stale sweep runs.
func (s *Store) GetStale(ctx context.Context, timeout time.Duration) ([]Session, error) {
	if timeout <= 0 {
		timeout = staleSessionTimeout
	}
	cutoff := time.Now().UTC().Add(-timeout)
	rows, err := s.db.QueryContext(ctx, `SELECT s.id, s.agent, s.project_root, s.started_at, s.ended_at, s.status,
			s.prompt_count, s.tool_count, s.title, s.summary, s.current_prompt_batch_id
		FROM sessions s
		WHERE s.status = ?
		AND s.started_at < ?
		AND NOT EXISTS (
			SELECT 1 FROM activities a WHERE a.session_id = s.id AND a.created_at >= ?
		)
		AND NOT EXISTS (
			SELECT 1 FROM prompt_batches b WHERE b.session_id = s.id AND b.started_at >= ?
		)`, SessionActive, cutoff, cutoff, cutoff)
	if err != nil {
		return nil, fmt.Errorf("activitystore: get stale sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var endedAt sql.NullTime
		var title, summary, curBatch sql.NullString
		if err := rows.Scan(&sess.ID, &sess.Agent, &sess.ProjectRoot, &sess.StartedAt, &endedAt, &sess.Status,
			&sess.PromptCount, &sess.ToolCount, &title, &summary, &curBatch); err != nil {
			return nil, fmt.Errorf("activitystore: scan stale session: %w", err)
		}
		if endedAt.Valid {
			sess.EndedAt = &endedAt.Time
		}
		if title.Valid {
			sess.Title = &title.String
		}
		if summary.Valid {
			sess.Summary = &summary.String
		}
		if curBatch.Valid {
			sess.CurrentPromptBatchID = &curBatch.String
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SetSessionStartedAt overrides a session's start time. Import tooling and
// tests use this; normal hook flow always stamps "now".
func (s *Store) SetSessionStartedAt(ctx context.Context, id string, startedAt time.Time) error {
	return s.write(ctx, func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE sessions SET started_at = ? WHERE id = ?`, startedAt, id)
		return err
	})
}

// SetBatchStartedAt overrides a batch's start time, the counterpart to
// SetSessionStartedAt for import tooling and tests.
func (s *Store) SetBatchStartedAt(ctx context.Context, id string, startedAt time.Time) error {
	return s.write(ctx, func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE prompt_batches SET started_at = ? WHERE id = ?`, startedAt, id)
		return err
	})
}

// EnsureSession returns the session with id, creating it when absent. A
// prompt hook referencing a session the stale sweep deleted recreates the
// row with the incoming agent, per the recreation boundary behavior.
func (s *Store) EnsureSession(ctx context.Context, id, agent, projectRoot string) (*Session, error) {
	sess, err := s.GetSession(ctx, id)
	if err == nil {
		return sess, nil
	}
	if err != ErrNotFound {
		return nil, err
	}
	return s.CreateSession(ctx, id, agent, projectRoot)
}

// ReactivateIfNeeded flips a completed session back to active, used when a
// SessionStart hook fires for a session that was closed by the stale sweep
// or a SessionEnd the agent later resumed past.
func (s *Store) ReactivateIfNeeded(ctx context.Context, id string) error {
	err := s.write(ctx, func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE sessions SET status = ?, ended_at = NULL WHERE id = ? AND status = ?`,
			SessionActive, id, SessionCompleted)
		return err
	})
	if err != nil {
		return fmt.Errorf("activitystore: reactivate session %s: %w", id, err)
	}
	s.invalidateStats()
	return nil
}

// SessionFilters narrows ListSessions.
type SessionFilters struct {
	Agent  *string
	Sort   string // "started_at" (default), "ended_at", "prompt_count"
	Limit  int
	Offset int
}

// ListSessions returns sessions newest-first (by the chosen sort column).
func (s *Store) ListSessions(ctx context.Context, filters SessionFilters) ([]Session, error) {
	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	order := "started_at"
	switch filters.Sort {
	case "ended_at", "prompt_count":
		order = filters.Sort
	}

	query := `SELECT id, agent, project_root, started_at, ended_at, status,
		prompt_count, tool_count, title, summary, current_prompt_batch_id FROM sessions`
	var args []any
	if filters.Agent != nil {
		query += ` WHERE agent = ?`
		args = append(args, *filters.Agent)
	}
	query += fmt.Sprintf(` ORDER BY %s DESC LIMIT ? OFFSET ?`, order)
	args = append(args, limit, filters.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("activitystore: list sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListRecentSummaries returns completed sessions that have a summary,
// newest first; the injection builder renders these as prior-session
// context.
func (s *Store) ListRecentSummaries(ctx context.Context, projectRoot string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 3
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, agent, project_root, started_at, ended_at, status,
		prompt_count, tool_count, title, summary, current_prompt_batch_id
		FROM sessions
		WHERE project_root = ? AND summary IS NOT NULL
		ORDER BY COALESCE(ended_at, started_at) DESC LIMIT ?`, projectRoot, limit)
	if err != nil {
		return nil, fmt.Errorf("activitystore: list recent summaries: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]Session, error) {
	var out []Session
	for rows.Next() {
		var sess Session
		var endedAt sql.NullTime
		var title, summary, curBatch sql.NullString
		if err := rows.Scan(&sess.ID, &sess.Agent, &sess.ProjectRoot, &sess.StartedAt, &endedAt, &sess.Status,
			&sess.PromptCount, &sess.ToolCount, &title, &summary, &curBatch); err != nil {
			return nil, fmt.Errorf("activitystore: scan session row: %w", err)
		}
		if endedAt.Valid {
			sess.EndedAt = &endedAt.Time
		}
		if title.Valid {
			sess.Title = &title.String
		}
		if summary.Valid {
			sess.Summary = &summary.String
		}
		if curBatch.Valid {
			sess.CurrentPromptBatchID = &curBatch.String
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSessionCascade deletes a session and (via ON DELETE CASCADE) its
// prompt batches and activities. Observations are not FK-linked to
// sessions (they outlive batch deletion for recall purposes) and are
// deleted explicitly.
func (s *Store) DeleteSessionCascade(ctx context.Context, id string) error {
	err := s.write(ctx, func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		// The full-text mirror has no FK to cascade through; clear it
		// while the source rows are still queryable.
		if err := s.deindexSessionText(tx, id); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec(`DELETE FROM observations WHERE session_id = ?`, id); err != nil {
			tx.Rollback()
			return err
		}
		res, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			tx.Rollback()
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			tx.Rollback()
			return ErrNotFound
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("activitystore: delete session %s: %w", id, err)
	}
	s.invalidateStats()
	return nil
}
