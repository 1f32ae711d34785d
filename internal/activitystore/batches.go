// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package activitystore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateBatch opens a new PromptBatch under sessionID and marks it the
// session's current batch. Prompt numbers are assigned densely from 1
// inside the same transaction, and a completed session is flipped back to
// active in that transaction too, so a prompt arriving after a close never
// races the reactivation.
func (s *Store) CreateBatch(ctx context.Context, sessionID, userPrompt string, source SourceType) (*PromptBatch, error) {
	batch := &PromptBatch{
		ID:         newID(),
		SessionID:  sessionID,
		UserPrompt: userPrompt,
		StartedAt:  time.Now().UTC(),
		Status:     BatchActive,
		SourceType: source,
	}
	err := s.write(ctx, func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if err := tx.QueryRow(`SELECT COALESCE(MAX(prompt_number), 0) + 1 FROM prompt_batches WHERE session_id = ?`,
			sessionID).Scan(&batch.PromptNumber); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec(`INSERT INTO prompt_batches (id, session_id, prompt_number, user_prompt, started_at, status, source_type)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, batch.ID, batch.SessionID, batch.PromptNumber, batch.UserPrompt,
			batch.StartedAt, batch.Status, batch.SourceType); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec(`UPDATE sessions SET current_prompt_batch_id = ?, prompt_count = prompt_count + 1,
			status = ?, ended_at = NULL WHERE id = ?`,
			batch.ID, SessionActive, sessionID); err != nil {
			tx.Rollback()
			return err
		}
		if batch.UserPrompt != "" {
			if err := s.indexText(tx, batch.ID, "prompt", batch.UserPrompt); err != nil {
				tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("activitystore: create batch for session %s: %w", sessionID, err)
	}
	s.invalidateStats()
	return batch, nil
}

// GetBatch fetches a PromptBatch by ID.
func (s *Store) GetBatch(ctx context.Context, id string) (*PromptBatch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, session_id, prompt_number, user_prompt, started_at, ended_at, status,
		activity_count, classification, source_type, plan_file_path, plan_content, plan_embedded
		FROM prompt_batches WHERE id = ?`, id)
	return scanBatch(row)
}

func scanBatch(row *sql.Row) (*PromptBatch, error) {
	var b PromptBatch
	var endedAt sql.NullTime
	var classification, planPath, planContent sql.NullString
	err := row.Scan(&b.ID, &b.SessionID, &b.PromptNumber, &b.UserPrompt, &b.StartedAt, &endedAt, &b.Status,
		&b.ActivityCount, &classification, &b.SourceType, &planPath, &planContent, &b.PlanEmbedded)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("activitystore: scan batch: %w", err)
	}
	if endedAt.Valid {
		b.EndedAt = &endedAt.Time
	}
	if classification.Valid {
		c := Classification(classification.String)
		b.Classification = &c
	}
	if planPath.Valid {
		b.PlanFilePath = &planPath.String
	}
	if planContent.Valid {
		b.PlanContent = &planContent.String
	}
	return &b, nil
}

// EndBatch marks a batch completed with its final classification, assigned
// by the background classifier job.
func (s *Store) EndBatch(ctx context.Context, id string, classification Classification) error {
	now := time.Now().UTC()
	err := s.write(ctx, func(db *sql.DB) error {
		res, err := db.Exec(`UPDATE prompt_batches SET status = ?, ended_at = ?, classification = ? WHERE id = ?`,
			BatchCompleted, now, classification, id)
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
		return fmt.Errorf("activitystore: end batch %s: %w", id, err)
	}
	return nil
}

// AttachPlan records a plan file discovered mid-batch (source_type=plan),
// for later embedding into the plan collection.
func (s *Store) AttachPlan(ctx context.Context, batchID, planPath, planContent string) error {
	err := s.write(ctx, func(db *sql.DB) error {
		res, err := db.Exec(`UPDATE prompt_batches SET plan_file_path = ?, plan_content = ?, source_type = ? WHERE id = ?`,
			planPath, planContent, SourcePlan, batchID)
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
		return fmt.Errorf("activitystore: attach plan to batch %s: %w", batchID, err)
	}
	return nil
}

// MarkPlanEmbedded flips plan_embedded once the background plan-embedding
// job has written the batch's plan content into the plan collection.
func (s *Store) MarkPlanEmbedded(ctx context.Context, batchID string) error {
	return s.write(ctx, func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE prompt_batches SET plan_embedded = 1 WHERE id = ?`, batchID)
		return err
	})
}

// GetBatchesNeedingPlanEmbedding lists not-yet-embedded plan batches that
// carry plan content, in any status, polled by the background processor's
// medium tier.
func (s *Store) GetBatchesNeedingPlanEmbedding(ctx context.Context, limit int) ([]PromptBatch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, prompt_number, user_prompt, started_at, ended_at, status,
		activity_count, classification, source_type, plan_file_path, plan_content, plan_embedded
		FROM prompt_batches
		WHERE source_type = ? AND plan_embedded = 0 AND plan_content IS NOT NULL
		ORDER BY started_at ASC LIMIT ?`, SourcePlan, limit)
	if err != nil {
		return nil, fmt.Errorf("activitystore: get batches needing plan embedding: %w", err)
	}
	defer rows.Close()

	var out []PromptBatch
	for rows.Next() {
		var b PromptBatch
		var endedAt sql.NullTime
		var classification, planPath, planContent sql.NullString
		if err := rows.Scan(&b.ID, &b.SessionID, &b.PromptNumber, &b.UserPrompt, &b.StartedAt, &endedAt, &b.Status,
			&b.ActivityCount, &classification, &b.SourceType, &planPath, &planContent, &b.PlanEmbedded); err != nil {
			return nil, fmt.Errorf("activitystore: scan batch needing plan embedding: %w", err)
		}
		if endedAt.Valid {
			b.EndedAt = &endedAt.Time
		}
		if classification.Valid {
			c := Classification(classification.String)
			b.Classification = &c
		}
		if planPath.Valid {
			b.PlanFilePath = &planPath.String
		}
		if planContent.Valid {
			b.PlanContent = &planContent.String
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// MarkPlanUnembedded clears plan_embedded after the batch's plan point was
// deleted from the plan collection, keeping invariant "plan_embedded=true
// iff a plan observation exists" honest in both directions.
func (s *Store) MarkPlanUnembedded(ctx context.Context, batchID string) error {
	return s.write(ctx, func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE prompt_batches SET plan_embedded = 0 WHERE id = ?`, batchID)
		return err
	})
}

// MarkAllPlansUnembedded clears every plan batch's plan_embedded flag so
// the background plan-embedding job re-writes them, used after the plan
// collection is reset for a model switch.
func (s *Store) MarkAllPlansUnembedded(ctx context.Context) error {
	return s.write(ctx, func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE prompt_batches SET plan_embedded = 0 WHERE source_type = ?`, SourcePlan)
		return err
	})
}

// ListBatchesForSession returns a session's batches in prompt order.
func (s *Store) ListBatchesForSession(ctx context.Context, sessionID string) ([]PromptBatch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, prompt_number, user_prompt, started_at, ended_at, status,
		activity_count, classification, source_type, plan_file_path, plan_content, plan_embedded
		FROM prompt_batches WHERE session_id = ? ORDER BY prompt_number ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("activitystore: list batches for session %s: %w", sessionID, err)
	}
	defer rows.Close()
	return scanBatches(rows)
}

// ListPlanBatches returns plan-sourced batches for the plans API, newest
// first, optionally scoped to one session.
func (s *Store) ListPlanBatches(ctx context.Context, sessionID *string, limit, offset int) ([]PromptBatch, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, session_id, prompt_number, user_prompt, started_at, ended_at, status,
		activity_count, classification, source_type, plan_file_path, plan_content, plan_embedded
		FROM prompt_batches WHERE source_type = ?`
	args := []any{SourcePlan}
	if sessionID != nil {
		query += ` AND session_id = ?`
		args = append(args, *sessionID)
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("activitystore: list plan batches: %w", err)
	}
	defer rows.Close()
	return scanBatches(rows)
}

// ListOpenBatchesOlderThan returns active batches started before cutoff;
// the background classifier consumes these once their grace period passes.
func (s *Store) ListOpenBatchesOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]PromptBatch, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, prompt_number, user_prompt, started_at, ended_at, status,
		activity_count, classification, source_type, plan_file_path, plan_content, plan_embedded
		FROM prompt_batches WHERE status = ? AND started_at < ? ORDER BY started_at ASC LIMIT ?`,
		BatchActive, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("activitystore: list open batches: %w", err)
	}
	defer rows.Close()
	return scanBatches(rows)
}

func scanBatches(rows *sql.Rows) ([]PromptBatch, error) {
	var out []PromptBatch
	for rows.Next() {
		var b PromptBatch
		var endedAt sql.NullTime
		var classification, planPath, planContent sql.NullString
		if err := rows.Scan(&b.ID, &b.SessionID, &b.PromptNumber, &b.UserPrompt, &b.StartedAt, &endedAt, &b.Status,
			&b.ActivityCount, &classification, &b.SourceType, &planPath, &planContent, &b.PlanEmbedded); err != nil {
			return nil, fmt.Errorf("activitystore: scan batch row: %w", err)
		}
		if endedAt.Valid {
			b.EndedAt = &endedAt.Time
		}
		if classification.Valid {
			c := Classification(classification.String)
			b.Classification = &c
		}
		if planPath.Valid {
			b.PlanFilePath = &planPath.String
		}
		if planContent.Valid {
			b.PlanContent = &planContent.String
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// IncrementActivityCount bumps a batch's activity counter by one in its own
// write. The activity flush path updates activity_count in its own
// transaction and does not call this.
func (s *Store) IncrementActivityCount(ctx context.Context, batchID string) error {
	return s.write(ctx, func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE prompt_batches SET activity_count = activity_count + 1 WHERE id = ?`, batchID)
		return err
	})
}
