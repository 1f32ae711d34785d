// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package activitystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AddObservation persists one distilled memory, written by the background
// extractor or stored manually through the remember tool.
func (s *Store) AddObservation(ctx context.Context, o Observation) (*Observation, error) {
	if o.ID == "" {
		o.ID = newID()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if o.Importance == "" {
		o.Importance = ImportanceMedium
	}
	tagsJSON, err := json.Marshal(o.Tags)
	if err != nil {
		return nil, fmt.Errorf("activitystore: marshal observation tags: %w", err)
	}

	err = s.write(ctx, func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		_, err = tx.Exec(`INSERT INTO observations
			(id, session_id, prompt_batch_id, type, observation, context, tags, importance, file_path, created_at, embedded, archived, source)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?)`,
			o.ID, o.SessionID, o.PromptBatchID, o.Type, o.Text, o.Context, string(tagsJSON), o.Importance, o.FilePath, o.CreatedAt, o.Source)
		if err != nil {
			tx.Rollback()
			return err
		}
		if err := s.indexText(tx, o.ID, "observation", o.Text); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("activitystore: add observation: %w", err)
	}
	s.invalidateStats()
	return &o, nil
}

// ListObservations returns observations matching filters, newest first.
// Ties at equal CreatedAt break on Importance desc (Open Question b).
func (s *Store) ListObservations(ctx context.Context, filters ObservationFilters) ([]Observation, error) {
	var where []string
	var args []any

	archived := false
	if filters.Archived != nil {
		archived = *filters.Archived
	}
	where = append(where, "archived = ?")
	args = append(args, archived)

	if filters.Type != nil {
		where = append(where, "type = ?")
		args = append(args, *filters.Type)
	}
	if filters.Tag != nil {
		where = append(where, "tags LIKE ?")
		args = append(args, "%\""+*filters.Tag+"\"%")
	}
	if filters.StartDate != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filters.StartDate)
	}
	if filters.EndDate != nil {
		where = append(where, "created_at <= ?")
		args = append(args, *filters.EndDate)
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`SELECT id, session_id, prompt_batch_id, type, observation, context, tags,
		importance, file_path, created_at, embedded, archived, source
		FROM observations
		WHERE %s
		ORDER BY created_at DESC,
			CASE importance WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END ASC
		LIMIT ? OFFSET ?`, strings.Join(where, " AND "))
	args = append(args, limit, filters.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("activitystore: list observations: %w", err)
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		o, err := scanObservationRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanObservationRows(rows *sql.Rows) (Observation, error) {
	var o Observation
	var ctxVal, filePath sql.NullString
	var tagsJSON string
	var batchID sql.NullString
	if err := rows.Scan(&o.ID, &o.SessionID, &batchID, &o.Type, &o.Text, &ctxVal, &tagsJSON,
		&o.Importance, &filePath, &o.CreatedAt, &o.Embedded, &o.Archived, &o.Source); err != nil {
		return o, fmt.Errorf("activitystore: scan observation: %w", err)
	}
	if batchID.Valid {
		o.PromptBatchID = batchID.String
	}
	if ctxVal.Valid {
		o.Context = &ctxVal.String
	}
	if filePath.Valid {
		o.FilePath = &filePath.String
	}
	if err := json.Unmarshal([]byte(tagsJSON), &o.Tags); err != nil {
		o.Tags = nil
	}
	return o, nil
}

// ArchiveObservation soft-deletes an observation; archived rows are
// excluded from recall by default but kept for audit/undo.
func (s *Store) ArchiveObservation(ctx context.Context, id string) error {
	err := s.write(ctx, func(db *sql.DB) error {
		res, err := db.Exec(`UPDATE observations SET archived = 1 WHERE id = ?`, id)
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
		return fmt.Errorf("activitystore: archive observation %s: %w", id, err)
	}
	s.invalidateStats()
	return nil
}

// DeleteObservation hard-deletes an observation and its FTS mirror row.
func (s *Store) DeleteObservation(ctx context.Context, id string) error {
	err := s.write(ctx, func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		res, err := tx.Exec(`DELETE FROM observations WHERE id = ?`, id)
		if err != nil {
			tx.Rollback()
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			tx.Rollback()
			return ErrNotFound
		}
		if err := s.deindexText(tx, id, "observation"); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("activitystore: delete observation %s: %w", id, err)
	}
	s.invalidateStats()
	return nil
}

// GetUnembedded lists observations not yet written to the memory
// collection, polled by the background embedding job.
func (s *Store) GetUnembedded(ctx context.Context, limit int) ([]Observation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, prompt_batch_id, type, observation, context, tags,
		importance, file_path, created_at, embedded, archived, source
		FROM observations WHERE embedded = 0 AND archived = 0 ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("activitystore: get unembedded observations: %w", err)
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		o, err := scanObservationRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// MarkEmbedded flips the embedded flag once the background embedder has
// written an observation's vector into the memory collection.
func (s *Store) MarkEmbedded(ctx context.Context, id string) error {
	return s.write(ctx, func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE observations SET embedded = 1 WHERE id = ?`, id)
		return err
	})
}

// MarkAllUnembedded clears every observation's embedded flag so the
// background embedder re-writes them, used after the memory collection is
// reset for a model switch.
func (s *Store) MarkAllUnembedded(ctx context.Context) error {
	return s.write(ctx, func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE observations SET embedded = 0 WHERE archived = 0`)
		return err
	})
}

// SearchFTS runs a full-text query over observation bodies, the lexical
// complement to similarity search over the memory collection.
func (s *Store) SearchFTS(ctx context.Context, query string, limit int) ([]string, error) {
	return s.searchText(ctx, query, "observation", limit)
}
