// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package activitystore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertIndexedFile records (or updates) the relational shadow of a code
// collection entry, keyed by filepath. The Indexer calls this after a
// successful chunk/embed/upsert cycle for one file.
func (s *Store) UpsertIndexedFile(ctx context.Context, f IndexedFile) error {
	if f.LastIndexedAt.IsZero() {
		f.LastIndexedAt = time.Now().UTC()
	}
	err := s.write(ctx, func(db *sql.DB) error {
		_, err := db.Exec(`INSERT INTO indexed_files (filepath, content_hash, mtime, chunk_count, last_indexed_at, last_error)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(filepath) DO UPDATE SET
				content_hash = excluded.content_hash,
				mtime = excluded.mtime,
				chunk_count = excluded.chunk_count,
				last_indexed_at = excluded.last_indexed_at,
				last_error = excluded.last_error`,
			f.Filepath, f.ContentHash, f.Mtime, f.ChunkCount, f.LastIndexedAt, f.LastError)
		return err
	})
	if err != nil {
		return fmt.Errorf("activitystore: upsert indexed file %s: %w", f.Filepath, err)
	}
	s.invalidateStats()
	return nil
}

// GetIndexedFile fetches a file's indexing record, used by the
// Indexer/Watcher to decide whether a changed file's content hash actually
// differs from what's stored.
func (s *Store) GetIndexedFile(ctx context.Context, filepath string) (*IndexedFile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT filepath, content_hash, mtime, chunk_count, last_indexed_at, last_error
		FROM indexed_files WHERE filepath = ?`, filepath)
	var f IndexedFile
	var lastErr sql.NullString
	err := row.Scan(&f.Filepath, &f.ContentHash, &f.Mtime, &f.ChunkCount, &f.LastIndexedAt, &lastErr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("activitystore: get indexed file %s: %w", filepath, err)
	}
	if lastErr.Valid {
		f.LastError = &lastErr.String
	}
	return &f, nil
}

// ListIndexedFiles returns every tracked file, used by the Indexer's
// reconciliation pass to find entries whose source file was deleted.
func (s *Store) ListIndexedFiles(ctx context.Context) ([]IndexedFile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT filepath, content_hash, mtime, chunk_count, last_indexed_at, last_error FROM indexed_files`)
	if err != nil {
		return nil, fmt.Errorf("activitystore: list indexed files: %w", err)
	}
	defer rows.Close()

	var out []IndexedFile
	for rows.Next() {
		var f IndexedFile
		var lastErr sql.NullString
		if err := rows.Scan(&f.Filepath, &f.ContentHash, &f.Mtime, &f.ChunkCount, &f.LastIndexedAt, &lastErr); err != nil {
			return nil, fmt.Errorf("activitystore: scan indexed file: %w", err)
		}
		if lastErr.Valid {
			f.LastError = &lastErr.String
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteIndexedFile removes a file's tracking row after its chunks have
// been removed from the code collection (e.g. on file deletion).
func (s *Store) DeleteIndexedFile(ctx context.Context, filepath string) error {
	err := s.write(ctx, func(db *sql.DB) error {
		_, err := db.Exec(`DELETE FROM indexed_files WHERE filepath = ?`, filepath)
		return err
	})
	if err != nil {
		return fmt.Errorf("activitystore: delete indexed file %s: %w", filepath, err)
	}
	s.invalidateStats()
	return nil
}

// ClearIndexedFiles drops every tracking row, forcing the next full run
// to re-chunk and re-embed the whole tree. Used when the code collection
// is reset after an embedding model switch.
func (s *Store) ClearIndexedFiles(ctx context.Context) error {
	err := s.write(ctx, func(db *sql.DB) error {
		_, err := db.Exec(`DELETE FROM indexed_files`)
		return err
	})
	if err != nil {
		return fmt.Errorf("activitystore: clear indexed files: %w", err)
	}
	s.invalidateStats()
	return nil
}

// SetIndexError records a per-file indexing failure without blocking the
// rest of the run; one bad file must not abort a full index pass.
func (s *Store) SetIndexError(ctx context.Context, filepath, errMsg string) error {
	now := time.Now().UTC()
	return s.write(ctx, func(db *sql.DB) error {
		_, err := db.Exec(`INSERT INTO indexed_files (filepath, content_hash, mtime, chunk_count, last_indexed_at, last_error)
			VALUES (?, '', ?, 0, ?, ?)
			ON CONFLICT(filepath) DO UPDATE SET last_error = excluded.last_error, last_indexed_at = excluded.last_indexed_at`,
			filepath, now, now, errMsg)
		return err
	})
}
