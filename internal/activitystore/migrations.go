// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package activitystore

import (
	"database/sql"
	"fmt"
)

// migration is one idempotent forward schema step, applied in order and
// keyed off PRAGMA user_version. Adding a column means appending a step
// here, never editing an existing one.
type migration struct {
	name string
	up   func(*sql.Tx) error
}

// SchemaVersion is the schema version this build of the store expects.
// On Open, stored PRAGMA user_version is walked forward to this value.
var SchemaVersion = len(migrations)

var migrations = []migration{
	{name: "initial_schema", up: migrateInitialSchema},
	{name: "fts5_index", up: migrateFTS5},
}

func migrateInitialSchema(tx *sql.Tx) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent TEXT NOT NULL,
		project_root TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		status TEXT NOT NULL DEFAULT 'active',
		prompt_count INTEGER NOT NULL DEFAULT 0,
		tool_count INTEGER NOT NULL DEFAULT 0,
		title TEXT,
		summary TEXT,
		current_prompt_batch_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_project_root ON sessions(project_root);

	CREATE TABLE IF NOT EXISTS prompt_batches (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		prompt_number INTEGER NOT NULL,
		user_prompt TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		status TEXT NOT NULL DEFAULT 'active',
		activity_count INTEGER NOT NULL DEFAULT 0,
		classification TEXT,
		source_type TEXT NOT NULL DEFAULT 'user',
		plan_file_path TEXT,
		plan_content TEXT,
		plan_embedded BOOLEAN NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_batches_session ON prompt_batches(session_id);
	CREATE INDEX IF NOT EXISTS idx_batches_plan_embed ON prompt_batches(plan_embedded, source_type);

	CREATE TABLE IF NOT EXISTS activities (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		prompt_batch_id TEXT NOT NULL REFERENCES prompt_batches(id) ON DELETE CASCADE,
		tool_name TEXT NOT NULL,
		tool_input TEXT NOT NULL DEFAULT '{}',
		tool_output_summary TEXT,
		file_path TEXT,
		success BOOLEAN NOT NULL DEFAULT 1,
		error_message TEXT,
		created_at DATETIME NOT NULL,
		tool_use_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_activities_session ON activities(session_id);
	CREATE INDEX IF NOT EXISTS idx_activities_batch ON activities(prompt_batch_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_activities_tool_use_id ON activities(tool_use_id) WHERE tool_use_id IS NOT NULL AND tool_use_id != '';

	CREATE TABLE IF NOT EXISTS observations (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		prompt_batch_id TEXT,
		type TEXT NOT NULL,
		observation TEXT NOT NULL,
		context TEXT,
		tags TEXT NOT NULL DEFAULT '[]',
		importance TEXT NOT NULL DEFAULT 'medium',
		file_path TEXT,
		created_at DATETIME NOT NULL,
		embedded BOOLEAN NOT NULL DEFAULT 0,
		archived BOOLEAN NOT NULL DEFAULT 0,
		source TEXT NOT NULL DEFAULT 'background'
	);
	CREATE INDEX IF NOT EXISTS idx_observations_session ON observations(session_id);
	CREATE INDEX IF NOT EXISTS idx_observations_type ON observations(type);
	CREATE INDEX IF NOT EXISTS idx_observations_archived ON observations(archived);

	CREATE TABLE IF NOT EXISTS indexed_files (
		filepath TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL,
		mtime DATETIME NOT NULL,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		last_indexed_at DATETIME NOT NULL,
		last_error TEXT
	);
	`
	_, err := tx.Exec(schema)
	return err
}

// migrateFTS5 creates the full-text mirror: the FTS5 virtual table when
// the driver carries the fts5 module, a trigram table otherwise. Only
// rank ordering differs between the two, which is outside the store's
// contract.
func migrateFTS5(tx *sql.Tx) error {
	_, err := tx.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS activity_fts USING fts5(
		entity_id UNINDEXED,
		kind UNINDEXED,
		body
	)`)
	if err == nil {
		return nil
	}

	_, err = tx.Exec(`
	CREATE TABLE IF NOT EXISTS activity_trigram (
		entity_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		tri TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trigram_tri ON activity_trigram(tri, kind);
	CREATE INDEX IF NOT EXISTS idx_trigram_entity ON activity_trigram(entity_id, kind);
	`)
	return err
}

// migrate walks the database forward from its stored user_version to
// SchemaVersion, applying each step inside its own transaction. A fresh
// database starts at user_version=0 and runs every step.
func migrate(db *sql.DB) error {
	var stored int
	if err := db.QueryRow("PRAGMA user_version").Scan(&stored); err != nil {
		return fmt.Errorf("activitystore: read schema version: %w", err)
	}

	if stored > len(migrations) {
		return fmt.Errorf("%w: stored version %d exceeds known migrations (%d); refusing to start", ErrVersionMismatch, stored, len(migrations))
	}

	for i := stored; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("activitystore: begin migration %s: %w", migrations[i].name, err)
		}
		if err := migrations[i].up(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("activitystore: apply migration %s: %w", migrations[i].name, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("activitystore: set schema version after %s: %w", migrations[i].name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("activitystore: commit migration %s: %w", migrations[i].name, err)
		}
	}
	return nil
}
