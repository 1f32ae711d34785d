// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package activitystore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
)

func TestMigrate_WalksForwardFromOlderVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "activity.db")

	// Apply only the first migration, as an older build would have left it.
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL")
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := migrations[0].up(tx); err != nil {
		t.Fatalf("apply first migration: %v", err)
	}
	if _, err := tx.Exec("PRAGMA user_version = 1"); err != nil {
		t.Fatalf("set version: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Seed a row under the old schema.
	if _, err := db.Exec(`INSERT INTO sessions (id, agent, project_root, started_at, status, prompt_count, tool_count)
		VALUES ('old-1', 'claude', '/p', '2026-01-01 00:00:00', 'active', 0, 0)`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	db.Close()

	// Opening through the store walks the version forward without losing
	// the seeded row.
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != SchemaVersion {
		t.Errorf("user_version = %d, want %d", version, SchemaVersion)
	}

	if _, err := s.GetSession(context.Background(), "old-1"); err != nil {
		t.Errorf("row seeded before migration is gone: %v", err)
	}
}

func TestMigrate_RefusesNewerSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "activity.db")

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion+5)); err != nil {
		t.Fatalf("set version: %v", err)
	}
	db.Close()

	if _, err := Open(path); err == nil {
		t.Fatal("expected Open to refuse a database from a newer build")
	}
}
