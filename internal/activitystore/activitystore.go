// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch

// Package activitystore persists session/batch/activity/observation history
// in a per-project SQLite database: one long-lived *sql.DB in WAL mode,
// with a stepped migration runner (migrations.go) walking the schema
// forward on open.
package activitystore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	activityBufferLimit   = 500
	activityFlushInterval = 5 * time.Second
	staleSessionTimeout   = 2 * time.Hour
)

// Store is the SQLite-backed activity store. All mutations are funneled
// through one writer goroutine; reads use the pool's own connections
// directly since SQLite in WAL mode allows concurrent readers alongside
// the one writer.
type Store struct {
	db   *sql.DB
	path string

	writeCh chan writeJob
	closeCh chan struct{}
	wg      sync.WaitGroup

	bufMu sync.Mutex
	buf   []pendingActivity

	statsMu    sync.RWMutex
	statsCache *Stats
	statsAt    time.Time

	closed   bool
	closedMu sync.Mutex

	// fts5 selects the full-text backend; see fts.go.
	fts5 bool
}

// writeJob is one unit of serialized write work: a DB-bound closure plus
// the channel its caller blocks on.
type writeJob struct {
	fn   func(*sql.DB) error
	done chan error
}

type pendingActivity struct {
	a Activity
}

// Stats is the memoized aggregate counter set returned by Store.Stats.
type Stats struct {
	SessionCount       int
	ActiveSessionCount int
	ActivityCount      int
	ObservationCount   int
	IndexedFileCount   int
	ComputedAt         time.Time
}

// Open opens (creating if absent) the SQLite database at path, applies
// pending migrations, and starts the writer goroutine. dbPath is normally
// <project-data-dir>/activities.db.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("activitystore: open %s: %w", dbPath, err)
	}
	// WAL allows one writer + many concurrent readers. Writes are
	// serialized by the writer goroutine; the pool of up to 8 connections
	// serves concurrent reads.
	db.SetMaxOpenConns(8)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:      db,
		path:    dbPath,
		writeCh: make(chan writeJob, 64),
		closeCh: make(chan struct{}),
		fts5:    hasFTS5(db),
	}

	s.wg.Add(1)
	go s.writerLoop()

	s.wg.Add(1)
	go s.flushTicker()

	return s, nil
}

// Close flushes the pending activity buffer, stops the writer goroutine,
// and closes the underlying database.
func (s *Store) Close() error {
	s.closedMu.Lock()
	if s.closed {
		s.closedMu.Unlock()
		return nil
	}
	s.closed = true
	s.closedMu.Unlock()

	s.flushActivities()
	close(s.closeCh)
	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) writerLoop() {
	defer s.wg.Done()
	for {
		select {
		case job := <-s.writeCh:
			job.done <- job.fn(s.db)
		case <-s.closeCh:
			// Drain anything already queued before exiting so callers
			// blocked on write() don't hang forever.
			for {
				select {
				case job := <-s.writeCh:
					job.done <- job.fn(s.db)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) flushTicker() {
	defer s.wg.Done()
	t := time.NewTicker(activityFlushInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.flushActivities()
		case <-s.closeCh:
			return
		}
	}
}

// write serializes fn through the single writer goroutine and waits for it
// to finish. ErrClosed is returned if called after Close.
func (s *Store) write(ctx context.Context, fn func(*sql.DB) error) error {
	s.closedMu.Lock()
	closed := s.closed
	s.closedMu.Unlock()
	if closed {
		return ErrClosed
	}

	job := writeJob{fn: fn, done: make(chan error, 1)}
	select {
	case s.writeCh <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closeCh:
		return ErrClosed
	}

	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// invalidateStats drops the cached Stats so the next Stats() call
// recomputes it. Called after any mutating write.
func (s *Store) invalidateStats() {
	s.statsMu.Lock()
	s.statsCache = nil
	s.statsMu.Unlock()
}

func newID() string {
	return uuid.NewString()
}
