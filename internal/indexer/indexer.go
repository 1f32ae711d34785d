// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch

// Package indexer reconciles the filesystem under the project root with
// the code collection in the vector store and the indexed_files shadow
// table. Full runs enumerate the whole tree; incremental runs consume the
// Watcher's change stream. The per-file decision (skip unchanged, index
// new, re-index updated) keys off the chunk content hash.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oakdev/oak-ci/internal/activitystore"
	"github.com/oakdev/oak-ci/internal/chunker"
	"github.com/oakdev/oak-ci/internal/embeddings"
	"github.com/oakdev/oak-ci/internal/events"
	"github.com/oakdev/oak-ci/internal/exclude"
	"github.com/oakdev/oak-ci/internal/logger"
	"github.com/oakdev/oak-ci/internal/vectorstore"
	"github.com/oakdev/oak-ci/internal/watcher"
)

// State is the indexer's coarse activity state, surfaced by /api/health.
type State string

const (
	StateIdle     State = "idle"
	StateIndexing State = "indexing"
	StateError    State = "error"
)

const (
	embedBatchSize = 64
	embedTimeout   = 30 * time.Second
)

// RunSummary reports what a full run did.
type RunSummary struct {
	FilesIndexed  int
	FilesSkipped  int
	FilesFailed   int
	ChunksWritten int
}

// Indexer drives full and incremental index runs.
type Indexer struct {
	root      string
	store     *activitystore.Store
	vectors   vectorstore.VectorStore
	embedder  embeddings.Embedder
	chunks    chunker.Chunker
	policy    *exclude.Policy
	bus       *events.Broadcaster
	skipEmpty bool

	state atomic.Value // State

	// fileLocks serializes concurrent work on the same file so that two
	// rapid modifications can never interleave their delete/add cycles.
	fileLocksMu sync.Mutex
	fileLocks   map[string]*sync.Mutex

	wg sync.WaitGroup
}

// New constructs an Indexer. bus may be nil when no progress consumer
// exists (tests).
func New(projectRoot string, store *activitystore.Store, vectors vectorstore.VectorStore, embedder embeddings.Embedder, ch chunker.Chunker, policy *exclude.Policy, bus *events.Broadcaster, skipEmpty bool) *Indexer {
	ix := &Indexer{
		root:      filepath.Clean(projectRoot),
		store:     store,
		vectors:   vectors,
		embedder:  embedder,
		chunks:    ch,
		policy:    policy,
		bus:       bus,
		skipEmpty: skipEmpty,
		fileLocks: make(map[string]*sync.Mutex),
	}
	ix.state.Store(StateIdle)
	return ix
}

// Status returns the indexer's current state.
func (ix *Indexer) Status() State {
	return ix.state.Load().(State)
}

// FullRun enumerates every in-scope file, indexes the changed ones, and
// removes tracking rows for files that no longer exist. A provider failure
// on one file is recorded and the run continues; only enumeration failures
// abort.
func (ix *Indexer) FullRun(ctx context.Context) (RunSummary, error) {
	ix.state.Store(StateIndexing)
	defer func() {
		if ix.Status() == StateIndexing {
			ix.state.Store(StateIdle)
		}
	}()

	candidates, err := ix.enumerate()
	if err != nil {
		ix.state.Store(StateError)
		return RunSummary{}, fmt.Errorf("indexer: enumerate %s: %w", ix.root, err)
	}

	ix.broadcast(events.Event{Type: events.TypeIndexStarted, Total: len(candidates)})
	logger.Printf("indexer: full run over %d candidate files", len(candidates))

	var sum RunSummary
	for i, rel := range candidates {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		ix.broadcast(events.Event{Type: events.TypeFileIndexing, Path: rel, Processed: i, Total: len(candidates)})

		res, err := ix.IndexFile(ctx, rel)
		switch {
		case err != nil:
			sum.FilesFailed++
			logger.Warnf("indexer: %s: %v", rel, err)
			ix.broadcast(events.Event{Type: events.TypeFileError, Path: rel, Error: err.Error(), Processed: i + 1, Total: len(candidates)})
			if serr := ix.store.SetIndexError(ctx, rel, err.Error()); serr != nil {
				logger.Warnf("indexer: record error for %s: %v", rel, serr)
			}
		case res.Skipped:
			sum.FilesSkipped++
			ix.broadcast(events.Event{Type: events.TypeFileSkipped, Path: rel, Processed: i + 1, Total: len(candidates)})
		default:
			sum.FilesIndexed++
			sum.ChunksWritten += res.Chunks
			ix.broadcast(events.Event{Type: events.TypeFileIndexed, Path: rel, Chunks: res.Chunks, Processed: i + 1, Total: len(candidates)})
		}
	}

	if err := ix.removeVanished(ctx, candidates); err != nil {
		logger.Warnf("indexer: reconcile deletions: %v", err)
	}

	ix.broadcast(events.Event{Type: events.TypeIndexFinished, Processed: len(candidates), Total: len(candidates)})
	logger.Printf("indexer: full run complete: indexed=%d skipped=%d failed=%d chunks=%d",
		sum.FilesIndexed, sum.FilesSkipped, sum.FilesFailed, sum.ChunksWritten)
	return sum, nil
}

// Consume processes the Watcher's change stream until the channel closes
// or ctx is cancelled. Call in its own goroutine; Wait blocks until
// in-flight work finishes.
func (ix *Indexer) Consume(ctx context.Context, ch <-chan watcher.Event) {
	ix.wg.Add(1)
	defer ix.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			ix.handleEvent(ctx, ev)
		}
	}
}

// Wait blocks until all Consume goroutines have returned.
func (ix *Indexer) Wait() {
	ix.wg.Wait()
}

func (ix *Indexer) handleEvent(ctx context.Context, ev watcher.Event) {
	switch ev.Kind {
	case watcher.KindCreated, watcher.KindModified:
		res, err := ix.IndexFile(ctx, ev.Path)
		if err != nil {
			logger.Warnf("indexer: incremental %s: %v", ev.Path, err)
			if serr := ix.store.SetIndexError(ctx, ev.Path, err.Error()); serr != nil {
				logger.Warnf("indexer: record error for %s: %v", ev.Path, serr)
			}
			ix.broadcast(events.Event{Type: events.TypeFileError, Path: ev.Path, Error: err.Error()})
			return
		}
		if !res.Skipped {
			ix.broadcast(events.Event{Type: events.TypeFileIndexed, Path: ev.Path, Chunks: res.Chunks})
		}
	case watcher.KindDeleted:
		if err := ix.RemoveFile(ctx, ev.Path); err != nil && !errors.Is(err, activitystore.ErrNotFound) {
			logger.Warnf("indexer: remove %s: %v", ev.Path, err)
		}
	case watcher.KindRenamed:
		if ev.PrevPath != "" {
			if err := ix.RemoveFile(ctx, ev.PrevPath); err != nil && !errors.Is(err, activitystore.ErrNotFound) {
				logger.Warnf("indexer: remove renamed %s: %v", ev.PrevPath, err)
			}
		}
		if _, err := ix.IndexFile(ctx, ev.Path); err != nil {
			logger.Warnf("indexer: index renamed %s: %v", ev.Path, err)
		}
	}
}

// FileResult reports one file's outcome.
type FileResult struct {
	Skipped bool
	Chunks  int
}

// IndexFile chunks, embeds, and upserts one project-relative file,
// replacing whatever the code collection held for it. Unchanged content
// (same chunk hash) is skipped without touching the provider.
func (ix *Indexer) IndexFile(ctx context.Context, rel string) (FileResult, error) {
	unlock := ix.lockFile(rel)
	defer unlock()

	abs := filepath.Join(ix.root, filepath.FromSlash(rel))
	content, err := os.ReadFile(abs)
	if err != nil {
		return FileResult{}, fmt.Errorf("read: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return FileResult{}, fmt.Errorf("stat: %w", err)
	}

	if len(content) == 0 && ix.skipEmpty {
		// If the file previously had content, its chunks are now stale.
		if _, err := ix.store.GetIndexedFile(ctx, rel); err == nil {
			if err := ix.RemoveFile(ctx, rel); err != nil {
				return FileResult{}, err
			}
		}
		return FileResult{Skipped: true}, nil
	}

	chunks, err := ix.chunks.Chunk(rel, content)
	if err != nil {
		return FileResult{}, fmt.Errorf("chunk: %w", err)
	}
	hash := chunker.ContentHash(chunks)

	if existing, err := ix.store.GetIndexedFile(ctx, rel); err == nil && existing.ContentHash == hash && existing.LastError == nil {
		return FileResult{Skipped: true}, nil
	}

	items, err := ix.embedChunks(ctx, rel, hash, chunks)
	if err != nil {
		return FileResult{}, err
	}

	if err := ix.vectors.Delete(ctx, vectorstore.CollectionCode, vectorstore.Filter{"filepath": rel}); err != nil {
		return FileResult{}, fmt.Errorf("clear old chunks: %w", err)
	}
	for start := 0; start < len(items); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(items) {
			end = len(items)
		}
		if err := ix.vectors.Add(ctx, vectorstore.CollectionCode, items[start:end], true); err != nil {
			return FileResult{}, fmt.Errorf("upsert chunks: %w", err)
		}
	}

	if err := ix.store.UpsertIndexedFile(ctx, activitystore.IndexedFile{
		Filepath:    rel,
		ContentHash: hash,
		Mtime:       info.ModTime().UTC(),
		ChunkCount:  len(chunks),
	}); err != nil {
		return FileResult{}, err
	}
	return FileResult{Chunks: len(chunks)}, nil
}

// RemoveFile drops a file's chunks from the code collection and deletes
// its tracking row.
func (ix *Indexer) RemoveFile(ctx context.Context, rel string) error {
	unlock := ix.lockFile(rel)
	defer unlock()

	if err := ix.vectors.Delete(ctx, vectorstore.CollectionCode, vectorstore.Filter{"filepath": rel}); err != nil {
		return fmt.Errorf("indexer: delete chunks for %s: %w", rel, err)
	}
	if err := ix.store.DeleteIndexedFile(ctx, rel); err != nil {
		return err
	}
	ix.broadcast(events.Event{Type: events.TypeFileRemoved, Path: rel})
	return nil
}

func (ix *Indexer) embedChunks(ctx context.Context, rel, hash string, chunks []chunker.Chunk) ([]vectorstore.Item, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	items := make([]vectorstore.Item, 0, len(chunks))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}

		embedCtx, cancel := context.WithTimeout(ctx, embedTimeout)
		vectors, err := ix.embedder.EmbedBatch(embedCtx, texts[start:end])
		cancel()
		if err != nil {
			return nil, fmt.Errorf("embed: %w", err)
		}

		for j, vec := range vectors {
			i := start + j
			metadata := map[string]string{
				"filepath":     rel,
				"start_line":   strconv.Itoa(chunks[i].StartLine),
				"end_line":     strconv.Itoa(chunks[i].EndLine),
				"chunk_index":  strconv.Itoa(i),
				"content_hash": hash,
			}
			if chunks[i].SymbolName != nil {
				metadata["symbol"] = *chunks[i].SymbolName
			}
			items = append(items, vectorstore.Item{
				ID:       vectorstore.ChunkPointID(rel, i),
				Vector:   vec,
				Metadata: metadata,
				Content:  chunks[i].Content,
			})
		}
	}
	return items, nil
}

// enumerate walks the project tree and returns in-scope files as sorted,
// project-relative paths.
func (ix *Indexer) enumerate() ([]string, error) {
	var out []string
	err := filepath.Walk(ix.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != ix.root && ix.policy.SkipDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if ix.policy.ShouldIndex(path) {
			out = append(out, ix.policy.Rel(path))
		}
		return nil
	})
	return out, err
}

// removeVanished deletes tracking rows (and chunks) for files the walk no
// longer sees.
func (ix *Indexer) removeVanished(ctx context.Context, current []string) error {
	seen := make(map[string]bool, len(current))
	for _, rel := range current {
		seen[rel] = true
	}
	tracked, err := ix.store.ListIndexedFiles(ctx)
	if err != nil {
		return err
	}
	for _, f := range tracked {
		if !seen[f.Filepath] {
			if err := ix.RemoveFile(ctx, f.Filepath); err != nil {
				logger.Warnf("indexer: remove vanished %s: %v", f.Filepath, err)
			}
		}
	}
	return nil
}

func (ix *Indexer) lockFile(rel string) func() {
	ix.fileLocksMu.Lock()
	mu, ok := ix.fileLocks[rel]
	if !ok {
		mu = &sync.Mutex{}
		ix.fileLocks[rel] = mu
	}
	ix.fileLocksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func (ix *Indexer) broadcast(ev events.Event) {
	if ix.bus != nil {
		ix.bus.Broadcast(ev)
	}
}
