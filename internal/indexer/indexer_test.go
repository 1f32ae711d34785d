// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package indexer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/oakdev/oak-ci/internal/activitystore"
	"github.com/oakdev/oak-ci/internal/chunker/linewindow"
	"github.com/oakdev/oak-ci/internal/embeddings"
	"github.com/oakdev/oak-ci/internal/exclude"
	"github.com/oakdev/oak-ci/internal/vectorstore"
)

func newTestIndexer(t *testing.T) (*Indexer, string, *activitystore.Store, *vectorstore.MockStore) {
	t.Helper()
	root := t.TempDir()

	store, err := activitystore.Open(filepath.Join(t.TempDir(), "activities.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	vectors := vectorstore.NewMockStore()
	policy := exclude.NewPolicy(root, []string{".git/", ".oak/"}, nil, nil)
	ix := New(root, store, vectors, embeddings.NewMockEmbedder(64), linewindow.New(), policy, nil, true)
	return ix, root, store, vectors
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestFullRun_IndexesAndTracks(t *testing.T) {
	ix, root, store, vectors := newTestIndexer(t)
	ctx := context.Background()

	writeFile(t, root, "a.go", "package a\n\nfunc A() {}\n")
	writeFile(t, root, "sub/b.go", "package b\n\nfunc B() {}\n")
	writeFile(t, root, ".git/config", "[core]\n")

	sum, err := ix.FullRun(ctx)
	if err != nil {
		t.Fatalf("FullRun: %v", err)
	}
	if sum.FilesIndexed != 2 {
		t.Errorf("expected 2 files indexed, got %d", sum.FilesIndexed)
	}

	f, err := store.GetIndexedFile(ctx, "a.go")
	if err != nil {
		t.Fatalf("GetIndexedFile: %v", err)
	}
	stats, _ := vectors.Stats(ctx, vectorstore.CollectionCode)
	if stats.Count == 0 {
		t.Error("expected chunks in the code collection")
	}

	// Invariant: chunk count in the store matches the tracked row.
	matches, err := vectors.Search(ctx, vectorstore.CollectionCode, mustEmbed(t, "func A"), 100, vectorstore.Filter{"filepath": "a.go"}, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != f.ChunkCount {
		t.Errorf("expected %d chunks for a.go, found %d", f.ChunkCount, len(matches))
	}
	for _, m := range matches {
		if m.Metadata["content_hash"] != f.ContentHash {
			t.Errorf("chunk hash %q disagrees with tracked hash %q", m.Metadata["content_hash"], f.ContentHash)
		}
	}
}

func TestFullRun_SkipsUnchanged(t *testing.T) {
	ix, root, _, _ := newTestIndexer(t)
	ctx := context.Background()

	writeFile(t, root, "a.go", "package a\n")
	if _, err := ix.FullRun(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}

	sum, err := ix.FullRun(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sum.FilesIndexed != 0 || sum.FilesSkipped != 1 {
		t.Errorf("expected unchanged file to be skipped, got indexed=%d skipped=%d", sum.FilesIndexed, sum.FilesSkipped)
	}
}

func TestIndexFile_ReplaceOnModify(t *testing.T) {
	ix, root, store, vectors := newTestIndexer(t)
	ctx := context.Background()

	writeFile(t, root, "a.go", "package a\n\nfunc Old() {}\n")
	if _, err := ix.IndexFile(ctx, "a.go"); err != nil {
		t.Fatalf("first index: %v", err)
	}
	before, _ := store.GetIndexedFile(ctx, "a.go")

	writeFile(t, root, "a.go", "package a\n\nfunc New() {}\n")
	res, err := ix.IndexFile(ctx, "a.go")
	if err != nil {
		t.Fatalf("re-index: %v", err)
	}
	if res.Skipped {
		t.Fatal("modified file must not be skipped")
	}

	after, _ := store.GetIndexedFile(ctx, "a.go")
	if before.ContentHash == after.ContentHash {
		t.Error("content hash should change after modification")
	}

	matches, _ := vectors.Search(ctx, vectorstore.CollectionCode, mustEmbed(t, "func"), 100, vectorstore.Filter{"filepath": "a.go"}, 0)
	for _, m := range matches {
		if m.Metadata["content_hash"] == before.ContentHash {
			t.Error("stale chunks from the old content are still searchable")
		}
	}
}

func TestRemoveFile_ClearsChunksAndRow(t *testing.T) {
	ix, root, store, vectors := newTestIndexer(t)
	ctx := context.Background()

	writeFile(t, root, "a.go", "package a\n")
	if _, err := ix.IndexFile(ctx, "a.go"); err != nil {
		t.Fatalf("index: %v", err)
	}

	if err := ix.RemoveFile(ctx, "a.go"); err != nil {
		t.Fatalf("RemoveFile: %v", err)
	}

	if _, err := store.GetIndexedFile(ctx, "a.go"); err != activitystore.ErrNotFound {
		t.Errorf("expected ErrNotFound after removal, got %v", err)
	}
	stats, _ := vectors.Stats(ctx, vectorstore.CollectionCode)
	if stats.Count != 0 {
		t.Errorf("expected empty code collection, got %d points", stats.Count)
	}
}

func TestFullRun_RemovesVanishedFiles(t *testing.T) {
	ix, root, store, _ := newTestIndexer(t)
	ctx := context.Background()

	writeFile(t, root, "a.go", "package a\n")
	writeFile(t, root, "b.go", "package b\n")
	if _, err := ix.FullRun(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}

	if err := os.Remove(filepath.Join(root, "b.go")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := ix.FullRun(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if _, err := store.GetIndexedFile(ctx, "b.go"); err != activitystore.ErrNotFound {
		t.Errorf("expected vanished file to be untracked, got %v", err)
	}
}

func TestIndexFile_EmptyFileSkipped(t *testing.T) {
	ix, root, store, _ := newTestIndexer(t)
	ctx := context.Background()

	writeFile(t, root, "empty.go", "")
	res, err := ix.IndexFile(ctx, "empty.go")
	if err != nil {
		t.Fatalf("IndexFile: %v", err)
	}
	if !res.Skipped {
		t.Error("expected empty file to be skipped with skip_empty=true")
	}
	if _, err := store.GetIndexedFile(ctx, "empty.go"); err != activitystore.ErrNotFound {
		t.Errorf("empty file must not be tracked, got %v", err)
	}
}

func mustEmbed(t *testing.T, text string) []float32 {
	t.Helper()
	vec, err := embeddings.NewMockEmbedder(64).EmbedText(context.Background(), text)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	return vec
}
