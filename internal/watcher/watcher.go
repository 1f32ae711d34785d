// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch

// Package watcher turns raw file system notifications under the project
// root into a debounced, sequence-numbered change stream for the Indexer.
// It applies the same exclude.Policy the Indexer uses, so the two can never
// disagree about scope.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/oakdev/oak-ci/internal/exclude"
	"github.com/oakdev/oak-ci/internal/logger"
)

// Kind classifies a change event.
type Kind string

const (
	KindCreated  Kind = "created"
	KindModified Kind = "modified"
	KindDeleted  Kind = "deleted"
	KindRenamed  Kind = "renamed"
)

// Event is one debounced change. Seq is monotonic across all events,
// including ones dropped by the burst ceiling, so a consumer that sees a
// gap knows events were shed.
type Event struct {
	Seq      uint64
	Kind     Kind
	Path     string // project-relative, slash-separated
	PrevPath string // set on KindRenamed events; this watcher reports a rename as KindDeleted plus KindCreated and leaves it empty
}

const (
	debounceDelay   = 500 * time.Millisecond
	eventBufferSize = 256

	// Burst ceiling: a mass operation (git checkout, npm install in an
	// unexcluded tree) can emit thousands of events per second; beyond
	// this rate events are shed and the Indexer catches up on its next
	// full reconciliation.
	burstRate  = 200 // events/sec sustained
	burstLimit = 500

	pollInterval = 10 * time.Second
)

// Watcher observes the project root recursively. On platforms where
// fsnotify can't initialize it falls back to a mtime-polling scan.
type Watcher struct {
	root      string
	policy    *exclude.Policy
	debouncer *Debouncer
	limiter   *rate.Limiter
	events    chan Event

	fsw *fsnotify.Watcher

	seq     atomic.Uint64
	dropped atomic.Uint64

	// emitMu orders in-flight emits against Stop's channel close; a
	// debounce timer can fire arbitrarily late.
	emitMu sync.Mutex
	closed bool

	// known tracks path -> mtime for delete detection and the polling
	// fallback.
	knownMu sync.Mutex
	known   map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watcher for projectRoot filtered by policy. Call Start to
// begin emitting events on Events().
func New(projectRoot string, policy *exclude.Policy) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		root:    filepath.Clean(projectRoot),
		policy:  policy,
		limiter: rate.NewLimiter(rate.Limit(burstRate), burstLimit),
		events:  make(chan Event, eventBufferSize),
		known:   make(map[string]time.Time),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Events is the debounced change stream. Closed after Stop.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Dropped reports how many events the burst ceiling has shed so far.
func (w *Watcher) Dropped() uint64 {
	return w.dropped.Load()
}

// Start begins watching. If fsnotify can't initialize (unsupported
// platform, fd exhaustion), the watcher degrades to polling.
func (w *Watcher) Start() error {
	w.debouncer = NewDebouncer(debounceDelay, w.emitChanged)

	w.snapshotTree()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warnf("watcher: fsnotify unavailable (%v), falling back to polling every %s", err, pollInterval)
		w.wg.Add(1)
		go w.pollLoop()
		return nil
	}
	w.fsw = fsw

	if err := w.addRecursive(w.root); err != nil {
		fsw.Close()
		w.fsw = nil
		return fmt.Errorf("watcher: watch %s: %w", w.root, err)
	}

	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop cancels all watching and closes the event channel.
func (w *Watcher) Stop() {
	w.cancel()
	if w.debouncer != nil {
		w.debouncer.Stop()
	}
	if w.fsw != nil {
		w.fsw.Close()
	}
	w.wg.Wait()

	w.emitMu.Lock()
	w.closed = true
	close(w.events)
	w.emitMu.Unlock()
}

// addRecursive registers every non-excluded directory under root; fsnotify
// watches are not recursive on their own.
func (w *Watcher) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if path != root && w.policy.SkipDir(path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			logger.Warnf("watcher: failed to watch %s: %v", path, err)
		}
		return nil
	})
}

// snapshotTree records current mtimes so the first poll cycle (or delete
// handling) has a baseline.
func (w *Watcher) snapshotTree() {
	w.knownMu.Lock()
	defer w.knownMu.Unlock()
	_ = filepath.Walk(w.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if path != w.root && w.policy.SkipDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if w.policy.ShouldIndex(path) {
			w.known[w.policy.Rel(path)] = info.ModTime()
		}
		return nil
	})
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleFsEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warnf("watcher: fsnotify error: %v", err)
		}
	}
}

func (w *Watcher) handleFsEvent(ev fsnotify.Event) {
	if ev.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !w.policy.SkipDir(ev.Name) {
				if err := w.fsw.Add(ev.Name); err != nil {
					logger.Warnf("watcher: failed to watch new directory %s: %v", ev.Name, err)
				}
			}
			return
		}
	}

	// Renames arrive as a Rename on the old path plus a Create on the new
	// one; deletes as Remove. Neither benefits from debouncing -- the file
	// is already gone.
	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		rel := w.policy.Rel(ev.Name)
		w.knownMu.Lock()
		_, tracked := w.known[rel]
		delete(w.known, rel)
		w.knownMu.Unlock()
		if tracked {
			w.emit(Event{Kind: KindDeleted, Path: rel})
		}
		return
	}

	if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
		if !w.policy.ShouldIndex(ev.Name) {
			return
		}
		w.debouncer.Trigger(ev.Name)
	}
}

// emitChanged fires after the debounce window for a written/created path.
func (w *Watcher) emitChanged(path string) {
	info, err := os.Stat(path)
	if err != nil {
		// Deleted during the debounce window; the Remove event already
		// handled it (or will).
		return
	}
	rel := w.policy.Rel(path)

	w.knownMu.Lock()
	_, existed := w.known[rel]
	w.known[rel] = info.ModTime()
	w.knownMu.Unlock()

	kind := KindModified
	if !existed {
		kind = KindCreated
	}
	w.emit(Event{Kind: kind, Path: rel})
}

// emit assigns the next sequence number and delivers the event, shedding it
// if the burst ceiling is exceeded or the consumer is not keeping up.
func (w *Watcher) emit(ev Event) {
	ev.Seq = w.seq.Add(1)

	if !w.limiter.Allow() {
		w.dropped.Add(1)
		return
	}

	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	if w.closed {
		return
	}

	select {
	case w.events <- ev:
	default:
		w.dropped.Add(1)
		logger.Warnf("watcher: event buffer full, dropping seq=%d path=%s", ev.Seq, ev.Path)
	}
}

// pollLoop is the fallback for platforms without working FS notifications:
// a full-tree stat scan diffed against the last snapshot.
func (w *Watcher) pollLoop() {
	defer w.wg.Done()
	t := time.NewTicker(pollInterval)
	defer t.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-t.C:
			w.pollOnce()
		}
	}
}

func (w *Watcher) pollOnce() {
	current := make(map[string]time.Time)
	_ = filepath.Walk(w.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if path != w.root && w.policy.SkipDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if w.policy.ShouldIndex(path) {
			current[w.policy.Rel(path)] = info.ModTime()
		}
		return nil
	})

	w.knownMu.Lock()
	prev := w.known
	w.known = current
	w.knownMu.Unlock()

	for rel, mtime := range current {
		old, existed := prev[rel]
		switch {
		case !existed:
			w.emit(Event{Kind: KindCreated, Path: rel})
		case !mtime.Equal(old):
			w.emit(Event{Kind: KindModified, Path: rel})
		}
	}
	for rel := range prev {
		if _, still := current[rel]; !still {
			w.emit(Event{Kind: KindDeleted, Path: rel})
		}
	}
}
