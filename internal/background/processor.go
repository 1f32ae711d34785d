// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch

// Package background runs the daemon's asynchronous jobs on three
// periodicities: fast (activity flushing), medium (batch classification,
// observation extraction and embedding, plan embedding), and infrequent
// (stale-session recovery, session summarization). Jobs flow through a
// queue.Queue -- Redis when configured, in-process otherwise -- and are
// deduplicated by (entity, kind) so a slow worker never piles up repeat
// work.
package background

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oakdev/oak-ci/internal/activitystore"
	"github.com/oakdev/oak-ci/internal/embeddings"
	"github.com/oakdev/oak-ci/internal/logger"
	"github.com/oakdev/oak-ci/internal/queue"
	"github.com/oakdev/oak-ci/internal/summarizer"
	"github.com/oakdev/oak-ci/internal/vectorstore"
)

// Job kinds carried on the queue.
const (
	JobClassifyBatch     = "classify_batch"
	JobExtractBatch      = "extract_observations"
	JobEmbedObservations = "embed_observations"
	JobEmbedPlan         = "embed_plan"
	JobSessionSummary    = "session_summary"
)

const (
	fastInterval       = 10 * time.Second
	mediumInterval     = 60 * time.Second
	infrequentInterval = 5 * time.Minute

	classifyGrace = 2 * time.Minute
	workerCount   = 3
	maxAttempts   = 5
	retryBase     = 30 * time.Second
	stopTimeout   = 30 * time.Second

	embedBatchSize = 64
)

// jobPayload is the common payload shape: the entity the job targets.
type jobPayload struct {
	EntityID string `json:"entity_id"`
	Attempt  int    `json:"attempt"`
}

// Processor owns the tickers and the worker pool.
type Processor struct {
	store        *activitystore.Store
	vectors      vectorstore.VectorStore
	embedder     embeddings.Embedder
	summ         summarizer.Summarizer
	q            queue.Queue
	staleTimeout time.Duration

	// inFlight dedups scheduled work by "kind:entity"; a job seeing its
	// work already done exits cleanly.
	inFlight sync.Map

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a Processor. q may be a ChannelQueue or a RedisQueue.
func New(store *activitystore.Store, vectors vectorstore.VectorStore, embedder embeddings.Embedder, summ summarizer.Summarizer, q queue.Queue, staleTimeout time.Duration) *Processor {
	if staleTimeout <= 0 {
		staleTimeout = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		store:        store,
		vectors:      vectors,
		embedder:     embedder,
		summ:         summ,
		q:            q,
		staleTimeout: staleTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches the tickers and workers.
func (p *Processor) Start() {
	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go p.workerLoop(i + 1)
	}

	p.wg.Add(3)
	go p.tick(fastInterval, p.Fast)
	go p.tick(mediumInterval, p.Medium)
	go p.tick(infrequentInterval, func() { p.Infrequent() })

	logger.Printf("background: started %d workers (stale timeout %s)", workerCount, p.staleTimeout)
}

// Stop cancels all work and waits up to 30s for workers to finish their
// current unit.
func (p *Processor) Stop() {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		logger.Warnf("background: workers did not stop within %s", stopTimeout)
	}
}

func (p *Processor) tick(interval time.Duration, fn func()) {
	defer p.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

// Fast flushes the activity buffer so hook writes become readable.
func (p *Processor) Fast() {
	if err := p.store.FlushActivities(p.ctx); err != nil && p.ctx.Err() == nil {
		logger.Warnf("background: flush activities: %v", err)
	}
}

// Medium schedules classification for aged open batches, extraction for
// freshly completed ones, and embedding for unembedded observations and
// plans.
func (p *Processor) Medium() {
	ctx := p.ctx

	cutoff := time.Now().UTC().Add(-classifyGrace)
	open, err := p.store.ListOpenBatchesOlderThan(ctx, cutoff, 100)
	if err != nil {
		logger.Warnf("background: list open batches: %v", err)
	}
	for _, b := range open {
		p.schedule(JobClassifyBatch, b.ID, 0)
	}

	unembedded, err := p.store.GetUnembedded(ctx, 1)
	if err != nil {
		logger.Warnf("background: check unembedded: %v", err)
	}
	if len(unembedded) > 0 {
		p.schedule(JobEmbedObservations, "all", 0)
	}

	plans, err := p.store.GetBatchesNeedingPlanEmbedding(ctx, 50)
	if err != nil {
		logger.Warnf("background: check plan batches: %v", err)
	}
	for _, b := range plans {
		p.schedule(JobEmbedPlan, b.ID, 0)
	}
}

// Infrequent runs the stale-recovery sweep, returning the session ids it
// recovered (marked completed) and deleted (empty sessions).
func (p *Processor) Infrequent() (recovered, deleted []string) {
	ctx := p.ctx

	stale, err := p.store.GetStale(ctx, p.staleTimeout)
	if err != nil {
		logger.Warnf("background: stale sweep query: %v", err)
		return nil, nil
	}

	for _, sess := range stale {
		if sess.PromptCount == 0 {
			// Abandoned session-start events (e.g. /resume flows that
			// never prompted) are deleted outright.
			if err := p.store.DeleteSessionCascade(ctx, sess.ID); err != nil {
				logger.Warnf("background: delete empty stale session %s: %v", sess.ID, err)
				continue
			}
			logger.Printf("background: deleted stale empty session %s", sess.ID)
			deleted = append(deleted, sess.ID)
			continue
		}

		if err := p.store.EndSession(ctx, sess.ID); err != nil {
			logger.Warnf("background: complete stale session %s: %v", sess.ID, err)
			continue
		}
		recovered = append(recovered, sess.ID)
		p.schedule(JobSessionSummary, sess.ID, 0)
	}

	if len(recovered)+len(deleted) > 0 {
		logger.Printf("background: stale sweep recovered=%d deleted=%d", len(recovered), len(deleted))
	}
	return recovered, deleted
}

// schedule enqueues one job unless the same (kind, entity) is already in
// flight.
func (p *Processor) schedule(kind, entityID string, attempt int) {
	key := kind + ":" + entityID
	if _, loaded := p.inFlight.LoadOrStore(key, struct{}{}); loaded {
		return
	}

	payload, _ := json.Marshal(jobPayload{EntityID: entityID, Attempt: attempt})
	err := p.q.Enqueue(p.ctx, queue.Job{Type: kind, Payload: payload, CreatedAt: time.Now().UTC()})
	if err != nil {
		p.inFlight.Delete(key)
		if err != queue.ErrQueueFull && p.ctx.Err() == nil {
			logger.Warnf("background: enqueue %s: %v", key, err)
		}
	}
}

func (p *Processor) workerLoop(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		job, err := p.q.Dequeue(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			logger.Warnf("background: worker %d dequeue: %v", id, err)
			continue
		}

		var payload jobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			logger.Warnf("background: worker %d: bad payload for %s: %v", id, job.Type, err)
			continue
		}

		key := job.Type + ":" + payload.EntityID
		err = p.handle(job.Type, payload)
		p.inFlight.Delete(key)

		if err != nil && p.ctx.Err() == nil {
			p.retryLater(job.Type, payload, err)
		}
	}
}

func (p *Processor) handle(kind string, payload jobPayload) error {
	switch kind {
	case JobClassifyBatch:
		return p.classifyBatch(p.ctx, payload.EntityID)
	case JobExtractBatch:
		return p.extractObservations(p.ctx, payload.EntityID)
	case JobEmbedObservations:
		return p.embedObservations(p.ctx)
	case JobEmbedPlan:
		return p.embedPlan(p.ctx, payload.EntityID)
	case JobSessionSummary:
		return p.generateSessionSummary(p.ctx, payload.EntityID)
	default:
		logger.Warnf("background: unknown job type %s", kind)
		return nil
	}
}

// retryLater re-schedules a failed job with exponential backoff, capped at
// maxAttempts.
func (p *Processor) retryLater(kind string, payload jobPayload, cause error) {
	if payload.Attempt+1 >= maxAttempts {
		logger.Errorf("background: %s:%s failed after %d attempts: %v", kind, payload.EntityID, maxAttempts, cause)
		return
	}
	delay := retryBase << payload.Attempt
	logger.Warnf("background: %s:%s failed (attempt %d, retry in %s): %v", kind, payload.EntityID, payload.Attempt+1, delay, cause)

	next := payload.Attempt + 1
	time.AfterFunc(delay, func() {
		if p.ctx.Err() != nil {
			return
		}
		p.schedule(kind, payload.EntityID, next)
	})
}

// classifyBatch ends an aged open batch with a label derived from its tool
// distribution, then hands it to the extractor.
func (p *Processor) classifyBatch(ctx context.Context, batchID string) error {
	batch, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		if err == activitystore.ErrNotFound {
			return nil
		}
		return err
	}
	if batch.Status != activitystore.BatchActive {
		return nil // already done
	}

	activities, err := p.store.ListActivities(ctx, batchID)
	if err != nil {
		return err
	}
	label := Classify(batch, activities)
	if err := p.store.EndBatch(ctx, batchID, label); err != nil {
		return err
	}
	logger.Debugf("background: classified batch %s as %s", batchID, label)

	p.schedule(JobExtractBatch, batchID, 0)
	return nil
}

// extractObservations asks the summarization provider for durable
// observations from one completed batch.
func (p *Processor) extractObservations(ctx context.Context, batchID string) error {
	batch, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		if err == activitystore.ErrNotFound {
			return nil
		}
		return err
	}
	activities, err := p.store.ListActivities(ctx, batchID)
	if err != nil {
		return err
	}
	if len(activities) == 0 && batch.UserPrompt == "" {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	drafts, err := summarizer.ExtractObservations(callCtx, p.summ, batch, activities)
	if err != nil {
		return fmt.Errorf("extract batch %s: %w", batchID, err)
	}

	for _, d := range drafts {
		obs := activitystore.Observation{
			SessionID:     batch.SessionID,
			PromptBatchID: batch.ID,
			Type:          activitystore.ObservationType(d.Type),
			Text:          d.Observation,
			Tags:          d.Tags,
			Importance:    activitystore.Importance(d.Importance),
			Source:        "background",
		}
		if d.Context != "" {
			obs.Context = &d.Context
		}
		if d.FilePath != "" {
			obs.FilePath = &d.FilePath
		}
		if _, err := p.store.AddObservation(ctx, obs); err != nil {
			return err
		}
	}
	if len(drafts) > 0 {
		p.schedule(JobEmbedObservations, "all", 0)
	}
	return nil
}

// embedObservations writes every unembedded observation into the memory
// collection.
func (p *Processor) embedObservations(ctx context.Context) error {
	for {
		obs, err := p.store.GetUnembedded(ctx, embedBatchSize)
		if err != nil {
			return err
		}
		if len(obs) == 0 {
			return nil
		}

		texts := make([]string, len(obs))
		for i, o := range obs {
			texts[i] = o.Text
		}

		embedCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		vecs, err := p.embedder.EmbedBatch(embedCtx, texts)
		cancel()
		if err != nil {
			return fmt.Errorf("embed observations: %w", err)
		}

		items := make([]vectorstore.Item, len(obs))
		for i, o := range obs {
			items[i] = vectorstore.Item{
				ID:       o.ID,
				Vector:   vecs[i],
				Metadata: observationMetadata(o),
				Content:  o.Text,
			}
		}
		if err := p.vectors.Add(ctx, vectorstore.CollectionMemory, items, true); err != nil {
			return err
		}
		for _, o := range obs {
			if err := p.store.MarkEmbedded(ctx, o.ID); err != nil {
				return err
			}
		}
		logger.Debugf("background: embedded %d observations", len(obs))
	}
}

func observationMetadata(o activitystore.Observation) map[string]string {
	m := map[string]string{
		"observation_id": o.ID,
		"session_id":     o.SessionID,
		"type":           string(o.Type),
		"importance":     string(o.Importance),
		"archived":       strconv.FormatBool(o.Archived),
		"created_at":     o.CreatedAt.UTC().Format(time.RFC3339),
	}
	if len(o.Tags) > 0 {
		tags, _ := json.Marshal(o.Tags)
		m["tags"] = string(tags)
	}
	if o.FilePath != nil {
		m["file_path"] = *o.FilePath
	}
	return m
}

// embedPlan writes one batch's plan content into the plan collection,
// records the matching plan observation, and flips plan_embedded -- the
// forward half of the plan-embedding invariant.
func (p *Processor) embedPlan(ctx context.Context, batchID string) error {
	batch, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		if err == activitystore.ErrNotFound {
			return nil
		}
		return err
	}
	if batch.PlanEmbedded || batch.PlanContent == nil || *batch.PlanContent == "" {
		return nil // already done (or nothing to embed)
	}

	embedCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	vec, err := p.embedder.EmbedText(embedCtx, *batch.PlanContent)
	cancel()
	if err != nil {
		return fmt.Errorf("embed plan for batch %s: %w", batchID, err)
	}

	metadata := map[string]string{
		"session_id": batch.SessionID,
		"batch_id":   batch.ID,
		"title":      summaryLine(*batch.PlanContent),
		"created_at": batch.StartedAt.UTC().Format(time.RFC3339),
	}
	if err := p.vectors.Add(ctx, vectorstore.CollectionPlan, []vectorstore.Item{{
		ID:       batch.ID,
		Vector:   vec,
		Metadata: metadata,
		Content:  *batch.PlanContent,
	}}, true); err != nil {
		return err
	}

	obs, err := p.store.AddObservation(ctx, activitystore.Observation{
		SessionID:     batch.SessionID,
		PromptBatchID: batch.ID,
		Type:          activitystore.ObsPlan,
		Text:          summaryLine(*batch.PlanContent),
		Importance:    activitystore.ImportanceMedium,
		FilePath:      batch.PlanFilePath,
		Source:        "background",
	})
	if err != nil {
		return err
	}
	// The plan's vector lives in the plan collection; keep the observation
	// row out of the memory-embedding scan.
	if err := p.store.MarkEmbedded(ctx, obs.ID); err != nil {
		return err
	}

	return p.store.MarkPlanEmbedded(ctx, batchID)
}

// generateSessionSummary produces title + summary for a completed session
// and stores a session_summary observation for recall.
func (p *Processor) generateSessionSummary(ctx context.Context, sessionID string) error {
	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		if err == activitystore.ErrNotFound {
			return nil
		}
		return err
	}
	if sess.Summary != nil {
		return nil // already done
	}

	batches, err := p.store.ListBatchesForSession(ctx, sessionID)
	if err != nil {
		return err
	}
	activities, err := p.store.ListSessionActivities(ctx, sessionID)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	title, err := summarizer.GenerateTitle(callCtx, p.summ, batches)
	if err != nil {
		return fmt.Errorf("title for session %s: %w", sessionID, err)
	}
	summary, err := summarizer.GenerateSummary(callCtx, p.summ, batches, activities)
	if err != nil {
		return fmt.Errorf("summary for session %s: %w", sessionID, err)
	}

	if err := p.store.SetSessionSummary(ctx, sessionID, title, summary); err != nil {
		return err
	}
	if _, err := p.store.AddObservation(ctx, activitystore.Observation{
		SessionID:  sessionID,
		Type:       activitystore.ObsSessionSummary,
		Text:       summary,
		Importance: activitystore.ImportanceMedium,
		Source:     "background",
	}); err != nil {
		return err
	}
	p.schedule(JobEmbedObservations, "all", 0)

	logger.Printf("background: summarized session %s (%q)", sessionID, title)
	return nil
}

// summaryLine returns the plan's first non-empty line, markdown heading
// markers stripped, as a short title.
func summaryLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line != "" {
			if len(line) > 120 {
				return line[:120]
			}
			return line
		}
	}
	return "(empty plan)"
}
