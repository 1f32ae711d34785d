// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package queue

import (
	"context"
	"errors"

	"github.com/oakdev/oak-ci/internal/logger"
)

// ErrQueueFull is returned by ChannelQueue.Enqueue when the bounded buffer
// is at capacity; callers treat it as backpressure and drop the job.
var ErrQueueFull = errors.New("queue: full")

// ChannelQueue is the zero-dependency in-process Queue used when Redis is
// not configured or unreachable. Jobs do not survive a daemon restart;
// every background job is idempotent and re-derivable from the activity
// store, so that loss is acceptable.
type ChannelQueue struct {
	ch chan Job
}

// NewChannelQueue creates an in-process queue bounded at capacity.
func NewChannelQueue(capacity int) *ChannelQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &ChannelQueue{ch: make(chan Job, capacity)}
}

// Enqueue adds a job without blocking; a full buffer rejects the job.
func (q *ChannelQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		logger.Warnf("queue: buffer full, dropping job type=%s", job.Type)
		return ErrQueueFull
	}
}

// Dequeue blocks until a job is available or ctx is cancelled.
func (q *ChannelQueue) Dequeue(ctx context.Context) (Job, error) {
	select {
	case job := <-q.ch:
		return job, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Len reports the number of buffered jobs.
func (q *ChannelQueue) Len() int {
	return len(q.ch)
}
