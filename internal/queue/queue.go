// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch

// Package queue is the transport behind the background processor: a
// durable Redis-backed queue when Redis is reachable, an in-process
// channel queue otherwise.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Job is one unit of background work. Type routes it to a handler;
// Payload carries the entity ids the handler needs.
type Job struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Queue defines the interface for job queues.
type Queue interface {
	// Enqueue adds a job to the queue.
	Enqueue(ctx context.Context, job Job) error

	// Dequeue blocks until a job is available, then returns it.
	// Returns an error if the context is cancelled or if the operation fails.
	Dequeue(ctx context.Context) (Job, error)
}
