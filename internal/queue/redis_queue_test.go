// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package queue

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func testRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available at %s: %v", addr, err)
	}
	return client
}

func TestRedisQueue_EnqueueDequeue(t *testing.T) {
	client := testRedisClient(t)
	ctx := context.Background()

	queueKey := "oakci:test:" + time.Now().Format("20060102150405.000")
	q, err := NewRedisQueue(client, queueKey)
	if err != nil {
		t.Fatalf("NewRedisQueue failed: %v", err)
	}
	defer client.Del(ctx, queueKey)

	job := Job{
		Type:      "embed_observations",
		Payload:   json.RawMessage(`{"session_id":"s1"}`),
		CreatedAt: time.Now().UTC(),
	}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	dequeueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	dequeued, err := q.Dequeue(dequeueCtx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if dequeued.Type != job.Type {
		t.Errorf("Type = %q, want %q", dequeued.Type, job.Type)
	}
	if string(dequeued.Payload) != string(job.Payload) {
		t.Errorf("Payload = %s, want %s", dequeued.Payload, job.Payload)
	}
}

func TestRedisQueue_DequeueRespectsCancellation(t *testing.T) {
	client := testRedisClient(t)

	q, err := NewRedisQueue(client, "oakci:test:empty")
	if err != nil {
		t.Fatalf("NewRedisQueue failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); err == nil {
		t.Fatal("expected an error when dequeueing from an empty queue with an expiring context")
	}
}
