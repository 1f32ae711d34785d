// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/oakdev/oak-ci/internal/logger"
)

// RedisQueue implements Queue over a Redis list, surviving daemon
// restarts. One list per project keeps multiple daemons on a shared Redis
// from stealing each other's jobs.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue creates a Redis-backed queue under key (e.g.
// "oakci:jobs:<project-slug>"). The connection is pinged up front so the
// caller can fall back to the in-process queue when Redis is down.
func NewRedisQueue(client *redis.Client, key string) (Queue, error) {
	if key == "" {
		key = "oakci:jobs:default"
	}

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("queue: ping redis: %w", err)
	}

	logger.Debugf("queue: redis queue ready (key=%s)", key)
	return &RedisQueue{client: client, key: key}, nil
}

// Enqueue adds a job to the queue using RPUSH.
func (r *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job %s: %w", job.Type, err)
	}
	if err := r.client.RPush(ctx, r.key, data).Err(); err != nil {
		return fmt.Errorf("queue: push job %s: %w", job.Type, err)
	}
	return nil
}

// Dequeue blocks until a job is available using BLPOP, then returns it.
func (r *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	// BLPop with timeout 0 blocks server-side; run it in a goroutine so a
	// cancelled context still unblocks the caller promptly.
	type result struct {
		val []string
		err error
	}
	resultChan := make(chan result, 1)

	go func() {
		val, err := r.client.BLPop(ctx, 0, r.key).Result()
		resultChan <- result{val: val, err: err}
	}()

	select {
	case <-ctx.Done():
		return Job{}, ctx.Err()
	case res := <-resultChan:
		if res.err != nil {
			if res.err == redis.Nil {
				return Job{}, ctx.Err()
			}
			return Job{}, fmt.Errorf("queue: pop: %w", res.err)
		}
		if len(res.val) < 2 {
			return Job{}, fmt.Errorf("queue: unexpected BLPOP result with %d elements", len(res.val))
		}

		var job Job
		if err := json.Unmarshal([]byte(res.val[1]), &job); err != nil {
			return Job{}, fmt.Errorf("queue: unmarshal job: %w", err)
		}
		return job, nil
	}
}
