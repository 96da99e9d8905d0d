// Copyright 2025 James Ross

// Package admin implements the operational CLI: queue/scheduler inspection
// and control for operators, built directly on the same jobstore and
// scheduler primitives the runtime services use.
package admin

import (
	"context"
	"fmt"
	"strings"

	"github.com/flyingrobots/go-redis-work-queue/internal/jobstore"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/flyingrobots/go-redis-work-queue/internal/queueservice"
	"github.com/flyingrobots/go-redis-work-queue/internal/scheduler"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CLI bundles what every operational subcommand needs: a Redis connection
// and the key prefix the running system was configured with.
type CLI struct {
	rdb    *redis.Client
	prefix string
	log    *zap.Logger
}

func New(rdb *redis.Client, prefix string, log *zap.Logger) *CLI {
	return &CLI{rdb: rdb, prefix: prefix, log: log}
}

func (c *CLI) serviceFor(queueName string) *queueservice.Service {
	return queueservice.New(c.rdb, c.prefix, queueName, c.log)
}

// QueueSummary is one row of `queue list`.
type QueueSummary struct {
	Name   string             `json:"name"`
	Paused bool               `json:"paused"`
	Counts jobstore.JobCounts `json:"counts"`
}

// QueueList discovers every queue with a live `meta` hash under this
// prefix and reports its counts and pause state.
func (c *CLI) QueueList(ctx context.Context) ([]QueueSummary, error) {
	pattern := c.prefix + ":*:meta"
	var cursor uint64
	var names []string
	for {
		keys, cur, err := c.rdb.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return nil, fmt.Errorf("scan queues: %w", err)
		}
		for _, k := range keys {
			trimmed := strings.TrimPrefix(k, c.prefix+":")
			trimmed = strings.TrimSuffix(trimmed, ":meta")
			if trimmed != "" {
				names = append(names, trimmed)
			}
		}
		cursor = cur
		if cursor == 0 {
			break
		}
	}

	out := make([]QueueSummary, 0, len(names))
	for _, name := range names {
		svc := c.serviceFor(name)
		counts, err := svc.GetJobCounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("counts for %s: %w", name, err)
		}
		paused, err := svc.Store().IsPaused(ctx)
		if err != nil {
			return nil, fmt.Errorf("paused state for %s: %w", name, err)
		}
		out = append(out, QueueSummary{Name: name, Paused: paused, Counts: counts})
	}
	return out, nil
}

// QueuePause pauses waiting-job dispatch for the named queue.
func (c *CLI) QueuePause(ctx context.Context, queueName string) error {
	if queueName == "" {
		return fmt.Errorf("queue name required")
	}
	return c.serviceFor(queueName).Pause(ctx)
}

// QueueDrain removes every waiting and delayed job from the named queue,
// leaving active jobs to finish in place.
func (c *CLI) QueueDrain(ctx context.Context, queueName string) (int64, error) {
	if queueName == "" {
		return 0, fmt.Errorf("queue name required")
	}
	return c.serviceFor(queueName).Drain(ctx, false)
}

// SchedulerList returns every scheduler record registered for the named
// queue, ordered by next fire time.
func (c *CLI) SchedulerList(ctx context.Context, queueName string) ([]scheduler.Record, error) {
	if queueName == "" {
		return nil, fmt.Errorf("queue name required")
	}
	svc := scheduler.New(c.rdb, c.prefix, queueName, 1, c.log)
	return svc.List(ctx, 0, -1, true)
}

// JobPeek returns the stored record for a single job on the named queue.
func (c *CLI) JobPeek(ctx context.Context, queueName, jobID string) (queue.Job, error) {
	if queueName == "" || jobID == "" {
		return queue.Job{}, fmt.Errorf("queue name and job id required")
	}
	return c.serviceFor(queueName).GetJob(ctx, jobID)
}

// WorkerStats is a point-in-time view of dispatch activity derived from
// job counts; the runtime does not keep a separate per-worker registry
// that survives worker process restarts.
type WorkerStats struct {
	Queue   string             `json:"queue"`
	Counts  jobstore.JobCounts `json:"counts"`
	Stalled int64              `json:"stalledRecovered,omitempty"`
}

// WorkerStats reports the named queue's current dispatch counts.
func (c *CLI) WorkerStats(ctx context.Context, queueName string) (WorkerStats, error) {
	if queueName == "" {
		return WorkerStats{}, fmt.Errorf("queue name required")
	}
	counts, err := c.serviceFor(queueName).GetJobCounts(ctx)
	if err != nil {
		return WorkerStats{}, err
	}
	return WorkerStats{Queue: queueName, Counts: counts}, nil
}
