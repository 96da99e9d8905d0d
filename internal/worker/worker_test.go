// Copyright 2025 James Ross
package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/jobstore"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestWorker(t *testing.T, cfg config.Worker, reg *Registry) (*Worker, *jobstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := jobstore.New(rdb, "jq", "test", zap.NewNop())
	w := New(cfg, "test", store, reg, zap.NewNop())
	return w, store, mr
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestWorkerProcessesJobToCompletion(t *testing.T) {
	reg := NewRegistry()
	var calls int32
	reg.Register("meta", func(ctx context.Context, job queue.Job) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("ok"), nil
	})

	cfg := config.Worker{Concurrency: 2, LockTTL: time.Second, StalledInterval: time.Hour, MaxStalledCount: 1}
	w, store, mr := newTestWorker(t, cfg, reg)
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j := queue.NewJob("test", "meta", nil, queue.Opts{Attempts: 1})
	j.ID = "job-1"
	if _, err := store.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}

	w.Start(ctx)
	waitFor(t, 2*time.Second, func() bool {
		job, _ := store.GetJob(ctx, "job-1")
		return job.State == queue.StateCompleted
	})
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected processor called exactly once, got %d", calls)
	}
	w.Close(time.Second)
}

func TestWorkerFailsUnknownJobName(t *testing.T) {
	reg := NewRegistry()
	cfg := config.Worker{Concurrency: 1, LockTTL: time.Second, StalledInterval: time.Hour, MaxStalledCount: 1}
	w, store, mr := newTestWorker(t, cfg, reg)
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j := queue.NewJob("test", "nonexistent", nil, queue.Opts{Attempts: 1})
	j.ID = "job-1"
	if _, err := store.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}

	w.Start(ctx)
	waitFor(t, 2*time.Second, func() bool {
		job, _ := store.GetJob(ctx, "job-1")
		return job.State == queue.StateFailed
	})
	final, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if final.LastError == "" {
		t.Fatal("expected a recorded failure reason for unknown-job")
	}
	w.Close(time.Second)
}

func TestWorkerPromoteLoopDrainsDelayedJobs(t *testing.T) {
	reg := NewRegistry()
	var calls int32
	reg.Register("meta", func(ctx context.Context, job queue.Job) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("ok"), nil
	})

	cfg := config.Worker{
		Concurrency: 1, LockTTL: time.Second, StalledInterval: time.Hour,
		MaxStalledCount: 1, PromoteInterval: 10 * time.Millisecond,
	}
	w, store, mr := newTestWorker(t, cfg, reg)
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j := queue.NewJob("test", "meta", nil, queue.Opts{Attempts: 1, Delay: 1})
	j.ID = "job-1"
	if _, err := store.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	queued, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if queued.State != queue.StateDelayed {
		t.Fatalf("expected job enqueued as delayed, got %s", queued.State)
	}

	// No manual PromoteDelayed call here: the worker's own promoteLoop
	// must be the thing that moves this job into waiting and on to completion.
	w.Start(ctx)
	waitFor(t, 2*time.Second, func() bool {
		job, _ := store.GetJob(ctx, "job-1")
		return job.State == queue.StateCompleted
	})
	w.Close(time.Second)
}

func TestWorkerRetriesOnProcessorError(t *testing.T) {
	reg := NewRegistry()
	var attempt int32
	reg.Register("flaky", func(ctx context.Context, job queue.Job) ([]byte, error) {
		n := atomic.AddInt32(&attempt, 1)
		if n < 2 {
			return nil, errors.New("transient")
		}
		return []byte("ok"), nil
	})

	cfg := config.Worker{Concurrency: 1, LockTTL: time.Second, StalledInterval: time.Hour, MaxStalledCount: 1}
	w, store, mr := newTestWorker(t, cfg, reg)
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j := queue.NewJob("test", "flaky", nil, queue.Opts{Attempts: 2, Backoff: queue.Backoff{Type: queue.BackoffFixed, Delay: 1}})
	j.ID = "job-1"
	if _, err := store.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}

	w.Start(ctx)
	waitFor(t, 5*time.Second, func() bool {
		job, _ := store.GetJob(ctx, "job-1")
		if job.State == queue.StateDelayed {
			mr.FastForward(10 * time.Millisecond)
			_, _ = store.PromoteDelayed(ctx, 100)
		}
		return job.State == queue.StateCompleted
	})
	w.Close(time.Second)
}
