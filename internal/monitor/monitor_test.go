// Copyright 2025 James Ross
package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/go-redis-work-queue/internal/jobstore"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func TestRollingWindowThroughput(t *testing.T) {
	w := newRollingWindow(3)
	base := time.Now()
	w.add(sample{at: base, completed: 0})
	w.add(sample{at: base.Add(10 * time.Second), completed: 10})
	if got := w.throughput(); got != 1.0 {
		t.Fatalf("expected 1.0 completed/sec, got %v", got)
	}
	w.add(sample{at: base.Add(20 * time.Second), completed: 30})
	if len(w.samples) != 3 {
		t.Fatalf("expected window capped at 3 samples, got %d", len(w.samples))
	}
}

func TestMonitorPollsJobCounts(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := jobstore.New(rdb, "jq", "test", zap.NewNop())
	ctx := context.Background()

	j := queue.NewJob("test", "x", nil, queue.Opts{Attempts: 1})
	j.ID = "job-1"
	if _, err := store.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}

	m := New(store, 10, zap.NewNop())
	snap := m.poll(ctx)
	if snap.Waiting != 1 {
		t.Fatalf("expected one waiting job in snapshot, got %d", snap.Waiting)
	}
}

func TestMonitorRunEmitsSnapshots(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := jobstore.New(rdb, "jq", "test", zap.NewNop())

	var eventCount int
	m := New(store, 10, zap.NewNop())
	m.OnEvent(func(jobstore.Event) { eventCount++ })

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan QueueMetrics, 10)
	go m.Run(ctx, 20*time.Millisecond, out)

	j := queue.NewJob("test", "x", nil, queue.Opts{Attempts: 1})
	j.ID = "job-1"
	if _, err := store.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-out:
			cancel()
			return
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	cancel()
	t.Fatal("expected at least one snapshot to be emitted")
}
