// Copyright 2025 James Ross
package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, "jq", "test", zap.NewNop()), mr
}

func TestEnqueueIdempotent(t *testing.T) {
	s, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	j := queue.NewJob("test", "meta", []byte(`{"a":1}`), queue.Opts{Priority: 1, Attempts: 3})
	j.ID = "job-1"

	got1, err := s.Enqueue(ctx, j)
	if err != nil {
		t.Fatal(err)
	}
	got2, err := s.Enqueue(ctx, j)
	if err != nil {
		t.Fatal(err)
	}
	if got1.ID != got2.ID || string(got1.Payload) != string(got2.Payload) {
		t.Fatalf("expected idempotent enqueue, got %#v vs %#v", got1, got2)
	}
	counts, err := s.GetJobCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Waiting != 1 {
		t.Fatalf("expected exactly one waiting job, got %d", counts.Waiting)
	}
}

func TestFetchCompleteHappyPath(t *testing.T) {
	s, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	j := queue.NewJob("test", "meta", []byte("payload"), queue.Opts{Attempts: 1})
	j.ID = "job-1"
	if _, err := s.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}

	fetched, err := s.FetchNext(ctx, "worker-1", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if fetched.ID != "job-1" || fetched.State != queue.StateActive {
		t.Fatalf("expected active job-1, got %#v", fetched)
	}

	if err := s.Complete(ctx, "job-1", "worker-1", []byte("ok"), false); err != nil {
		t.Fatal(err)
	}
	final, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if final.State != queue.StateCompleted || string(final.ReturnValue) != "ok" {
		t.Fatalf("expected completed job with return value, got %#v", final)
	}
}

func TestFetchRespectsPriority(t *testing.T) {
	s, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	low := queue.NewJob("test", "x", nil, queue.Opts{Priority: 5, Attempts: 1})
	low.ID = "low"
	high := queue.NewJob("test", "x", nil, queue.Opts{Priority: 1, Attempts: 1})
	high.ID = "high"

	if _, err := s.Enqueue(ctx, low); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Enqueue(ctx, high); err != nil {
		t.Fatal(err)
	}

	first, err := s.FetchNext(ctx, "w1", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != "high" {
		t.Fatalf("expected lower priority number to dequeue first, got %s", first.ID)
	}
}

func TestFailRetriesThenTerminates(t *testing.T) {
	s, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	j := queue.NewJob("test", "x", nil, queue.Opts{Attempts: 2, Backoff: queue.Backoff{Type: queue.BackoffFixed, Delay: 10}})
	j.ID = "job-1"
	if _, err := s.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}

	fetched, err := s.FetchNext(ctx, "w1", time.Second)
	if err != nil || fetched.ID == "" {
		t.Fatalf("expected fetch, err=%v job=%#v", err, fetched)
	}
	if err := s.Fail(ctx, "job-1", "w1", "boom", false); err != nil {
		t.Fatal(err)
	}
	afterFirstFail, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if afterFirstFail.State != queue.StateDelayed || afterFirstFail.AttemptsMade != 1 {
		t.Fatalf("expected delayed retry after first failure, got %#v", afterFirstFail)
	}

	time.Sleep(50 * time.Millisecond)
	if _, err := s.PromoteDelayed(ctx, 100); err != nil {
		t.Fatal(err)
	}
	fetched2, err := s.FetchNext(ctx, "w1", time.Second)
	if err != nil || fetched2.ID != "job-1" {
		t.Fatalf("expected to refetch job-1 after promotion, got %#v err=%v", fetched2, err)
	}
	if err := s.Fail(ctx, "job-1", "w1", "boom again", false); err != nil {
		t.Fatal(err)
	}
	final, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if final.State != queue.StateFailed || final.AttemptsMade != 2 {
		t.Fatalf("expected terminal failure at attempts limit, got %#v", final)
	}
}

func TestStallScanRecoversAndTerminates(t *testing.T) {
	s, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	j := queue.NewJob("test", "x", nil, queue.Opts{Attempts: 1})
	j.ID = "job-1"
	if _, err := s.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FetchNext(ctx, "dead-worker", 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	recovered, failed, err := s.StallScan(ctx, 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(recovered) != 1 || len(failed) != 0 {
		t.Fatalf("expected one recovered job on first stall, got recovered=%v failed=%v", recovered, failed)
	}

	if _, err := s.FetchNext(ctx, "dead-worker-2", 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	recovered2, failed2, err := s.StallScan(ctx, 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(recovered2) != 0 || len(failed2) != 1 {
		t.Fatalf("expected terminal failure after exceeding maxStalledCount, got recovered=%v failed=%v", recovered2, failed2)
	}
}

func TestDrainCleanObliterate(t *testing.T) {
	s, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	j1 := queue.NewJob("test", "x", nil, queue.Opts{Attempts: 1})
	j1.ID = "job-1"
	j2 := queue.NewJob("test", "x", nil, queue.Opts{Attempts: 1, Delay: 60_000})
	j2.ID = "job-2"
	if _, err := s.Enqueue(ctx, j1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Enqueue(ctx, j2); err != nil {
		t.Fatal(err)
	}

	n, err := s.Drain(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected drain to remove 2 jobs, got %d", n)
	}
	counts, err := s.GetJobCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Waiting != 0 || counts.Delayed != 0 {
		t.Fatalf("expected empty waiting/delayed after drain, got %#v", counts)
	}

	j3 := queue.NewJob("test", "x", nil, queue.Opts{Attempts: 1})
	j3.ID = "job-3"
	if _, err := s.Enqueue(ctx, j3); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FetchNext(ctx, "w1", time.Second); err != nil {
		t.Fatal(err)
	}
	if err := s.Complete(ctx, "job-3", "w1", nil, false); err != nil {
		t.Fatal(err)
	}
	ids, err := s.Clean(ctx, 0, 10, queue.StateCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "job-3" {
		t.Fatalf("expected clean to remove job-3, got %v", ids)
	}

	j4 := queue.NewJob("test", "x", nil, queue.Opts{Attempts: 1})
	j4.ID = "job-4"
	if _, err := s.Enqueue(ctx, j4); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FetchNext(ctx, "w1", time.Second); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Obliterate(ctx, false); err == nil {
		t.Fatal("expected obliterate to refuse while a job is active")
	}
	if _, err := s.Obliterate(ctx, true); err != nil {
		t.Fatalf("expected forced obliterate to succeed, got %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	s, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()

	j := queue.NewJob("test", "x", nil, queue.Opts{Attempts: 1})
	j.ID = "job-1"
	if _, err := s.Enqueue(ctx, j); err != nil {
		t.Fatal(err)
	}
	if err := s.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := s.FetchNext(ctx, "w1", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "" {
		t.Fatalf("expected no fetch while paused, got %#v", got)
	}
	if err := s.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	got2, err := s.FetchNext(ctx, "w1", time.Second)
	if err != nil || got2.ID != "job-1" {
		t.Fatalf("expected fetch after resume, got %#v err=%v", got2, err)
	}
}
