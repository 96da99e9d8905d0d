// Copyright 2025 James Ross
package queueservice

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, "jq", "ingest", zap.NewNop()), mr
}

func TestAddJobRejectsInvalidEnvelope(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	ctx := context.Background()

	_, err := svc.AddJob(ctx, "ingest", "meta", []byte(`{"name":"x"}`), queue.Opts{Attempts: 1})
	if err == nil {
		t.Fatal("expected validation error for missing type/timestamp")
	}
	qerr, ok := err.(*queue.QueueError)
	if !ok || qerr.Kind != queue.ErrInvalidData {
		t.Fatalf("expected InvalidJobData, got %#v", err)
	}
}

func TestAddJobIdempotentOnJobID(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	ctx := context.Background()

	payload := []byte(`{"type":"meta","name":"x","timestamp":1,"data":{}}`)
	j1, err := svc.AddJob(ctx, "ingest", "meta", payload, queue.Opts{JobID: "stable-1", Attempts: 1})
	if err != nil {
		t.Fatal(err)
	}
	j2, err := svc.AddJob(ctx, "ingest", "meta", payload, queue.Opts{JobID: "stable-1", Attempts: 1})
	if err != nil {
		t.Fatal(err)
	}
	if j1.ID != j2.ID {
		t.Fatalf("expected same id, got %s vs %s", j1.ID, j2.ID)
	}
	counts, err := svc.GetJobCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Waiting != 1 {
		t.Fatalf("expected one waiting job, got %d", counts.Waiting)
	}
}

func TestAddBulkValidatesBeforeWriting(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	ctx := context.Background()

	specs := []JobSpec{
		{Name: "ok", Payload: []byte(`{"type":"meta","name":"ok","timestamp":1,"data":{}}`), Opts: queue.Opts{Attempts: 1}},
		{Name: "bad", Payload: []byte(`{}`), Opts: queue.Opts{Attempts: 1}},
	}
	if _, err := svc.AddBulk(ctx, "ingest", specs); err == nil {
		t.Fatal("expected AddBulk to fail validation before writing any job")
	}
	counts, err := svc.GetJobCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Waiting != 0 {
		t.Fatalf("expected no jobs written when one spec fails validation, got %d", counts.Waiting)
	}
}

func TestDrainAndObliterate(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	ctx := context.Background()

	payload := []byte(`{"type":"meta","name":"x","timestamp":1,"data":{}}`)
	if _, err := svc.AddJob(ctx, "ingest", "x", payload, queue.Opts{Attempts: 1}); err != nil {
		t.Fatal(err)
	}
	n, err := svc.Drain(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected drain to remove 1 job, got %d", n)
	}
	if _, err := svc.Obliterate(ctx, false); err != nil {
		t.Fatal(err)
	}
}

func TestPauseResumeThroughService(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	ctx := context.Background()

	if err := svc.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	payload := []byte(`{"type":"meta","name":"x","timestamp":1,"data":{}}`)
	if _, err := svc.AddJob(ctx, "ingest", "x", payload, queue.Opts{Attempts: 1}); err != nil {
		t.Fatal(err)
	}
	fetched, err := svc.Store().FetchNext(ctx, "w1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if fetched.ID != "" {
		t.Fatal("expected no fetch while paused")
	}
	if err := svc.Resume(ctx); err != nil {
		t.Fatal(err)
	}
}
