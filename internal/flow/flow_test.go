// Copyright 2025 James Ross
package flow

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

func TestAddFlowNoSleepNeeded(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	svc := New(rdb, "jq", zap.NewNop())
	ctx := context.Background()

	root := &Node{
		QueueName: "test",
		Name:      "parent",
		Opts:      queue.Opts{Attempts: 1},
		Children: []Node{
			{QueueName: "test", Name: "child1", Opts: queue.Opts{Attempts: 1}},
			{QueueName: "test", Name: "child2", Opts: queue.Opts{Attempts: 1}},
		},
	}

	rootID, err := svc.AddFlow(ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	if rootID == "" {
		t.Fatal("expected a non-empty root id")
	}

	deps, err := svc.GetFlowDependencies(ctx, "test", rootID)
	if err != nil {
		t.Fatal(err)
	}
	if len(deps.Children) != 2 {
		t.Fatalf("expected 2 children recorded immediately after AddFlow, got %d", len(deps.Children))
	}

	store := jobstore.New(rdb, "jq", "test", zap.NewNop())
	counts, err := store.GetJobCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Waiting != 2 {
		t.Fatalf("expected both children waiting, got %d", counts.Waiting)
	}

	parentJob, err := store.GetJob(ctx, rootID)
	if err != nil {
		t.Fatal(err)
	}
	if parentJob.State != queue.StateWaitingChildren {
		t.Fatalf("expected parent to start in waiting-children, got %s", parentJob.State)
	}
}

func TestFlowCompletionPromotesParent(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	svc := New(rdb, "jq", zap.NewNop())
	store := jobstore.New(rdb, "jq", "test", zap.NewNop())
	ctx := context.Background()

	root := &Node{
		QueueName: "test",
		Name:      "parent",
		Opts:      queue.Opts{Attempts: 1},
		Children: []Node{
			{ID: "c1", QueueName: "test", Name: "child1", Opts: queue.Opts{Attempts: 1}},
			{ID: "c2", QueueName: "test", Name: "child2", Opts: queue.Opts{Attempts: 1}},
		},
	}
	rootID, err := svc.AddFlow(ctx, root)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		j, err := store.FetchNext(ctx, "w1", time.Second)
		if err != nil || j.ID == "" {
			t.Fatalf("expected to fetch child %d, err=%v", i, err)
		}
		if err := store.Complete(ctx, j.ID, "w1", []byte("done:"+j.ID), false); err != nil {
			t.Fatal(err)
		}
	}

	parentJob, err := store.GetJob(ctx, rootID)
	if err != nil {
		t.Fatal(err)
	}
	if parentJob.State != queue.StateWaiting {
		t.Fatalf("expected parent promoted to waiting after both children completed, got %s", parentJob.State)
	}

	values, err := svc.GetChildrenValues(ctx, "test", rootID)
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 2 {
		t.Fatalf("expected 2 completed child values, got %d", len(values))
	}
}

func TestFlowChildFailurePropagatesAndAbortsSiblings(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	svc := New(rdb, "jq", zap.NewNop())
	store := jobstore.New(rdb, "jq", "test", zap.NewNop())
	ctx := context.Background()

	root := &Node{
		QueueName: "test",
		Name:      "parent",
		Opts:      queue.Opts{Attempts: 1},
		Children: []Node{
			{ID: "c1", QueueName: "test", Name: "child1", Opts: queue.Opts{Attempts: 1}},
			{ID: "c2", QueueName: "test", Name: "child2", Opts: queue.Opts{Attempts: 1}},
		},
	}
	rootID, err := svc.AddFlow(ctx, root)
	if err != nil {
		t.Fatal(err)
	}

	fetched, err := store.FetchNext(ctx, "w1", time.Second)
	if err != nil || fetched.ID != "c1" {
		t.Fatalf("expected to fetch c1 first, got %#v err=%v", fetched, err)
	}
	if err := store.Fail(ctx, "c1", "w1", "boom", false); err != nil {
		t.Fatal(err)
	}

	parentJob, err := store.GetJob(ctx, rootID)
	if err != nil {
		t.Fatal(err)
	}
	if parentJob.State != queue.StateFailed || parentJob.LastError != "child-failed:c1" {
		t.Fatalf("expected parent to fail with child-failed reason, got %#v", parentJob)
	}

	sibling, err := store.GetJob(ctx, "c2")
	if err != nil {
		t.Fatal(err)
	}
	if sibling.State != queue.StateFailed || sibling.LastError != "sibling-aborted" {
		t.Fatalf("expected sibling c2 aborted, got %#v", sibling)
	}
}
