// Copyright 2025 James Ross
package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/go-redis-work-queue/internal/jobstore"
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
	return New(rdb, "jq", "test", 1, zap.NewNop()), mr
}

func TestUpsertRejectsBothPatternAndEvery(t *testing.T) {
	s, mr := newTestService(t)
	defer mr.Close()
	ctx := context.Background()

	_, err := s.Upsert(ctx, Record{ID: "s1", Name: "x", Pattern: "* * * * *", Every: 1000})
	if err == nil {
		t.Fatal("expected validation error when both pattern and every are set")
	}
}

func TestEveryFiresRepeatedlyAndRespectsLimit(t *testing.T) {
	s, mr := newTestService(t)
	defer mr.Close()
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := jobstore.New(rdb, "jq", "test", zap.NewNop())

	rec, err := s.Upsert(ctx, Record{ID: "s1", Name: "tick", Every: 100, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if rec.NextRun == 0 {
		t.Fatal("expected a computed nextRun")
	}

	time.Sleep(200 * time.Millisecond)
	s.tickOnce(ctx)
	counts, err := store.GetJobCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Waiting != 1 {
		t.Fatalf("expected one fire after first tick, got %d", counts.Waiting)
	}

	time.Sleep(200 * time.Millisecond)
	s.tickOnce(ctx)
	counts2, err := store.GetJobCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts2.Waiting != 2 {
		t.Fatalf("expected a second fire bringing total to 2, got %d", counts2.Waiting)
	}

	list, err := s.List(ctx, 0, -1, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("expected scheduler removed after hitting its limit, got %d remaining", len(list))
	}
}

func TestListOrdersByNextRun(t *testing.T) {
	s, mr := newTestService(t)
	defer mr.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := string(rune('a' + i))
		if _, err := s.Upsert(ctx, Record{ID: id, Name: "x", Every: int64(1000 * (i + 1))}); err != nil {
			t.Fatal(err)
		}
	}
	list, err := s.List(ctx, 0, -1, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 schedulers, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].NextRun > list[i].NextRun {
			t.Fatalf("expected ascending nextRun ordering, got %v", list)
		}
	}
}
