// Copyright 2025 James Ross
package redisclient

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
)

func TestNewAndWaitReady(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()

	cfg, _ := config.Load("nonexistent.yaml")
	cfg.Redis.Addr = mr.Addr()

	rdb := New(cfg)
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := WaitReady(ctx, rdb, 500*time.Millisecond); err != nil {
		t.Fatalf("expected ready client, got %v", err)
	}
}

func TestIsReadOnlyErr(t *testing.T) {
	if !IsReadOnlyErr(ErrReadOnlyReplica) {
		t.Fatalf("expected ErrReadOnlyReplica to be detected")
	}
	if IsReadOnlyErr(nil) {
		t.Fatalf("nil should not be read-only")
	}
}
