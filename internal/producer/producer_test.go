// Copyright 2025 James Ross
package producer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/queueservice"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func TestPriorityFor(t *testing.T) {
	p := &Producer{cfg: config.Producer{DefaultPriority: 10, HighPriorityExts: []string{".pdf"}}}
	if got := p.priorityFor(".pdf"); got != 1 {
		t.Fatalf("expected high-priority extension to map to 1, got %d", got)
	}
	if got := p.priorityFor(".txt"); got != 10 {
		t.Fatalf("expected default priority 10, got %d", got)
	}
}

func TestRunEnqueuesMatchingFiles(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	svc := queueservice.New(rdb, "jq", "test", zap.NewNop())

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.tmp"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Producer{
		ScanDir:         dir,
		IncludeGlobs:    []string{"**/*"},
		ExcludeGlobs:    []string{"**/*.tmp"},
		DefaultPriority: 10,
	}
	p := New(cfg, "test", svc, zap.NewNop())
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	counts, err := svc.GetJobCounts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts.Waiting != 1 {
		t.Fatalf("expected exactly one job enqueued for the non-excluded file, got %d", counts.Waiting)
	}
}
