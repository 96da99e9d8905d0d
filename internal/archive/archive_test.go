// Copyright 2025 James Ross
package archive

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/jobstore"
	"go.uber.org/zap"
)

func TestJitteredDelayStaysWithinBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := jitteredDelay(base)
		if d < 80*time.Millisecond || d > 120*time.Millisecond {
			t.Fatalf("jittered delay %v outside [80ms,120ms]", d)
		}
	}
	if jitteredDelay(0) != 0 {
		t.Fatal("expected zero base to produce zero delay")
	}
}

// TestExportAgainstLiveClickHouse only runs when ARCHIVE_TEST_DSN is set,
// since it requires a reachable ClickHouse instance; CI without one skips.
func TestExportAgainstLiveClickHouse(t *testing.T) {
	dsn := os.Getenv("ARCHIVE_TEST_DSN")
	if dsn == "" {
		t.Skip("ARCHIVE_TEST_DSN not set; skipping live ClickHouse test")
	}
	ctx := context.Background()
	sink, err := New(ctx, Config{DSN: dsn, Database: "default", Table: "archived_jobs_test"}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	err = sink.Export(ctx, []jobstore.ArchiveRecord{{
		JobID:       "job-1",
		QueueName:   "test",
		Name:        "x",
		State:       "completed",
		Payload:     []byte(`{"a":1}`),
		ReturnValue: []byte(`{"ok":true}`),
		ProcessedOn: time.Now().UnixMilli(),
		FinishedOn:  time.Now().UnixMilli(),
	}})
	if err != nil {
		t.Fatal(err)
	}
}
