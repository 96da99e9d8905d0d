// Copyright 2025 James Ross

// Package archive is a ClickHouse-backed jobstore.ArchiveSink: terminal job
// records removed by clean land in a single MergeTree table,
// partitioned by day, with payload and return-value columns zstd-compressed
// before insert.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/flyingrobots/go-redis-work-queue/internal/jobstore"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// Config configures the ClickHouse sink. It mirrors internal/config.Archive
// plus the connection details a DSN alone doesn't carry.
type Config struct {
	DSN           string
	Database      string
	Table         string
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
}

// Sink implements jobstore.ArchiveSink against a ClickHouse table.
type Sink struct {
	cfg     Config
	db      *sql.DB
	log     *zap.Logger
	encoder *zstd.Encoder
}

// New connects to ClickHouse, ensures the archive table exists, and returns
// a ready-to-use sink. The caller wires it in with store.SetArchiveSink.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Sink, error) {
	if cfg.Table == "" {
		cfg.Table = "archived_jobs"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}

	db := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{cfg.DSN},
		Auth: clickhouse.Auth{Database: cfg.Database},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout: 10 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("archive: ping clickhouse: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("archive: init zstd encoder: %w", err)
	}

	s := &Sink{cfg: cfg, db: db, log: log, encoder: enc}
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureTable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	stmt := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	job_id String,
	queue LowCardinality(String),
	name LowCardinality(String),
	state LowCardinality(String),
	attempts_made UInt32,
	last_error String,
	payload String,
	return_value String,
	processed_on DateTime64(3),
	finished_on DateTime64(3),
	archived_at DateTime64(3)
) ENGINE = MergeTree()
PARTITION BY toYYYYMMDD(finished_on)
ORDER BY (queue, finished_on, job_id)
TTL finished_on + INTERVAL 90 DAY DELETE
`, s.cfg.Table)
	_, err := s.db.ExecContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("archive: ensure table: %w", err)
	}
	return nil
}

// Export writes a batch of archive records, retrying the whole batch with
// jittered backoff on transient connection errors, the same retry shape
// the Redis adapter uses for its own transient failures.
func (s *Sink) Export(ctx context.Context, records []jobstore.ArchiveRecord) error {
	if len(records) == 0 {
		return nil
	}
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jitteredDelay(s.cfg.RetryDelay)):
			}
		}
		if err := s.insertBatch(ctx, records); err != nil {
			lastErr = err
			s.log.Warn("archive export attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		return nil
	}
	return fmt.Errorf("archive: export failed after %d attempts: %w", s.cfg.MaxRetries+1, lastErr)
}

func (s *Sink) insertBatch(ctx context.Context, records []jobstore.ArchiveRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
INSERT INTO %s (job_id, queue, name, state, attempts_made, last_error, payload, return_value, processed_on, finished_on, archived_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, s.cfg.Table))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, r := range records {
		_, err := stmt.ExecContext(ctx,
			r.JobID,
			r.QueueName,
			r.Name,
			string(r.State),
			r.AttemptsMade,
			r.LastError,
			s.encoder.EncodeAll(r.Payload, nil),
			s.encoder.EncodeAll(r.ReturnValue, nil),
			time.UnixMilli(r.ProcessedOn),
			time.UnixMilli(r.FinishedOn),
			now,
		)
		if err != nil {
			return fmt.Errorf("insert job %s: %w", r.JobID, err)
		}
	}
	return tx.Commit()
}

// Close releases the underlying connection pool and the zstd encoder.
func (s *Sink) Close() error {
	s.encoder.Close()
	return s.db.Close()
}

func jitteredDelay(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(base) * jitter)
}
