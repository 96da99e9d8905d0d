// Copyright 2025 James Ross

// Package producer is the demo workload generator: it walks a directory
// tree and enqueues one job per matching file, at a token-bucket-limited
// rate, standing in for whatever upstream system would otherwise submit
// fantasy-sports scoring/ingestion jobs.
package producer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/flyingrobots/go-redis-work-queue/internal/queueservice"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// jobPayload is the envelope data carried by every generated job.
type jobPayload struct {
	FilePath string `json:"filePath"`
	FileSize int64  `json:"fileSize"`
}

type Producer struct {
	cfg      config.Producer
	svc      *queueservice.Service
	queue    string
	log      *zap.Logger
	limiter  *rate.Limiter
}

func New(cfg config.Producer, queueName string, svc *queueservice.Service, log *zap.Logger) *Producer {
	var limiter *rate.Limiter
	if cfg.RateLimitPerSec > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), burst)
	}
	return &Producer{cfg: cfg, svc: svc, queue: queueName, log: log, limiter: limiter}
}

// Run walks cfg.ScanDir once, enqueueing a job for every file matching the
// include globs and none of the exclude globs. It returns after the walk
// completes or ctx is canceled.
func (p *Producer) Run(ctx context.Context) error {
	root := p.cfg.ScanDir
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}

	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil
		}
		if !strings.HasPrefix(abs, absRoot+string(os.PathSeparator)) && abs != absRoot {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		if !p.matches(rel) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		fi, err := os.Stat(path)
		if err != nil {
			return nil
		}
		return p.enqueue(ctx, abs, fi.Size())
	})
}

func (p *Producer) matches(rel string) bool {
	incMatch := len(p.cfg.IncludeGlobs) == 0
	for _, g := range p.cfg.IncludeGlobs {
		if ok, _ := doublestar.PathMatch(g, rel); ok {
			incMatch = true
			break
		}
	}
	if !incMatch {
		return false
	}
	for _, g := range p.cfg.ExcludeGlobs {
		if ok, _ := doublestar.PathMatch(g, rel); ok {
			return false
		}
	}
	return true
}

func (p *Producer) enqueue(ctx context.Context, abs string, size int64) error {
	priority := p.priorityFor(filepath.Ext(abs))

	enqCtx, span := obs.StartEnqueueSpan(ctx, p.queue, "ingest-file")
	defer span.End()

	traceID, spanID := obs.GetTraceAndSpanID(enqCtx)
	if traceID == "" {
		traceID, spanID = randTraceAndSpan()
	}

	data, err := json.Marshal(jobPayload{FilePath: abs, FileSize: size})
	if err != nil {
		obs.RecordError(enqCtx, err)
		return err
	}
	envelope, err := json.Marshal(queue.Envelope{
		Type:      "ingest-file",
		Name:      "ingest-file",
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	})
	if err != nil {
		obs.RecordError(enqCtx, err)
		return err
	}

	opts := queue.Opts{
		JobID:    randID(),
		Priority: priority,
		Attempts: 1,
		TraceID:  traceID,
		SpanID:   spanID,
	}

	obs.AddSpanAttributes(enqCtx,
		obs.KeyValue("job.filepath", abs),
		obs.KeyValue("job.filesize", size),
		obs.KeyValue("job.priority", priority),
	)
	obs.AddEvent(enqCtx, "enqueueing_job", obs.KeyValue("queue", p.queue), obs.KeyValue("job_id", opts.JobID))

	job, err := p.svc.AddJob(enqCtx, p.queue, "ingest-file", envelope, opts)
	if err != nil {
		obs.RecordError(enqCtx, err)
		return err
	}

	obs.SetSpanSuccess(enqCtx)
	obs.AddEvent(enqCtx, "job_enqueued", obs.KeyValue("queue", p.queue), obs.KeyValue("job_id", job.ID))
	obs.JobsAdded.WithLabelValues(p.queue).Inc()
	p.log.Info("enqueued job",
		obs.String("id", job.ID), obs.String("queue", p.queue),
		obs.String("trace_id", traceID), obs.String("span_id", spanID))
	return nil
}

// priorityFor returns 1 (high) for a configured high-priority extension,
// otherwise the configured default. Lower values are dispatched first.
func (p *Producer) priorityFor(ext string) int {
	ext = strings.ToLower(ext)
	for _, e := range p.cfg.HighPriorityExts {
		if strings.ToLower(e) == ext {
			return 1
		}
	}
	return p.cfg.DefaultPriority
}

func randID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func randTraceAndSpan() (string, string) {
	var tb [16]byte
	var sb [8]byte
	_, _ = rand.Read(tb[:])
	_, _ = rand.Read(sb[:])
	return hex.EncodeToString(tb[:]), hex.EncodeToString(sb[:])
}
