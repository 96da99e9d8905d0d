// Copyright 2025 James Ross

// Package queueservice is the public-facing queue API: payload validation
// plus a thin pass-through to the atomic jobstore primitives.
package queueservice

import (
	"context"
	"encoding/json"

	"github.com/flyingrobots/go-redis-work-queue/internal/jobstore"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Service is the queue API for a single named queue.
type Service struct {
	store *jobstore.Store
	log   *zap.Logger
}

func New(rdb *redis.Client, prefix, queueName string, log *zap.Logger) *Service {
	return &Service{store: jobstore.New(rdb, prefix, queueName, log), log: log}
}

// Store exposes the underlying jobstore for components (worker, scheduler,
// monitor) that need direct access to operations not re-exposed here.
func (s *Service) Store() *jobstore.Store { return s.store }

// AddJob validates the payload envelope, writes the job, and returns its
// (possibly pre-existing, if opts.JobID was already enqueued) record.
func (s *Service) AddJob(ctx context.Context, queueName, name string, payload []byte, opts queue.Opts) (queue.Job, error) {
	if err := validatePayload(queueName, payload); err != nil {
		return queue.Job{}, err
	}
	job := queue.NewJob(queueName, name, payload, opts)
	if opts.JobID != "" {
		job.ID = opts.JobID
	}
	return s.store.Enqueue(ctx, job)
}

// AddBulk validates every payload before writing any job, then enqueues
// all of them in one atomic transaction.
func (s *Service) AddBulk(ctx context.Context, queueName string, specs []JobSpec) ([]queue.Job, error) {
	jobs := make([]queue.Job, 0, len(specs))
	for _, spec := range specs {
		if err := validatePayload(queueName, spec.Payload); err != nil {
			return nil, err
		}
		job := queue.NewJob(queueName, spec.Name, spec.Payload, spec.Opts)
		if spec.Opts.JobID != "" {
			job.ID = spec.Opts.JobID
		}
		jobs = append(jobs, job)
	}
	return s.store.AddBulk(ctx, jobs)
}

// JobSpec is one element of an AddBulk call.
type JobSpec struct {
	Name    string
	Payload []byte
	Opts    queue.Opts
}

func (s *Service) RemoveJob(ctx context.Context, jobID string) error {
	return s.store.RemoveJob(ctx, jobID)
}

func (s *Service) Drain(ctx context.Context, includeActive bool) (int64, error) {
	return s.store.Drain(ctx, includeActive)
}

func (s *Service) Clean(ctx context.Context, graceMs, limit int64, status queue.State) ([]string, error) {
	return s.store.Clean(ctx, graceMs, limit, status)
}

func (s *Service) Obliterate(ctx context.Context, force bool) (int64, error) {
	return s.store.Obliterate(ctx, force)
}

func (s *Service) Pause(ctx context.Context) error  { return s.store.Pause(ctx) }
func (s *Service) Resume(ctx context.Context) error { return s.store.Resume(ctx) }

func (s *Service) GetJobCounts(ctx context.Context) (jobstore.JobCounts, error) {
	return s.store.GetJobCounts(ctx)
}

func (s *Service) GetJob(ctx context.Context, jobID string) (queue.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// validatePayload enforces the envelope contract: a payload that does not
// decode into {type, name, timestamp, data} is rejected before it is ever
// written to Redis.
func validatePayload(queueName string, payload []byte) error {
	var env queue.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return queue.NewError(queue.ErrInvalidData, queueName, "", err)
	}
	if err := env.Validate(); err != nil {
		return queue.NewError(queue.ErrInvalidData, queueName, "", err)
	}
	return nil
}
