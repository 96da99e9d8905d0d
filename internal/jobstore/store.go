// Copyright 2025 James Ross

// Package jobstore implements the atomic, server-side state transitions
// that back the queue/worker/scheduler/flow runtime: every multi-step
// mutation (enqueue, fetch, complete, fail, stall recovery, clean,
// obliterate) is a single Lua script so concurrent callers never observe a
// job split across states.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ArchiveRecord is the terminal snapshot of a job forwarded to an archive
// sink when it is removed by Clean. Jobs deleted by the removeOnComplete/
// removeOnFail policy are not forwarded.
type ArchiveRecord struct {
	JobID        string
	QueueName    string
	Name         string
	State        queue.State
	AttemptsMade int
	LastError    string
	ReturnValue  []byte
	ProcessedOn  int64
	FinishedOn   int64
	Payload      []byte
}

// ArchiveSink is the pluggable destination for ArchiveRecords. The jobstore
// clean path never depends on a concrete backend; a sink failure is logged
// and never blocks or fails the clean call itself.
type ArchiveSink interface {
	Export(ctx context.Context, records []ArchiveRecord) error
}

// Store is the job store for a single queue.
type Store struct {
	rdb  *redis.Client
	keys Keys
	log  *zap.Logger
	sink ArchiveSink
}

func New(rdb *redis.Client, prefix, queueName string, log *zap.Logger) *Store {
	return &Store{rdb: rdb, keys: NewKeys(prefix, queueName), log: log}
}

func (s *Store) Keys() Keys { return s.keys }

func (s *Store) SetArchiveSink(sink ArchiveSink) { s.sink = sink }

// Enqueue writes a job in waiting or delayed state. Idempotent on job ID:
// a second call with the same ID returns the existing record unchanged.
func (s *Store) Enqueue(ctx context.Context, job queue.Job) (queue.Job, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	keys := []string{s.keys.Meta(), s.keys.Waiting(), s.keys.Delayed(), s.keys.Job(job.ID)}
	args := append([]interface{}{
		job.ID, job.Opts.Priority, boolToStr(job.Opts.LIFO), job.Opts.Delay, time.Now().UnixMilli(),
	}, JobToHash(job)...)

	created, err := enqueueScript.Run(ctx, s.rdb, keys, args...).Int()
	if err != nil {
		return queue.Job{}, queue.NewError(queue.ErrConnection, job.QueueName, job.ID, err)
	}
	existing, getErr := s.GetJob(ctx, job.ID)
	if getErr != nil {
		return queue.Job{}, getErr
	}
	if created == 1 {
		s.publish(ctx, "added", job.ID, job.Name)
	}
	return existing, nil
}

// AddBulk enqueues multiple jobs atomically in a single MULTI/EXEC.
func (s *Store) AddBulk(ctx context.Context, jobs []queue.Job) ([]queue.Job, error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	for i := range jobs {
		if jobs[i].ID == "" {
			jobs[i].ID = uuid.New().String()
		}
	}
	now := time.Now().UnixMilli()
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, job := range jobs {
			keys := []string{s.keys.Meta(), s.keys.Waiting(), s.keys.Delayed(), s.keys.Job(job.ID)}
			args := append([]interface{}{
				job.ID, job.Opts.Priority, boolToStr(job.Opts.LIFO), job.Opts.Delay, now,
			}, JobToHash(job)...)
			if err := pipe.Eval(ctx, EnqueueScriptSrc, keys, args...).Err(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, queue.NewError(queue.ErrAddJob, jobs[0].QueueName, "", err)
	}
	out := make([]queue.Job, 0, len(jobs))
	for _, job := range jobs {
		got, err := s.GetJob(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, got)
	}
	return out, nil
}

// GetJob reads the full record for a job id. Returns (Job{}, nil) with a
// zero-value ID if the job does not exist.
func (s *Store) GetJob(ctx context.Context, jobID string) (queue.Job, error) {
	h, err := s.rdb.HGetAll(ctx, s.keys.Job(jobID)).Result()
	if err != nil {
		return queue.Job{}, queue.NewError(queue.ErrConnection, s.keys.Queue, jobID, err)
	}
	if len(h) == 0 {
		return queue.Job{}, nil
	}
	return JobFromHash(h)
}

// PromoteDelayed moves every delayed job whose fire time has passed into waiting.
func (s *Store) PromoteDelayed(ctx context.Context, limit int64) (int64, error) {
	keys := []string{s.keys.Delayed(), s.keys.Waiting(), s.keys.Meta()}
	n, err := promoteDelayedScript.Run(ctx, s.rdb, keys, time.Now().UnixMilli(), limit, s.jobKeyPrefix()).Int64()
	if err != nil {
		return 0, queue.NewError(queue.ErrConnection, s.keys.Queue, "", err)
	}
	return n, nil
}

// FetchNext atomically moves the head of waiting into active under the
// given worker's lock, or returns (Job{}, nil) if nothing is available.
func (s *Store) FetchNext(ctx context.Context, workerID string, lockTTL time.Duration) (queue.Job, error) {
	keys := []string{s.keys.Meta(), s.keys.Waiting(), s.keys.Active()}
	now := time.Now().UnixMilli()
	res, err := fetchNextScript.Run(ctx, s.rdb, keys, workerID, lockTTL.Milliseconds(), now, s.jobKeyPrefix()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return queue.Job{}, nil
		}
		return queue.Job{}, queue.NewError(queue.ErrConnection, s.keys.Queue, "", err)
	}
	if res == nil {
		return queue.Job{}, nil
	}
	id, _ := res.(string)
	if id == "" {
		return queue.Job{}, nil
	}
	job, err := s.GetJob(ctx, id)
	if err == nil && job.ID != "" {
		s.publish(ctx, "active", job.ID, job.Name)
	}
	return job, err
}

// Complete marks a job finished successfully and, if it is a flow child,
// decrements its parent's pending counter (promoting the parent once it
// reaches zero).
func (s *Store) Complete(ctx context.Context, jobID, workerID string, returnValue []byte, removeOnComplete bool) error {
	keys := []string{s.keys.Active(), s.keys.Completed(), s.keys.Job(jobID)}
	res, err := completeScript.Run(ctx, s.rdb, keys, jobID, workerID, returnValue, time.Now().UnixMilli(), boolToStr(removeOnComplete)).Result()
	if err != nil {
		return queue.NewError(queue.ErrConnection, s.keys.Queue, jobID, err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 3 {
		return queue.NewError(queue.ErrProcessing, s.keys.Queue, jobID, fmt.Errorf("unexpected complete script reply"))
	}
	status, _ := parts[0].(int64)
	if status == 0 {
		return queue.NewError(queue.ErrProcessing, s.keys.Queue, jobID, fmt.Errorf("lock not held by %s", workerID))
	}
	s.publish(ctx, "completed", jobID, "")

	parentID, _ := parts[1].(string)
	parentQueue, _ := parts[2].(string)
	if parentID == "" {
		return nil
	}
	parentKeys := NewKeys(s.keys.Prefix, queueNameOr(parentQueue, s.keys.Queue))
	dkeys := []string{parentKeys.Job(parentID), parentKeys.FlowPending(parentID), parentKeys.Waiting(), parentKeys.Delayed(), parentKeys.Meta()}
	if err := decrementParentScript.Run(ctx, s.rdb, dkeys, time.Now().UnixMilli()).Err(); err != nil {
		s.log.Warn("parent decrement failed", zap.String("parent", parentID), zap.Error(err))
	}
	return nil
}

// Fail records a processing failure. If attempts remain, the job is
// rescheduled via backoff into delayed; otherwise it is terminal and, for
// flow children, propagates failure to the parent and aborts pending siblings.
func (s *Store) Fail(ctx context.Context, jobID, workerID, errMsg string, removeOnFail bool) error {
	keys := []string{s.keys.Active(), s.keys.Failed(), s.keys.Job(jobID), s.keys.Delayed()}
	res, err := failScript.Run(ctx, s.rdb, keys, jobID, workerID, errMsg, time.Now().UnixMilli(), boolToStr(removeOnFail)).Result()
	if err != nil {
		return queue.NewError(queue.ErrConnection, s.keys.Queue, jobID, err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 3 {
		return queue.NewError(queue.ErrProcessing, s.keys.Queue, jobID, fmt.Errorf("unexpected fail script reply"))
	}
	status, _ := parts[0].(int64)
	switch status {
	case 0:
		return queue.NewError(queue.ErrProcessing, s.keys.Queue, jobID, fmt.Errorf("lock not held by %s", workerID))
	case 2:
		s.publish(ctx, "failed", jobID, "")
		return nil
	}

	s.publish(ctx, "failed", jobID, "")
	parentID, _ := parts[1].(string)
	parentQueue, _ := parts[2].(string)
	if parentID == "" {
		return nil
	}
	parentKeys := NewKeys(s.keys.Prefix, queueNameOr(parentQueue, s.keys.Queue))
	fkeys := []string{parentKeys.Job(parentID), parentKeys.FlowChildren(parentID), parentKeys.Failed(), parentKeys.Waiting(), parentKeys.Delayed()}
	if err := failParentScript.Run(ctx, s.rdb, fkeys, jobID, time.Now().UnixMilli(), parentKeys.base()+":job:", parentID).Err(); err != nil {
		s.log.Warn("parent failure propagation failed", zap.String("parent", parentID), zap.Error(err))
	}
	return nil
}

// ExtendLock refreshes a held lock's expiry; used by the worker heartbeat.
func (s *Store) ExtendLock(ctx context.Context, jobID, workerID string, newTTL time.Duration) error {
	keys := []string{s.keys.Job(jobID), s.keys.Active()}
	ok, err := extendLockScript.Run(ctx, s.rdb, keys, workerID, time.Now().Add(newTTL).UnixMilli(), jobID).Int()
	if err != nil {
		return queue.NewError(queue.ErrConnection, s.keys.Queue, jobID, err)
	}
	if ok == 0 {
		return queue.NewError(queue.ErrStalled, s.keys.Queue, jobID, fmt.Errorf("lock no longer held"))
	}
	return nil
}

// StallScan recovers active jobs whose lock has expired: re-queued while
// their stall count does not exceed maxStalledCount, otherwise terminally
// failed with reason "stalled".
func (s *Store) StallScan(ctx context.Context, maxStalledCount int, limit int64) (recovered, failedIDs []string, err error) {
	keys := []string{s.keys.Active(), s.keys.Waiting(), s.keys.Failed(), s.keys.Meta()}
	res, err := stallScanScript.Run(ctx, s.rdb, keys, time.Now().UnixMilli(), maxStalledCount, limit, s.jobKeyPrefix()).Result()
	if err != nil {
		return nil, nil, queue.NewError(queue.ErrConnection, s.keys.Queue, "", err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 {
		return nil, nil, nil
	}
	recovered = toStringSlice(parts[0])
	failedIDs = toStringSlice(parts[1])
	for _, id := range recovered {
		s.publish(ctx, "stalled", id, "")
	}
	for _, id := range failedIDs {
		s.publish(ctx, "failed", id, "")
	}
	return recovered, failedIDs, nil
}

// RemoveJob deletes a job not currently active; a no-op if absent.
func (s *Store) RemoveJob(ctx context.Context, jobID string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.ID == "" {
		return nil
	}
	if job.State == queue.StateActive {
		return queue.NewError(queue.ErrAddJob, s.keys.Queue, jobID, fmt.Errorf("job is active"))
	}
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, s.keys.Waiting(), jobID)
	pipe.ZRem(ctx, s.keys.Delayed(), jobID)
	pipe.ZRem(ctx, s.keys.Completed(), jobID)
	pipe.ZRem(ctx, s.keys.Failed(), jobID)
	pipe.Del(ctx, s.keys.Job(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return queue.NewError(queue.ErrConnection, s.keys.Queue, jobID, err)
	}
	return nil
}

// Drain removes all waiting and delayed jobs (and active too, if requested).
func (s *Store) Drain(ctx context.Context, includeActive bool) (int64, error) {
	keys := []string{s.keys.Waiting(), s.keys.Delayed(), s.keys.Active()}
	n, err := drainScript.Run(ctx, s.rdb, keys, boolToStr(includeActive), s.jobKeyPrefix()).Int64()
	if err != nil {
		return 0, queue.NewError(queue.ErrConnection, s.keys.Queue, "", err)
	}
	return n, nil
}

// Clean removes up to limit jobs in the given terminal status older than
// graceMs, forwarding their terminal snapshot to the archive sink (if
// configured) before deletion. Sink failures are logged, never returned.
func (s *Store) Clean(ctx context.Context, graceMs int64, limit int64, status queue.State) ([]string, error) {
	var targetKey string
	switch status {
	case queue.StateCompleted:
		targetKey = s.keys.Completed()
	case queue.StateFailed:
		targetKey = s.keys.Failed()
	default:
		return nil, queue.NewError(queue.ErrInvalidData, s.keys.Queue, "", fmt.Errorf("clean: unsupported status %q", status))
	}

	cutoff := time.Now().UnixMilli() - graceMs
	ids, err := s.rdb.ZRangeByScore(ctx, targetKey, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", cutoff), Offset: 0, Count: limit,
	}).Result()
	if err != nil {
		return nil, queue.NewError(queue.ErrConnection, s.keys.Queue, "", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var records []ArchiveRecord
	if s.sink != nil {
		records = make([]ArchiveRecord, 0, len(ids))
		for _, id := range ids {
			job, err := s.GetJob(ctx, id)
			if err != nil || job.ID == "" {
				continue
			}
			records = append(records, ArchiveRecord{
				JobID: job.ID, QueueName: job.QueueName, Name: job.Name, State: job.State,
				AttemptsMade: job.AttemptsMade, LastError: job.LastError, ReturnValue: job.ReturnValue,
				ProcessedOn: job.ProcessedOn, FinishedOn: job.FinishedOn, Payload: job.Payload,
			})
		}
	}

	if s.sink != nil && len(records) > 0 {
		if err := s.sink.Export(ctx, records); err != nil {
			s.log.Warn("archive export failed", zap.Int("count", len(records)), zap.Error(err))
		}
	}

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, s.jobKeyPrefix())
	for _, id := range ids {
		args = append(args, id)
	}
	if err := cleanScript.Run(ctx, s.rdb, []string{targetKey}, args...).Err(); err != nil {
		return nil, queue.NewError(queue.ErrConnection, s.keys.Queue, "", err)
	}
	return ids, nil
}

// Obliterate deletes every key for the queue. Refuses when jobs are active
// unless force is true.
func (s *Store) Obliterate(ctx context.Context, force bool) (int64, error) {
	keys := []string{s.keys.Meta(), s.keys.Waiting(), s.keys.Delayed(), s.keys.Active(), s.keys.Completed(), s.keys.Failed()}
	n, err := obliterateScript.Run(ctx, s.rdb, keys, boolToStr(force), s.jobKeyPrefix()).Int64()
	if err != nil {
		return 0, queue.NewError(queue.ErrConnection, s.keys.Queue, "", err)
	}
	if n == -1 {
		return 0, queue.NewError(queue.ErrAddJob, s.keys.Queue, "", fmt.Errorf("obliterate refused: jobs are active, pass force=true"))
	}
	return n, nil
}

// Pause/Resume toggle the queue-level dispatch flag consulted by FetchNext.
func (s *Store) Pause(ctx context.Context) error {
	return s.rdb.HSet(ctx, s.keys.Meta(), "paused", "1").Err()
}

func (s *Store) Resume(ctx context.Context) error {
	return s.rdb.HSet(ctx, s.keys.Meta(), "paused", "0").Err()
}

func (s *Store) IsPaused(ctx context.Context) (bool, error) {
	v, err := s.rdb.HGet(ctx, s.keys.Meta(), "paused").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// JobCounts is a snapshot of queue sizes per state.
type JobCounts struct {
	Waiting   int64
	Delayed   int64
	Active    int64
	Completed int64
	Failed    int64
}

func (s *Store) GetJobCounts(ctx context.Context) (JobCounts, error) {
	pipe := s.rdb.Pipeline()
	w := pipe.ZCard(ctx, s.keys.Waiting())
	d := pipe.ZCard(ctx, s.keys.Delayed())
	a := pipe.ZCard(ctx, s.keys.Active())
	c := pipe.ZCard(ctx, s.keys.Completed())
	f := pipe.ZCard(ctx, s.keys.Failed())
	if _, err := pipe.Exec(ctx); err != nil {
		return JobCounts{}, queue.NewError(queue.ErrConnection, s.keys.Queue, "", err)
	}
	return JobCounts{Waiting: w.Val(), Delayed: d.Val(), Active: a.Val(), Completed: c.Val(), Failed: f.Val()}, nil
}

func (s *Store) jobKeyPrefix() string { return s.keys.base() + ":job:" }

func queueNameOr(candidate, fallback string) string {
	if candidate == "" {
		return fallback
	}
	return candidate
}

func toStringSlice(v interface{}) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
