// Copyright 2025 James Ross

// Package scheduler registers and fires recurring or cron-scheduled jobs.
// It is the only way to get periodic behavior into the runtime: addJob and
// addBulk never accept a repeat option, so every recurring workload is
// represented as an explicit scheduler record.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/jobstore"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Record is a recurring job definition: exactly one of Pattern or Every
// must be set.
type Record struct {
	ID         string
	QueueName  string
	Name       string
	Payload    []byte
	Pattern    string
	Every      int64 // milliseconds
	Limit      int   // 0 = unlimited
	FiresSoFar int
	LastRun    int64
	NextRun    int64
}

func (r Record) Validate() error {
	if r.Pattern != "" && r.Every > 0 {
		return fmt.Errorf("scheduler record carries both pattern and every; exactly one is required")
	}
	if r.Pattern == "" && r.Every <= 0 {
		return fmt.Errorf("scheduler record requires either pattern or every")
	}
	if r.Pattern != "" {
		if _, err := cronParser.Parse(r.Pattern); err != nil {
			return fmt.Errorf("invalid cron pattern: %w", err)
		}
	}
	return nil
}

type keys struct {
	prefix, queue string
}

func newKeys(prefix, queueName string) keys { return keys{prefix: prefix, queue: queueName} }
func (k keys) base() string                 { return k.prefix + ":" + k.queue }
func (k keys) sched(id string) string       { return k.base() + ":sched:" + id }
func (k keys) index() string                { return k.base() + ":schedulers" }
func (k keys) lock() string                 { return k.base() + ":scheduler:leader" }

// Service manages scheduler records for a single queue and, when it holds
// the leader lock, runs the tick loop that fires them.
type Service struct {
	rdb        *redis.Client
	keys       keys
	store      *jobstore.Store
	catchupMax int
	log        *zap.Logger
}

func New(rdb *redis.Client, prefix, queueName string, catchupMax int, log *zap.Logger) *Service {
	if catchupMax <= 0 {
		catchupMax = 1
	}
	return &Service{
		rdb:        rdb,
		keys:       newKeys(prefix, queueName),
		store:      jobstore.New(rdb, prefix, queueName, log),
		catchupMax: catchupMax,
		log:        log,
	}
}

// Upsert creates or replaces a scheduler record, computing its initial
// nextRun from scratch.
func (s *Service) Upsert(ctx context.Context, rec Record) (Record, error) {
	if err := rec.Validate(); err != nil {
		return Record{}, queue.NewError(queue.ErrInvalidData, s.keys.queue, rec.ID, err)
	}
	rec.QueueName = s.keys.queue
	rec.LastRun = 0
	rec.FiresSoFar = 0
	rec.NextRun = computeNextRun(rec, time.Now().UnixMilli())

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.keys.sched(rec.ID), recordToHash(rec)...)
	pipe.ZAdd(ctx, s.keys.index(), redis.Z{Score: float64(rec.NextRun), Member: rec.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return Record{}, queue.NewError(queue.ErrConnection, s.keys.queue, rec.ID, err)
	}
	return rec, nil
}

func (s *Service) Remove(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.keys.sched(id))
	pipe.ZRem(ctx, s.keys.index(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// List returns schedulers ordered by nextRun, paginated by rank.
func (s *Service) List(ctx context.Context, start, stop int64, asc bool) ([]Record, error) {
	var ids []string
	var err error
	if asc {
		ids, err = s.rdb.ZRange(ctx, s.keys.index(), start, stop).Result()
	} else {
		ids, err = s.rdb.ZRevRange(ctx, s.keys.index(), start, stop).Result()
	}
	if err != nil {
		return nil, queue.NewError(queue.ErrConnection, s.keys.queue, "", err)
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.getRecord(ctx, id)
		if err != nil || rec.ID == "" {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Service) getRecord(ctx context.Context, id string) (Record, error) {
	h, err := s.rdb.HGetAll(ctx, s.keys.sched(id)).Result()
	if err != nil {
		return Record{}, err
	}
	if len(h) == 0 {
		return Record{}, nil
	}
	return recordFromHash(h), nil
}

// Run holds the leader election loop: only the instance holding the
// queue-scoped lock ticks the schedulers. Losing the lock stops ticking
// until it (or another instance) reacquires it within one TTL.
func (s *Service) Run(ctx context.Context, tickInterval, leaderLockTTL time.Duration) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	var lock *leaderLock
	for {
		select {
		case <-ctx.Done():
			if lock != nil {
				_ = lock.release(context.Background())
			}
			return
		case <-ticker.C:
			if lock == nil {
				l, err := acquireLock(ctx, s.rdb, s.keys.lock(), leaderLockTTL)
				if err != nil {
					s.log.Warn("scheduler lock acquire failed", obs.Err(err))
					continue
				}
				if l == nil {
					obs.SchedulerLeader.WithLabelValues(s.keys.queue).Set(0)
					continue
				}
				lock = l
				obs.SchedulerLeader.WithLabelValues(s.keys.queue).Set(1)
			} else if err := lock.extend(ctx, leaderLockTTL); err != nil {
				s.log.Warn("lost scheduler leader lock", obs.Err(err))
				obs.SchedulerLeader.WithLabelValues(s.keys.queue).Set(0)
				lock = nil
				continue
			}
			s.tickOnce(ctx)
		}
	}
}

func (s *Service) tickOnce(ctx context.Context) {
	now := time.Now().UnixMilli()
	ids, err := s.rdb.ZRangeByScore(ctx, s.keys.index(), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		s.log.Warn("scheduler scan failed", obs.Err(err))
		return
	}
	for _, id := range ids {
		rec, err := s.getRecord(ctx, id)
		if err != nil || rec.ID == "" {
			continue
		}
		s.fire(ctx, rec, now)
	}
}

func (s *Service) fire(ctx context.Context, rec Record, now int64) {
	fires := 0
	for rec.NextRun <= now && fires < s.catchupMax {
		jobID := fmt.Sprintf("%s:%d", rec.ID, rec.FiresSoFar)
		job := queue.NewJob(rec.QueueName, rec.Name, rec.Payload, queue.Opts{JobID: jobID, Attempts: 1})
		job.ID = jobID
		if _, err := s.store.Enqueue(ctx, job); err != nil {
			s.log.Error("scheduler enqueue failed", obs.String("scheduler_id", rec.ID), obs.Err(err))
		}
		rec.LastRun = rec.NextRun
		rec.FiresSoFar++
		rec.NextRun = computeNextRun(rec, now)
		fires++
		if rec.Limit > 0 && rec.FiresSoFar >= rec.Limit {
			break
		}
	}
	// Any remaining backlog beyond catchupMax fires is collapsed: nextRun
	// skips ahead to the first fire time after `now`, unless the scheduler
	// is about to be removed for hitting its limit.
	if rec.NextRun <= now {
		skip := rec
		skip.LastRun = 0
		rec.NextRun = computeNextRun(skip, now)
	}
	if rec.Limit > 0 && rec.FiresSoFar >= rec.Limit {
		if err := s.Remove(ctx, rec.ID); err != nil {
			s.log.Warn("scheduler remove failed", obs.String("scheduler_id", rec.ID), obs.Err(err))
		}
		return
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.keys.sched(rec.ID), recordToHash(rec)...)
	pipe.ZAdd(ctx, s.keys.index(), redis.Z{Score: float64(rec.NextRun), Member: rec.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn("scheduler update failed", obs.String("scheduler_id", rec.ID), obs.Err(err))
	}
}

// computeNextRun implements the every/pattern fire-time rules: every
// without a prior run snaps to the next multiple of the interval; with a
// prior run it is simply lastRun+every. A cron pattern fires at the first
// match strictly after max(now, lastRun).
func computeNextRun(rec Record, now int64) int64 {
	if rec.Every > 0 {
		if rec.LastRun == 0 {
			return (now/rec.Every + 1) * rec.Every
		}
		return rec.LastRun + rec.Every
	}
	schedule, err := cronParser.Parse(rec.Pattern)
	if err != nil {
		return now
	}
	base := now
	if rec.LastRun > base {
		base = rec.LastRun
	}
	next := schedule.Next(time.UnixMilli(base))
	return next.UnixMilli()
}

func recordToHash(r Record) []interface{} {
	return []interface{}{
		"id", r.ID, "queueName", r.QueueName, "name", r.Name, "payload", r.Payload,
		"pattern", r.Pattern, "every", r.Every, "limit", r.Limit,
		"firesSoFar", r.FiresSoFar, "lastRun", r.LastRun, "nextRun", r.NextRun,
	}
}

func recordFromHash(h map[string]string) Record {
	every, _ := strconv.ParseInt(h["every"], 10, 64)
	limit, _ := strconv.Atoi(h["limit"])
	fires, _ := strconv.Atoi(h["firesSoFar"])
	lastRun, _ := strconv.ParseInt(h["lastRun"], 10, 64)
	nextRun, _ := strconv.ParseInt(h["nextRun"], 10, 64)
	return Record{
		ID: h["id"], QueueName: h["queueName"], Name: h["name"], Payload: []byte(h["payload"]),
		Pattern: h["pattern"], Every: every, Limit: limit,
		FiresSoFar: fires, LastRun: lastRun, NextRun: nextRun,
	}
}
