// Copyright 2025 James Ross

// Package reaper runs stall recovery and delayed-job promotion as a
// standalone loop over one or more queues, independent of any worker's own
// dispatch lifecycle. Worker instances already recover their own queue's
// stalled jobs and promote its delayed jobs on every tick (see
// internal/worker's stallLoop and promoteLoop); this package exists for
// deployments that want both to keep running even while a queue's workers
// are scaled to zero.
package reaper

import (
	"context"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/jobstore"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"go.uber.org/zap"
)

type Reaper struct {
	stores          []*jobstore.Store
	interval        time.Duration
	maxStalledCount int
	limit           int64
	log             *zap.Logger
}

func New(stores []*jobstore.Store, interval time.Duration, maxStalledCount int, limit int64, log *zap.Logger) *Reaper {
	return &Reaper{stores: stores, interval: interval, maxStalledCount: maxStalledCount, limit: limit, log: log}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) {
	for _, store := range r.stores {
		queueName := store.Keys().Queue
		recovered, failed, err := store.StallScan(ctx, r.maxStalledCount, r.limit)
		if err != nil {
			r.log.Warn("reaper stall scan failed", obs.String("queue", queueName), obs.Err(err))
		} else {
			for _, id := range recovered {
				obs.ReaperRecovered.Inc()
				r.log.Warn("requeued stalled job", obs.String("queue", queueName), obs.String("id", id))
			}
			for _, id := range failed {
				r.log.Warn("terminally failed stalled job", obs.String("queue", queueName), obs.String("id", id))
			}
		}

		n, err := store.PromoteDelayed(ctx, r.limit)
		if err != nil {
			r.log.Warn("reaper promote delayed failed", obs.String("queue", queueName), obs.Err(err))
			continue
		}
		if n > 0 {
			obs.JobsPromoted.WithLabelValues(queueName).Add(float64(n))
		}
	}
}
