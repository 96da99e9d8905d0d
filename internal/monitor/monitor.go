// Copyright 2025 James Ross

// Package monitor observes a queue's pub/sub lifecycle events and polled
// job counts, deriving a rolling throughput figure the same way this
// codebase's other rolling-window aggregations work: a fixed-capacity ring
// of timestamped snapshots, with the derived rate taken from the delta
// between the oldest and newest sample still in the window.
package monitor

import (
	"context"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/jobstore"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"go.uber.org/zap"
)

// QueueMetrics is one polled snapshot of queue state.
type QueueMetrics struct {
	Timestamp  time.Time
	Active     int64
	Waiting    int64
	Completed  int64
	Failed     int64
	Delayed    int64
	Throughput float64 // completed/sec, derived from the rolling window
}

type sample struct {
	at        time.Time
	completed int64
}

// rollingWindow is a fixed-capacity ring of completed-count samples; the
// throughput derivation only ever looks at the oldest and newest entry
// still held.
type rollingWindow struct {
	samples []sample
	cap     int
}

func newRollingWindow(size int) *rollingWindow {
	if size <= 1 {
		size = 2
	}
	return &rollingWindow{cap: size}
}

func (w *rollingWindow) add(s sample) {
	w.samples = append(w.samples, s)
	if len(w.samples) > w.cap {
		w.samples = w.samples[len(w.samples)-w.cap:]
	}
}

func (w *rollingWindow) throughput() float64 {
	if len(w.samples) < 2 {
		return 0
	}
	oldest := w.samples[0]
	newest := w.samples[len(w.samples)-1]
	elapsed := newest.at.Sub(oldest.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	delta := newest.completed - oldest.completed
	if delta < 0 {
		return 0
	}
	return float64(delta) / elapsed
}

// Monitor polls a single queue's job counts on an interval and tracks
// lifecycle events observed over its pub/sub channel, without influencing
// scheduling decisions.
type Monitor struct {
	store  *jobstore.Store
	window *rollingWindow
	log    *zap.Logger

	onEvent func(jobstore.Event)
}

func New(store *jobstore.Store, historySize int, log *zap.Logger) *Monitor {
	return &Monitor{store: store, window: newRollingWindow(historySize), log: log}
}

// OnEvent installs a callback invoked for every lifecycle event observed
// while Run is active. Optional; used by callers that want live event
// fan-out (e.g. an admin dashboard) in addition to the polled snapshot.
func (m *Monitor) OnEvent(fn func(jobstore.Event)) { m.onEvent = fn }

// Run polls job counts every interval, publishing each snapshot to out,
// and concurrently drains the queue's pub/sub channel until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, out chan<- QueueMetrics) {
	events, closeSub := m.store.Subscribe(ctx)
	defer closeSub()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if m.onEvent != nil {
				m.onEvent(evt)
			}
		case <-ticker.C:
			snap := m.poll(ctx)
			select {
			case out <- snap:
			default:
			}
		}
	}
}

func (m *Monitor) poll(ctx context.Context) QueueMetrics {
	counts, err := m.store.GetJobCounts(ctx)
	if err != nil {
		m.log.Warn("monitor poll failed", obs.Err(err))
		return QueueMetrics{Timestamp: time.Now()}
	}
	now := time.Now()
	m.window.add(sample{at: now, completed: counts.Completed})
	queueName := m.store.Keys().Queue
	obs.QueueDepth.WithLabelValues(queueName, "waiting").Set(float64(counts.Waiting))
	obs.QueueDepth.WithLabelValues(queueName, "delayed").Set(float64(counts.Delayed))
	obs.QueueDepth.WithLabelValues(queueName, "active").Set(float64(counts.Active))
	obs.QueueDepth.WithLabelValues(queueName, "completed").Set(float64(counts.Completed))
	obs.QueueDepth.WithLabelValues(queueName, "failed").Set(float64(counts.Failed))
	return QueueMetrics{
		Timestamp:  now,
		Active:     counts.Active,
		Waiting:    counts.Waiting,
		Completed:  counts.Completed,
		Failed:     counts.Failed,
		Delayed:    counts.Delayed,
		Throughput: m.window.throughput(),
	}
}
