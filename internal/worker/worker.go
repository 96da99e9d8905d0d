// Copyright 2025 James Ross

// Package worker runs the bounded-concurrency dispatch loop that pulls jobs
// from a queue, hands them to a registered processor, and reports the
// outcome back to the job store.
package worker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/breaker"
	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/flyingrobots/go-redis-work-queue/internal/jobstore"
	"github.com/flyingrobots/go-redis-work-queue/internal/obs"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Processor runs one job to completion and returns its result, or an error
// that drives the retry/backoff decision in the job store.
type Processor func(ctx context.Context, job queue.Job) ([]byte, error)

// Registry maps job names to processors. A job whose name has no
// registered processor fails with reason "unknown-job".
type Registry struct {
	mu    sync.RWMutex
	procs map[string]Processor
}

func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]Processor)}
}

func (r *Registry) Register(name string, p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[name] = p
}

func (r *Registry) lookup(name string) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[name]
	return p, ok
}

type state int32

const (
	stateCreated state = iota
	stateRunning
	statePaused
	stateClosing
	stateClosed
)

// Worker dispatches jobs for a single queue with a bounded number of
// concurrently running processors.
type Worker struct {
	id       string
	queue    string
	store    *jobstore.Store
	registry *Registry
	log      *zap.Logger
	cb       *breaker.CircuitBreaker
	cfg      config.Worker

	state      atomic.Int32
	pauseForce atomic.Bool
	resumeCh   chan struct{}

	semMu sync.RWMutex
	sem   *semaphore.Weighted

	inFlightMu sync.Mutex
	inFlight   map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New builds a worker with its own circuit breaker (1-minute window, 30s
// cooldown, 50% failure threshold, 20 minimum samples).
func New(cfg config.Worker, queueName string, store *jobstore.Store, registry *Registry, log *zap.Logger) *Worker {
	return newWorker(cfg, queueName, store, registry, log, nil)
}

// NewWithBreaker wires an externally constructed circuit breaker, letting
// callers share one breaker instance across several workers against the
// same Redis deployment.
func NewWithBreaker(cfg config.Worker, queueName string, store *jobstore.Store, registry *Registry, log *zap.Logger, cb *breaker.CircuitBreaker) *Worker {
	return newWorker(cfg, queueName, store, registry, log, cb)
}

func newWorker(cfg config.Worker, queueName string, store *jobstore.Store, registry *Registry, log *zap.Logger, cb *breaker.CircuitBreaker) *Worker {
	if cb == nil {
		cb = breaker.New(time.Minute, 30*time.Second, 0.5, 20)
	}
	id := fmt.Sprintf("%s-%d", queueName, time.Now().UnixNano())
	w := &Worker{
		id:       id,
		queue:    queueName,
		store:    store,
		registry: registry,
		log:      log,
		cb:       cb,
		cfg:      cfg,
		resumeCh: make(chan struct{}),
		inFlight: make(map[string]context.CancelFunc),
	}
	w.sem = semaphore.NewWeighted(int64(maxInt(1, cfg.Concurrency)))
	w.state.Store(int32(stateCreated))
	return w
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Start begins the dispatch loop, the stall-recovery ticker and the
// delayed-promotion ticker. It returns once all three background goroutines
// have been launched; callers should wait on Close or ctx cancellation for
// shutdown.
func (w *Worker) Start(ctx context.Context) {
	w.state.Store(int32(stateRunning))
	w.wg.Add(3)
	go w.dispatchLoop(ctx)
	go w.stallLoop(ctx)
	go w.promoteLoop(ctx)
}

// Pause stops new fetches. With force=true, every in-flight job's context
// is canceled immediately; the worker stops extending its lock, so it
// returns to waiting once the stall scanner observes the expired lock.
// With force=false, in-flight jobs are left to finish naturally.
func (w *Worker) Pause(force bool) {
	w.state.Store(int32(statePaused))
	w.pauseForce.Store(force)
	if force {
		w.inFlightMu.Lock()
		for _, cancel := range w.inFlight {
			cancel()
		}
		w.inFlightMu.Unlock()
	}
}

func (w *Worker) Resume() {
	w.state.Store(int32(stateRunning))
	w.pauseForce.Store(false)
	select {
	case w.resumeCh <- struct{}{}:
	default:
	}
}

// Close stops fetching, waits up to grace for in-flight jobs to finish,
// then cancels anything still running (its lock is left to expire and is
// recovered by the stall scanner on any surviving worker).
func (w *Worker) Close(grace time.Duration) {
	w.state.Store(int32(stateClosing))
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		w.inFlightMu.Lock()
		for _, cancel := range w.inFlight {
			cancel()
		}
		w.inFlightMu.Unlock()
		<-done
	}
	w.state.Store(int32(stateClosed))
}

// SetConcurrency resizes the dispatch semaphore. Jobs already holding a
// slot on the old semaphore are unaffected; the new weight takes effect
// for the next fetch.
func (w *Worker) SetConcurrency(n int) {
	w.semMu.Lock()
	defer w.semMu.Unlock()
	w.sem = semaphore.NewWeighted(int64(maxInt(1, n)))
	w.cfg.Concurrency = n
}

func (w *Worker) currentSem() *semaphore.Weighted {
	w.semMu.RLock()
	defer w.semMu.RUnlock()
	return w.sem
}

func (w *Worker) dispatchLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		switch state(w.state.Load()) {
		case stateClosing, stateClosed:
			return
		case statePaused:
			select {
			case <-ctx.Done():
				return
			case <-w.resumeCh:
				continue
			case <-time.After(200 * time.Millisecond):
				continue
			}
		}

		if !w.cb.Allow() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		sem := w.currentSem()
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}

		job, err := w.store.FetchNext(ctx, w.id, w.cfg.LockTTL)
		if err != nil {
			sem.Release(1)
			w.log.Warn("fetch next failed", obs.Err(err))
			w.cb.Record(false)
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitteredBackoff(50 * time.Millisecond)):
			}
			continue
		}
		if job.ID == "" {
			sem.Release(1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitteredBackoff(200 * time.Millisecond)):
			}
			continue
		}

		obs.WorkerActive.WithLabelValues(w.queue).Inc()
		go func(j queue.Job) {
			defer sem.Release(1)
			defer obs.WorkerActive.WithLabelValues(w.queue).Dec()
			w.runJob(ctx, j)
		}(job)
	}
}

func (w *Worker) runJob(ctx context.Context, job queue.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	if job.Opts.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		jobCtx, timeoutCancel = context.WithTimeout(jobCtx, time.Duration(job.Opts.Timeout)*time.Millisecond)
		defer timeoutCancel()
	}
	defer cancel()

	w.inFlightMu.Lock()
	w.inFlight[job.ID] = cancel
	w.inFlightMu.Unlock()
	defer func() {
		w.inFlightMu.Lock()
		delete(w.inFlight, job.ID)
		w.inFlightMu.Unlock()
	}()

	hbDone := make(chan struct{})
	go w.heartbeat(jobCtx, job.ID, hbDone)
	defer close(hbDone)

	proc, ok := w.registry.lookup(job.Name)
	start := time.Now()
	var result []byte
	var procErr error
	if !ok {
		procErr = queue.NewError(queue.ErrProcessing, w.queue, job.ID, fmt.Errorf("unknown-job: %s", job.Name))
	} else {
		result, procErr = proc(jobCtx, job)
	}
	obs.JobProcessingDuration.WithLabelValues(w.queue).Observe(time.Since(start).Seconds())

	if procErr != nil && jobCtx.Err() == context.Canceled {
		st := state(w.state.Load())
		if (st == statePaused && w.pauseForce.Load()) || st == stateClosing {
			// Interrupted by Pause(true) or by Close after its grace period:
			// the lock is left to expire and the stall scanner requeues the job.
			return
		}
	}

	if procErr == nil {
		if err := w.store.Complete(ctx, job.ID, w.id, result, job.Opts.RemoveOnComplete); err != nil {
			w.log.Error("complete failed", obs.Err(err))
			w.cb.Record(false)
			return
		}
		obs.JobsCompleted.WithLabelValues(w.queue).Inc()
		w.cb.Record(true)
		return
	}

	reason := procErr.Error()
	if jobCtx.Err() != nil {
		reason = "timeout"
	}
	if err := w.store.Fail(ctx, job.ID, w.id, reason, job.Opts.RemoveOnFail); err != nil {
		w.log.Error("fail failed", obs.Err(err))
	}
	if job.AttemptsMade+1 < job.Opts.Attempts {
		obs.JobsRetried.WithLabelValues(w.queue).Inc()
	} else {
		obs.JobsFailed.WithLabelValues(w.queue).Inc()
	}
	w.cb.Record(false)
}

// heartbeat extends the job's lock every lockTTL/3 until the processor
// returns or its context is canceled (pause(force) or shutdown grace
// expiry). A missed heartbeat is recovered later by the stall scanner.
func (w *Worker) heartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	interval := w.cfg.LockTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.ExtendLock(ctx, jobID, w.id, w.cfg.LockTTL); err != nil {
				w.log.Warn("heartbeat extend failed", obs.String("job_id", jobID), obs.Err(err))
				return
			}
		}
	}
}

func (w *Worker) stallLoop(ctx context.Context) {
	defer w.wg.Done()
	interval := w.cfg.StalledInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if state(w.state.Load()) == stateClosed {
				return
			}
			recovered, failed, err := w.store.StallScan(ctx, w.cfg.MaxStalledCount, 100)
			if err != nil {
				w.log.Warn("stall scan failed", obs.Err(err))
				continue
			}
			if len(recovered) > 0 {
				obs.JobsStalled.WithLabelValues(w.queue).Add(float64(len(recovered)))
			}
			if len(failed) > 0 {
				obs.JobsFailed.WithLabelValues(w.queue).Add(float64(len(failed)))
			}
		}
	}
}

// promoteLoop moves delayed jobs (fresh delayed enqueues and backed-off
// retries alike) into waiting once their fire time has passed. Without
// this loop a job placed in delayed by enqueueScript or failScript would
// sit there forever; nothing else in the dispatch path drains it.
func (w *Worker) promoteLoop(ctx context.Context) {
	defer w.wg.Done()
	interval := w.cfg.PromoteInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if state(w.state.Load()) == stateClosed {
				return
			}
			n, err := w.store.PromoteDelayed(ctx, 1000)
			if err != nil {
				w.log.Warn("promote delayed failed", obs.Err(err))
				continue
			}
			if n > 0 {
				obs.JobsPromoted.WithLabelValues(w.queue).Add(float64(n))
			}
		}
	}
}

func jitteredBackoff(base time.Duration) time.Duration {
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(base) * jitter)
}
