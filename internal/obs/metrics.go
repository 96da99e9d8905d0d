// Copyright 2025 James Ross
package obs

import (
	"net/http"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsAdded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_jobs_added_total",
		Help: "Total number of jobs added to a queue",
	}, []string{"queue"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_jobs_completed_total",
		Help: "Total number of jobs that completed successfully",
	}, []string{"queue"})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_jobs_failed_total",
		Help: "Total number of jobs that failed permanently",
	}, []string{"queue"})
	JobsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_jobs_retried_total",
		Help: "Total number of job retry attempts scheduled after a failure",
	}, []string{"queue"})
	JobsStalled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_jobs_stalled_total",
		Help: "Total number of jobs detected as stalled and reclaimed",
	}, []string{"queue"})
	JobsPromoted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_jobs_promoted_total",
		Help: "Total number of delayed jobs promoted to waiting",
	}, []string{"queue"})
	JobProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobqueue_job_processing_duration_seconds",
		Help:    "Histogram of job processing durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobqueue_queue_depth",
		Help: "Current number of jobs in a queue, by state",
	}, []string{"queue", "state"})
	SchedulerLeader = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobqueue_scheduler_is_leader",
		Help: "1 if this process currently holds the scheduler leader lock for the queue",
	}, []string{"queue"})
	FlowsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_flows_completed_total",
		Help: "Total number of job flow trees that completed fully",
	}, []string{"queue"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobqueue_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	}, []string{"queue"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_circuit_breaker_trips_total",
		Help: "Count of times the circuit breaker transitioned to Open",
	}, []string{"queue"})
	ArchivedRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_archived_records_total",
		Help: "Total number of finished jobs written to the archive sink",
	}, []string{"queue"})
	WorkerActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobqueue_worker_active_jobs",
		Help: "Number of jobs currently being processed by this worker",
	}, []string{"queue"})
	ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobqueue_reaper_recovered_total",
		Help: "Total number of stalled jobs requeued by the standalone reaper loop",
	})
)

func init() {
	prometheus.MustRegister(
		JobsAdded, JobsCompleted, JobsFailed, JobsRetried, JobsStalled, JobsPromoted,
		JobProcessingDuration, QueueDepth, SchedulerLeader, FlowsCompleted,
		CircuitBreakerState, CircuitBreakerTrips, ArchivedRecords, WorkerActive,
		ReaperRecovered,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// Prefer StartHTTPServer, which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.Observability.MetricsAddr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
