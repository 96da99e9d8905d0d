// Copyright 2025 James Ross
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the job's position in its lifecycle.
type State string

const (
	StateWaiting         State = "waiting"
	StateDelayed         State = "delayed"
	StateActive          State = "active"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StatePaused          State = "paused"
	StateWaitingChildren State = "waiting-children"
)

// BackoffType selects how retry delay grows between attempts.
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// Backoff describes the retry delay policy for a failed job.
type Backoff struct {
	Type  BackoffType `json:"type"`
	Delay int64       `json:"delay"` // milliseconds
}

// ParentRef identifies the parent job of a flow child.
type ParentRef struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
}

// Opts carries the caller-controlled knobs for a job at enqueue time.
type Opts struct {
	JobID            string     `json:"jobId,omitempty"`
	Priority         int        `json:"priority"`
	LIFO             bool       `json:"lifo"`
	Delay            int64      `json:"delay"` // milliseconds from enqueue
	Attempts         int        `json:"attempts"`
	Backoff          Backoff    `json:"backoff"`
	Timestamp        int64      `json:"timestamp"` // ms epoch, enqueue time
	Parent           *ParentRef `json:"parent,omitempty"`
	RemoveOnComplete bool       `json:"removeOnComplete"`
	RemoveOnFail     bool       `json:"removeOnFail"`
	Timeout          int64      `json:"timeout,omitempty"` // ms, optional per-job processing timeout
	TraceID          string     `json:"traceId,omitempty"`
	SpanID           string     `json:"spanId,omitempty"`
}

// Envelope is the minimal opaque-payload shape the runtime enforces.
// type/name/timestamp/data must all be present; everything else about
// the payload is opaque to the queue.
type Envelope struct {
	Type      string          `json:"type"`
	Name      string          `json:"name"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Validate enforces the minimal envelope contract described in spec 4.C.
func (e Envelope) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("envelope missing type")
	}
	if e.Name == "" {
		return fmt.Errorf("envelope missing name")
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("envelope missing timestamp")
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("envelope missing data")
	}
	return nil
}

// Job is the canonical record stored in the job store.
type Job struct {
	ID           string `json:"id"`
	QueueName    string `json:"queueName"`
	Name         string `json:"name"`
	Payload      []byte `json:"payload"`
	Opts         Opts   `json:"opts"`
	State        State  `json:"state"`
	AttemptsMade int    `json:"attemptsMade"`
	LastError    string `json:"lastError,omitempty"`
	ReturnValue  []byte `json:"returnValue,omitempty"`
	ProcessedOn  int64  `json:"processedOn,omitempty"`
	FinishedOn   int64  `json:"finishedOn,omitempty"`
	StalledCount int    `json:"stalledCount,omitempty"`
}

// NewJob constructs a job in its initial state: waiting (no delay) or
// delayed (opts.Delay > 0). It does not assign an id — callers that want
// idempotency supply opts.JobID; otherwise the job store mints one.
func NewJob(queueName, name string, payload []byte, opts Opts) Job {
	state := StateWaiting
	if opts.Delay > 0 {
		state = StateDelayed
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.Timestamp == 0 {
		opts.Timestamp = time.Now().UnixMilli()
	}
	return Job{
		QueueName: queueName,
		Name:      name,
		Payload:   payload,
		Opts:      opts,
		State:     state,
	}
}
