// Copyright 2025 James Ross
package queue

import "fmt"

// ErrorKind is the error taxonomy from spec 7: a closed set of reasons a
// queue operation can fail, independent of the underlying Go error type.
type ErrorKind string

const (
	ErrConnection  ErrorKind = "ConnectionError"
	ErrInvalidData ErrorKind = "InvalidJobData"
	ErrAddJob      ErrorKind = "AddJobError"
	ErrProcessing  ErrorKind = "ProcessingError"
	ErrTimeout     ErrorKind = "TimeoutError"
	ErrStalled     ErrorKind = "StalledError"
	ErrLeaderLost  ErrorKind = "LeaderLostError"
	ErrFlow        ErrorKind = "FlowError"
)

// QueueError is the structured payload every non-transient failure
// surfaces as: {kind, queue, jobId?, cause?}.
type QueueError struct {
	Kind  ErrorKind
	Queue string
	JobID string
	Cause error
}

func (e *QueueError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%s: queue=%s job=%s: %v", e.Kind, e.Queue, e.JobID, e.Cause)
	}
	return fmt.Sprintf("%s: queue=%s: %v", e.Kind, e.Queue, e.Cause)
}

func (e *QueueError) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, &QueueError{Kind: ErrX}) comparisons that
// only look at the Kind field.
func (e *QueueError) Is(target error) bool {
	t, ok := target.(*QueueError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func NewError(kind ErrorKind, queue, jobID string, cause error) *QueueError {
	return &QueueError{Kind: kind, Queue: queue, JobID: jobID, Cause: cause}
}
