// Copyright 2025 James Ross
package jobstore

import (
	"strconv"

	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
)

// JobToHash flattens a Job into the field list for job:{id}, matching the
// wire layout of a hash of job record attributes rather than a single JSON
// blob, so Lua scripts can read/write individual fields without decoding.
func JobToHash(j queue.Job) []interface{} {
	h := []interface{}{
		"id", j.ID,
		"queueName", j.QueueName,
		"name", j.Name,
		"payload", j.Payload,
		"state", string(j.State),
		"priority", j.Opts.Priority,
		"lifo", boolToStr(j.Opts.LIFO),
		"delay", j.Opts.Delay,
		"attempts", j.Opts.Attempts,
		"attemptsMade", j.AttemptsMade,
		"backoffType", string(j.Opts.Backoff.Type),
		"backoffDelay", j.Opts.Backoff.Delay,
		"timestamp", j.Opts.Timestamp,
		"removeOnComplete", boolToStr(j.Opts.RemoveOnComplete),
		"removeOnFail", boolToStr(j.Opts.RemoveOnFail),
		"timeout", j.Opts.Timeout,
		"traceID", j.Opts.TraceID,
		"spanID", j.Opts.SpanID,
		"lastError", j.LastError,
		"returnValue", j.ReturnValue,
		"processedOn", j.ProcessedOn,
		"finishedOn", j.FinishedOn,
		"stalledCount", j.StalledCount,
		"lockOwner", "",
		"lockExpiresAt", int64(0),
	}
	if j.Opts.Parent != nil {
		h = append(h, "parentID", j.Opts.Parent.ID, "parentQueue", j.Opts.Parent.Queue)
	} else {
		h = append(h, "parentID", "", "parentQueue", "")
	}
	return h
}

// JobFromHash reconstructs a Job from a Redis HGETALL result.
func JobFromHash(h map[string]string) (queue.Job, error) {
	j := queue.Job{
		ID:        h["id"],
		QueueName: h["queueName"],
		Name:      h["name"],
		Payload:   []byte(h["payload"]),
		State:     queue.State(h["state"]),
		Opts: queue.Opts{
			Priority:         atoi(h["priority"]),
			LIFO:             h["lifo"] == "1",
			Delay:            atoi64(h["delay"]),
			Attempts:         atoi(h["attempts"]),
			Backoff:          queue.Backoff{Type: queue.BackoffType(h["backoffType"]), Delay: atoi64(h["backoffDelay"])},
			Timestamp:        atoi64(h["timestamp"]),
			RemoveOnComplete: h["removeOnComplete"] == "1",
			RemoveOnFail:     h["removeOnFail"] == "1",
			Timeout:          atoi64(h["timeout"]),
			TraceID:          h["traceID"],
			SpanID:           h["spanID"],
		},
		AttemptsMade: atoi(h["attemptsMade"]),
		LastError:    h["lastError"],
		ReturnValue:  []byte(h["returnValue"]),
		ProcessedOn:  atoi64(h["processedOn"]),
		FinishedOn:   atoi64(h["finishedOn"]),
		StalledCount: atoi(h["stalledCount"]),
	}
	if h["parentID"] != "" {
		j.Opts.Parent = &queue.ParentRef{ID: h["parentID"], Queue: h["parentQueue"]}
	}
	return j, nil
}

func boolToStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
