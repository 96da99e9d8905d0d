// Copyright 2025 James Ross
package jobstore

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// Event is the lifecycle envelope published on a queue's pub/sub channel.
type Event struct {
	Event     string          `json:"event"` // added|active|completed|failed|progress|stalled
	JobID     string          `json:"jobId"`
	Name      string          `json:"name"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func (s *Store) publish(ctx context.Context, kind, jobID, name string) {
	evt := Event{Event: kind, JobID: jobID, Name: name, Timestamp: time.Now().UnixMilli()}
	b, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, s.keys.Events(), b).Err(); err != nil {
		s.log.Warn("event publish failed", zap.Error(err))
	}
}

// Subscribe returns a channel of lifecycle events for this queue. Callers
// must drain it; the subscription is closed when ctx is cancelled.
func (s *Store) Subscribe(ctx context.Context) (<-chan Event, func()) {
	sub := s.rdb.Subscribe(ctx, s.keys.Events())
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, func() { _ = sub.Close() }
}
