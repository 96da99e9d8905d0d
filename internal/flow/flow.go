// Copyright 2025 James Ross

// Package flow implements parent/child job trees: a parent job is gated on
// all of its children reaching a terminal completed state before it
// becomes eligible for dispatch.
package flow

import (
	"context"
	"time"

	"github.com/flyingrobots/go-redis-work-queue/internal/jobstore"
	"github.com/flyingrobots/go-redis-work-queue/internal/queue"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Node describes one job in a flow tree before it is written to Redis.
type Node struct {
	ID        string
	QueueName string
	Name      string
	Payload   []byte
	Opts      queue.Opts
	Children  []Node
}

// Service writes and inspects flow trees against a shared Redis client.
// Flow trees may span queues (a node's QueueName need not match its
// parent's), so the service is not scoped to a single queue the way
// jobstore.Store is.
type Service struct {
	rdb    *redis.Client
	prefix string
	log    *zap.Logger
}

func New(rdb *redis.Client, prefix string, log *zap.Logger) *Service {
	return &Service{rdb: rdb, prefix: prefix, log: log}
}

type plannedOp func(ctx context.Context, pipe redis.Pipeliner) error

// AddFlow assigns ids bottom-up (preserving any caller-supplied ids for
// idempotency), then writes every node in one MULTI/EXEC transaction:
// leaves land directly in waiting/delayed, internal nodes (including the
// root) land in waiting-children with their child set and pending counter
// already populated. No caller-side sleep is ever required to observe a
// consistent tree afterward.
func (s *Service) AddFlow(ctx context.Context, root *Node) (string, error) {
	assignIDs(root)

	now := time.Now().UnixMilli()
	var ops []plannedOp
	s.planNode(root, nil, now, &ops)

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			if err := op(ctx, pipe); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", queue.NewError(queue.ErrFlow, root.QueueName, root.ID, err)
	}
	return root.ID, nil
}

func assignIDs(n *Node) {
	for i := range n.Children {
		assignIDs(&n.Children[i])
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
}

func (s *Service) planNode(n *Node, parent *Node, now int64, ops *[]plannedOp) {
	for i := range n.Children {
		s.planNode(&n.Children[i], n, now, ops)
	}

	keys := jobstore.NewKeys(s.prefix, n.QueueName)
	opts := n.Opts
	if parent != nil {
		opts.Parent = &queue.ParentRef{ID: parent.ID, Queue: parent.QueueName}
	}

	if len(n.Children) == 0 {
		job := queue.NewJob(n.QueueName, n.Name, n.Payload, opts)
		job.ID = n.ID
		*ops = append(*ops, func(ctx context.Context, pipe redis.Pipeliner) error {
			enqueueKeys := []string{keys.Meta(), keys.Waiting(), keys.Delayed(), keys.Job(job.ID)}
			args := append([]interface{}{
				job.ID, job.Opts.Priority, boolToStr(job.Opts.LIFO), job.Opts.Delay, now,
			}, jobstore.JobToHash(job)...)
			return pipe.Eval(ctx, jobstore.EnqueueScriptSrc, enqueueKeys, args...).Err()
		})
		return
	}

	job := queue.NewJob(n.QueueName, n.Name, n.Payload, opts)
	job.ID = n.ID
	job.State = queue.StateWaitingChildren
	childIDs := make([]string, len(n.Children))
	for i, c := range n.Children {
		childIDs[i] = c.ID
	}
	pendingCount := len(n.Children)

	*ops = append(*ops, func(ctx context.Context, pipe redis.Pipeliner) error {
		fields := jobstore.JobToHash(job)
		if err := pipe.HSet(ctx, keys.Job(job.ID), fields...).Err(); err != nil {
			return err
		}
		if err := pipe.Set(ctx, keys.FlowPending(job.ID), pendingCount, 0).Err(); err != nil {
			return err
		}
		members := make([]interface{}, len(childIDs))
		for i, id := range childIDs {
			members[i] = id
		}
		return pipe.SAdd(ctx, keys.FlowChildren(job.ID), members...).Err()
	})
}

// Dependencies describes a job's place in its flow tree.
type Dependencies struct {
	ParentID string
	Children []ChildStatus
}

type ChildStatus struct {
	ID    string
	State queue.State
}

// GetFlowDependencies returns the immediate parent (if any) and all direct
// children with their current states.
func (s *Service) GetFlowDependencies(ctx context.Context, queueName, jobID string) (Dependencies, error) {
	keys := jobstore.NewKeys(s.prefix, queueName)
	h, err := s.rdb.HGetAll(ctx, keys.Job(jobID)).Result()
	if err != nil {
		return Dependencies{}, queue.NewError(queue.ErrConnection, queueName, jobID, err)
	}
	deps := Dependencies{ParentID: h["parentID"]}

	childIDs, err := s.rdb.SMembers(ctx, keys.FlowChildren(jobID)).Result()
	if err != nil {
		return Dependencies{}, queue.NewError(queue.ErrConnection, queueName, jobID, err)
	}
	for _, cid := range childIDs {
		state, _ := s.rdb.HGet(ctx, keys.Job(cid), "state").Result()
		deps.Children = append(deps.Children, ChildStatus{ID: cid, State: queue.State(state)})
	}
	return deps, nil
}

// GetChildrenValues returns childId -> returnValue for every completed
// child; may be partial if called before all children finish.
func (s *Service) GetChildrenValues(ctx context.Context, queueName, jobID string) (map[string][]byte, error) {
	keys := jobstore.NewKeys(s.prefix, queueName)
	childIDs, err := s.rdb.SMembers(ctx, keys.FlowChildren(jobID)).Result()
	if err != nil {
		return nil, queue.NewError(queue.ErrConnection, queueName, jobID, err)
	}
	out := make(map[string][]byte, len(childIDs))
	for _, cid := range childIDs {
		h, err := s.rdb.HGetAll(ctx, keys.Job(cid)).Result()
		if err != nil {
			return nil, queue.NewError(queue.ErrConnection, queueName, cid, err)
		}
		if h["state"] == string(queue.StateCompleted) {
			out[cid] = []byte(h["returnValue"])
		}
	}
	return out, nil
}

func boolToStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
