// Copyright 2025 James Ross
package jobstore

// Keys computes the Redis key layout for a single queue: {prefix}:{queueName}:{suffix}.
type Keys struct {
	Prefix string
	Queue  string
}

func NewKeys(prefix, queue string) Keys { return Keys{Prefix: prefix, Queue: queue} }

func (k Keys) base() string { return k.Prefix + ":" + k.Queue }

func (k Keys) Meta() string      { return k.base() + ":meta" }
func (k Keys) Waiting() string   { return k.base() + ":waiting" }
func (k Keys) Delayed() string   { return k.base() + ":delayed" }
func (k Keys) Active() string    { return k.base() + ":active" }
func (k Keys) Completed() string { return k.base() + ":completed" }
func (k Keys) Failed() string    { return k.base() + ":failed" }
func (k Keys) Events() string    { return k.base() + ":events" }

func (k Keys) Job(id string) string { return k.base() + ":job:" + id }

func (k Keys) FlowChildren(id string) string { return k.base() + ":flow:" + id + ":children" }
func (k Keys) FlowPending(id string) string  { return k.base() + ":flow:" + id + ":pending" }
func (k Keys) FlowParent(id string) string   { return k.base() + ":flow:" + id + ":parent" }
