package queue

import (
	"context"

	"github.com/scarson/taskq/internal/store"
)

// Processor binds one claimed task to the listener that claimed it. Task
// code reports progress through it and never handles task IDs directly.
type Processor struct {
	listenerID string
	taskID     string
	queue      *Queue
	pid        int
}

// NewProcessor returns a Processor for taskID as claimed by listenerID.
func NewProcessor(listenerID, taskID string, q *Queue) *Processor {
	return &Processor{listenerID: listenerID, taskID: taskID, queue: q}
}

// Processor returns the Processor for a task snapshot obtained from this
// queue. The owning listener is taken from t.Node, so t must have been
// reserved.
func (q *Queue) Processor(t *store.Task) *Processor {
	return NewProcessor(t.Node, t.ID, q)
}

// TaskID returns the bound task.
func (p *Processor) TaskID() string { return p.taskID }

// ListenerID returns the claiming listener.
func (p *Processor) ListenerID() string { return p.listenerID }

// Start marks the task started by pid. The pid is remembered for Complete
// and Fail.
func (p *Processor) Start(ctx context.Context, pid int) error {
	p.pid = pid
	return p.queue.Start(ctx, p.taskID, p.listenerID, pid)
}

// Complete marks the task completed with result.
func (p *Processor) Complete(ctx context.Context, result string) error {
	return p.queue.Complete(ctx, p.taskID, p.listenerID, p.pid, result)
}

// Fail marks the task failed with errMsg.
func (p *Processor) Fail(ctx context.Context, errMsg string) error {
	return p.queue.Fail(ctx, p.taskID, p.listenerID, p.pid, errMsg)
}

// Claim is what a Listener hands its callback: the reserved task snapshot
// and the Processor that owns it.
type Claim struct {
	Task      *store.Task
	Processor *Processor
}
