// Package queue implements the claim protocol on top of the store: a Queue
// coordinates task records for one named queue, a Listener polls it for
// work, and a Processor is the capability handed to task code for reporting
// the outcome of one claimed task.
//
// None of these types hold durable state. Everything lives in the Backend;
// the only in-memory values are the listener identity and the task bound to
// a Processor.
package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/scarson/taskq/internal/store"
)

// Backend is the set of store primitives the claim protocol needs.
// *store.Store satisfies it.
type Backend interface {
	EnqueueTask(ctx context.Context, queue, parameters string) (string, error)
	ClaimTask(ctx context.Context, queue, node string) (*store.Task, error)
	StartTask(ctx context.Context, id, node string, pid int) error
	CompleteTask(ctx context.Context, id, node string, pid int, result string) error
	FailTask(ctx context.Context, id, node string, pid int, errMsg string) error
	GetTask(ctx context.Context, id string) (*store.Task, error)
	AddListener(ctx context.Context, queue, listenerID string) error
}

// Queue is a FIFO claim queue identified by name. Queues are created
// implicitly on first enqueue and are never deleted.
type Queue struct {
	name    string
	backend Backend
}

// New returns the Queue called name on backend.
func New(name string, backend Backend) *Queue {
	return &Queue{name: name, backend: backend}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Enqueue appends a task carrying parameters and returns its ID.
func (q *Queue) Enqueue(ctx context.Context, parameters string) (string, error) {
	id, err := q.backend.EnqueueTask(ctx, q.name, parameters)
	if err != nil {
		return "", fmt.Errorf("queue %s: %w", q.name, err)
	}
	slog.Debug("task enqueued", "queue", q.name, "task_id", id)
	return id, nil
}

// Dequeue claims the oldest queued task for listenerID. It returns (nil, nil)
// when nothing is queued; a store failure is always an error.
func (q *Queue) Dequeue(ctx context.Context, listenerID string) (*store.Task, error) {
	t, err := q.backend.ClaimTask(ctx, q.name, listenerID)
	if err != nil {
		return nil, fmt.Errorf("queue %s: %w", q.name, err)
	}
	if t != nil {
		slog.Debug("task reserved", "queue", q.name, "task_id", t.ID, "listener_id", listenerID)
	}
	return t, nil
}

// AddListener registers listenerID in the queue's listener set.
func (q *Queue) AddListener(ctx context.Context, listenerID string) error {
	if err := q.backend.AddListener(ctx, q.name, listenerID); err != nil {
		return fmt.Errorf("queue %s: %w", q.name, err)
	}
	return nil
}

// Start marks a reserved task as started by pid. Fails with
// store.ErrOwnership unless the task is reserved by listenerID.
func (q *Queue) Start(ctx context.Context, taskID, listenerID string, pid int) error {
	return q.backend.StartTask(ctx, taskID, listenerID, pid)
}

// Complete records result for a task started by (listenerID, pid).
func (q *Queue) Complete(ctx context.Context, taskID, listenerID string, pid int, result string) error {
	return q.backend.CompleteTask(ctx, taskID, listenerID, pid, result)
}

// Fail records errMsg for a task started by (listenerID, pid).
func (q *Queue) Fail(ctx context.Context, taskID, listenerID string, pid int, errMsg string) error {
	return q.backend.FailTask(ctx, taskID, listenerID, pid, errMsg)
}

// GetTask returns a snapshot of the task, or store.ErrNotFound.
func (q *Queue) GetTask(ctx context.Context, taskID string) (*store.Task, error) {
	return q.backend.GetTask(ctx, taskID)
}
