// ABOUTME: In-memory task backend with the same claim and ownership rules as store.Store.
// ABOUTME: Lets queue, listener and runner tests run without a Postgres container.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scarson/taskq/internal/store"
)

// MemBackend keeps tasks and listener membership in memory. A single mutex
// stands in for the row locks the SQL claim relies on.
type MemBackend struct {
	mu        sync.Mutex
	tasks     map[string]*store.Task
	pending   map[string][]string
	listeners map[string][]string
	history   map[string][]store.Status

	err   error
	calls int
}

// NewMemBackend returns an empty MemBackend.
func NewMemBackend() *MemBackend {
	return &MemBackend{
		tasks:     make(map[string]*store.Task),
		pending:   make(map[string][]string),
		listeners: make(map[string][]string),
		history:   make(map[string][]store.Status),
	}
}

func (m *MemBackend) setStatus(t *store.Task, s store.Status) {
	t.Status = s
	m.history[t.ID] = append(m.history[t.ID], s)
}

func (m *MemBackend) EnqueueTask(_ context.Context, queue, parameters string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	t := &store.Task{
		ID:         uuid.New().String(),
		Queue:      queue,
		Parameters: parameters,
		CreatedAt:  time.Now(),
	}
	m.setStatus(t, store.StatusQueued)
	m.tasks[t.ID] = t
	m.pending[queue] = append(m.pending[queue], t.ID)
	return t.ID, nil
}

func (m *MemBackend) ClaimTask(_ context.Context, queue, node string) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	ids := m.pending[queue]
	if len(ids) == 0 {
		return nil, nil
	}
	t := m.tasks[ids[0]]
	m.pending[queue] = ids[1:]
	now := time.Now()
	m.setStatus(t, store.StatusReserved)
	t.Node = node
	t.ReservedAt = &now
	cp := *t
	return &cp, nil
}

func (m *MemBackend) StartTask(_ context.Context, id, node string, pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.owned("start", id, store.StatusReserved, node, pid, false)
	if err != nil {
		return err
	}
	now := time.Now()
	m.setStatus(t, store.StatusStarted)
	t.PID = pid
	t.StartedAt = &now
	return nil
}

func (m *MemBackend) CompleteTask(_ context.Context, id, node string, pid int, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.owned("complete", id, store.StatusStarted, node, pid, true)
	if err != nil {
		return err
	}
	now := time.Now()
	m.setStatus(t, store.StatusCompleted)
	t.Result = result
	t.FinishedAt = &now
	return nil
}

func (m *MemBackend) FailTask(_ context.Context, id, node string, pid int, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.owned("fail", id, store.StatusStarted, node, pid, true)
	if err != nil {
		return err
	}
	now := time.Now()
	m.setStatus(t, store.StatusFailed)
	t.Error = errMsg
	t.FinishedAt = &now
	return nil
}

// owned mirrors the WHERE clauses of the store's conditional updates.
func (m *MemBackend) owned(op, id string, want store.Status, node string, pid int, checkPID bool) (*store.Task, error) {
	if m.err != nil {
		return nil, m.err
	}
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if t.Status != want || t.Node != node || (checkPID && t.PID != pid) {
		return nil, &store.OwnershipError{
			TaskID: id, Op: op, Want: want, Node: node, PID: pid,
			GotState: t.Status, GotNode: t.Node, GotPID: t.PID,
		}
	}
	return t, nil
}

func (m *MemBackend) GetTask(_ context.Context, id string) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemBackend) AddListener(_ context.Context, queue, listenerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, id := range m.listeners[queue] {
		if id == listenerID {
			return nil
		}
	}
	m.listeners[queue] = append(m.listeners[queue], listenerID)
	return nil
}

// Listeners returns the listener IDs registered on queue.
func (m *MemBackend) Listeners(queue string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.listeners[queue]...)
}

// History returns every status task id has held, in order.
func (m *MemBackend) History(id string) []store.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Status(nil), m.history[id]...)
}

// SetErr makes every subsequent call fail with err, simulating a store
// outage. Pass nil to recover.
func (m *MemBackend) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns the number of claim attempts made so far.
func (m *MemBackend) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
