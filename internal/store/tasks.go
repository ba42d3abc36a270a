package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Status is a task lifecycle state. Transitions are strictly
// queued → reserved → started → completed|failed.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusReserved  Status = "reserved"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the five lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusReserved, StatusStarted, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Task is a snapshot of a task row. Node, PID, Result and Error hold their
// zero value until the corresponding transition sets them.
type Task struct {
	ID         string
	Queue      string
	Status     Status
	Parameters string
	Node       string
	PID        int
	Result     string
	Error      string
	CreatedAt  time.Time
	ReservedAt *time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// taskColumns is shared by every query that returns a Task; scanTask reads
// the columns in this order.
const taskColumns = `id, queue, status, parameters,
	COALESCE(node, ''), COALESCE(pid, 0), COALESCE(result, ''), COALESCE(error, ''),
	created_at, reserved_at, started_at, finished_at`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	if err := row.Scan(
		&t.ID, &t.Queue, &t.Status, &t.Parameters,
		&t.Node, &t.PID, &t.Result, &t.Error,
		&t.CreatedAt, &t.ReservedAt, &t.StartedAt, &t.FinishedAt,
	); err != nil {
		return nil, err
	}
	return &t, nil
}

const enqueueTaskSQL = `
INSERT INTO tasks (id, queue, status, parameters)
VALUES ($1, $2, 'queued', $3)`

// EnqueueTask appends a new queued task to the named queue and returns its ID.
func (s *Store) EnqueueTask(ctx context.Context, queue, parameters string) (string, error) {
	id := uuid.New().String()
	if _, err := s.pool.Exec(ctx, enqueueTaskSQL, id, queue, parameters); err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	return id, nil
}

// claimTaskSQL pops the oldest queued task and reserves it for $2 in one
// statement. SKIP LOCKED lets concurrent claimers move past a row another
// transaction is already reserving instead of blocking on it.
const claimTaskSQL = `
UPDATE tasks
SET status = 'reserved', node = $2, reserved_at = now()
WHERE id = (
    SELECT id FROM tasks
    WHERE queue = $1 AND status = 'queued'
    ORDER BY seq
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
AND status = 'queued'
RETURNING ` + taskColumns

// ClaimTask atomically reserves the oldest queued task in queue for node.
// Returns (nil, nil) when the queue is empty. Database failures are always
// returned as errors so callers can tell an outage from an idle queue.
func (s *Store) ClaimTask(ctx context.Context, queue, node string) (*Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, claimTaskSQL, queue, node))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return t, nil
}

const startTaskSQL = `
UPDATE tasks
SET status = 'started', pid = $3, started_at = now()
WHERE id = $1 AND status = 'reserved' AND node = $2`

// StartTask moves a reserved task to started and records pid. The task must
// be reserved by node.
func (s *Store) StartTask(ctx context.Context, id, node string, pid int) error {
	tag, err := s.pool.Exec(ctx, startTaskSQL, id, node, pid)
	if err != nil {
		return fmt.Errorf("start task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.rejectTransition(ctx, "start", id, StatusReserved, node, pid)
	}
	return nil
}

const completeTaskSQL = `
UPDATE tasks
SET status = 'completed', result = $4, finished_at = now()
WHERE id = $1 AND status = 'started' AND node = $2 AND pid = $3`

// CompleteTask moves a started task to completed and records result. The
// task must have been started by node under pid.
func (s *Store) CompleteTask(ctx context.Context, id, node string, pid int, result string) error {
	tag, err := s.pool.Exec(ctx, completeTaskSQL, id, node, pid, result)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.rejectTransition(ctx, "complete", id, StatusStarted, node, pid)
	}
	return nil
}

const failTaskSQL = `
UPDATE tasks
SET status = 'failed', error = $4, finished_at = now()
WHERE id = $1 AND status = 'started' AND node = $2 AND pid = $3`

// FailTask moves a started task to failed and records errMsg. The task must
// have been started by node under pid.
func (s *Store) FailTask(ctx context.Context, id, node string, pid int, errMsg string) error {
	tag, err := s.pool.Exec(ctx, failTaskSQL, id, node, pid, errMsg)
	if err != nil {
		return fmt.Errorf("fail task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.rejectTransition(ctx, "fail", id, StatusStarted, node, pid)
	}
	return nil
}

// rejectTransition builds the error for a conditional update that matched no
// row: ErrNotFound when the task is gone, an *OwnershipError otherwise.
func (s *Store) rejectTransition(ctx context.Context, op, id string, want Status, node string, pid int) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("%s task %s: %w", op, id, err)
	}
	return &OwnershipError{
		TaskID:   id,
		Op:       op,
		Want:     want,
		Node:     node,
		PID:      pid,
		GotState: t.Status,
		GotNode:  t.Node,
		GotPID:   t.PID,
	}
}

// GetTask returns the task with the given ID, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// TaskFilter narrows ListTasks. Zero-valued fields are not applied.
type TaskFilter struct {
	Queue  string
	Status Status
	Node   string
	Limit  uint64
}

// ListTasks returns tasks matching f in claim order.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]*Task, error) {
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	sb := psql.Select(taskColumns).From("tasks").OrderBy("seq")
	if f.Queue != "" {
		sb = sb.Where(sq.Eq{"queue": f.Queue})
	}
	if f.Status != "" {
		sb = sb.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Node != "" {
		sb = sb.Where(sq.Eq{"node": f.Node})
	}
	if f.Limit > 0 {
		sb = sb.Limit(f.Limit)
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list tasks query: %w", err)
	}
	return s.queryTasks(ctx, "list tasks", query, args...)
}

const orphanedTasksSQL = `
SELECT ` + taskColumns + `
FROM tasks
WHERE queue = $1
  AND (
    (status = 'reserved' AND reserved_at < now() - ($2 * interval '1 second'))
    OR (status = 'started' AND started_at < now() - ($2 * interval '1 second'))
  )
ORDER BY COALESCE(started_at, reserved_at)`

// ListOrphanedTasks returns tasks in queue that have been in flight for
// longer than olderThan: reserved but never started (the worker died or its
// start was rejected) or started but never finished. Nothing is reclaimed;
// such tasks stay put until an operator or external reaper acts on them.
func (s *Store) ListOrphanedTasks(ctx context.Context, queue string, olderThan time.Duration) ([]*Task, error) {
	return s.queryTasks(ctx, "list orphaned tasks", orphanedTasksSQL, queue, olderThan.Seconds())
}

func (s *Store) queryTasks(ctx context.Context, op, query string, args ...any) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	tasks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Task, error) {
		return scanTask(row)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return tasks, nil
}

// StatusCount is the number of tasks in one queue with one status.
type StatusCount struct {
	Queue  string
	Status Status
	Count  int64
}

// CountTasksByStatus returns per-queue, per-status task counts.
func (s *Store) CountTasksByStatus(ctx context.Context) ([]StatusCount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT queue, status, count(*) FROM tasks GROUP BY queue, status ORDER BY queue, status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	counts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (StatusCount, error) {
		var c StatusCount
		err := row.Scan(&c.Queue, &c.Status, &c.Count)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	return counts, nil
}
