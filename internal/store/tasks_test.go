// ABOUTME: Integration tests for store/tasks.go: enqueue, atomic claim, and ownership-checked transitions.
// ABOUTME: Uses testutil.NewTestDB; each test runs in its own container (t.Parallel).
package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/taskq/internal/store"
	"github.com/scarson/taskq/internal/testutil"
)

func TestEnqueueAndGetTask(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id, err := s.EnqueueTask(ctx, "some.queue", "foo")
	require.NoError(t, err)

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, task.ID)
	assert.Equal(t, "some.queue", task.Queue)
	assert.Equal(t, store.StatusQueued, task.Status)
	assert.Equal(t, "foo", task.Parameters)
	assert.Empty(t, task.Node)
	assert.Zero(t, task.PID)
	assert.Nil(t, task.ReservedAt)

	_, err = s.GetTask(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestClaimTask_FIFOAndEmpty(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	first, _ := s.EnqueueTask(ctx, "q", "1")
	second, _ := s.EnqueueTask(ctx, "q", "2")
	_, _ = s.EnqueueTask(ctx, "other", "x")

	got, err := s.ClaimTask(ctx, "q", "host_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first, got.ID)
	assert.Equal(t, store.StatusReserved, got.Status)
	assert.Equal(t, "host_1", got.Node)
	assert.NotNil(t, got.ReservedAt)

	got, err = s.ClaimTask(ctx, "q", "host_1")
	require.NoError(t, err)
	assert.Equal(t, second, got.ID)

	got, err = s.ClaimTask(ctx, "q", "host_1")
	require.NoError(t, err)
	assert.Nil(t, got, "queue q is drained; other queue is not visible")
}

func TestClaimTask_ConcurrentClaimersGetDistinctTasks(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	const pending, claimers = 10, 30
	for range pending {
		_, err := s.EnqueueTask(ctx, "q", "p")
		require.NoError(t, err)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		seen  = make(map[string]int)
		empty int
	)
	for range claimers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := s.ClaimTask(ctx, "q", "listener")
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if task == nil {
				empty++
				return
			}
			seen[task.ID]++
		}()
	}
	wg.Wait()

	assert.Len(t, seen, pending)
	assert.Equal(t, claimers-pending, empty)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s claimed %d times", id, n)
	}
}

func TestClaimTask_CancelledContextIsError(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	task, err := s.ClaimTask(ctx, "q", "host_1")
	require.Error(t, err)
	assert.Nil(t, task)
}

// reserve enqueues and claims one task for node.
func reserve(t *testing.T, s *testutil.TestDB, node string) string {
	t.Helper()
	ctx := context.Background()
	id, err := s.EnqueueTask(ctx, "q", "params")
	require.NoError(t, err)
	task, err := s.ClaimTask(ctx, "q", node)
	require.NoError(t, err)
	require.Equal(t, id, task.ID)
	return id
}

func TestTransitions_Complete(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := reserve(t, s, "host_1")
	require.NoError(t, s.StartTask(ctx, id, "host_1", 2222))
	require.NoError(t, s.CompleteTask(ctx, id, "host_1", 2222, "bar"))

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, task.Status)
	assert.Equal(t, "bar", task.Result)
	assert.Empty(t, task.Error)
	assert.Equal(t, 2222, task.PID)
	assert.NotNil(t, task.StartedAt)
	assert.NotNil(t, task.FinishedAt)

	// Terminal: neither outcome can be written again.
	require.ErrorIs(t, s.FailTask(ctx, id, "host_1", 2222, "boom"), store.ErrOwnership)
	require.ErrorIs(t, s.CompleteTask(ctx, id, "host_1", 2222, "again"), store.ErrOwnership)
	task, _ = s.GetTask(ctx, id)
	assert.Equal(t, "bar", task.Result)
	assert.Empty(t, task.Error)
}

func TestTransitions_Fail(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := reserve(t, s, "host_1")
	require.NoError(t, s.StartTask(ctx, id, "host_1", 2222))
	require.NoError(t, s.FailTask(ctx, id, "host_1", 2222, "boom"))

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, task.Status)
	assert.Equal(t, "boom", task.Error)
	assert.Empty(t, task.Result)
}

func TestTransitions_OwnershipViolations(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := reserve(t, s, "host_1")

	// Wrong listener cannot start.
	err := s.StartTask(ctx, id, "host_2", 1)
	require.ErrorIs(t, err, store.ErrOwnership)
	var oe *store.OwnershipError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, store.StatusReserved, oe.GotState)
	assert.Equal(t, "host_1", oe.GotNode)

	// Cannot complete before start.
	require.ErrorIs(t, s.CompleteTask(ctx, id, "host_1", 0, "bar"), store.ErrOwnership)

	require.NoError(t, s.StartTask(ctx, id, "host_1", 10))

	// Cannot start twice; pid is immutable.
	require.ErrorIs(t, s.StartTask(ctx, id, "host_1", 11), store.ErrOwnership)

	// Wrong pid or listener cannot finish.
	require.ErrorIs(t, s.CompleteTask(ctx, id, "host_1", 11, "bar"), store.ErrOwnership)
	require.ErrorIs(t, s.FailTask(ctx, id, "host_2", 10, "boom"), store.ErrOwnership)

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusStarted, task.Status)
	assert.Equal(t, 10, task.PID)
	assert.Equal(t, "host_1", task.Node)
	assert.Empty(t, task.Result)
	assert.Empty(t, task.Error)
}

func TestTransitions_MissingTask(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	require.ErrorIs(t, s.StartTask(ctx, "missing", "host_1", 1), store.ErrNotFound)
	require.ErrorIs(t, s.CompleteTask(ctx, "missing", "host_1", 1, "x"), store.ErrNotFound)
	require.ErrorIs(t, s.FailTask(ctx, "missing", "host_1", 1, "x"), store.ErrNotFound)
}

func TestListTasks_Filters(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	a := reserve(t, s, "host_1")
	b := reserve(t, s, "host_2")
	c, _ := s.EnqueueTask(ctx, "q", "params")
	_, _ = s.EnqueueTask(ctx, "other", "params")

	all, err := s.ListTasks(ctx, store.TaskFilter{Queue: "q"})
	require.NoError(t, err)
	assert.Equal(t, []string{a, b, c}, taskIDs(all))

	reserved, err := s.ListTasks(ctx, store.TaskFilter{Queue: "q", Status: store.StatusReserved})
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, taskIDs(reserved))

	byNode, err := s.ListTasks(ctx, store.TaskFilter{Queue: "q", Node: "host_2"})
	require.NoError(t, err)
	assert.Equal(t, []string{b}, taskIDs(byNode))

	limited, err := s.ListTasks(ctx, store.TaskFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{a}, taskIDs(limited))
}

func TestListOrphanedTasks(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := reserve(t, s, "host_1")
	require.NoError(t, s.StartTask(ctx, id, "host_1", 5))
	done := reserve(t, s, "host_1")
	require.NoError(t, s.StartTask(ctx, done, "host_1", 6))
	require.NoError(t, s.CompleteTask(ctx, done, "host_1", 6, "ok"))
	// Claimed by a worker that died before starting it.
	stuck := reserve(t, s, "host_2")
	_, err := s.EnqueueTask(ctx, "q", "still queued")
	require.NoError(t, err)

	none, err := s.ListOrphanedTasks(ctx, "q", time.Hour)
	require.NoError(t, err)
	assert.Empty(t, none)

	time.Sleep(20 * time.Millisecond)
	stale, err := s.ListOrphanedTasks(ctx, "q", 10*time.Millisecond)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{id, stuck}, taskIDs(stale))

	// Listing never reclaims.
	task, _ := s.GetTask(ctx, id)
	assert.Equal(t, store.StatusStarted, task.Status)
	task, _ = s.GetTask(ctx, stuck)
	assert.Equal(t, store.StatusReserved, task.Status)
}

func TestCountTasksByStatus(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	_ = reserve(t, s, "host_1")
	_, _ = s.EnqueueTask(ctx, "q", "p")
	_, _ = s.EnqueueTask(ctx, "q", "p")

	counts, err := s.CountTasksByStatus(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []store.StatusCount{
		{Queue: "q", Status: store.StatusQueued, Count: 2},
		{Queue: "q", Status: store.StatusReserved, Count: 1},
	}, counts)
}

func TestListeners_Idempotent(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	require.NoError(t, s.AddListener(ctx, "q", "host_1"))
	require.NoError(t, s.AddListener(ctx, "q", "host_1"))
	require.NoError(t, s.AddListener(ctx, "q", "host_2"))
	require.NoError(t, s.AddListener(ctx, "other", "host_3"))

	ls, err := s.ListListeners(ctx, "q")
	require.NoError(t, err)
	require.Len(t, ls, 2)
	ids := []string{ls[0].ID, ls[1].ID}
	assert.ElementsMatch(t, []string{"host_1", "host_2"}, ids)
	assert.Equal(t, "q", ls[0].Queue)
}

func taskIDs(tasks []*store.Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids
}
