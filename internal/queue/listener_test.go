package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/taskq/internal/queue"
	"github.com/scarson/taskq/internal/store"
)

func TestNewListener_RegistersItself(t *testing.T) {
	t.Parallel()
	q, b := newQueue(t)

	l, err := queue.NewListener(context.Background(), q, queue.ListenerConfig{ID: "somehost.example.com_2314"})
	require.NoError(t, err)
	assert.Equal(t, "somehost.example.com_2314", l.ID())
	assert.Equal(t, []string{"somehost.example.com_2314"}, b.Listeners("some.queue"))
}

func TestNewListener_DefaultID(t *testing.T) {
	t.Parallel()
	q, _ := newQueue(t)

	l, err := queue.NewListener(context.Background(), q, queue.ListenerConfig{})
	require.NoError(t, err)
	assert.Equal(t, queue.DefaultListenerID(), l.ID())
	assert.Regexp(t, `^.+_\d+$`, l.ID())
}

func TestListen_CallsCallbackForEachTaskInOrder(t *testing.T) {
	t.Parallel()
	q, _ := newQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, _ := q.Enqueue(ctx, "one")
	second, _ := q.Enqueue(ctx, "two")

	l, err := queue.NewListener(ctx, q, queue.ListenerConfig{ID: "host_1", PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	var got []string
	err = l.Listen(ctx, func(_ context.Context, c *queue.Claim) error {
		assert.Equal(t, "host_1", c.Processor.ListenerID())
		assert.Equal(t, c.Task.ID, c.Processor.TaskID())
		assert.Equal(t, store.StatusReserved, c.Task.Status)
		got = append(got, c.Task.ID)
		if len(got) == 2 {
			cancel()
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{first, second}, got)
}

func TestListen_SleepsWhenQueueEmpty(t *testing.T) {
	t.Parallel()
	q, b := newQueue(t)

	const interval = 50 * time.Millisecond
	l, err := queue.NewListener(context.Background(), q, queue.ListenerConfig{ID: "host_1", PollInterval: interval})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*interval+interval/2)
	defer cancel()

	err = l.Listen(ctx, func(context.Context, *queue.Claim) error {
		t.Error("callback invoked on empty queue")
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// One attempt at t=0 and at most one per elapsed interval after that.
	calls := b.Calls()
	assert.GreaterOrEqual(t, calls, 2)
	assert.LessOrEqual(t, calls, 6)
}

func TestListen_PicksUpTaskAfterIdle(t *testing.T) {
	t.Parallel()
	q, _ := newQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l, err := queue.NewListener(ctx, q, queue.ListenerConfig{ID: "host_1", PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = q.Enqueue(context.Background(), "late")
	}()

	var params string
	err = l.Listen(ctx, func(_ context.Context, c *queue.Claim) error {
		params = c.Task.Parameters
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "late", params)
}

func TestListen_OnListenFiresOnceBeforeFirstDequeue(t *testing.T) {
	t.Parallel()
	q, b := newQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, _ = q.Enqueue(ctx, "one")
	_, _ = q.Enqueue(ctx, "two")

	var fired atomic.Int32
	l, err := queue.NewListener(ctx, q, queue.ListenerConfig{
		ID:           "host_1",
		PollInterval: 10 * time.Millisecond,
		OnListen: func() {
			assert.Zero(t, b.Calls(), "OnListen must run before the first dequeue")
			fired.Add(1)
		},
	})
	require.NoError(t, err)

	n := 0
	_ = l.Listen(ctx, func(context.Context, *queue.Claim) error {
		n++
		if n == 2 {
			cancel()
		}
		return nil
	})
	assert.Equal(t, int32(1), fired.Load())
}

func TestListen_CancelledBeforeStartDoesNotDequeue(t *testing.T) {
	t.Parallel()
	q, b := newQueue(t)

	l, err := queue.NewListener(context.Background(), q, queue.ListenerConfig{ID: "host_1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, l.Listen(ctx, nil), context.Canceled)
	assert.Zero(t, b.Calls())
}

func TestListen_StoreFailureStopsLoop(t *testing.T) {
	t.Parallel()
	q, b := newQueue(t)

	l, err := queue.NewListener(context.Background(), q, queue.ListenerConfig{ID: "host_1"})
	require.NoError(t, err)

	outage := errors.New("connection reset")
	b.SetErr(outage)

	err = l.Listen(context.Background(), func(context.Context, *queue.Claim) error { return nil })
	require.ErrorIs(t, err, outage)
	assert.Equal(t, 1, b.Calls())
}

func TestListen_CallbackErrorStopsLoop(t *testing.T) {
	t.Parallel()
	q, b := newQueue(t)
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, "one")
	_, _ = q.Enqueue(ctx, "two")

	l, err := queue.NewListener(ctx, q, queue.ListenerConfig{ID: "host_1"})
	require.NoError(t, err)

	sentinel := errors.New("cannot report")
	err = l.Listen(ctx, func(context.Context, *queue.Claim) error { return sentinel })
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, b.Calls())
}

func TestNewListener_RegistrationFailure(t *testing.T) {
	t.Parallel()
	q, b := newQueue(t)
	b.SetErr(errors.New("down"))

	_, err := queue.NewListener(context.Background(), q, queue.ListenerConfig{ID: "host_1"})
	require.Error(t, err)
}

// The end-to-end happy path: enqueue "foo", one listener claims it, the
// handler returns "bar".
func TestScenario_FooBar(t *testing.T) {
	t.Parallel()
	q, _ := newQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := q.Enqueue(ctx, "foo")
	require.NoError(t, err)

	l, err := queue.NewListener(ctx, q, queue.ListenerConfig{ID: "host_1"})
	require.NoError(t, err)

	err = l.Listen(ctx, func(ctx context.Context, c *queue.Claim) error {
		defer cancel()
		if err := c.Processor.Start(ctx, 99); err != nil {
			return err
		}
		assert.Equal(t, "foo", c.Task.Parameters)
		return c.Processor.Complete(ctx, "bar")
	})
	require.ErrorIs(t, err, context.Canceled)

	task, err := q.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, task.Status)
	assert.Equal(t, "foo", task.Parameters)
	assert.Equal(t, "bar", task.Result)
}
