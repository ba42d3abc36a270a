package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/taskq/internal/queue"
	"github.com/scarson/taskq/internal/testutil"
)

// helperEnv selects the behaviour of the re-executed test binary.
const helperEnv = "TASKQ_TEST_HELPER"

// TestHelperProcess is not a real test. ExecSpawner tests re-execute the test
// binary with -test.run pointing here.
func TestHelperProcess(t *testing.T) {
	switch os.Getenv(helperEnv) {
	case "":
		return
	case "ready":
		if err := SignalReady(); err != nil {
			os.Exit(3)
		}
		time.Sleep(time.Minute)
		os.Exit(0)
	case "exit":
		os.Exit(0)
	case "hang":
		time.Sleep(time.Minute)
		os.Exit(0)
	case "worker-bar", "worker-boom":
		runHelperWorker(os.Getenv(helperEnv) == "worker-boom")
	}
}

// runHelperWorker runs a real worker against an in-memory queue holding one
// task. The Executor ends the process; returning from here is a failure.
func runHelperWorker(boom bool) {
	b := testutil.NewMemBackend()
	q := queue.New("some.queue", b)
	if _, err := q.Enqueue(context.Background(), "foo"); err != nil {
		os.Exit(5)
	}
	err := RunWorker(context.Background(), WorkerConfig{
		Queue:        q,
		PollInterval: 10 * time.Millisecond,
		Task: func(_ context.Context, p string) (string, error) {
			fmt.Printf("listener=%s\n", os.Getenv(ListenerIDEnv))
			if boom {
				return "", errors.New("boom")
			}
			return p + "bar", nil
		},
	})
	if err != nil {
		os.Exit(4)
	}
	os.Exit(6)
}

func helperSpawner(mode string) *ExecSpawner {
	return &ExecSpawner{
		Path:   os.Args[0],
		Args:   []string{"-test.run=^TestHelperProcess$"},
		Env:    []string{helperEnv + "=" + mode},
		Stderr: os.Stderr,
	}
}

func TestExecSpawner_ReadyThenTerminate(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h, err := helperSpawner("ready").Spawn(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, h.WaitReady(ctx))
	assert.True(t, h.Alive())
	assert.Equal(t, -1, h.ExitCode())

	// The worker leads its own session and process group.
	pgid, err := syscall.Getpgid(h.Pid())
	require.NoError(t, err)
	assert.Equal(t, h.Pid(), pgid)

	require.NoError(t, h.Signal(syscall.SIGTERM))
	select {
	case <-h.Done():
	case <-ctx.Done():
		t.Fatal("worker did not exit after SIGTERM")
	}
	assert.False(t, h.Alive())
	assert.NoError(t, h.Signal(syscall.SIGTERM), "signalling an exited worker is a no-op")
}

func TestExecSpawner_WorkerRecordsOutcomeAndExitsZero(t *testing.T) {
	t.Parallel()
	for _, mode := range []string{"worker-bar", "worker-boom"} {
		t.Run(mode, func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			var stdout bytes.Buffer
			sp := helperSpawner(mode)
			sp.ListenerPrefix = "testhost_1"
			sp.Stdout = &stdout

			h, err := sp.Spawn(ctx, 3)
			require.NoError(t, err)
			require.NoError(t, h.WaitReady(ctx), "worker signals readiness once its listener polls")

			select {
			case <-h.Done():
			case <-ctx.Done():
				t.Fatal("worker did not exit after its task")
			}
			// A failed task is recorded, not reported through the exit code.
			assert.Equal(t, 0, h.ExitCode())
			assert.Contains(t, stdout.String(), "listener=testhost_1_3")
		})
	}
}

func TestExecSpawner_ExitBeforeReady(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h, err := helperSpawner("exit").Spawn(ctx, 0)
	require.NoError(t, err)
	require.ErrorIs(t, h.WaitReady(ctx), errExitedBeforeReady)

	<-h.Done()
	assert.False(t, h.Alive())
	assert.Equal(t, 0, h.ExitCode())
}

func TestExecSpawner_ReadyTimeout(t *testing.T) {
	t.Parallel()
	h, err := helperSpawner("hang").Spawn(context.Background(), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.WaitReady(ctx), context.DeadlineExceeded)

	require.NoError(t, h.Signal(syscall.SIGKILL))
	<-h.Done()
	assert.Equal(t, -1, h.ExitCode())
}

func TestExecSpawner_MissingBinary(t *testing.T) {
	t.Parallel()
	_, err := (&ExecSpawner{Path: "/nonexistent/taskq"}).Spawn(context.Background(), 0)
	require.Error(t, err)
}

func TestSignalReady_NoopWithoutEnv(t *testing.T) {
	if os.Getenv(ReadyFDEnv) != "" {
		t.Skip("running inside a spawned worker")
	}
	assert.NoError(t, SignalReady())
}
