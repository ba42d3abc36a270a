package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/scarson/taskq/internal/queue"
)

// TaskFunc is the application's task body. It receives the task parameters
// verbatim and returns the result to store. A returned error or a panic
// marks the task failed.
type TaskFunc func(ctx context.Context, parameters string) (string, error)

// Reporter receives task failures. *sentry.Hub satisfies it.
type Reporter interface {
	CaptureException(err error) *sentry.EventID
	Flush(timeout time.Duration) bool
}

const (
	// exitRecorded is used when the task outcome reached the store,
	// whether the task completed or failed.
	exitRecorded = 0
	// exitUnrecorded is used when the outcome could not be written.
	exitUnrecorded = 1
)

// Executor is the listener callback inside a worker process. It runs exactly
// one task and then terminates the process.
type Executor struct {
	Task     TaskFunc
	Reporter Reporter // optional

	// PID and Exit default to os.Getpid and os.Exit.
	PID  func() int
	Exit func(code int)
}

// Execute starts the claimed task under the current pid, runs the TaskFunc,
// records the result or error, flushes stdout and stderr and exits without
// running deferred functions. Execute only returns when Exit returns, which
// the default never does.
func (e *Executor) Execute(ctx context.Context, c *queue.Claim) error {
	code, err := e.execute(ctx, c)
	e.flush()
	e.exit(code)
	return err
}

func (e *Executor) execute(ctx context.Context, c *queue.Claim) (int, error) {
	pid := os.Getpid()
	if e.PID != nil {
		pid = e.PID()
	}

	// The outcome must reach the store even if a shutdown signal cancels ctx
	// while the task is running.
	writeCtx := context.WithoutCancel(ctx)
	log := slog.With("task_id", c.Task.ID, "listener_id", c.Processor.ListenerID(), "pid", pid)

	if err := c.Processor.Start(writeCtx, pid); err != nil {
		log.Error("start task failed", "error", err)
		return exitUnrecorded, fmt.Errorf("start: %w", err)
	}
	log.Info("task started")

	result, taskErr := e.run(ctx, c.Task.Parameters)
	if taskErr != nil {
		log.Warn("task failed", "error", taskErr)
		if e.Reporter != nil {
			e.Reporter.CaptureException(fmt.Errorf("task %s: %w", c.Task.ID, taskErr))
		}
		if err := c.Processor.Fail(writeCtx, taskErr.Error()); err != nil {
			log.Error("record task failure failed", "error", err)
			return exitUnrecorded, fmt.Errorf("fail: %w", err)
		}
		return exitRecorded, nil
	}

	if err := c.Processor.Complete(writeCtx, result); err != nil {
		log.Error("record task result failed", "error", err)
		return exitUnrecorded, fmt.Errorf("complete: %w", err)
	}
	log.Info("task completed")
	return exitRecorded, nil
}

// run calls the TaskFunc, converting a panic into an error.
func (e *Executor) run(ctx context.Context, parameters string) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.Task(ctx, parameters)
}

func (e *Executor) flush() {
	if e.Reporter != nil {
		e.Reporter.Flush(2 * time.Second)
	}
	// Sync fails on pipes and terminals; there is nothing to do about it
	// this close to exit.
	_ = os.Stdout.Sync()
	_ = os.Stderr.Sync()
}

func (e *Executor) exit(code int) {
	if e.Exit != nil {
		e.Exit(code)
		return
	}
	os.Exit(code)
}
