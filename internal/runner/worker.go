package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/scarson/taskq/internal/queue"
)

// WorkerConfig configures the single listener inside a worker process.
type WorkerConfig struct {
	Queue        *queue.Queue
	ListenerID   string // defaults to $TASKQ_LISTENER_ID, then queue.DefaultListenerID()
	PollInterval time.Duration
	Task         TaskFunc
	Reporter     Reporter
}

// RunWorker registers a listener on cfg.Queue, signals readiness to the
// supervisor and listens until a task is claimed, at which point the
// Executor terminates the process. Without a task it returns when ctx is
// cancelled.
func RunWorker(ctx context.Context, cfg WorkerConfig) error {
	return runWorker(ctx, cfg, &Executor{Task: cfg.Task, Reporter: cfg.Reporter})
}

func runWorker(ctx context.Context, cfg WorkerConfig, exec *Executor) error {
	if cfg.ListenerID == "" {
		cfg.ListenerID = os.Getenv(ListenerIDEnv)
	}
	l, err := queue.NewListener(ctx, cfg.Queue, queue.ListenerConfig{
		ID:           cfg.ListenerID,
		PollInterval: cfg.PollInterval,
		OnListen: func() {
			if err := SignalReady(); err != nil {
				slog.Error("signal ready failed", "error", err)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	err = l.Listen(ctx, exec.Execute)
	if ctx.Err() != nil {
		slog.Info("worker stopping", "queue", cfg.Queue.Name(), "listener_id", l.ID())
		return nil
	}
	return err
}
