package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// DefaultPollInterval is how long a listener sleeps after finding the queue
// empty before trying again.
const DefaultPollInterval = 1 * time.Second

// Callback handles one claimed task. A non-nil error stops Listen; task
// failures belong in Processor.Fail, so a returned error means the
// callback could not report an outcome at all.
type Callback func(ctx context.Context, claim *Claim) error

// ListenerConfig controls a Listener. Zero values select defaults.
type ListenerConfig struct {
	// ID identifies the listener in the store. Defaults to DefaultListenerID().
	ID string
	// PollInterval is the idle backoff. Defaults to DefaultPollInterval.
	PollInterval time.Duration
	// OnListen, when set, is called once immediately before the first
	// dequeue attempt.
	OnListen func()
}

// Listener claims tasks from one queue and hands them to a callback, one at
// a time.
type Listener struct {
	id       string
	queue    *Queue
	interval time.Duration
	onListen func()
}

// DefaultListenerID returns "<hostname>_<pid>", unique per running process.
func DefaultListenerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s_%d", host, os.Getpid())
}

// NewListener creates a Listener on q and registers it in the queue's
// listener set.
func NewListener(ctx context.Context, q *Queue, cfg ListenerConfig) (*Listener, error) {
	l := &Listener{
		id:       cfg.ID,
		queue:    q,
		interval: cfg.PollInterval,
		onListen: cfg.OnListen,
	}
	if l.id == "" {
		l.id = DefaultListenerID()
	}
	if l.interval <= 0 {
		l.interval = DefaultPollInterval
	}
	if err := q.AddListener(ctx, l.id); err != nil {
		return nil, fmt.Errorf("register listener: %w", err)
	}
	return l, nil
}

// ID returns the listener identity.
func (l *Listener) ID() string { return l.id }

// Listen claims tasks until ctx is cancelled, invoking cb for each one
// before claiming the next. When the queue is empty it sleeps for the poll
// interval. Listen returns ctx.Err() on cancellation, or the first dequeue
// or callback error.
func (l *Listener) Listen(ctx context.Context, cb Callback) error {
	slog.Info("listener started", "queue", l.queue.Name(), "listener_id", l.id)
	if l.onListen != nil {
		l.onListen()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		t, err := l.queue.Dequeue(ctx, l.id)
		if err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}

		if t == nil {
			// time.NewTimer (not time.After) so the timer is released when
			// ctx wins the select.
			timer := time.NewTimer(l.interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}

		claim := &Claim{Task: t, Processor: l.queue.Processor(t)}
		if err := cb(ctx, claim); err != nil {
			return fmt.Errorf("task %s: %w", t.ID, err)
		}
	}
}
