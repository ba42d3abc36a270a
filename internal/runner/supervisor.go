package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/scarson/taskq/internal/metrics"
)

const (
	// DefaultTick is the supervisor's liveness check interval.
	DefaultTick = 1 * time.Second

	// DefaultReadyTimeout bounds how long a new worker may take to begin
	// listening.
	DefaultReadyTimeout = 30 * time.Second

	// DefaultShutdownTimeout is how long workers get to exit after SIGTERM
	// before they are killed.
	DefaultShutdownTimeout = 60 * time.Second
)

// Config controls a Supervisor. Zero durations select the defaults.
type Config struct {
	Concurrency     int
	Tick            time.Duration
	ReadyTimeout    time.Duration
	ShutdownTimeout time.Duration
	Metrics         *metrics.Supervisor // defaults to an unregistered set
	Reporter        Reporter            // optional
}

// WorkerInfo describes one live worker.
type WorkerInfo struct {
	PID        int
	Slot       int
	LaunchedAt time.Time
}

type workerRecord struct {
	handle     Handle
	slot       int
	launchedAt time.Time
}

// Supervisor keeps Concurrency worker processes alive. It is not safe for
// concurrent use; Run owns it.
type Supervisor struct {
	spawner Spawner
	cfg     Config
	workers map[int]*workerRecord
}

// NewSupervisor returns a Supervisor that starts workers with spawner.
func NewSupervisor(spawner Spawner, cfg Config) *Supervisor {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewSupervisor(prometheus.NewRegistry())
	}
	return &Supervisor{
		spawner: spawner,
		cfg:     cfg,
		workers: make(map[int]*workerRecord),
	}
}

// Run ticks until ctx is cancelled, then stops every worker and returns.
// A worker or task failure never ends Run.
func (s *Supervisor) Run(ctx context.Context) error {
	slog.Info("supervisor started",
		"concurrency", s.cfg.Concurrency, "tick", s.cfg.Tick)

	for {
		s.Tick(ctx)

		timer := time.NewTimer(s.cfg.Tick)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.shutdown()
			slog.Info("supervisor stopped")
			return nil
		case <-timer.C:
		}
	}
}

// Tick drops exited workers and starts new ones until Concurrency are live.
// Each new worker is counted only after it has begun listening. If a spawn
// fails, Tick stops filling and leaves the rest for the next tick.
func (s *Supervisor) Tick(ctx context.Context) {
	s.reap()
	defer func() { s.cfg.Metrics.Live.Set(float64(len(s.workers))) }()

	for len(s.workers) < s.cfg.Concurrency {
		if ctx.Err() != nil {
			return
		}
		if err := s.spawn(ctx); err != nil {
			s.cfg.Metrics.SpawnFailures.Inc()
			slog.Error("spawn worker failed", "error", err,
				"live", len(s.workers), "concurrency", s.cfg.Concurrency)
			if s.cfg.Reporter != nil && !errors.Is(err, context.Canceled) {
				s.cfg.Reporter.CaptureException(err)
			}
			return
		}
	}
}

func (s *Supervisor) reap() {
	for pid, w := range s.workers {
		if w.handle.Alive() {
			continue
		}
		delete(s.workers, pid)
		s.cfg.Metrics.Exited.Inc()
		slog.Info("worker exited",
			"pid", pid,
			"slot", w.slot,
			"exit_code", w.handle.ExitCode(),
			"uptime", time.Since(w.launchedAt).Round(time.Millisecond))
	}
}

// freeSlot returns the lowest slot no live worker occupies.
func (s *Supervisor) freeSlot() int {
	used := make(map[int]bool, len(s.workers))
	for _, w := range s.workers {
		used[w.slot] = true
	}
	slot := 0
	for used[slot] {
		slot++
	}
	return slot
}

func (s *Supervisor) spawn(ctx context.Context) error {
	slot := s.freeSlot()
	h, err := s.spawner.Spawn(ctx, slot)
	if err != nil {
		return err
	}

	readyCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadyTimeout)
	defer cancel()
	if err := h.WaitReady(readyCtx); err != nil {
		if h.Alive() {
			if kerr := h.Signal(syscall.SIGKILL); kerr != nil {
				slog.Warn("kill unready worker failed", "pid", h.Pid(), "error", kerr)
			}
		}
		return fmt.Errorf("worker %d not ready: %w", h.Pid(), err)
	}

	s.workers[h.Pid()] = &workerRecord{handle: h, slot: slot, launchedAt: time.Now()}
	s.cfg.Metrics.Spawned.Inc()
	slog.Info("worker started", "pid", h.Pid(), "slot", slot)
	return nil
}

// Workers returns the live workers ordered by pid.
func (s *Supervisor) Workers() []WorkerInfo {
	out := make([]WorkerInfo, 0, len(s.workers))
	for pid, w := range s.workers {
		out = append(out, WorkerInfo{PID: pid, Slot: w.slot, LaunchedAt: w.launchedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// shutdown sends SIGTERM to every worker, waits up to ShutdownTimeout for
// them to exit, then kills the rest. SIGTERM cancels a running task's
// context; the worker still records the outcome before exiting.
func (s *Supervisor) shutdown() {
	if len(s.workers) == 0 {
		return
	}
	slog.Info("stopping workers", "count", len(s.workers), "timeout", s.cfg.ShutdownTimeout)

	for pid, w := range s.workers {
		if err := w.handle.Signal(syscall.SIGTERM); err != nil {
			slog.Warn("terminate worker failed", "pid", pid, "error", err)
		}
	}

	timer := time.NewTimer(s.cfg.ShutdownTimeout)
	defer timer.Stop()
	expired := false
	for pid, w := range s.workers {
		if !expired {
			select {
			case <-w.handle.Done():
			case <-timer.C:
				expired = true
			}
		}
		if expired && w.handle.Alive() {
			slog.Warn("killing worker after shutdown timeout", "pid", pid)
			if err := w.handle.Signal(syscall.SIGKILL); err != nil {
				slog.Warn("kill worker failed", "pid", pid, "error", err)
			}
		}
		delete(s.workers, pid)
	}
	s.cfg.Metrics.Live.Set(0)
}
