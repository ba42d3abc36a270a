package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/scarson/taskq/internal/api"
	"github.com/scarson/taskq/internal/config"
	"github.com/scarson/taskq/internal/metrics"
	"github.com/scarson/taskq/internal/queue"
	"github.com/scarson/taskq/internal/runner"
	"github.com/scarson/taskq/internal/store"
	"github.com/scarson/taskq/migrations"
)

// queueFlag registers --queue. The flag wins over QUEUE_NAME when set.
func queueFlag(cmd *cobra.Command) {
	cmd.Flags().String("queue", "", "queue name (overrides QUEUE_NAME)")
}

func queueName(cmd *cobra.Command, cfg *config.Config) string {
	if name, _ := cmd.Flags().GetString("queue"); name != "" {
		return name
	}
	return cfg.QueueName
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the admin HTTP API",
		RunE:  runServe,
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	pool, err := newPool(ctx, cfg, 10)
	if err != nil {
		return err
	}
	defer pool.Close()

	srv := api.NewServer(store.New(pool))
	return serveHTTP(ctx, newHTTPServer(cfg.ListenAddr, srv.Handler()), cfg.ShutdownTimeout())
}

// ── supervise ─────────────────────────────────────────────────────────────────

func superviseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "supervise",
		Short: "Keep CONCURRENCY worker processes consuming a queue",
		RunE:  runSupervise,
	}
	queueFlag(cmd)
	cmd.Flags().Int("concurrency", 0, "number of worker processes (overrides CONCURRENCY)")
	return cmd
}

func runSupervise(cmd *cobra.Command, _ []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	if cfg.TaskCommand == "" {
		return errors.New("TASK_COMMAND must be set to supervise workers")
	}
	concurrency := cfg.Concurrency
	if n, _ := cmd.Flags().GetInt("concurrency"); n > 0 {
		concurrency = n
	}
	name := queueName(cmd, cfg)

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	ctx, stop := signalContext()
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sup := runner.NewSupervisor(&runner.ExecSpawner{
		Path:   exe,
		Args:   []string{"worker", "--queue", name},
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}, runner.Config{
		Concurrency:     concurrency,
		Tick:            cfg.SupervisorTick,
		ReadyTimeout:    cfg.WorkerReadyTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout(),
		Metrics:         metrics.NewSupervisor(reg),
		Reporter:        newReporter(cfg, "supervisor"),
	})

	if cfg.MetricsAddr != "" {
		r := chi.NewRouter()
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := serveHTTP(ctx, newHTTPServer(cfg.MetricsAddr, r), 5*time.Second); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	slog.Info("supervising queue", "queue", name, "task_command", cfg.TaskCommand)
	return sup.Run(ctx)
}

// ── worker ────────────────────────────────────────────────────────────────────

// workerCmd is executed by supervise for each worker process. It claims at
// most one task and exits once the outcome is recorded.
func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run a single worker process (started by supervise)",
		Hidden: true,
		RunE:   runWorker,
	}
	queueFlag(cmd)
	return cmd
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	if cfg.TaskCommand == "" {
		return errors.New("TASK_COMMAND must be set to run a worker")
	}

	ctx, stop := signalContext()
	defer stop()

	// A single attempt: the supervisor replaces a worker that cannot
	// connect, and retrying here would outlast the readiness timeout.
	pool, err := newPool(ctx, cfg, 1)
	if err != nil {
		return err
	}
	defer pool.Close()

	return runner.RunWorker(ctx, runner.WorkerConfig{
		Queue:        queue.New(queueName(cmd, cfg), store.New(pool)),
		PollInterval: cfg.PollInterval,
		Task:         runner.ShellTask(cfg.TaskCommand),
		Reporter:     newReporter(cfg, "worker"),
	})
}

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue <parameters|->",
		Short: "Enqueue a task and print its ID (\"-\" reads parameters from stdin)",
		Args:  cobra.ExactArgs(1),
		RunE:  runEnqueue,
	}
	queueFlag(cmd)
	return cmd
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	parameters := args[0]
	if parameters == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read parameters: %w", err)
		}
		parameters = strings.TrimSuffix(string(b), "\n")
	}

	ctx, stop := signalContext()
	defer stop()

	pool, err := newPool(ctx, cfg, 3)
	if err != nil {
		return err
	}
	defer pool.Close()

	id, err := queue.New(queueName(cmd, cfg), store.New(pool)).Enqueue(ctx, parameters)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
	return err
}

// ── get ───────────────────────────────────────────────────────────────────────

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Print a task as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}
}

func runGet(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	pool, err := newPool(ctx, cfg, 3)
	if err != nil {
		return err
	}
	defer pool.Close()

	t, err := store.New(pool).GetTask(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get task %s: %w", args[0], err)
	}
	return printJSON(cmd.OutOrStdout(), api.ToTaskResponse(t))
}

// ── orphans ───────────────────────────────────────────────────────────────────

func orphansCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "List tasks that were claimed but never finished",
		RunE:  runOrphans,
	}
	queueFlag(cmd)
	cmd.Flags().Duration("older-than", time.Hour, "only tasks in flight at least this long")
	return cmd
}

func runOrphans(cmd *cobra.Command, _ []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	olderThan, err := cmd.Flags().GetDuration("older-than")
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	pool, err := newPool(ctx, cfg, 3)
	if err != nil {
		return err
	}
	defer pool.Close()

	tasks, err := store.New(pool).ListOrphanedTasks(ctx, queueName(cmd, cfg), olderThan)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), api.ToTaskResponses(tasks))
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	slog.Info("running migrations")
	version, err := migrations.Up(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	slog.Info("migrations complete", "version", version)
	return nil
}
