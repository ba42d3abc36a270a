// Package metrics defines the Prometheus instruments exported by the
// supervisor and the admin API.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/scarson/taskq/internal/store"
)

const namespace = "taskq"

// Supervisor holds the worker pool instruments.
type Supervisor struct {
	Live          prometheus.Gauge
	Spawned       prometheus.Counter
	Exited        prometheus.Counter
	SpawnFailures prometheus.Counter
}

// NewSupervisor creates the supervisor instruments and registers them on reg.
func NewSupervisor(reg prometheus.Registerer) *Supervisor {
	f := promauto.With(reg)
	return &Supervisor{
		Live: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "supervisor", Name: "workers_live",
			Help: "Worker processes currently counted as live.",
		}),
		Spawned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "supervisor", Name: "workers_spawned_total",
			Help: "Worker processes that started and signalled readiness.",
		}),
		Exited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "supervisor", Name: "workers_exited_total",
			Help: "Worker processes observed to have exited.",
		}),
		SpawnFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "supervisor", Name: "spawn_failures_total",
			Help: "Worker spawns that failed to start or never became ready.",
		}),
	}
}

// StatusCounter reports task counts. *store.Store satisfies it.
type StatusCounter interface {
	CountTasksByStatus(ctx context.Context) ([]store.StatusCount, error)
}

// TaskCollector exports taskq_tasks{queue,status} by querying the store on
// every scrape. Task transitions happen in short-lived worker processes, so
// in-process counters would never be scraped.
type TaskCollector struct {
	counter StatusCounter
	timeout time.Duration
	desc    *prometheus.Desc
}

// NewTaskCollector returns a collector backed by counter.
func NewTaskCollector(counter StatusCounter) *TaskCollector {
	return &TaskCollector{
		counter: counter,
		timeout: 5 * time.Second,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "tasks"),
			"Tasks by queue and lifecycle status.",
			[]string{"queue", "status"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *TaskCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

// Collect implements prometheus.Collector.
func (c *TaskCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	counts, err := c.counter.CountTasksByStatus(ctx)
	if err != nil {
		slog.Warn("collect task counts failed", "error", err)
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}
	for _, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue,
			float64(n.Count), n.Queue, string(n.Status))
	}
}
