// Package metrics exposes Prometheus collectors for requests, job settlement,
// the busy registry, the reconciliation sweep and queue depth.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jdziat/vapp-jobs/pkg/core"
	"github.com/jdziat/vapp-jobs/pkg/queue"
)

const namespace = "vappjobs"

// Metrics holds the collectors. It implements lifecycle.Observer and
// dispatch.Observer.
type Metrics struct {
	registry *prometheus.Registry

	operations  *prometheus.CounterVec
	settled     *prometheus.CounterVec
	retries     *prometheus.CounterVec
	backfilled  prometheus.Counter
	busyErrors  *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	queueDepth  *prometheus.GaugeVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Lifecycle operation requests by result.",
		}, []string{"operation", "result"}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_settled_total",
			Help:      "Jobs settled by outcome.",
		}, []string{"operation", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retries_total",
			Help:      "Intermediate job failures that were rescheduled.",
		}, []string{"operation"}),
		backfilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_backfilled_total",
			Help:      "Failed events whose message was filled by the sweep.",
		}),
		busyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "busy_registry_errors_total",
			Help:      "Busy registry backend errors.",
		}, []string{"op"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of successful jobs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"type"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs",
			Help:      "Jobs per queue and status at the last snapshot.",
		}, []string{"queue", "status"}),
	}
	m.registry.MustRegister(
		m.operations, m.settled, m.retries, m.backfilled, m.busyErrors, m.jobDuration, m.queueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// OperationRequested counts a request result.
func (m *Metrics) OperationRequested(op core.Operation, result string) {
	m.operations.WithLabelValues(op.String(), result).Inc()
}

// JobRetrying counts an intermediate failure.
func (m *Metrics) JobRetrying(op core.Operation) {
	m.retries.WithLabelValues(op.String()).Inc()
}

// JobSettled counts a settled job.
func (m *Metrics) JobSettled(op core.Operation, outcome core.Outcome) {
	m.settled.WithLabelValues(op.String(), string(outcome)).Inc()
}

// SweepBackfilled counts events updated by one sweep run.
func (m *Metrics) SweepBackfilled(n int) {
	m.backfilled.Add(float64(n))
}

// BusyRegistryError counts a busy registry failure.
func (m *Metrics) BusyRegistryError(op string, _ error) {
	m.busyErrors.WithLabelValues(op).Inc()
}

// Watch records job durations from the queue signal stream and snapshots
// queue depth every interval. It blocks until ctx is done.
func (m *Metrics) Watch(ctx context.Context, q *queue.Queue, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	signals := q.Signals()
	defer q.Unsubscribe(signals)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.snapshot(ctx, q.Store())
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-signals:
			if c, ok := s.(*core.JobCompleted); ok {
				m.jobDuration.WithLabelValues(c.Job.Type).Observe(c.Duration.Seconds())
			}
		case <-ticker.C:
			m.snapshot(ctx, q.Store())
		}
	}
}

func (m *Metrics) snapshot(ctx context.Context, store core.JobStore) {
	stats, err := store.QueueStats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Default().WarnContext(ctx, "queue stats snapshot failed", "error", err)
		}
		return
	}
	for _, s := range stats {
		m.queueDepth.WithLabelValues(s.Queue, string(core.StatusPending)).Set(float64(s.Pending))
		m.queueDepth.WithLabelValues(s.Queue, string(core.StatusRunning)).Set(float64(s.Running))
		m.queueDepth.WithLabelValues(s.Queue, string(core.StatusCompleted)).Set(float64(s.Completed))
		m.queueDepth.WithLabelValues(s.Queue, string(core.StatusFailed)).Set(float64(s.Failed))
	}
}
