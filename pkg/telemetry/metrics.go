package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics collects Prometheus metrics for playbook runs. A disabled Metrics
// is a safe no-op.
type Metrics struct {
	config MetricsConfig

	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   prometheus.Histogram

	tasksExecuted *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec

	hostsUnreachable prometheus.Counter
	handlersFired    prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics builds a metrics collector. Disabled config yields a no-op.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Playbook runs started",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Playbook runs completed, by outcome",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of playbook runs",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		tasksExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_executed_total",
			Help:      "Task executions, by module and outcome",
		}, []string{"module", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution time, by module",
			Buckets:   prometheus.DefBuckets,
		}, []string{"module"}),
		hostsUnreachable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hosts_unreachable_total",
			Help:      "Hosts that became unreachable during a run",
		}),
		handlersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handlers_fired_total",
			Help:      "Handler executions",
		}),
	}

	registry.MustRegister(
		m.runsStarted, m.runsCompleted, m.runDuration,
		m.tasksExecuted, m.taskDuration,
		m.hostsUnreachable, m.handlersFired,
	)
	return m
}

// RunStarted counts a new run.
func (m *Metrics) RunStarted() {
	if m.registry == nil {
		return
	}
	m.runsStarted.Inc()
}

// RunCompleted records a run outcome and duration.
func (m *Metrics) RunCompleted(status string, d time.Duration) {
	if m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.Observe(d.Seconds())
}

// TaskExecuted records one task execution.
func (m *Metrics) TaskExecuted(module, status string, d time.Duration, handler bool) {
	if m.registry == nil {
		return
	}
	m.tasksExecuted.WithLabelValues(module, status).Inc()
	m.taskDuration.WithLabelValues(module).Observe(d.Seconds())
	if handler {
		m.handlersFired.Inc()
	}
}

// HostUnreachable counts a host lost to transport failure.
func (m *Metrics) HostUnreachable() {
	if m.registry == nil {
		return
	}
	m.hostsUnreachable.Inc()
}

// Serve exposes /metrics on the configured address. It returns immediately;
// the listener runs until the process exits.
func (m *Metrics) Serve() {
	if m.registry == nil || m.config.ListenAddress == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(m.config.ListenAddress, mux); err != nil {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("metrics listener stopped")
		}
	}()
}
