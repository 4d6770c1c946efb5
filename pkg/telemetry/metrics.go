package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for tideway runs.
type Metrics struct {
	config MetricsConfig

	runsCompleted *prometheus.CounterVec
	runDuration   prometheus.Histogram

	tasksExecuted *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	taskRetries   prometheus.Counter

	hostsTargeted    prometheus.Gauge
	hostsUnreachable prometheus.Counter
	hostsFailed      prometheus.Counter

	handlersFlushed prometheus.Counter

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
// When disabled, all recording methods are no-ops.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of playbook runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of playbook runs in seconds",
				Buckets:   buckets,
			},
		),
		tasksExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_executed_total",
				Help:      "Total number of task executions by action and status",
			},
			[]string{"action", "status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of task executions in seconds",
				Buckets:   buckets,
			},
			[]string{"action"},
		),
		taskRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_retries_total",
				Help:      "Total number of task retry attempts",
			},
		),
		hostsTargeted: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "hosts_targeted",
				Help:      "Number of hosts targeted by the current play",
			},
		),
		hostsUnreachable: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hosts_unreachable_total",
				Help:      "Total number of hosts that became unreachable",
			},
		),
		hostsFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hosts_failed_total",
				Help:      "Total number of hosts that ended a play failed",
			},
		),
		handlersFlushed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handlers_flushed_total",
				Help:      "Total number of handler executions at flush points",
			},
		),
	}

	registry.MustRegister(
		m.runsCompleted,
		m.runDuration,
		m.tasksExecuted,
		m.taskDuration,
		m.taskRetries,
		m.hostsTargeted,
		m.hostsUnreachable,
		m.hostsFailed,
		m.handlersFlushed,
	)

	return m
}

// Serve starts the /metrics HTTP listener if one is configured.
func (m *Metrics) Serve() error {
	if !m.config.Enabled || m.config.ListenAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	m.server = &http.Server{
		Addr:              m.config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics listener failed: %v\n", err)
		}
	}()

	return nil
}

// Shutdown stops the metrics listener.
func (m *Metrics) Shutdown() error {
	if m.server == nil {
		return nil
	}
	return m.server.Close()
}

// RecordRunCompleted records a finished run with its aggregate status.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if !m.config.Enabled {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.Observe(duration.Seconds())
}

// RecordTask records one task execution.
func (m *Metrics) RecordTask(action, status string, duration time.Duration) {
	if !m.config.Enabled {
		return
	}
	m.tasksExecuted.WithLabelValues(action, status).Inc()
	m.taskDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordRetry records one retry attempt.
func (m *Metrics) RecordRetry() {
	if !m.config.Enabled {
		return
	}
	m.taskRetries.Inc()
}

// SetHostsTargeted records the size of the current play's host roster.
func (m *Metrics) SetHostsTargeted(n int) {
	if !m.config.Enabled {
		return
	}
	m.hostsTargeted.Set(float64(n))
}

// RecordHostUnreachable records a host transitioning to unreachable.
func (m *Metrics) RecordHostUnreachable() {
	if !m.config.Enabled {
		return
	}
	m.hostsUnreachable.Inc()
}

// RecordHostFailed records a host ending a play in the failed state.
func (m *Metrics) RecordHostFailed() {
	if !m.config.Enabled {
		return
	}
	m.hostsFailed.Inc()
}

// RecordHandlerFlushed records one handler execution at a flush point.
func (m *Metrics) RecordHandlerFlushed() {
	if !m.config.Enabled {
		return
	}
	m.handlersFlushed.Inc()
}
