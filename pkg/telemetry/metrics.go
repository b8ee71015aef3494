package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the Prometheus collector for the execution core.
type Metrics struct {
	enabled bool

	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	nodesExecuted *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec
	nodeRetries   prometheus.Counter

	toolCalls     *prometheus.CounterVec
	policyDenials *prometheus.CounterVec
	cacheHits     prometheus.Counter
	workerCrashes prometheus.Counter

	errorsByKind *prometheus.CounterVec

	activeRuns prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates the metrics collector. Disabled config yields a
// no-op collector so call sites never branch.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{}
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "patina"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		enabled:  true,
		registry: registry,
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "runs_started_total",
			Help: "Total number of runs started",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "runs_completed_total",
			Help: "Total number of runs completed",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "run_duration_seconds",
			Help:    "Run duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		nodesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "nodes_executed_total",
			Help: "Total node executions by terminal status",
		}, []string{"status", "engine"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "node_duration_seconds",
			Help:    "Node execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"engine"}),
		nodeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "node_retries_total",
			Help: "Total node retry attempts",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "tool_calls_total",
			Help: "Total tool invocations",
		}, []string{"tool"}),
		policyDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "policy_denials_total",
			Help: "Total policy gate denials",
		}, []string{"tool"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "cache_hits_total",
			Help: "Total result cache hits",
		}),
		workerCrashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "worker_crashes_total",
			Help: "Total sandbox worker crashes and protocol violations",
		}),
		errorsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "errors_total",
			Help: "Total typed errors by kind and code",
		}, []string{"kind", "code"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "active_runs",
			Help: "Currently active runs",
		}),
	}

	registry.MustRegister(
		m.runsStarted, m.runsCompleted, m.runDuration,
		m.nodesExecuted, m.nodeDuration, m.nodeRetries,
		m.toolCalls, m.policyDenials, m.cacheHits, m.workerCrashes,
		m.errorsByKind, m.activeRuns,
	)
	return m
}

// RunStarted records a run start.
func (m *Metrics) RunStarted() {
	if !m.enabled {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RunCompleted records a run completion.
func (m *Metrics) RunCompleted(status string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// NodeExecuted records a node's terminal status.
func (m *Metrics) NodeExecuted(status, engine string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.nodesExecuted.WithLabelValues(status, engine).Inc()
	m.nodeDuration.WithLabelValues(engine).Observe(duration.Seconds())
}

// NodeRetried records one retry attempt.
func (m *Metrics) NodeRetried() {
	if !m.enabled {
		return
	}
	m.nodeRetries.Inc()
}

// ToolCalled records one tool invocation.
func (m *Metrics) ToolCalled(tool string) {
	if !m.enabled {
		return
	}
	m.toolCalls.WithLabelValues(tool).Inc()
}

// PolicyDenied records one gate denial.
func (m *Metrics) PolicyDenied(tool string) {
	if !m.enabled {
		return
	}
	m.policyDenials.WithLabelValues(tool).Inc()
}

// CacheHit records one result cache hit.
func (m *Metrics) CacheHit() {
	if !m.enabled {
		return
	}
	m.cacheHits.Inc()
}

// WorkerCrashed records one worker crash.
func (m *Metrics) WorkerCrashed() {
	if !m.enabled {
		return
	}
	m.workerCrashes.Inc()
}

// ErrorRecorded records one typed error.
func (m *Metrics) ErrorRecorded(kind, code string) {
	if !m.enabled {
		return
	}
	m.errorsByKind.WithLabelValues(kind, code).Inc()
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
