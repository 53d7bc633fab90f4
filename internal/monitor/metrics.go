package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the sandbox engine.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	ExecutionErrors    *prometheus.CounterVec
	ActiveExecutions   prometheus.Gauge
	SecurityVetoes     *prometheus.CounterVec
	ResourceWarnings   *prometheus.CounterVec
	BlockedConnections prometheus.Counter
	ArtifactsTotal     *prometheus.CounterVec
	UsageEvents        *prometheus.CounterVec
	DroppedEvents      prometheus.Counter
	ActiveInstances    *prometheus.GaugeVec
	RequestsInFlight   prometheus.Gauge
	CodeSizeBytes      prometheus.Histogram
	OutputSizeBytes    prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "executions_total",
				Help:      "Total number of executions by sandbox kind and status.",
			},
			[]string{"kind", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "execution_duration_seconds",
				Help:      "Duration of executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "execution_errors_total",
				Help:      "Total infrastructure errors by type.",
			},
			[]string{"type"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Name:      "active_executions",
				Help:      "Number of currently running executions.",
			},
		),

		SecurityVetoes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "security_vetoes_total",
				Help:      "Code and commands refused before execution.",
			},
			[]string{"kind"},
		),

		ResourceWarnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "resource_warnings_total",
				Help:      "Times an instance crossed 90% of a resource limit.",
			},
			[]string{"resource"},
		),

		BlockedConnections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Subsystem: "network",
				Name:      "blocked_connections_total",
				Help:      "Connections refused by the container network policy.",
			},
		),

		ArtifactsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "artifacts_total",
				Help:      "Artifacts produced by executions, by type.",
			},
			[]string{"type"},
		),

		UsageEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "usage_events_total",
				Help:      "Usage events recorded, by feature.",
			},
			[]string{"feature"},
		),

		DroppedEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "usage_events_dropped_total",
				Help:      "Usage events not delivered to a slow subscriber.",
			},
		),

		ActiveInstances: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Name:      "active_instances",
				Help:      "Number of live instances by kind.",
			},
			[]string{"kind"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code and commands in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "output_size_bytes",
				Help:      "Size of execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.SecurityVetoes,
		m.ResourceWarnings,
		m.BlockedConnections,
		m.ArtifactsTotal,
		m.UsageEvents,
		m.DroppedEvents,
		m.ActiveInstances,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records metrics for a completed execution.
func (m *Metrics) RecordExecution(kind, status string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(kind, status).Inc()
	m.ExecutionDuration.WithLabelValues(kind).Observe(durationSec)
}

// RecordError records an execution error by type.
func (m *Metrics) RecordError(errType string) {
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

func (m *Metrics) RecordVeto(kind string) {
	m.SecurityVetoes.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordResourceWarning(resource string) {
	m.ResourceWarnings.WithLabelValues(resource).Inc()
}
