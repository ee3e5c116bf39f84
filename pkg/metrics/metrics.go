package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Operation lifecycle metrics
	OperationsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "personalserver_operations_in_flight",
			Help: "Number of operations currently tracked by the task store, by status",
		},
		[]string{"status"},
	)

	OperationsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "personalserver_operations_completed_total",
			Help: "Total number of operations that reached a terminal state, by status",
		},
		[]string{"status"},
	)

	OperationCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "personalserver_operation_create_duration_seconds",
			Help:    "Time taken for the orchestrator's create() to return",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Chain gateway metrics
	ChainCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "personalserver_chain_calls_total",
			Help: "Total chain gateway calls by registry and outcome",
		},
		[]string{"registry", "outcome"},
	)

	// Content fetcher metrics
	FetchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "personalserver_fetch_attempts_total",
			Help: "Total content fetch attempts by source kind and outcome",
		},
		[]string{"source_kind", "outcome"},
	)

	FetchBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "personalserver_fetch_bytes_total",
			Help: "Total bytes fetched by source kind",
		},
		[]string{"source_kind"},
	)

	// Sandbox metrics
	SandboxExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "personalserver_sandbox_executions_total",
			Help: "Total sandbox agent executions by runtime kind and result status",
		},
		[]string{"runtime", "status"},
	)

	SandboxExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "personalserver_sandbox_execution_duration_seconds",
			Help:    "Sandbox agent execution wall-clock duration",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"runtime"},
	)

	SandboxConcurrentAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "personalserver_sandbox_concurrent_agents",
			Help: "Number of agent executions currently holding a concurrency slot",
		},
	)

	// Artifact store metrics
	ArtifactsStoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "personalserver_artifacts_stored_total",
			Help: "Total number of artifacts persisted",
		},
	)

	ArtifactBytesStoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "personalserver_artifact_bytes_stored_total",
			Help: "Total encrypted artifact bytes persisted",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OperationsInFlight,
		OperationsCompletedTotal,
		OperationCreateDuration,
		ChainCallsTotal,
		FetchAttemptsTotal,
		FetchBytesTotal,
		SandboxExecutionsTotal,
		SandboxExecutionDuration,
		SandboxConcurrentAgents,
		ArtifactsStoredTotal,
		ArtifactBytesStoredTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
