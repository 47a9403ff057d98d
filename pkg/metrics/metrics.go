// Package metrics holds the Prometheus collectors of the service. Collectors
// are registered on the default registry and served by promhttp on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "askdb_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	generationOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_generation_outcomes_total",
			Help: "Query generation outcomes by final state and origin of the statement.",
		},
		[]string{"state", "origin"},
	)

	validatorRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_validator_rejections_total",
			Help: "Statements rejected by the security validator, by rule.",
		},
		[]string{"rule"},
	)

	executionErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_execution_errors_total",
			Help: "Validated statements the database rejected or timed out on.",
		},
		[]string{"datasource", "kind"},
	)

	summarizationDegradedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askdb_summarization_degraded_total",
			Help: "Answers that fell back to the templated row count.",
		},
	)

	llmRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "askdb_llm_request_duration_seconds",
			Help:    "Language model call latency by purpose and outcome.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"purpose", "outcome"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "askdb_active_sessions",
			Help: "Sessions with a live datasource connection.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		generationOutcomesTotal,
		validatorRejectionsTotal,
		executionErrorsTotal,
		summarizationDegradedTotal,
		llmRequestDurationSeconds,
		activeSessions,
	)
}

// ObserveHTTPRequest records one served request.
func ObserveHTTPRequest(method, path, status string, elapsed time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, path, status).Observe(elapsed.Seconds())
}

// ObserveGeneration records the terminal state of a generation run.
func ObserveGeneration(state, origin string) {
	generationOutcomesTotal.WithLabelValues(state, origin).Inc()
}

// IncrementValidatorRejection counts a rejected statement.
func IncrementValidatorRejection(rule string) {
	validatorRejectionsTotal.WithLabelValues(rule).Inc()
}

// IncrementExecutionError counts a failed execution; kind is "error" or "timeout".
func IncrementExecutionError(datasource, kind string) {
	executionErrorsTotal.WithLabelValues(datasource, kind).Inc()
}

// IncrementSummarizationDegraded counts a templated fallback answer.
func IncrementSummarizationDegraded() {
	summarizationDegradedTotal.Inc()
}

// ObserveLLMRequest records the latency of one language model call.
func ObserveLLMRequest(purpose, outcome string, elapsed time.Duration) {
	llmRequestDurationSeconds.WithLabelValues(purpose, outcome).Observe(elapsed.Seconds())
}

// SetActiveSessions sets the number of connected sessions.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}
