// Package metrics exposes the engine's Prometheus counters and
// histograms and the GET /metrics handler that serves them (spec §6
// "ADDED DOMAIN STACK WIRING"). Collaborators call the package-level
// recording functions rather than touching the registry directly, the
// same split the teacher's action/file metrics.go draws between
// recordMetrics and its promauto vars.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lazyaf_pipeline_runs_total",
			Help: "Total pipeline runs reaching a terminal status, by status.",
		},
		[]string{"status"},
	)

	stepExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lazyaf_step_execution_duration_seconds",
			Help:    "Duration of a step execution from start to terminal status.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "status"},
	)

	runnerDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lazyaf_runner_dispatch_total",
			Help: "Remote executor dispatch attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	connectedRunners = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lazyaf_connected_runners",
			Help: "Number of runners with a live WebSocket connection.",
		},
	)

	debugSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lazyaf_debug_sessions_total",
			Help: "Debug rerun sessions ending, by outcome.",
		},
		[]string{"outcome"},
	)

	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lazyaf_circuit_breaker_state",
			Help: "Current gobreaker state per named breaker (0=closed, 1=half-open, 2=open).",
		},
		[]string{"name"},
	)
)

// Handler returns the HTTP handler to mount at GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordPipelineRunTerminal increments the pipeline-run outcome counter.
func RecordPipelineRunTerminal(status string) {
	pipelineRunsTotal.WithLabelValues(status).Inc()
}

// ObserveStepExecutionDuration records how long a step execution ran for.
func ObserveStepExecutionDuration(kind, status string, seconds float64) {
	stepExecutionDuration.WithLabelValues(kind, status).Observe(seconds)
}

// RecordRunnerDispatch increments the dispatch-outcome counter.
func RecordRunnerDispatch(outcome string) {
	runnerDispatchTotal.WithLabelValues(outcome).Inc()
}

// SetConnectedRunners sets the live-connection gauge.
func SetConnectedRunners(n int) {
	connectedRunners.Set(float64(n))
}

// RecordDebugSessionEnd increments the debug-session outcome counter.
func RecordDebugSessionEnd(outcome string) {
	debugSessionsTotal.WithLabelValues(outcome).Inc()
}

// SetCircuitBreakerState records a gobreaker state transition for the
// named breaker (e.g. "remote-dispatch", "control-client").
func SetCircuitBreakerState(name string, state float64) {
	circuitBreakerState.WithLabelValues(name).Set(state)
}
