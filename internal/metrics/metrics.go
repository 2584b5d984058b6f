package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	MetricsNamespace = "parity"
)

var (
	runsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "runs_started_total",
		Help:      "Count of accepted test runs",
	})

	runsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "runs_active",
		Help:      "Number of runs held in live state",
	})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time from run start to finalization",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	plansFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "plans_finished_total",
		Help:      "Count of plans reaching a terminal status",
	}, []string{
		"status",
	})

	callLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "simulated_call_latency_ms",
		Help:      "Reported latency of simulated workflow calls",
		Buckets:   []float64{50, 100, 200, 300, 400, 500, 750, 1000, 2000},
	}, []string{
		"step",
	})

	persistenceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "persistence_errors_total",
		Help:      "Count of failed store operations",
	}, []string{
		"op",
	})

	analysisRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "analysis_requests_total",
		Help:      "Difference analyses by backend",
	}, []string{
		"backend",
	})
)

func RecordRunStarted() {
	runsStarted.Inc()
	runsActive.Inc()
}

func RecordRunFinalized(elapsed time.Duration) {
	runsActive.Dec()
	runDuration.Observe(elapsed.Seconds())
}

func RecordPlanFinished(status string) {
	plansFinished.WithLabelValues(status).Inc()
}

func RecordCall(step string, latencyMS int) {
	callLatency.WithLabelValues(step).Observe(float64(latencyMS))
}

// RecordPersistenceError counts a failed store operation, e.g. "initial_snapshot" or "finalize".
func RecordPersistenceError(op string) {
	persistenceErrors.WithLabelValues(op).Inc()
}

func RecordAnalysis(backend string) {
	analysisRequests.WithLabelValues(backend).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
