package worker

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/screentest-io/screentest/internal/experiment"
)

// metricsNamespace prefixes every worker metric.
const metricsNamespace = "screentest"

// Pipeline step labels used by the step duration histogram.
const (
	stepProvider  = "provider"
	stepNormalize = "normalize"
	stepMetrics   = "metrics"
)

// Metrics instruments the worker loop for Prometheus scraping.
type Metrics struct {
	runsProcessed *prometheus.CounterVec
	stepSeconds   *prometheus.HistogramVec
	callsReused   prometheus.Counter
	runsGauge     *prometheus.GaugeVec
}

// NewMetrics creates worker metrics registered with the given registerer.
// A nil registerer falls back to the Prometheus default.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		runsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_processed_total",
			Help:      "Total runs this worker finished, labeled by outcome.",
		}, []string{"outcome"}),
		stepSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "run_step_seconds",
			Help:      "Wall time of each pipeline step.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"step"}),
		callsReused: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "provider_calls_reused_total",
			Help:      "Completed provider calls reused instead of re-charged.",
		}),
		runsGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "runs_gauge",
			Help:      "Current number of runs in each lifecycle state.",
		}, []string{"status"}),
	}
}

// RecordRunProcessed counts one finished run by terminal status.
func (m *Metrics) RecordRunProcessed(outcome string) {
	m.runsProcessed.WithLabelValues(outcome).Inc()
}

// ObserveStep records the wall time of one pipeline step.
func (m *Metrics) ObserveStep(step string, seconds float64) {
	m.stepSeconds.WithLabelValues(step).Observe(seconds)
}

// RecordCallReused counts one provider call served from the cost gate
// instead of a fresh generation.
func (m *Metrics) RecordCallReused() {
	m.callsReused.Inc()
}

// SetRunsGauge refreshes the status gauge. Every lifecycle state gets a
// sample so emptied states read zero rather than disappearing.
func (m *Metrics) SetRunsGauge(counts map[experiment.RunStatus]int) {
	for _, status := range experiment.ValidRunStatuses() {
		m.runsGauge.WithLabelValues(status.String()).Set(float64(counts[status]))
	}
}

// NewMetricsServer returns an HTTP server exposing the gatherer on /metrics.
// A nil gatherer falls back to the Prometheus default. The caller owns the
// server lifecycle.
func NewMetricsServer(addr string, gatherer prometheus.Gatherer) *http.Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
