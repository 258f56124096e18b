package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/polisai/plantwatch/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors served at /metrics.
type Metrics struct {
	assessmentsTotal   *prometheus.CounterVec
	deliveriesTotal    *prometheus.CounterVec
	deadLettersTotal   prometheus.Counter
	queueDepth         prometheus.Gauge
	judgeScoresTotal   *prometheus.CounterVec
	qualityMetric      *prometheus.GaugeVec
	qualityGatePassed  *prometheus.GaugeVec
	snapshotScored     prometheus.Gauge
	configReloads      *prometheus.CounterVec
	samplingRate       prometheus.Gauge
	httpRequestsTotal  *prometheus.CounterVec
	httpRequestLatency *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a registry with every plantwatch collector registered.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		assessmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plantwatch_assessments_total",
				Help: "Assessment requests by outcome (assessed, blocked, fallback)",
			},
			[]string{"outcome"},
		),

		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plantwatch_evaluation_deliveries_total",
				Help: "Evaluation delivery attempts by outcome",
			},
			[]string{"outcome"},
		),

		deadLettersTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plantwatch_evaluation_dead_letters_total",
				Help: "Evaluation records moved to the dead-letter set",
			},
		),

		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plantwatch_evaluation_queue_depth",
				Help: "Evaluation records pending or awaiting retry",
			},
		),

		judgeScoresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plantwatch_judge_scores_total",
				Help: "Judge calls by outcome (scored, unscored, failed)",
			},
			[]string{"outcome"},
		),

		qualityMetric: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "plantwatch_quality_metric",
				Help: "Latest aggregated quality metric values",
			},
			[]string{"metric"},
		),

		qualityGatePassed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "plantwatch_quality_gate_passed",
				Help: "Latest quality gate results (1=passed, 0=failed)",
			},
			[]string{"gate"},
		),

		snapshotScored: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plantwatch_quality_scored_records",
				Help: "Scored records in the latest snapshot",
			},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plantwatch_config_reloads_total",
				Help: "Configuration reload attempts by status",
			},
			[]string{"status"},
		),

		samplingRate: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plantwatch_sampling_rate",
				Help: "Configured evaluation sampling probability",
			},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plantwatch_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plantwatch_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.assessmentsTotal,
		m.deliveriesTotal,
		m.deadLettersTotal,
		m.queueDepth,
		m.judgeScoresTotal,
		m.qualityMetric,
		m.qualityGatePassed,
		m.snapshotScored,
		m.configReloads,
		m.samplingRate,
		m.httpRequestsTotal,
		m.httpRequestLatency,
	)

	return m
}

// RecordAssessment counts one user-facing request outcome.
func (m *Metrics) RecordAssessment(outcome string) {
	m.assessmentsTotal.WithLabelValues(outcome).Inc()
}

// RecordDelivery counts one delivery attempt outcome.
func (m *Metrics) RecordDelivery(outcome string) {
	m.deliveriesTotal.WithLabelValues(outcome).Inc()
}

// RecordDeadLetter counts a record moved to dead-letter.
func (m *Metrics) RecordDeadLetter() {
	m.deadLettersTotal.Inc()
}

// SetQueueDepth reports records pending or awaiting retry.
func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// RecordScore counts one judge outcome.
func (m *Metrics) RecordScore(outcome string) {
	m.judgeScoresTotal.WithLabelValues(outcome).Inc()
}

// SetSamplingRate reports the active sampling probability.
func (m *Metrics) SetSamplingRate(rate float64) {
	m.samplingRate.Set(rate)
}

// RecordConfigReload records a configuration reload attempt.
func (m *Metrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// SetSnapshot publishes the latest aggregate as gauges.
func (m *Metrics) SetSnapshot(s domain.MetricsSnapshot) {
	m.snapshotScored.Set(float64(s.Scored))
	m.qualityMetric.WithLabelValues("avg_accuracy").Set(s.MeanAccuracy)
	m.qualityMetric.WithLabelValues("avg_relevance").Set(s.MeanRelevance)
	m.qualityMetric.WithLabelValues("avg_urgency").Set(s.MeanUrgency)
	m.qualityMetric.WithLabelValues("avg_overall").Set(s.MeanOverall)
	m.qualityMetric.WithLabelValues("hallucination_rate").Set(s.HallucinationRate)
	m.qualityMetric.WithLabelValues("safety_pass_rate").Set(s.SafetyPassRate)
	if s.ActionableRate != nil {
		m.qualityMetric.WithLabelValues("actionable_rate").Set(*s.ActionableRate)
	}
	for _, g := range s.Gates {
		passed := 0.0
		if g.Passed {
			passed = 1.0
		}
		m.qualityGatePassed.WithLabelValues(g.Name).Set(passed)
	}
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestLatency.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records request counts and latency for next.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, endpointName(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// endpointName keeps label cardinality bounded.
func endpointName(path string) string {
	switch path {
	case "/healthz":
		return "healthz"
	case "/metrics":
		return "metrics"
	case "/v1/assessments":
		return "assessments"
	case "/v1/snapshot":
		return "snapshot"
	default:
		return "unknown"
	}
}
