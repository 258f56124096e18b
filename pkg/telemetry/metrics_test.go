package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/polisai/plantwatch/pkg/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func TestOTelInstruments(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})
	ResetMetricsForTest()

	RecordGuardrailDecision(ctx, "prompt_injection", "block", false)
	RecordPIIDetection(ctx, "email")
	RecordSampling(ctx, true)
	RecordDelivery(ctx, "delivered", 1)
	RecordScoring(ctx, "scored", 150*time.Millisecond)

	metrics := collect(t, reader)

	decisions, ok := metrics["plantwatch.guardrail.decisions_total"]
	require.True(t, ok)
	data := decisions.Data.(metricdata.Sum[int64])
	require.Len(t, data.DataPoints, 1)
	assert.EqualValues(t, 1, data.DataPoints[0].Value)
	value, ok := data.DataPoints[0].Attributes.Value(attribute.Key("guardrail.verdict"))
	require.True(t, ok)
	assert.Equal(t, "prompt_injection", value.AsString())

	for _, name := range []string{
		"plantwatch.pii.detections_total",
		"plantwatch.evaluation.sampling_total",
		"plantwatch.evaluation.deliveries_total",
		"plantwatch.judge.scores_total",
	} {
		_, ok := metrics[name]
		assert.True(t, ok, name)
	}

	hist := metrics["plantwatch.judge.duration_ms"].Data.(metricdata.Histogram[float64])
	require.Len(t, hist.DataPoints, 1)
	assert.EqualValues(t, 150, hist.DataPoints[0].Sum)
}

func TestRecordSecurityEvent(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)

	_, span := tp.Tracer("test").Start(context.Background(), "guardrail")
	RecordSecurityEvent(span, true, "prompt_injection", 1)
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events(), 1)
	event := spans[0].Events()[0]
	assert.Equal(t, "security.event", event.Name)

	attrs := attribute.NewSet(event.Attributes...)
	reason, ok := attrs.Value(attribute.Key("security.block_reason"))
	require.True(t, ok)
	assert.Equal(t, "prompt_injection", reason.AsString())

	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestPrometheusMetrics(t *testing.T) {
	m := NewMetrics()
	m.RecordAssessment("blocked")
	m.RecordDelivery("retrying")
	m.RecordDeadLetter()
	m.SetQueueDepth(3)

	actionable := 0.75
	m.SetSnapshot(domain.MetricsSnapshot{
		Scored:            4,
		MeanAccuracy:      4.25,
		HallucinationRate: 0.25,
		ActionableRate:    &actionable,
		Gates: []domain.GateResult{
			{Name: "min_accuracy", Passed: true},
			{Name: "max_hallucination_rate", Passed: false},
		},
	})

	assert.InDelta(t, 1, testutil.ToFloat64(m.assessmentsTotal.WithLabelValues("blocked")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.deadLettersTotal), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.queueDepth), 0)
	assert.InDelta(t, 4.25, testutil.ToFloat64(m.qualityMetric.WithLabelValues("avg_accuracy")), 1e-9)
	assert.InDelta(t, 0.75, testutil.ToFloat64(m.qualityMetric.WithLabelValues("actionable_rate")), 1e-9)
	assert.InDelta(t, 0, testutil.ToFloat64(m.qualityGatePassed.WithLabelValues("max_hallucination_rate")), 0)

	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.InDelta(t, 1, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "healthz", "418")), 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "plantwatch_evaluation_dead_letters_total 1"))
}

func TestSetupProvider_NoEndpoint(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestResourceAttributes(t *testing.T) {
	attrs := resourceAttributes(Config{Environment: "staging"})
	require.Len(t, attrs, 2)
	assert.Equal(t, "plantwatch", attrs[0].Value.AsString())
	assert.Equal(t, "staging", attrs[1].Value.AsString())
}

func TestSamplerRatio(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}
