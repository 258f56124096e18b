package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce              sync.Once
	metricsInitErr           error
	guardrailDecisionCounter metric.Int64Counter
	piiDetectionCounter      metric.Int64Counter
	samplingCounter          metric.Int64Counter
	deliveryCounter          metric.Int64Counter
	scoringCounter           metric.Int64Counter
	scoringLatencyHistogram  metric.Float64Histogram
)

// RecordGuardrailDecision counts one guardrail outcome.
func RecordGuardrailDecision(ctx context.Context, verdict, action string, failedOpen bool) {
	if err := ensureMetrics(); err != nil {
		return
	}
	guardrailDecisionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("guardrail.verdict", verdict),
		attribute.String("guardrail.action", action),
		attribute.Bool("guardrail.failed_open", failedOpen),
	))
}

// RecordPIIDetection counts a redacted category. Span contents are never
// recorded.
func RecordPIIDetection(ctx context.Context, category string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	piiDetectionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("pii.category", category)))
}

// RecordSampling counts one sampler decision.
func RecordSampling(ctx context.Context, sampled bool) {
	if err := ensureMetrics(); err != nil {
		return
	}
	samplingCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("evaluation.sampled", sampled)))
}

// RecordDelivery counts one delivery attempt outcome: delivered, retrying,
// dead_lettered or rejected.
func RecordDelivery(ctx context.Context, outcome string, attempt int) {
	if err := ensureMetrics(); err != nil {
		return
	}
	deliveryCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("delivery.outcome", outcome),
		attribute.Int("delivery.attempt", attempt),
	))
}

// RecordScoring counts one judge call by outcome (scored, unscored, failed)
// and records its latency.
func RecordScoring(ctx context.Context, outcome string, duration time.Duration) {
	if err := ensureMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("judge.outcome", outcome))
	scoringCounter.Add(ctx, 1, attrs)
	if duration > 0 {
		scoringLatencyHistogram.Record(ctx, float64(duration)/float64(time.Millisecond), attrs)
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(instrumentationName)

		guardrailDecisionCounter, metricsInitErr = meter.Int64Counter(
			"plantwatch.guardrail.decisions_total",
			metric.WithDescription("Guardrail decisions partitioned by verdict and action"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		piiDetectionCounter, metricsInitErr = meter.Int64Counter(
			"plantwatch.pii.detections_total",
			metric.WithDescription("Inputs with redacted PII partitioned by category"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		samplingCounter, metricsInitErr = meter.Int64Counter(
			"plantwatch.evaluation.sampling_total",
			metric.WithDescription("Sampler decisions for validated responses"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		deliveryCounter, metricsInitErr = meter.Int64Counter(
			"plantwatch.evaluation.deliveries_total",
			metric.WithDescription("Evaluation delivery attempts partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		scoringCounter, metricsInitErr = meter.Int64Counter(
			"plantwatch.judge.scores_total",
			metric.WithDescription("Judge scoring calls partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		scoringLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"plantwatch.judge.duration_ms",
			metric.WithDescription("Observed judge call latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordSecurityEvent attaches a coarse-grained block event to the span
// without leaking the user's text.
func RecordSecurityEvent(span trace.Span, blocked bool, reason string, piiSpans int) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("security.blocked", blocked),
		attribute.Int("security.pii.count", piiSpans),
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("security.block_reason", reason))
	}

	span.AddEvent("security.event", trace.WithAttributes(attrs...))
}
