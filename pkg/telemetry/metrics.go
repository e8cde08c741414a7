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

// Node outcomes recorded on metrics and spans.
const (
	OutcomeSuccess     = "success"
	OutcomeSkipped     = "skipped"
	OutcomeFailure     = "failure"
	OutcomeRateLimited = "rate_limited"
	OutcomeStopped     = "stopped"
)

var (
	metricsOnce            sync.Once
	metricsInitErr         error
	nodeExecutionCounter   metric.Int64Counter
	nodeRetryCounter       metric.Int64Counter
	nodeRateLimitedCounter metric.Int64Counter
	nodeLatencyHistogram   metric.Float64Histogram
	runCounter             metric.Int64Counter
)

// NodeMetrics captures the fields needed to record pipeline node telemetry metrics.
type NodeMetrics struct {
	PipelineID string
	NodeID     int
	NodeKind   string
	Trigger    string
	Outcome    string
	Duration   time.Duration
	Retries    int
}

// RecordNodeMetrics emits counters and histograms that describe node execution behaviour.
func RecordNodeMetrics(ctx context.Context, metrics NodeMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pipeline.id", metrics.PipelineID),
		attribute.Int("node.id", metrics.NodeID),
		attribute.String("node.kind", metrics.NodeKind),
		attribute.String("node.trigger", metrics.Trigger),
		attribute.String("node.outcome", metrics.Outcome),
	}

	nodeExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		nodeLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.Retries > 0 {
		nodeRetryCounter.Add(ctx, int64(metrics.Retries), metric.WithAttributes(attrs...))
	}

	if metrics.Outcome == OutcomeRateLimited {
		nodeRateLimitedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordRunMetrics counts finished pipeline runs by terminal status.
func RecordRunMetrics(ctx context.Context, pipelineID, status string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	runCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline.id", pipelineID),
		attribute.String("run.status", status),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(TracerName)

		nodeExecutionCounter, metricsInitErr = meter.Int64Counter(
			"panelflow.node.executions_total",
			metric.WithDescription("Pipeline node executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeRetryCounter, metricsInitErr = meter.Int64Counter(
			"panelflow.node.retries_total",
			metric.WithDescription("Retry attempts performed by pipeline nodes"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeRateLimitedCounter, metricsInitErr = meter.Int64Counter(
			"panelflow.node.rate_limited_total",
			metric.WithDescription("Node executions that ended rate limited"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"panelflow.node.duration_ms",
			metric.WithDescription("Observed node execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		runCounter, metricsInitErr = meter.Int64Counter(
			"panelflow.pipeline.runs_total",
			metric.WithDescription("Finished pipeline runs partitioned by status"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}

// RecordRetryEvent marks a scheduled reattempt on the node span.
func RecordRetryEvent(span trace.Span, attempt int, delay time.Duration, cause error) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Int("retry.attempt", attempt),
		attribute.Int64("retry.delay_ms", delay.Milliseconds()),
	}
	if cause != nil {
		attrs = append(attrs, attribute.String("retry.cause", cause.Error()))
	}

	span.AddEvent("node.retry", trace.WithAttributes(attrs...))
}
