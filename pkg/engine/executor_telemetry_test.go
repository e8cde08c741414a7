package engine

import (
	"context"
	"testing"

	"github.com/polisai/panelflow/pkg/domain"
	"github.com/polisai/panelflow/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = provider.Shutdown(context.Background())
	})
	return recorder
}

func setupTestMeter(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	telemetry.ResetMetricsForTest()
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		telemetry.ResetMetricsForTest()
		_ = provider.Shutdown(context.Background())
	})
	return reader
}

func findTelemetrySpans(spans []sdktrace.ReadOnlySpan, name string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, span := range spans {
		if span.Name() == name {
			out = append(out, span)
		}
	}
	return out
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	return attribute.NewSet(span.Attributes()...).Value(attribute.Key(key))
}

func assertStringAttr(t *testing.T, span sdktrace.ReadOnlySpan, key, want string) {
	t.Helper()
	v, ok := spanAttr(span, key)
	if !ok {
		t.Fatalf("span %s missing attribute %s", span.Name(), key)
	}
	if v.AsString() != want {
		t.Fatalf("span %s attribute %s = %q, want %q", span.Name(), key, v.AsString(), want)
	}
}

func assertInt64Attr(t *testing.T, span sdktrace.ReadOnlySpan, key string, want int64) {
	t.Helper()
	v, ok := spanAttr(span, key)
	if !ok {
		t.Fatalf("span %s missing attribute %s", span.Name(), key)
	}
	if v.AsInt64() != want {
		t.Fatalf("span %s attribute %s = %d, want %d", span.Name(), key, v.AsInt64(), want)
	}
}

func assertNoAttr(t *testing.T, span sdktrace.ReadOnlySpan, key string) {
	t.Helper()
	if _, ok := spanAttr(span, key); ok {
		t.Fatalf("span %s unexpectedly carries attribute %s", span.Name(), key)
	}
}

func collectTelemetryMetrics(t *testing.T, reader *sdkmetric.ManualReader) []metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	var out []metricdata.Metrics
	for _, scope := range rm.ScopeMetrics {
		out = append(out, scope.Metrics...)
	}
	return out
}

func getMetric(metrics []metricdata.Metrics, name string) (metricdata.Metrics, bool) {
	for _, m := range metrics {
		if m.Name == name {
			return m, true
		}
	}
	return metricdata.Metrics{}, false
}

func TestExecutorTelemetry_RunAndNodeSpans(t *testing.T) {
	recorder := setupTestTracer(t)
	setupTestMeter(t)

	h := newHarness(t, nil)
	snap := newSnapshot([]domain.Edge{link(1, 2)}, passiveNode(1, "hello"), activeNode(2, "writer", "secret instructions"))

	run, err := h.executor.Run(context.Background(), snap)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	spans := recorder.Ended()
	runSpans := findTelemetrySpans(spans, "pipeline.run")
	if len(runSpans) != 1 {
		t.Fatalf("expected 1 pipeline.run span, got %d", len(runSpans))
	}
	assertStringAttr(t, runSpans[0], "pipeline.id", "pipe")
	assertStringAttr(t, runSpans[0], "run.id", run.ID())

	nodeSpans := findTelemetrySpans(spans, "pipeline.node")
	if len(nodeSpans) != 2 {
		t.Fatalf("expected 2 pipeline.node spans, got %d", len(nodeSpans))
	}
	for _, span := range nodeSpans {
		if span.Parent().SpanID() != runSpans[0].SpanContext().SpanID() {
			t.Fatalf("node span %v is not a child of the run span", span.Attributes())
		}
	}

	active := nodeSpans[1]
	assertInt64Attr(t, active, "node.id", 2)
	assertStringAttr(t, active, "node.trigger", "run")
	assertStringAttr(t, active, "node.outcome", telemetry.OutcomeSuccess)
	assertStringAttr(t, active, "agent.id", "writer")
	assertInt64Attr(t, active, "node.attempts", 1)
	assertNoAttr(t, active, "agent.prompt")
	assertNoAttr(t, active, "node.output")
}

func TestExecutorTelemetry_RedactionRulesKeepTransformedPrompt(t *testing.T) {
	recorder := setupTestTracer(t)
	setupTestMeter(t)

	h := newHarness(t, func(cfg *ExecutorConfig) {
		cfg.Redactions = []telemetry.Redaction{{Attribute: "agent.prompt", Strategy: "redact"}}
	})
	snap := newSnapshot(nil, activeNode(1, "writer", "hidden prompt"))
	if _, err := h.executor.Run(context.Background(), snap); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	nodeSpans := findTelemetrySpans(recorder.Ended(), "pipeline.node")
	if len(nodeSpans) != 1 {
		t.Fatalf("expected 1 pipeline.node span, got %d", len(nodeSpans))
	}
	assertStringAttr(t, nodeSpans[0], "agent.prompt", "[REDACTED]")
	assertNoAttr(t, nodeSpans[0], "node.output")
}

func TestExecutorTelemetry_NodeMetrics(t *testing.T) {
	setupTestTracer(t)
	reader := setupTestMeter(t)

	h := newHarness(t, nil)
	h.agent.respond = func(_ context.Context, n int, _, _ string) (domain.AgentResult, error) {
		if n == 1 {
			return domain.AgentResult{}, domain.ErrRateLimited
		}
		return domain.AgentResult{Status: domain.AgentStatusCompleted, OutputText: "ok"}, nil
	}
	edge := link(1, 2)
	edge.MaxRetries = ptr(1)
	snap := newSnapshot([]domain.Edge{edge}, passiveNode(1, "x"), activeNode(2, "a", "p"))
	if _, err := h.executor.Run(context.Background(), snap); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	metrics := collectTelemetryMetrics(t, reader)

	executions, ok := getMetric(metrics, "panelflow.node.executions_total")
	if !ok {
		t.Fatalf("missing panelflow.node.executions_total")
	}
	sum := executions.Data.(metricdata.Sum[int64])
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 2 {
		t.Fatalf("expected 2 node executions, got %d", total)
	}

	retries, ok := getMetric(metrics, "panelflow.node.retries_total")
	if !ok {
		t.Fatalf("missing panelflow.node.retries_total")
	}
	retrySum := retries.Data.(metricdata.Sum[int64])
	if len(retrySum.DataPoints) != 1 || retrySum.DataPoints[0].Value != 1 {
		t.Fatalf("expected a single retry data point of 1, got %+v", retrySum.DataPoints)
	}

	runs, ok := getMetric(metrics, "panelflow.pipeline.runs_total")
	if !ok {
		t.Fatalf("missing panelflow.pipeline.runs_total")
	}
	status, _ := runs.Data.(metricdata.Sum[int64]).DataPoints[0].Attributes.Value("run.status")
	if status.AsString() != string(domain.RunStatusCompleted) {
		t.Fatalf("run status attribute = %q", status.AsString())
	}
}
