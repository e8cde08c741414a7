package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// TracerName is the instrumentation scope used for pipeline spans.
const TracerName = "panelflow.pipeline"

// Config describes the telemetry bootstrap options.
type Config struct {
	ServiceName string
	// Endpoint is the OTLP gRPC collector address. Empty disables export.
	Endpoint    string
	Environment string
	Insecure    bool
	Headers     map[string]string
	// SampleRatio is the fraction of root runs traced. Zero or above one
	// traces everything.
	SampleRatio  float64
	ResourceTags map[string]string
}

// SetupProvider installs the process-wide tracer provider and the W3C trace
// context propagator, so agent gateway calls join the run's trace. The
// returned function flushes buffered spans and must run at shutdown.
func SetupProvider(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "panelflow"
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exporter, err := otlptrace.New(dialCtx, otlptracegrpc.NewClient(exporterOptions(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithMaxExportBatchSize(100), sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

func exporterOptions(cfg Config) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(
			grpc.WithReturnConnectionError(), //nolint:staticcheck // Surfaces dial errors instead of blocking.
		),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return opts
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	for k, v := range cfg.ResourceTags {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

// sampler keeps child spans with their parent's decision so a run's node and
// agent spans are sampled together.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// Redaction overrides the default handling of one span attribute.
// Strategy is one of drop, mask, hash, or redact.
type Redaction struct {
	Attribute string `yaml:"attribute"`
	Strategy  string `yaml:"strategy"`
}

// defaultDropKeys carry user content and never leave the process unless a
// Redaction keeps a transformed copy.
var defaultDropKeys = map[string]struct{}{
	"agent.prompt": {},
	"node.output":  {},
	"node.error":   {},
}

// RedactAttributes applies a conservative redaction policy to span attributes
// before export.
func RedactAttributes(rules []Redaction, attrs []attribute.KeyValue) []attribute.KeyValue {
	if len(attrs) == 0 {
		return attrs
	}

	strategies := make(map[string]string, len(rules))
	for _, r := range rules {
		strategy := strings.ToLower(r.Strategy)
		if strategy == "" {
			strategy = "drop"
		}
		strategies[r.Attribute] = strategy
	}

	redacted := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		key := string(kv.Key)
		strategy, explicit := strategies[key]
		if _, drop := defaultDropKeys[key]; drop && !explicit {
			continue
		}

		switch strategy {
		case "drop":
			continue
		case "mask":
			redacted = append(redacted, attribute.String(key, maskValue(kv.Value.Emit())))
		case "hash":
			redacted = append(redacted, attribute.String(key, hashValue(kv.Value.Emit())))
		case "replace", "redact":
			redacted = append(redacted, attribute.String(key, "[REDACTED]"))
		default:
			redacted = append(redacted, kv)
		}
	}

	return redacted
}

// maskValue keeps the first and last four bytes (e.g. "1234***6789").
func maskValue(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-4:]
}

func hashValue(s string) string {
	if s == "" {
		return "[REDACTED:empty]"
	}
	sum := sha256.Sum256([]byte(s))
	return "[REDACTED:sha256:" + hex.EncodeToString(sum[:8]) + "]"
}
