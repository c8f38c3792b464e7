package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/repocheck/internal/config"
)

// TracerSetup holds the OTel TracerProvider and a named tracer.
// Not set as global; injected by the caller.
type TracerSetup struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// RunAttributes describes the sandbox every span of this process runs in:
// the roots verifications touch and the limits applied to each command.
func RunAttributes(cfg *config.Config, version string) []attribute.KeyValue {
	if cfg == nil {
		return nil
	}
	attrs := []attribute.KeyValue{
		attribute.String("repocheck.verify_root", cfg.VerifyRoot),
		attribute.String("repocheck.sandbox_root", cfg.SandboxRoot),
		attribute.Int("repocheck.sandbox.default_timeout_seconds", cfg.Sandbox.DefaultTimeoutSeconds),
		attribute.Int("repocheck.sandbox.max_output_chars", cfg.Sandbox.MaxOutputChars),
		attribute.Int("repocheck.sandbox.max_cpu_seconds", cfg.Sandbox.MaxCPUSeconds),
		attribute.Int("repocheck.sandbox.max_memory_mb", cfg.Sandbox.MaxMemoryMB),
	}
	if version != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(version))
	}
	return attrs
}

// newResource names the service; extra attributes are appended as given.
func newResource(ctx context.Context, serviceName string, extra ...attribute.KeyValue) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = "repocheck"
	}
	attrs := append([]attribute.KeyValue{semconv.ServiceNameKey.String(serviceName)}, extra...)
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

// NewTracerSetup creates an OTel TracerProvider with an OTLP exporter.
// attrs are added to the resource, typically RunAttributes.
func NewTracerSetup(cfg *config.TracingConfig, attrs ...attribute.KeyValue) (*TracerSetup, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	ctx := context.Background()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "repocheck"
	}

	res, err := newResource(ctx, serviceName, attrs...)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default: // "grpc" or empty
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate(cfg.SampleRate)))),
	)

	return &TracerSetup{
		provider: tp,
		tracer:   tp.Tracer(serviceName),
	}, nil
}

// Tracer returns the named tracer for creating spans.
func (t *TracerSetup) Tracer() trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return t.tracer
}

// Shutdown flushes any pending spans and shuts down the TracerProvider.
func (t *TracerSetup) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

func sampleRate(r float64) float64 {
	if r <= 0 || r > 1 {
		return 1.0
	}
	return r
}
