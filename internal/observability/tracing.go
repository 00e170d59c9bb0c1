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

	"github.com/aaron-ailabs/space/internal/config"
)

// AttrSandboxBackend is the resource attribute naming the sandbox backend.
const AttrSandboxBackend = attribute.Key("space.sandbox.backend")

// ServiceInfo identifies the running binary on exported spans.
type ServiceInfo struct {
	Version string
	Backend string
}

// TracerSetup owns the span pipeline. The provider is never installed
// globally; components receive the tracer through their options.
type TracerSetup struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerSetup builds a batching OTLP pipeline tagged with info.
// It returns nil when tracing is disabled.
func NewTracerSetup(cfg *config.TracingConfig, info ServiceInfo) (*TracerSetup, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	ctx := context.Background()

	res, err := newResource(ctx, cfg, info)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}
	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Ratio()))),
	)
	return &TracerSetup{
		provider: tp,
		tracer:   tp.Tracer("github.com/aaron-ailabs/space"),
	}, nil
}

func newResource(ctx context.Context, cfg *config.TracingConfig, info ServiceInfo) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.Name())}
	if info.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(info.Version))
	}
	if info.Backend != "" {
		attrs = append(attrs, AttrSandboxBackend.String(info.Backend))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

// newExporter creates the OTLP client. Neither transport dials until the
// first batch is exported.
func newExporter(ctx context.Context, cfg *config.TracingConfig) (sdktrace.SpanExporter, error) {
	if cfg.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		if d := cfg.ExportTimeout(); d > 0 {
			opts = append(opts, otlptracehttp.WithTimeout(d))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	if d := cfg.ExportTimeout(); d > 0 {
		opts = append(opts, otlptracegrpc.WithTimeout(d))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the span source, or a no-op tracer on a nil setup.
func (t *TracerSetup) Tracer() trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return t.tracer
}

// Shutdown flushes pending spans.
func (t *TracerSetup) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
