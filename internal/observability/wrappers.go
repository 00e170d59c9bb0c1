package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aaron-ailabs/space/internal/merge"
	"github.com/aaron-ailabs/space/internal/provider"
)

// --- InstrumentedProvider ---

// InstrumentedProvider wraps a sandbox provider with metrics, tracing, and anomaly detection.
// Optional capabilities of the inner provider stay reachable through Unwrap.
type InstrumentedProvider struct {
	inner   provider.Provider
	backend string // "docker" or "local"
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedProvider wraps a provider with observability.
func NewInstrumentedProvider(inner provider.Provider, backend string, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		backend: backend,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

// DecorateFactory returns a factory whose providers are instrumented.
// Returns f unchanged when no observability component is enabled.
func DecorateFactory(f provider.Factory, backend string, obs *Observability) provider.Factory {
	if obs == nil || (obs.Metrics == nil && obs.Tracer == nil && obs.Anomaly == nil) {
		return f
	}
	return func(ctx context.Context, id string) (provider.Provider, error) {
		p, err := f(ctx, id)
		if err != nil {
			return nil, err
		}
		return NewInstrumentedProvider(p, backend, obs.Metrics, obs.Tracer, obs.Anomaly), nil
	}
}

// Unwrap exposes the inner provider for capability lookups.
func (p *InstrumentedProvider) Unwrap() provider.Provider { return p.inner }

func (p *InstrumentedProvider) RunCommand(ctx context.Context, command string, args ...string) (*provider.CommandResult, error) {
	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "provider.run_command",
			trace.WithAttributes(
				attribute.String("provider.backend", p.backend),
				attribute.String("provider.command", command),
			))
		defer span.End()
	}

	start := time.Now()
	res, err := p.inner.RunCommand(ctx, command, args...)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case err != nil:
		status = "error"
		if p.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	case !res.OK():
		status = "nonzero_exit"
		if p.tracer != nil {
			trace.SpanFromContext(ctx).SetAttributes(attribute.Int("provider.exit_code", res.ExitCode))
		}
	}

	if p.metrics != nil {
		p.metrics.ProviderCommandsTotal.WithLabelValues(p.backend, status).Inc()
		p.metrics.ProviderCommandDuration.WithLabelValues(p.backend).Observe(duration)
	}
	p.anomaly.Record("provider.run_command", err)

	return res, err
}

func (p *InstrumentedProvider) Terminate(ctx context.Context) error {
	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "provider.terminate",
			trace.WithAttributes(attribute.String("provider.backend", p.backend)))
		defer span.End()
	}
	err := p.inner.Terminate(ctx)
	p.anomaly.Record("provider.terminate", err)
	return err
}

// --- InstrumentedMerger ---

// InstrumentedMerger wraps a merge.Merger with metrics, tracing, and anomaly detection.
type InstrumentedMerger struct {
	inner   merge.Merger
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedMerger wraps a merger with observability.
func NewInstrumentedMerger(inner merge.Merger, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedMerger {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedMerger{inner: inner, metrics: metrics, tracer: tracer, anomaly: anomaly}
}

func (m *InstrumentedMerger) Merge(ctx context.Context, req merge.Request) (string, error) {
	if m.tracer != nil {
		var span trace.Span
		ctx, span = m.tracer.Start(ctx, "merge.request",
			trace.WithAttributes(attribute.String("merge.path", req.Path)))
		defer span.End()
	}

	start := time.Now()
	out, err := m.inner.Merge(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if m.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	if m.metrics != nil {
		m.metrics.MergeRequestsTotal.WithLabelValues(status).Inc()
		m.metrics.MergeRequestDuration.Observe(duration)
	}
	m.anomaly.Record("merge", err)

	return out, err
}

var (
	_ provider.Provider  = (*InstrumentedProvider)(nil)
	_ provider.Unwrapper = (*InstrumentedProvider)(nil)
	_ merge.Merger       = (*InstrumentedMerger)(nil)
)
