package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/aaron-ailabs/space/internal/config"
	"github.com/aaron-ailabs/space/internal/merge"
	"github.com/aaron-ailabs/space/internal/provider"
	"github.com/aaron-ailabs/space/internal/provider/providertest"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, ServiceInfo{}, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		t.Fatal("expected every optional component to be nil")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
	if obs.Registry() != nil {
		t.Error("Registry() should be nil when metrics are disabled")
	}
}

func TestNew_Enabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5},
	}, ServiceInfo{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics == nil {
		t.Error("metrics should be created when enabled")
	}
	if obs.Anomaly == nil {
		t.Error("anomaly detector should be created when enabled")
	}
	if obs.Registry() != obs.Metrics.Registry {
		t.Error("Registry() should return the collector registry")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background())
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
}

func TestTracerSetup_NilTracerIsNoop(t *testing.T) {
	var ts *TracerSetup
	_, span := ts.Tracer().Start(context.Background(), "noop")
	span.End()
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil setup: %v", err)
	}
}

func TestNewResource_ServiceInfo(t *testing.T) {
	res, err := newResource(context.Background(), &config.TracingConfig{}, ServiceInfo{Version: "v1.4.0", Backend: "docker"})
	if err != nil {
		t.Fatal(err)
	}
	want := map[attribute.Key]string{
		semconv.ServiceNameKey:    "space",
		semconv.ServiceVersionKey: "v1.4.0",
		AttrSandboxBackend:        "docker",
	}
	for k, v := range want {
		got, ok := res.Set().Value(k)
		if !ok || got.AsString() != v {
			t.Errorf("resource %s = %q (present %t), want %q", k, got.AsString(), ok, v)
		}
	}

	res, err = newResource(context.Background(), &config.TracingConfig{ServiceName: "space-api"}, ServiceInfo{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := res.Set().Value(semconv.ServiceVersionKey); ok {
		t.Error("service.version set without a version")
	}
	if got, _ := res.Set().Value(semconv.ServiceNameKey); got.AsString() != "space-api" {
		t.Errorf("service.name = %q, want space-api", got.AsString())
	}
}

func TestNewTracerSetup_Exporters(t *testing.T) {
	if ts, err := NewTracerSetup(&config.TracingConfig{}, ServiceInfo{}); ts != nil || err != nil {
		t.Errorf("NewTracerSetup(disabled) = %v, %v, want nil, nil", ts, err)
	}

	for _, protocol := range []string{"grpc", "http"} {
		t.Run(protocol, func(t *testing.T) {
			ts, err := NewTracerSetup(&config.TracingConfig{
				Enabled:        true,
				Endpoint:       "localhost:4317",
				Protocol:       protocol,
				Insecure:       true,
				Headers:        map[string]string{"x-api-key": "secret"},
				TimeoutSeconds: 2,
			}, ServiceInfo{Version: "dev", Backend: "local"})
			if err != nil {
				t.Fatalf("NewTracerSetup() error: %v", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := ts.Shutdown(ctx); err != nil {
				t.Errorf("Shutdown() error: %v", err)
			}
		})
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Names(t *testing.T) {
	m := NewMetricsCollector()
	m.ProviderCommandsTotal.WithLabelValues("docker", "success").Inc()
	m.MergeRequestsTotal.WithLabelValues("success").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/sandboxes", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"space_provider_commands_total",
		"space_merge_requests_total",
		"space_http_requests_total",
		"space_active_requests",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("docker", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("workspace", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["docker"].Status != "fail" {
		t.Errorf("docker check = %q, want fail", status.Checks["docker"].Status)
	}
	if status.Checks["docker"].Message != "connection refused" {
		t.Errorf("docker message = %q", status.Checks["docker"].Message)
	}
	if status.Checks["workspace"].Status != "ok" {
		t.Errorf("workspace check = %q, want ok", status.Checks["workspace"].Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	if got := h.CheckHealth().Status; got != "ok" {
		t.Errorf("liveness status = %q, want ok", got)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	a.Record("test", nil)
	if a.ErrorRate("test") != 0 {
		t.Error("nil detector should report zero error rate")
	}
}

func TestAnomalyDetector_ErrorRate(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)

	for i := 0; i < 4; i++ {
		a.RecordSuccess("op")
	}
	for i := 0; i < 6; i++ {
		a.RecordError("op")
	}

	if got := a.ErrorRate("op"); got != 0.6 {
		t.Errorf("ErrorRate = %v, want 0.6", got)
	}
	_, total, anomalous := a.anomalous("op")
	if total != 10 || !anomalous {
		t.Errorf("anomalous = (%d, %v), want (10, true)", total, anomalous)
	}
}

func TestAnomalyDetector_WindowExpires(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, WindowSeconds: 10}, nil)
	now := time.Now()
	a.now = func() time.Time { return now }
	a.RecordError("op")

	now = now.Add(time.Minute)
	if got := a.ErrorRate("op"); got != 0 {
		t.Errorf("ErrorRate after window = %v, want 0", got)
	}
}

// --- InstrumentedProvider ---

func TestInstrumentedProvider_Metrics(t *testing.T) {
	metrics := NewMetricsCollector()
	fake := providertest.New("s1")
	fake.Handler = func(_ context.Context, command string, _ []string) (*provider.CommandResult, error) {
		if command == "false" {
			return &provider.CommandResult{ExitCode: 1}, nil
		}
		return nil, nil
	}
	p := NewInstrumentedProvider(fake, "docker", metrics, nil, nil)

	if _, err := p.RunCommand(context.Background(), "true"); err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if _, err := p.RunCommand(context.Background(), "false"); err != nil {
		t.Fatalf("RunCommand: %v", err)
	}

	if v := counterValue(t, metrics.Registry, "space_provider_commands_total", prometheus.Labels{"backend": "docker", "status": "success"}); v != 1 {
		t.Errorf("success count = %v, want 1", v)
	}
	if v := counterValue(t, metrics.Registry, "space_provider_commands_total", prometheus.Labels{"backend": "docker", "status": "nonzero_exit"}); v != 1 {
		t.Errorf("nonzero_exit count = %v, want 1", v)
	}
}

func TestInstrumentedProvider_ErrorAndNilMetrics(t *testing.T) {
	fake := providertest.New("s1")
	p := NewInstrumentedProvider(fake, "local", nil, nil, nil)
	if err := p.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if _, err := p.RunCommand(context.Background(), "ls"); !errors.Is(err, provider.ErrTerminated) {
		t.Errorf("err = %v, want ErrTerminated", err)
	}
	if fake.Terminated() != 1 {
		t.Errorf("terminated = %d, want 1", fake.Terminated())
	}
}

func TestInstrumentedProvider_CapabilitiesVisible(t *testing.T) {
	inner := providertest.NewReconnecting("s1", true, nil)
	p := NewInstrumentedProvider(inner, "docker", nil, nil, nil)

	if _, ok := provider.As[provider.Reconnector](p); !ok {
		t.Error("Reconnector should be reachable through the wrapper")
	}
}

func TestDecorateFactory(t *testing.T) {
	base := func(_ context.Context, id string) (provider.Provider, error) {
		return providertest.New(id), nil
	}

	if p, _ := DecorateFactory(base, "local", nil)(context.Background(), "a"); p == nil {
		t.Fatal("expected provider")
	} else if _, wrapped := p.(*InstrumentedProvider); wrapped {
		t.Error("nil observability should not wrap")
	}

	obs := &Observability{Metrics: NewMetricsCollector()}
	p, err := DecorateFactory(base, "local", obs)(context.Background(), "b")
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if _, wrapped := p.(*InstrumentedProvider); !wrapped {
		t.Errorf("provider type = %T, want *InstrumentedProvider", p)
	}
}

// --- InstrumentedMerger ---

type mergerFunc func(ctx context.Context, req merge.Request) (string, error)

func (f mergerFunc) Merge(ctx context.Context, req merge.Request) (string, error) { return f(ctx, req) }

func TestInstrumentedMerger(t *testing.T) {
	metrics := NewMetricsCollector()
	m := NewInstrumentedMerger(mergerFunc(func(_ context.Context, req merge.Request) (string, error) {
		if req.Path == "bad.ts" {
			return "", merge.ErrEmptyResult
		}
		return "merged", nil
	}), metrics, nil, nil)

	if out, err := m.Merge(context.Background(), merge.Request{Path: "ok.ts"}); err != nil || out != "merged" {
		t.Errorf("Merge = (%q, %v), want (merged, nil)", out, err)
	}
	if _, err := m.Merge(context.Background(), merge.Request{Path: "bad.ts"}); !errors.Is(err, merge.ErrEmptyResult) {
		t.Errorf("err = %v, want ErrEmptyResult", err)
	}
	if v := counterValue(t, metrics.Registry, "space_merge_requests_total", prometheus.Labels{"status": "error"}); v != 1 {
		t.Errorf("error count = %v, want 1", v)
	}
}

// --- Route labels ---

func TestRouteLabel(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/v1/apply", "/v1/apply"},
		{"/v1/sandboxes", "/v1/sandboxes"},
		{"/v1/sandboxes/sbx-123", "/v1/sandboxes/:id"},
		{"/v1/sandboxes/sbx-123/", "/v1/sandboxes/:id"},
		{"/", "/"},
		{"", "/"},
	}
	for _, tt := range tests {
		if got := RouteLabel(tt.path); got != tt.want {
			t.Errorf("RouteLabel(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
