package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by space.
const Namespace = "space"

// MetricsCollector holds the process-wide Prometheus metrics.
// Uses a custom registry, no global state. Packages with their own
// metrics (apply, registry) register on the same Registry.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox provider metrics.
	ProviderCommandsTotal   *prometheus.CounterVec
	ProviderCommandDuration *prometheus.HistogramVec

	// Merge service metrics.
	MergeRequestsTotal   *prometheus.CounterVec
	MergeRequestDuration prometheus.Histogram

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a fresh prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ProviderCommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "provider",
			Name:      "commands_total",
			Help:      "Total commands run inside sandboxes.",
		}, []string{"backend", "status"}),

		ProviderCommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "provider",
			Name:      "command_duration_seconds",
			Help:      "Sandbox command duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120, 600},
		}, []string{"backend"}),

		MergeRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "merge",
			Name:      "requests_total",
			Help:      "Total smart merge requests.",
		}, []string{"status"}),

		MergeRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "merge",
			Name:      "request_duration_seconds",
			Help:      "Smart merge request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "route", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_requests",
			Help:      "Number of in-flight HTTP requests.",
		}),
	}

	reg.MustRegister(
		m.ProviderCommandsTotal,
		m.ProviderCommandDuration,
		m.MergeRequestsTotal,
		m.MergeRequestDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RegistryOrNil returns the collector's registry, or nil when metrics are off.
func (m *MetricsCollector) RegistryOrNil() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.Registry
}
