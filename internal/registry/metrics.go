package registry

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the sandbox registry.
type Metrics struct {
	Sessions          prometheus.Gauge
	SoftFailuresTotal *prometheus.CounterVec
}

// NewMetrics creates and registers registry metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "space",
			Subsystem: "registry",
			Name:      "sessions",
			Help:      "Registered sandbox sessions.",
		}),
		SoftFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "space",
			Subsystem: "registry",
			Name:      "soft_failures_total",
			Help:      "Swallowed reconnect and termination failures.",
		}, []string{"op"}),
	}

	reg.MustRegister(m.Sessions, m.SoftFailuresTotal)
	return m
}

func (m *Metrics) setSessions(n int) {
	if m == nil {
		return
	}
	m.Sessions.Set(float64(n))
}

func (m *Metrics) softFailure(op string) {
	if m == nil {
		return
	}
	m.SoftFailuresTotal.WithLabelValues(op).Inc()
}
