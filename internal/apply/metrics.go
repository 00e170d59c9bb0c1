package apply

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the application engine.
type Metrics struct {
	ItemsTotal    *prometheus.CounterVec
	RetriesTotal  *prometheus.CounterVec
	ApplyDuration prometheus.Histogram
}

// NewMetrics creates and registers apply metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		ItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "space",
			Subsystem: "apply",
			Name:      "items_total",
			Help:      "Plan items applied, by stage and outcome.",
		}, []string{"stage", "status"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "space",
			Subsystem: "apply",
			Name:      "retries_total",
			Help:      "Retried sandbox commands, by stage.",
		}, []string{"stage"}),
		ApplyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "space",
			Subsystem: "apply",
			Name:      "duration_seconds",
			Help:      "Duration of a full apply.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		}),
	}

	reg.MustRegister(m.ItemsTotal, m.RetriesTotal, m.ApplyDuration)
	return m
}

func (m *Metrics) observeItem(stage Stage, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ItemsTotal.WithLabelValues(string(stage), status).Inc()
}

func (m *Metrics) observeRetry(stage Stage) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(string(stage)).Inc()
}

func (m *Metrics) observeApply(d time.Duration) {
	if m == nil {
		return
	}
	m.ApplyDuration.Observe(d.Seconds())
}
