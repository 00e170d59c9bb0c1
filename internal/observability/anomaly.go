package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/aaron-ailabs/space/internal/config"
)

const (
	defaultAnomalyWindow = 300 * time.Second
	minAnomalySamples    = 5
)

// AnomalyDetector flags operations whose error rate crosses a threshold
// within a sliding window. Operations are free-form keys such as
// "provider.run_command" or "merge".
type AnomalyDetector struct {
	mu        sync.Mutex
	errors    map[string]*slidingWindow
	successes map[string]*slidingWindow
	threshold float64
	window    time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

type slidingWindow struct {
	stamps []time.Time
	window time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	window := defaultAnomalyWindow
	if cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	return &AnomalyDetector{
		errors:    make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		threshold: cfg.ErrorRateThreshold,
		window:    window,
		logger:    logger,
		now:       time.Now,
	}
}

// RecordError records a failed operation and warns when the error rate is anomalous.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.errors, operation).add(a.now())
	if rate, total, ok := a.anomalous(operation); ok && a.logger != nil {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Int("samples", total),
		)
	}
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.windowFor(a.successes, operation).add(a.now())
}

// Record dispatches to RecordError or RecordSuccess.
func (a *AnomalyDetector) Record(operation string, err error) {
	if err != nil {
		a.RecordError(operation)
		return
	}
	a.RecordSuccess(operation)
}

// ErrorRate returns the error rate of operation within the current window.
func (a *AnomalyDetector) ErrorRate(operation string) float64 {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	rate, _ := a.rate(operation)
	return rate
}

// Must be called with a.mu held.
func (a *AnomalyDetector) anomalous(operation string) (float64, int, bool) {
	if a.threshold <= 0 {
		return 0, 0, false
	}
	rate, total := a.rate(operation)
	if total < minAnomalySamples {
		return rate, total, false
	}
	return rate, total, rate > a.threshold
}

// Must be called with a.mu held.
func (a *AnomalyDetector) rate(operation string) (float64, int) {
	now := a.now()
	errs := a.windowFor(a.errors, operation).count(now)
	total := errs + a.windowFor(a.successes, operation).count(now)
	if total == 0 {
		return 0, 0
	}
	return float64(errs) / float64(total), total
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time) {
	w.stamps = append(w.stamps, now)
	w.prune(now)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.stamps)
}

func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = w.stamps[i:]
	}
}
