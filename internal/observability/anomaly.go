package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/codeagent/internal/config"
)

const (
	defaultAnomalyWindow     = 300 * time.Second
	defaultAnomalyMinSamples = 5
)

// AnomalyDetector warns when an operation's error rate over a sliding
// window crosses the configured threshold.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	cfg           *config.AnomalyConfig
	logger        *slog.Logger
	now           func() time.Time
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	if a.cfg.WindowSeconds <= 0 {
		return defaultAnomalyWindow
	}
	return time.Duration(a.cfg.WindowSeconds) * time.Second
}

func (a *AnomalyDetector) minSamples() int {
	if a.cfg.MinSamples <= 0 {
		return defaultAnomalyMinSamples
	}
	return a.cfg.MinSamples
}

// RecordError records a failed operation and checks the error rate.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window(a.errorCounts, operation).add(a.now())
	a.checkErrorRate(operation)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window(a.successCounts, operation).add(a.now())
}

// ErrorRate returns the current error rate and sample count for operation.
func (a *AnomalyDetector) ErrorRate(operation string) (float64, int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rate(operation)
}

// rate must be called with a.mu held.
func (a *AnomalyDetector) rate(operation string) (float64, int) {
	now := a.now()
	errs := a.window(a.errorCounts, operation).count(now)
	total := errs + a.window(a.successCounts, operation).count(now)
	if total == 0 {
		return 0, 0
	}
	return float64(errs) / float64(total), total
}

// checkErrorRate must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}
	rate, total := a.rate(operation)
	if total < a.minSamples() {
		return // Not enough data.
	}
	if rate > threshold && a.logger != nil {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Int("total", total),
		)
	}
}

func (a *AnomalyDetector) window(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time) {
	w.entries = append(w.entries, now)
	w.prune(now)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.entries)
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
