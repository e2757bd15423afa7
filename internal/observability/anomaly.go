package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/shellbox/internal/config"
)

const (
	defaultAnomalyWindow = 5 * time.Minute
	// Fewer outcomes than this in the window never flag an operation.
	minAnomalySamples = 5
)

// AnomalyDetector flags operations (pool borrow/return, sandbox runs)
// whose failure rate over a sliding window rises above the configured
// threshold. It logs once when an operation turns anomalous and once
// when it recovers.
type AnomalyDetector struct {
	threshold float64
	span      time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu  sync.Mutex
	ops map[string]*outcomeWindow
}

type outcome struct {
	at     time.Time
	failed bool
}

// outcomeWindow holds the outcomes of one operation inside the window.
type outcomeWindow struct {
	events   []outcome
	failures int
	flagged  bool
}

// NewAnomalyDetector creates a detector from cfg.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	a := &AnomalyDetector{
		span:   defaultAnomalyWindow,
		logger: logger,
		now:    time.Now,
		ops:    make(map[string]*outcomeWindow),
	}
	if cfg != nil {
		a.threshold = cfg.ErrorRateThreshold
		if cfg.WindowSeconds > 0 {
			a.span = time.Duration(cfg.WindowSeconds) * time.Second
		}
	}
	if a.logger == nil {
		a.logger = slog.New(slog.DiscardHandler)
	}
	return a
}

// RecordError records a failed operation. It reports whether the
// operation's failure rate is now above the threshold.
func (a *AnomalyDetector) RecordError(operation string) bool {
	return a.record(operation, true)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	a.record(operation, false)
}

// Record routes ok to RecordSuccess or RecordError.
func (a *AnomalyDetector) Record(operation string, ok bool) {
	a.record(operation, !ok)
}

// Failures returns the failures of operation still inside the window.
func (a *AnomalyDetector) Failures(operation string) int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.ops[operation]
	if !ok {
		return 0
	}
	w.prune(a.now().Add(-a.span))
	return w.failures
}

func (a *AnomalyDetector) record(operation string, failed bool) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	w, ok := a.ops[operation]
	if !ok {
		w = &outcomeWindow{}
		a.ops[operation] = w
	}
	w.events = append(w.events, outcome{at: now, failed: failed})
	if failed {
		w.failures++
	}
	w.prune(now.Add(-a.span))

	anomalous := a.threshold > 0 && len(w.events) >= minAnomalySamples && w.rate() > a.threshold
	switch {
	case anomalous && !w.flagged:
		a.logger.Warn("anomaly detected: high failure rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", w.rate()),
			slog.Float64("threshold", a.threshold),
			slog.Int("failures", w.failures),
			slog.Int("total", len(w.events)),
		)
	case !anomalous && w.flagged:
		a.logger.Info("failure rate back under threshold",
			slog.String("operation", operation),
			slog.Float64("error_rate", w.rate()),
		)
	}
	w.flagged = anomalous
	return anomalous && failed
}

func (w *outcomeWindow) rate() float64 {
	if len(w.events) == 0 {
		return 0
	}
	return float64(w.failures) / float64(len(w.events))
}

// prune drops outcomes recorded before cutoff.
func (w *outcomeWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(w.events) && w.events[i].at.Before(cutoff) {
		if w.events[i].failed {
			w.failures--
		}
		i++
	}
	if i > 0 {
		w.events = w.events[i:]
	}
}
