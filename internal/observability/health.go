package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultCheckTimeout = 3 * time.Second

// Readiness states.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// CheckFunc checks one dependency.
type CheckFunc func(ctx context.Context) error

// HealthChecker runs the readiness checks of shellbox's dependencies:
// the record store and, with the pool backend, the pool service.
type HealthChecker struct {
	logger  *slog.Logger
	timeout time.Duration
	started time.Time

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// HealthStatus is the JSON body of /healthz and /readyz.
type HealthStatus struct {
	Status string                 `json:"status"`
	Uptime string                 `json:"uptime,omitempty"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Message   string `json:"message,omitempty"`
}

// NewHealthChecker creates a HealthChecker without checks.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &HealthChecker{
		logger:  logger,
		timeout: defaultCheckTimeout,
		started: time.Now(),
		checks:  make(map[string]CheckFunc),
	}
}

// AddCheck registers a check. A second check with the same name replaces the first.
func (h *HealthChecker) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// CheckHealth is the liveness answer: ok while the process serves requests.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: StatusOK, Uptime: time.Since(h.started).Round(time.Second).String()}
}

// CheckReady runs every check concurrently, each bounded by the check
// timeout. The result is degraded when any check fails.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()

	status := HealthStatus{Status: StatusOK}
	if len(checks) == 0 {
		return status
	}
	status.Checks = make(map[string]CheckResult, len(checks))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, fn := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := h.run(ctx, name, fn)
			mu.Lock()
			status.Checks[name] = res
			if res.Status != StatusOK {
				status.Status = StatusDegraded
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return status
}

func (h *HealthChecker) run(ctx context.Context, name string, fn CheckFunc) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	err := fn(checkCtx)
	res := CheckResult{Status: StatusOK, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = StatusFail
		res.Message = err.Error()
		h.logger.Warn("readiness check failed",
			slog.String("check", name),
			slog.Int64("latency_ms", res.LatencyMS),
			slog.String("error", err.Error()),
		)
	}
	return res
}
