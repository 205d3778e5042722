package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	statusPending   = "pending"
)

// HealthChecker runs named checks of relay dependencies. CheckAll probes
// everything now; background runs keep the last outcome of each check so
// Cached can answer liveness probes without touching Redis.
type HealthChecker struct {
	checks  []HealthCheck
	results map[string]checkResult
	mu      sync.RWMutex
	logger  *zap.SugaredLogger
}

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) (bool, error)
	Interval time.Duration
	Timeout  time.Duration
}

type checkResult struct {
	healthy bool
	detail  string
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// NewHealthChecker logs check transitions to logger; nil disables logging.
func NewHealthChecker(logger *zap.SugaredLogger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &HealthChecker{
		results: make(map[string]checkResult),
		logger:  logger,
	}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) (bool, error), interval, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks = append(h.checks, HealthCheck{
		Name:     name,
		Check:    check,
		Interval: interval,
		Timeout:  timeout,
	})
}

func (h *HealthChecker) snapshot() []HealthCheck {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]HealthCheck(nil), h.checks...)
}

// CheckAll runs every check now, each bounded by its own timeout.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string),
	}

	for _, check := range h.snapshot() {
		res := h.run(ctx, check)
		if !res.healthy {
			status.Status = StatusUnhealthy
		}
		status.Checks[check.Name] = res.detail
	}
	return status
}

// Cached reports the last recorded outcome of every check. A check that has
// not run yet shows as pending and does not fail the status.
func (h *HealthChecker) Cached() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(h.checks)),
	}
	for _, check := range h.checks {
		res, ok := h.results[check.Name]
		if !ok {
			status.Checks[check.Name] = statusPending
			continue
		}
		if !res.healthy {
			status.Status = StatusUnhealthy
		}
		status.Checks[check.Name] = res.detail
	}
	return status
}

func (h *HealthChecker) run(ctx context.Context, check HealthCheck) checkResult {
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	healthy, err := check.Check(checkCtx)
	cancel()

	res := checkResult{healthy: err == nil && healthy, detail: StatusHealthy}
	switch {
	case err != nil:
		res.detail = err.Error()
	case !healthy:
		res.detail = "check failed"
	}
	h.record(check.Name, res)
	return res
}

func (h *HealthChecker) record(name string, res checkResult) {
	h.mu.Lock()
	prev, seen := h.results[name]
	h.results[name] = res
	h.mu.Unlock()

	switch {
	case !res.healthy && (!seen || prev.healthy):
		h.logger.Warnw("health check failing", "check", name, "detail", res.detail)
	case res.healthy && seen && !prev.healthy:
		h.logger.Infow("health check recovered", "check", name)
	}
}

// StartBackgroundChecks runs each check once right away and then on its
// interval until ctx is done.
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context) {
	for _, check := range h.snapshot() {
		go h.runCheckPeriodically(ctx, check)
	}
}

func (h *HealthChecker) runCheckPeriodically(ctx context.Context, check HealthCheck) {
	h.run(ctx, check)

	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.run(ctx, check)
		}
	}
}
