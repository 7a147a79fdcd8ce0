package health

import (
	"context"
	"time"
)

// DefaultCheckTimeout bounds a single check when the caller sets none.
const DefaultCheckTimeout = 2 * time.Second

// NewHealthChecker creates a checker whose checks each run under timeout.
// A non-positive timeout selects DefaultCheckTimeout.
func NewHealthChecker(timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &HealthChecker{
		checks:      make(map[string]CheckFunc),
		readyChecks: make(map[string]CheckFunc),
		liveChecks:  make(map[string]CheckFunc),
		timeout:     timeout,
		started:     time.Now(),
	}
}

// RegisterCheck registers a health check
func (hc *HealthChecker) RegisterCheck(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// RegisterReadinessCheck registers a readiness check
func (hc *HealthChecker) RegisterReadinessCheck(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.readyChecks[name] = check
}

// RegisterLivenessCheck registers a liveness check
func (hc *HealthChecker) RegisterLivenessCheck(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.liveChecks[name] = check
}

// Check performs all health checks
func (hc *HealthChecker) Check(ctx context.Context) Response {
	return hc.performChecks(ctx, hc.snapshot(hc.checks))
}

// CheckReadiness performs readiness checks
func (hc *HealthChecker) CheckReadiness(ctx context.Context) Response {
	return hc.performChecks(ctx, hc.snapshot(hc.readyChecks))
}

// CheckLiveness performs liveness checks
func (hc *HealthChecker) CheckLiveness(ctx context.Context) Response {
	return hc.performChecks(ctx, hc.snapshot(hc.liveChecks))
}

// snapshot copies a check set so probes run without holding the lock.
func (hc *HealthChecker) snapshot(set map[string]CheckFunc) map[string]CheckFunc {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	out := make(map[string]CheckFunc, len(set))
	for name, fn := range set {
		out[name] = fn
	}
	return out
}

func (hc *HealthChecker) performChecks(ctx context.Context, checksMap map[string]CheckFunc) Response {
	response := Response{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]Check, len(checksMap)),
		Uptime:    time.Since(hc.started).Seconds(),
	}

	for name, checkFunc := range checksMap {
		checkCtx, cancel := context.WithTimeout(ctx, hc.timeout)
		start := time.Now()
		check := checkFunc(checkCtx)
		cancel()
		check.Duration = time.Since(start)
		check.LastChecked = start
		if check.Name == "" {
			check.Name = name
		}

		response.Checks[name] = check
		response.Status = worse(response.Status, check.Status)
	}

	return response
}

// worse returns the more severe of two statuses.
func worse(a, b Status) Status {
	if a == StatusUnhealthy || b == StatusUnhealthy {
		return StatusUnhealthy
	}
	if a == StatusDegraded || b == StatusDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}
