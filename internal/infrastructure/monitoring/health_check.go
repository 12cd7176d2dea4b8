package monitoring

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

type CheckFunc func(ctx context.Context) error

type HealthCheck struct {
	Name    string
	Check   CheckFunc
	Timeout time.Duration
	// Readiness checks gate /ready only; liveness checks gate both.
	Readiness bool
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func (s HealthStatus) Healthy() bool { return s.Status == StatusHealthy }

type HealthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

func (h *HealthChecker) AddCheck(check HealthCheck) {
	if check.Timeout <= 0 {
		check.Timeout = 2 * time.Second
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// Liveness runs only the liveness checks.
func (h *HealthChecker) Liveness(ctx context.Context) HealthStatus {
	return h.run(ctx, false)
}

// Readiness runs every check.
func (h *HealthChecker) Readiness(ctx context.Context) HealthStatus {
	return h.run(ctx, true)
}

func (h *HealthChecker) run(ctx context.Context, includeReadiness bool) HealthStatus {
	h.mu.RLock()
	checks := make([]HealthCheck, 0, len(h.checks))
	for _, c := range h.checks {
		if includeReadiness || !c.Readiness {
			checks = append(checks, c)
		}
	}
	h.mu.RUnlock()
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]string, len(checks)),
	}
	for _, c := range checks {
		if err := runCheck(ctx, c); err != nil {
			status.Status = StatusUnhealthy
			status.Checks[c.Name] = err.Error()
			continue
		}
		status.Checks[c.Name] = StatusHealthy
	}
	return status
}

func runCheck(ctx context.Context, c HealthCheck) error {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Check(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.New("check timed out")
	}
}
