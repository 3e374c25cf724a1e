package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// HealthChecker aggregates readiness from the sandbox root and the
// transcript database.
type HealthChecker struct {
	checks []HealthCheck
	logger *slog.Logger
}

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status  string `json:"status"`            // "ok" or "fail"
	Message string `json:"message,omitempty"` // Error message on failure.
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named health check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// CheckHealth returns liveness status. Always returns "ok" if the process is running.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs all registered checks and returns aggregate readiness.
// Returns "ok" only if all checks pass; "degraded" if any fail.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	if len(h.checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(h.checks)),
	}

	for _, c := range h.checks {
		if err := c.Check(checkCtx); err != nil {
			status.Status = "degraded"
			status.Checks[c.Name] = CheckResult{
				Status:  "fail",
				Message: err.Error(),
			}
			if h.logger != nil {
				h.logger.Warn("readiness check failed",
					slog.String("check", c.Name),
					slog.String("error", err.Error()),
				)
			}
		} else {
			status.Checks[c.Name] = CheckResult{Status: "ok"}
		}
	}

	return status
}

// Pinger is a dependency that can be probed, such as the transcript store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck adapts a Pinger to a health check.
func PingCheck(p Pinger) func(ctx context.Context) error {
	return p.Ping
}

// DirCheck fails unless path is an existing, listable directory. Used for
// the sandbox root, which can vanish under a long-running server.
func DirCheck(path string) func(ctx context.Context) error {
	return func(context.Context) error {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("sandbox root: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("sandbox root %s is not a directory", path)
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("sandbox root: %w", err)
		}
		defer f.Close()
		if _, err := f.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("sandbox root not listable: %w", err)
		}
		return nil
	}
}
