package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Per-check time limit so one stuck dependency cannot stall /readyz.
const checkTimeout = 3 * time.Second

// CheckFunc tests one dependency, e.g. a policy store ping or the prompt
// frontend connection.
type CheckFunc func(ctx context.Context) error

// Checker reports daemon health. Liveness is unconditional; readiness runs
// every registered dependency check and degrades when any fails. A daemon
// that is alive but degraded keeps serving sessions — it just resolves them
// fail-closed where the broken dependency would have been needed.
type Checker struct {
	mu     sync.RWMutex
	names  []string // registration order, for stable reports
	checks map[string]CheckFunc
	logger *slog.Logger
}

// Report is the JSON body served on /healthz and /readyz.
type Report struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is one dependency's contribution to a Report.
type CheckResult struct {
	Status  string `json:"status"` // "ok" or "fail"
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency,omitempty"`
}

func NewChecker(logger *slog.Logger) *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
		logger: logger,
	}
}

// Register adds a named dependency check. Registering a name again replaces
// the previous check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.checks[name]; !exists {
		c.names = append(c.names, name)
	}
	c.checks[name] = fn
}

// Live reports liveness. The process answered, so the answer is always ok.
func (c *Checker) Live() Report {
	return Report{Status: "ok"}
}

// Ready runs every registered check and aggregates the result. Each check
// gets its own deadline; its latency is reported next to its status.
func (c *Checker) Ready(ctx context.Context) Report {
	c.mu.RLock()
	names := make([]string, len(c.names))
	copy(names, c.names)
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checks[name] = fn
	}
	c.mu.RUnlock()

	report := Report{Status: "ok"}
	if len(names) == 0 {
		return report
	}
	report.Checks = make(map[string]CheckResult, len(names))

	for _, name := range names {
		result := c.runCheck(ctx, name, checks[name])
		if result.Status != "ok" {
			report.Status = "degraded"
		}
		report.Checks[name] = result
	}
	return report
}

func (c *Checker) runCheck(ctx context.Context, name string, fn CheckFunc) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := fn(checkCtx)
	latency := time.Since(start).Round(time.Millisecond).String()

	if err != nil {
		if c.logger != nil {
			c.logger.Warn("readiness check failed",
				slog.String("check", name),
				slog.String("error", err.Error()),
			)
		}
		return CheckResult{Status: "fail", Error: err.Error(), Latency: latency}
	}
	return CheckResult{Status: "ok", Latency: latency}
}
