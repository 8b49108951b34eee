// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package health runs named liveness checks against the engine and the
// kernel facilities its backend depends on.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the outcome of a check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Check is the result of one check run.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration"`
}

// CheckFunc performs a check. Name is filled in by the Checker.
type CheckFunc func(ctx context.Context) Check

// Report aggregates a run of every registered check.
type Report struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks"`
}

type namedCheck struct {
	name string
	fn   CheckFunc
}

// Checker runs registered checks in registration order.
type Checker struct {
	mu     sync.RWMutex
	checks []namedCheck
}

func NewChecker() *Checker {
	return &Checker{}
}

// Register adds a check. A later registration under the same name replaces
// the earlier one.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.checks {
		if c.checks[i].name == name {
			c.checks[i].fn = fn
			return
		}
	}
	c.checks = append(c.checks, namedCheck{name: name, fn: fn})
}

// Run executes every check. The report status is the worst check status;
// an empty checker is healthy.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := append([]namedCheck(nil), c.checks...)
	c.mu.RUnlock()

	r := Report{Status: StatusHealthy, Checks: make([]Check, 0, len(checks))}
	for _, nc := range checks {
		start := time.Now()
		res := nc.fn(ctx)
		res.Name = nc.name
		if res.LastChecked.IsZero() {
			res.LastChecked = start
		}
		if res.Duration == 0 {
			res.Duration = time.Since(start)
		}
		if res.Status == "" {
			res.Status = StatusUnhealthy
		}
		if res.Status.rank() > r.Status.rank() {
			r.Status = res.Status
		}
		r.Checks = append(r.Checks, res)
	}
	return r
}

func result(start time.Time, status Status, msg string) Check {
	return Check{
		Status:      status,
		Message:     msg,
		LastChecked: start,
		Duration:    time.Since(start),
	}
}

// Healthy returns a passing check result.
func Healthy(msg string) Check { return result(time.Now(), StatusHealthy, msg) }

// Degraded returns a check result that does not fail the report outright.
func Degraded(msg string) Check { return result(time.Now(), StatusDegraded, msg) }

// Unhealthy returns a failing check result.
func Unhealthy(msg string) Check { return result(time.Now(), StatusUnhealthy, msg) }
