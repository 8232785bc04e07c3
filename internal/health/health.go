// Package health provides liveness and readiness probes for the
// collaboration server.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status represents the health status of a dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// CheckFunc is a function that checks a dependency's health.
type CheckFunc func(ctx context.Context) Status

// Report is the readiness document served to probes.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]Status `json:"checks"`
}

// Checker manages health checks for all dependencies.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	cache   map[string]Status
	timeout time.Duration
	logger  zerolog.Logger
}

// NewChecker creates a new health checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks:  make(map[string]CheckFunc),
		cache:   make(map[string]Status),
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// PingCheck adapts an error-returning probe: any error is StatusDown.
func (c *Checker) PingCheck(name string, ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) Status {
		if err := ping(ctx); err != nil {
			c.logger.Warn().Err(err).Str("check", name).Msg("health check failed")
			return StatusDown
		}
		return StatusOK
	}
}

// RunAll executes all health checks concurrently and caches results.
func (c *Checker) RunAll(ctx context.Context) map[string]Status {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]Status, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			s := f(checkCtx)
			mu.Lock()
			results[n] = s
			mu.Unlock()
		}(name, fn)
	}

	wg.Wait()

	c.mu.Lock()
	c.cache = results
	c.mu.Unlock()

	return results
}

// Last returns the results of the most recent RunAll.
func (c *Checker) Last() map[string]Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Status, len(c.cache))
	for k, v := range c.cache {
		out[k] = v
	}
	return out
}

// Check runs every check and summarises the outcome. Degraded
// dependencies do not make the server unready.
func (c *Checker) Check(ctx context.Context) (Report, bool) {
	results := c.RunAll(ctx)
	for _, s := range results {
		if s == StatusDown {
			return Report{Status: "not_ready", Checks: results}, false
		}
	}
	return Report{Status: "ready", Checks: results}, true
}

// IsReady returns true if no check is down.
func (c *Checker) IsReady(ctx context.Context) bool {
	_, ok := c.Check(ctx)
	return ok
}

// LivenessHandler returns an HTTP handler for /healthz.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

// ReadinessHandler returns an HTTP handler for /readyz.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		report, ok := c.Check(r.Context())
		if ok {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(report)
	}
}
