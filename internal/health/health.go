// Package health runs named component probes for the /health endpoint
// and the smoke-test command.
package health

import (
	"context"
	"sync"
	"time"
)

// checkTimeout bounds a single probe so one dead backend cannot stall
// the whole report.
const checkTimeout = 5 * time.Second

// Status is the outcome of one probe.
type Status struct {
	Status    string  `json:"status"` // "ok" or "down"
	LatencyMS float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// CheckFunc probes one component.
type CheckFunc func(ctx context.Context) error

// Registry holds named probes. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	names  []string
	checks map[string]CheckFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]CheckFunc)}
}

// Register adds a probe. Re-registering a name replaces the probe.
func (r *Registry) Register(name string, fn CheckFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checks[name]; !ok {
		r.names = append(r.names, name)
	}
	r.checks[name] = fn
}

// Run probes every component concurrently and reports per-component
// status with latency.
func (r *Registry) Run(ctx context.Context) map[string]Status {
	r.mu.RLock()
	names := make([]string, len(r.names))
	copy(names, r.names)
	checks := make(map[string]CheckFunc, len(r.checks))
	for k, v := range r.checks {
		checks[k] = v
	}
	r.mu.RUnlock()

	out := make(map[string]Status, len(names))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, name := range names {
		wg.Add(1)
		go func(name string, fn CheckFunc) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			start := time.Now()
			err := fn(cctx)
			st := Status{
				Status:    "ok",
				LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
			}
			if err != nil {
				st.Status = "down"
				st.Error = err.Error()
			}
			mu.Lock()
			out[name] = st
			mu.Unlock()
		}(name, checks[name])
	}
	wg.Wait()
	return out
}

// Healthy reports whether every probe in the report passed.
func Healthy(report map[string]Status) bool {
	for _, st := range report {
		if st.Status != "ok" {
			return false
		}
	}
	return true
}

// Overall collapses a report into "ok", "degraded" (some probes down)
// or "unhealthy" (every probe down).
func Overall(report map[string]Status) string {
	down := 0
	for _, st := range report {
		if st.Status != "ok" {
			down++
		}
	}
	switch {
	case down == 0:
		return "ok"
	case down == len(report):
		return "unhealthy"
	default:
		return "degraded"
	}
}
