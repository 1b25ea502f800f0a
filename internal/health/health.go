// Package health provides a registry of named subsystem health checkers
// behind the readiness endpoint.
package health

import (
	"context"
	"strings"
	"sync"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual subsystem results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		statuses[i] = nc.check(ctx)
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// DatabaseChecker reports whether the validation store's database answers a
// ping within the request's context.
func DatabaseChecker(db Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// ProviderState mirrors the circuit breaker snapshot for one provider.
type ProviderState struct {
	Provider string
	State    string
}

// ProvidersChecker reports open provider circuits. An open circuit degrades
// enrichment or CAPTCHA verification but never blocks validation, so the
// status stays healthy and only the detail lists the open providers.
func ProvidersChecker(snapshot func() []ProviderState) Checker {
	return func(_ context.Context) Status {
		var open []string
		for _, p := range snapshot() {
			if p.State == "open" {
				open = append(open, p.Provider)
			}
		}
		if len(open) == 0 {
			return Status{Name: "providers", Healthy: true}
		}
		return Status{Name: "providers", Healthy: true, Detail: "circuit open: " + strings.Join(open, ", ")}
	}
}
