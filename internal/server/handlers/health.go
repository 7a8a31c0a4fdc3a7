// Package handlers implements the HTTP API surface.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Checker is a named readiness probe, e.g. the registry's database ping.
type Checker interface {
	CheckHealth(ctx context.Context) error
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// HealthManager aggregates registered checkers into one health verdict.
type HealthManager struct {
	version  string
	checkers map[string]Checker
}

func NewHealthManager(version string) *HealthManager {
	return &HealthManager{version: version, checkers: make(map[string]Checker)}
}

func (m *HealthManager) RegisterChecker(name string, c Checker) {
	m.checkers[name] = c
}

// HealthHandler runs every checker with a short deadline. Any failing
// check turns the verdict unhealthy and the status 503.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(m.checkers))
	healthy := true
	for name, c := range m.checkers {
		if err := c.CheckHealth(ctx); err != nil {
			checks[name] = "unhealthy"
			healthy = false
			continue
		}
		checks[name] = "healthy"
	}

	resp := HealthResponse{Status: "healthy", Version: m.version, Checks: checks}
	status := http.StatusOK
	if !healthy {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// VersionHandler reports the build version.
func (m *HealthManager) VersionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"name":    "phyloforge",
		"version": m.version,
	})
}
