// SPDX-License-Identifier: MIT

// Package health provides liveness and readiness probes over the robot's
// module registry. It supports Docker HEALTHCHECK and Kubernetes probes with
// per-component detail.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/g1dev/g1d/internal/log"
	"github.com/g1dev/g1d/internal/state"
)

// Status represents the overall health/readiness status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Degradation thresholds on the 0..1 health scale.
const (
	degradedBelow  = 0.7
	unhealthyBelow = 0.5
)

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// ReadinessResponse is the readiness payload.
type ReadinessResponse struct {
	Ready     bool                   `json:"ready"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker is one component probe.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager aggregates component checkers into probe responses.
type Manager struct {
	version  string
	checkers []Checker
}

// NewManager creates a health check manager.
func NewManager(version string) *Manager {
	return &Manager{version: version}
}

// RegisterChecker adds a component probe.
func (m *Manager) RegisterChecker(checker Checker) {
	m.checkers = append(m.checkers, checker)
}

// Health performs the liveness check. The process being able to answer is
// the liveness signal; component detail is attached only when verbose.
func (m *Manager) Health(ctx context.Context, verbose bool) HealthResponse {
	resp := HealthResponse{
		Status:    StatusHealthy,
		Version:   m.version,
		Timestamp: time.Now(),
	}
	if verbose && len(m.checkers) > 0 {
		resp.Checks, resp.Status = m.runChecks(ctx)
	}
	return resp
}

// Ready performs the readiness check. Any unhealthy component makes the
// daemon not ready.
func (m *Manager) Ready(ctx context.Context) ReadinessResponse {
	resp := ReadinessResponse{
		Ready:     true,
		Status:    StatusHealthy,
		Timestamp: time.Now(),
	}
	if len(m.checkers) == 0 {
		return resp
	}
	resp.Checks, resp.Status = m.runChecks(ctx)
	resp.Ready = resp.Status != StatusUnhealthy
	return resp
}

func (m *Manager) runChecks(ctx context.Context) (map[string]CheckResult, Status) {
	checks := make(map[string]CheckResult, len(m.checkers))
	status := StatusHealthy
	for _, checker := range m.checkers {
		result := checker.Check(ctx)
		checks[checker.Name()] = result
		switch result.Status {
		case StatusUnhealthy:
			status = StatusUnhealthy
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return checks, status
}

// ServeHealth handles HTTP liveness requests. Always 200.
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "health")
	verbose := r.URL.Query().Get("verbose") == "true"

	resp := m.Health(r.Context(), verbose)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str("event", "health.encode_error").Msg("failed to encode health response")
	}
}

// ServeReady handles HTTP readiness requests. 503 when not ready.
func (m *Manager) ServeReady(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "readiness")

	resp := m.Ready(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if resp.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str("event", "readiness.encode_error").Msg("failed to encode readiness response")
	}

	logger.Debug().
		Str("event", "readiness.checked").
		Str("status", string(resp.Status)).
		Bool("ready", resp.Ready).
		Msg("readiness check performed")
}

// statusForHealth maps a 0..1 health score to a probe status.
func statusForHealth(h float64) Status {
	switch {
	case h < unhealthyBelow:
		return StatusUnhealthy
	case h < degradedBelow:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// ModuleChecker probes one registered module through the state registry.
type ModuleChecker struct {
	name    string
	machine *state.Machine
}

// NewModuleChecker creates a probe for the named module.
func NewModuleChecker(name string, machine *state.Machine) *ModuleChecker {
	return &ModuleChecker{name: name, machine: machine}
}

func (c *ModuleChecker) Name() string { return "module:" + c.name }

func (c *ModuleChecker) Check(context.Context) CheckResult {
	st, ok := c.machine.ModuleStatusFor(c.name)
	if !ok {
		return CheckResult{Status: StatusUnhealthy, Error: "module not registered"}
	}
	res := CheckResult{
		Status:  statusForHealth(st.Health),
		Message: fmt.Sprintf("state=%s health=%.2f", st.State, st.Health),
	}
	if st.State == state.ModuleError {
		res.Error = fmt.Sprintf("%d errors recorded", st.ErrorCount)
	}
	return res
}

// SystemChecker probes the aggregate system health and the robot state.
type SystemChecker struct {
	machine *state.Machine
}

// NewSystemChecker creates the aggregate probe.
func NewSystemChecker(machine *state.Machine) *SystemChecker {
	return &SystemChecker{machine: machine}
}

func (c *SystemChecker) Name() string { return "system" }

func (c *SystemChecker) Check(context.Context) CheckResult {
	h := c.machine.SystemHealth()
	cur := c.machine.Current()

	res := CheckResult{
		Status:  statusForHealth(h),
		Message: fmt.Sprintf("state=%s health=%.2f", cur, h),
	}
	if cur == state.EmergencyStop || cur == state.ErrorState {
		res.Status = StatusUnhealthy
	}
	return res
}
