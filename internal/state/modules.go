// SPDX-License-Identifier: MIT

package state

import (
	"fmt"
	"sort"
	"time"

	"github.com/g1dev/g1d/internal/metrics"
)

// RegisterModule enrolls a module with the machine. Freshly registered
// modules start OFFLINE with full health.
func (m *Machine) RegisterModule(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.modules[name]; ok {
		return
	}
	m.modules[name] = &ModuleStatus{
		Name:       name,
		State:      ModuleOffline,
		Health:     1.0,
		LastUpdate: time.Now(),
	}
}

// UpdateModuleStatus records the module's current state and health.
func (m *Machine) UpdateModuleStatus(name string, st ModuleState, health float64, meta map[string]string) error {
	if health < 0 {
		health = 0
	}
	if health > 1 {
		health = 1
	}

	m.mu.Lock()
	status, ok := m.modules[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownModule, name)
	}
	status.State = st
	status.Health = health
	status.LastUpdate = time.Now()
	if st == ModuleError {
		status.ErrorCount++
	}
	if meta != nil {
		status.Metadata = meta
	}
	system := m.systemHealthLocked()
	m.mu.Unlock()

	metrics.ModuleHealth.WithLabelValues(name).Set(health)
	metrics.SystemHealth.Set(system)
	return nil
}

// ModuleStatusFor returns a copy of the status for one module.
func (m *Machine) ModuleStatusFor(name string) (ModuleStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.modules[name]
	if !ok {
		return ModuleStatus{}, false
	}
	return cloneStatus(status), true
}

// SystemHealth returns the mean health over registered modules, 1.0 when none.
func (m *Machine) SystemHealth() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.systemHealthLocked()
}

func (m *Machine) systemHealthLocked() float64 {
	if len(m.modules) == 0 {
		return 1.0
	}
	sum := 0.0
	for _, s := range m.modules {
		sum += s.Health
	}
	return sum / float64(len(m.modules))
}

// FailedModules returns the names of modules whose health is below 0.5,
// sorted for stable reporting.
func (m *Machine) FailedModules() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for name, s := range m.modules {
		if s.Health < failedHealthThreshold {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// StateInfo returns a snapshot of the machine for status endpoints.
func (m *Machine) StateInfo() Snapshot {
	m.mu.Lock()
	modules := make(map[string]ModuleStatus, len(m.modules))
	for name, s := range m.modules {
		modules[name] = cloneStatus(s)
	}
	snap := Snapshot{
		Current:      m.current,
		Since:        m.since,
		SystemHealth: m.systemHealthLocked(),
		Modules:      modules,
	}
	m.mu.Unlock()

	snap.History = m.History(16)
	return snap
}

func cloneStatus(s *ModuleStatus) ModuleStatus {
	out := *s
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
