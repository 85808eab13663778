// SPDX-License-Identifier: MIT

// Package state implements the global robot state machine and the per-module
// health registry. The machine owns the current state, the bounded transition
// history and the module status map; everything else observes it through
// snapshots and callbacks.
package state

import (
	"time"
)

// RobotState is the global operating state of the robot.
type RobotState string

const (
	Initializing  RobotState = "INITIALIZING"
	Idle          RobotState = "IDLE"
	Active        RobotState = "ACTIVE"
	Listening     RobotState = "LISTENING"
	Processing    RobotState = "PROCESSING"
	Speaking      RobotState = "SPEAKING"
	Moving        RobotState = "MOVING"
	Calibrating   RobotState = "CALIBRATING"
	Maintenance   RobotState = "MAINTENANCE"
	Learning      RobotState = "LEARNING"
	ErrorState    RobotState = "ERROR"
	EmergencyStop RobotState = "EMERGENCY_STOP"
	Shutdown      RobotState = "SHUTDOWN"
)

// IsTerminal reports whether no transition can leave s.
func (s RobotState) IsTerminal() bool {
	return s == Shutdown
}

// ModuleState is the lifecycle state of a single managed module.
type ModuleState string

const (
	ModuleOffline      ModuleState = "OFFLINE"
	ModuleInitializing ModuleState = "INITIALIZING"
	ModuleReady        ModuleState = "READY"
	ModuleActive       ModuleState = "ACTIVE"
	ModuleError        ModuleState = "ERROR"
	ModuleMaintenance  ModuleState = "MAINTENANCE"
)

// ModuleStatus describes the registered health of one module. Only the module
// itself (or the orchestrator during enrollment) may update it.
type ModuleStatus struct {
	Name       string            `json:"name"`
	State      ModuleState       `json:"state"`
	Health     float64           `json:"health"`
	LastUpdate time.Time         `json:"last_update"`
	ErrorCount int               `json:"error_count"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Transition is one accepted edge in the machine's history.
type Transition struct {
	From     RobotState        `json:"from"`
	To       RobotState        `json:"to"`
	When     time.Time         `json:"when"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Snapshot is a point-in-time view of the machine for status reporting.
type Snapshot struct {
	Current      RobotState              `json:"current_state"`
	Since        time.Time               `json:"since"`
	SystemHealth float64                 `json:"system_health"`
	Modules      map[string]ModuleStatus `json:"modules"`
	History      []Transition            `json:"recent_transitions"`
}

// allowed is the fixed transition graph. Edges not listed are invalid.
var allowed = map[RobotState][]RobotState{
	Initializing:  {Idle, ErrorState, EmergencyStop},
	Idle:          {Active, Listening, Calibrating, Maintenance, ErrorState, EmergencyStop, Shutdown},
	Active:        {Idle, Listening, Processing, Speaking, Moving, ErrorState, EmergencyStop},
	Listening:     {Idle, Processing, ErrorState, EmergencyStop},
	Processing:    {Idle, Speaking, Moving, Learning, ErrorState, EmergencyStop},
	Speaking:      {Idle, Active, Moving, ErrorState, EmergencyStop},
	Moving:        {Idle, Active, Speaking, ErrorState, EmergencyStop},
	ErrorState:    {Idle, Maintenance, EmergencyStop, Shutdown},
	EmergencyStop: {Idle, Maintenance, Shutdown},
	Calibrating:   {Idle, ErrorState, EmergencyStop},
	Maintenance:   {Idle, Calibrating, Shutdown},
	Learning:      {Idle, Active, ErrorState, EmergencyStop},
	Shutdown:      {},
}
