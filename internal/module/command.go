// SPDX-License-Identifier: MIT

// Package module defines the uniform lifecycle contract every manager
// implements and the priority command queue drained by each manager's single
// worker goroutine.
package module

import (
	"sync/atomic"
	"time"
)

// Priority orders command draining. Higher values drain first; ties break by
// submission order.
type Priority int

const (
	PriorityLow       Priority = 1
	PriorityNormal    Priority = 2
	PriorityHigh      Priority = 3
	PriorityEmergency Priority = 4
	PrioritySystem    Priority = 5
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityEmergency:
		return "EMERGENCY"
	case PrioritySystem:
		return "SYSTEM"
	default:
		return "UNKNOWN"
	}
}

// commandSeq is the process-wide monotone command ID source.
var commandSeq atomic.Uint64

// NextCommandID allocates a process-monotone command identifier.
func NextCommandID() uint64 {
	return commandSeq.Add(1)
}

// Command is one queue entry for an actuator worker.
type Command struct {
	ID          uint64
	Kind        string
	Priority    Priority
	Payload     map[string]any
	Deadline    time.Time // zero means no deadline
	Correlation string
	OnDone      func(Result)
}

// Result is the terminal outcome of a command.
type Result struct {
	CommandID uint64
	Kind      string
	Err       error
	Duration  time.Duration
	Data      map[string]any
}

// Stats are cumulative per-manager execution counters.
type Stats struct {
	Total     uint64 `json:"total"`
	Errors    uint64 `json:"errors"`
	Timeouts  uint64 `json:"timeouts"`
	Flushed   uint64 `json:"flushed"`
	LastKind  string `json:"last_kind,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Status is the uniform health report of a manager.
type Status struct {
	Name            string  `json:"name"`
	Initialized     bool    `json:"initialized"`
	Running         bool    `json:"running"`
	Health          float64 `json:"health"`
	LastError       string  `json:"last_error,omitempty"`
	QueueSize       int     `json:"queue_size"`
	EmergencyActive bool    `json:"emergency_active"`
	Stats           Stats   `json:"stats"`
}
