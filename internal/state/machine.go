// SPDX-License-Identifier: MIT

package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/g1dev/g1d/internal/log"
	"github.com/g1dev/g1d/internal/metrics"
)

// historySize bounds the transition history ring.
const historySize = 1024

// failedHealthThreshold marks a module as failed once its health drops below it.
const failedHealthThreshold = 0.5

var (
	// ErrInvalidTransition is returned when the requested edge is not in the graph.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrTerminalState is returned when transitioning out of SHUTDOWN.
	ErrTerminalState = errors.New("machine is in a terminal state")
	// ErrUnknownModule is returned for status updates against unregistered modules.
	ErrUnknownModule = errors.New("module not registered")
)

// Callback observes an accepted transition. Callbacks run outside the
// machine's lock and may re-enter the machine.
type Callback func(t Transition)

// Handle identifies a registered callback and can be used to unregister it.
type Handle struct {
	id    uint64
	state RobotState
	edge  edge
	kind  int
}

type edge struct {
	from RobotState
	to   RobotState
}

const (
	handleState = iota
	handleEdge
)

type callbackEntry struct {
	id uint64
	fn Callback
}

// Machine is the global robot state machine. The zero value is not usable;
// construct with NewMachine.
type Machine struct {
	mu      sync.Mutex
	current RobotState
	since   time.Time

	history     [historySize]Transition
	historyLen  int
	historyNext int

	modules map[string]*ModuleStatus

	stateCallbacks map[RobotState][]callbackEntry
	edgeCallbacks  map[edge][]callbackEntry
	nextCallbackID uint64

	logger zerolog.Logger
}

// NewMachine creates a machine starting in INITIALIZING.
func NewMachine() *Machine {
	return &Machine{
		current:        Initializing,
		since:          time.Now(),
		modules:        make(map[string]*ModuleStatus),
		stateCallbacks: make(map[RobotState][]callbackEntry),
		edgeCallbacks:  make(map[edge][]callbackEntry),
		logger:         log.WithComponent("state"),
	}
}

// Current returns the current robot state.
func (m *Machine) Current() RobotState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CanTransition reports whether the edge current→to is allowed.
func (m *Machine) CanTransition(to RobotState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return edgeAllowed(m.current, to)
}

func edgeAllowed(from, to RobotState) bool {
	for _, t := range allowed[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition attempts the edge current→to. On rejection the state is
// unchanged and an error is returned. On acceptance the history is appended,
// the state swapped, and callbacks dispatched outside the lock: entry
// callbacks of the target state first, then edge-specific callbacks.
func (m *Machine) Transition(to RobotState, meta map[string]string) error {
	m.mu.Lock()
	from := m.current
	if from.IsTerminal() {
		m.mu.Unlock()
		metrics.StateTransitionsRejected.WithLabelValues(string(from), string(to)).Inc()
		return fmt.Errorf("%w: %s -> %s", ErrTerminalState, from, to)
	}
	if !edgeAllowed(from, to) {
		m.mu.Unlock()
		metrics.StateTransitionsRejected.WithLabelValues(string(from), string(to)).Inc()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	t := Transition{From: from, To: to, When: time.Now(), Metadata: meta}
	m.appendHistoryLocked(t)
	m.current = to
	m.since = t.When

	entry := append([]callbackEntry(nil), m.stateCallbacks[to]...)
	specific := append([]callbackEntry(nil), m.edgeCallbacks[edge{from, to}]...)
	m.mu.Unlock()

	metrics.StateTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	m.logger.Info().
		Str("event", "state.transition").
		Str("old_state", string(from)).
		Str("new_state", string(to)).
		Msg("state transition accepted")

	for _, cb := range entry {
		m.dispatch(cb, t)
	}
	for _, cb := range specific {
		m.dispatch(cb, t)
	}
	return nil
}

// dispatch runs one callback, recovering panics so a broken observer cannot
// abort the transition.
func (m *Machine) dispatch(cb callbackEntry, t Transition) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Str("event", "state.callback_panic").
				Str("old_state", string(t.From)).
				Str("new_state", string(t.To)).
				Interface("panic", r).
				Msg("state callback panicked")
		}
	}()
	cb.fn(t)
}

// ForceEmergencyStop transitions to EMERGENCY_STOP from any non-terminal
// state, bypassing the edge table.
func (m *Machine) ForceEmergencyStop(reason string) error {
	m.mu.Lock()
	from := m.current
	if from.IsTerminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: emergency stop from %s", ErrTerminalState, from)
	}
	if from == EmergencyStop {
		m.mu.Unlock()
		return nil
	}
	t := Transition{
		From:     from,
		To:       EmergencyStop,
		When:     time.Now(),
		Metadata: map[string]string{"reason": reason},
	}
	m.appendHistoryLocked(t)
	m.current = EmergencyStop
	m.since = t.When
	entry := append([]callbackEntry(nil), m.stateCallbacks[EmergencyStop]...)
	specific := append([]callbackEntry(nil), m.edgeCallbacks[edge{from, EmergencyStop}]...)
	m.mu.Unlock()

	metrics.StateTransitionsTotal.WithLabelValues(string(from), string(EmergencyStop)).Inc()
	metrics.EmergencyStopsTotal.Inc()
	m.logger.Warn().
		Str("event", "state.emergency_stop").
		Str("old_state", string(from)).
		Str("reason", reason).
		Msg("emergency stop forced")

	for _, cb := range entry {
		m.dispatch(cb, t)
	}
	for _, cb := range specific {
		m.dispatch(cb, t)
	}
	return nil
}

// RegisterStateCallback registers fn to run whenever the machine enters s.
func (m *Machine) RegisterStateCallback(s RobotState, fn Callback) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCallbackID++
	h := Handle{id: m.nextCallbackID, state: s, kind: handleState}
	m.stateCallbacks[s] = append(m.stateCallbacks[s], callbackEntry{id: h.id, fn: fn})
	return h
}

// RegisterTransitionCallback registers fn for the specific edge from→to.
func (m *Machine) RegisterTransitionCallback(from, to RobotState, fn Callback) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCallbackID++
	e := edge{from, to}
	h := Handle{id: m.nextCallbackID, edge: e, kind: handleEdge}
	m.edgeCallbacks[e] = append(m.edgeCallbacks[e], callbackEntry{id: h.id, fn: fn})
	return h
}

// Unregister removes a previously registered callback.
func (m *Machine) Unregister(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch h.kind {
	case handleState:
		m.stateCallbacks[h.state] = removeEntry(m.stateCallbacks[h.state], h.id)
	case handleEdge:
		m.edgeCallbacks[h.edge] = removeEntry(m.edgeCallbacks[h.edge], h.id)
	}
}

func removeEntry(entries []callbackEntry, id uint64) []callbackEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}

func (m *Machine) appendHistoryLocked(t Transition) {
	m.history[m.historyNext] = t
	m.historyNext = (m.historyNext + 1) % historySize
	if m.historyLen < historySize {
		m.historyLen++
	}
}

// History returns up to n most recent transitions, oldest first.
func (m *Machine) History(n int) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > m.historyLen {
		n = m.historyLen
	}
	out := make([]Transition, 0, n)
	start := m.historyNext - n
	if start < 0 {
		start += historySize
	}
	for i := 0; i < n; i++ {
		out = append(out, m.history[(start+i)%historySize])
	}
	return out
}
