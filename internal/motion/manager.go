// SPDX-License-Identifier: MIT

// Package motion implements the locomotion and gesture manager. All motion
// flows through the single command worker; a per-command deadline derived
// from the expected duration acts as the safety monitor.
package motion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/g1dev/g1d/internal/bus"
	"github.com/g1dev/g1d/internal/config"
	"github.com/g1dev/g1d/internal/drivers"
	"github.com/g1dev/g1d/internal/module"
	"github.com/g1dev/g1d/internal/state"
)

// Command kinds accepted by the manager.
const (
	KindMove    = "move"
	KindGesture = "gesture"
	KindArm     = "arm"
)

// ErrUnknownGesture is returned for gesture names outside the library.
var ErrUnknownGesture = errors.New("unknown gesture")

// gestureStep is one arm primitive inside a gesture sequence.
type gestureStep struct {
	side   string
	action string
	params map[string]float64
	pause  time.Duration
}

// gestures is the built-in gesture library.
var gestures = map[string][]gestureStep{
	"wave": {
		{side: "right", action: "raise"},
		{side: "right", action: "wave", pause: 200 * time.Millisecond},
		{side: "right", action: "wave", pause: 200 * time.Millisecond},
		{side: "right", action: "lower"},
	},
	"point": {
		{side: "right", action: "point", params: map[string]float64{"pitch": 0.3}},
		{side: "right", action: "hold", pause: 500 * time.Millisecond},
		{side: "right", action: "lower"},
	},
	"bow": {
		{side: "both", action: "tuck"},
		{side: "both", action: "bow", pause: 800 * time.Millisecond},
		{side: "both", action: "lower"},
	},
	"clap": {
		{side: "both", action: "raise"},
		{side: "both", action: "clap", pause: 150 * time.Millisecond},
		{side: "both", action: "clap", pause: 150 * time.Millisecond},
		{side: "both", action: "lower"},
	},
	"handshake": {
		{side: "right", action: "extend"},
		{side: "right", action: "shake", pause: 600 * time.Millisecond},
		{side: "right", action: "lower"},
	},
}

// Gestures lists the available gesture names.
func Gestures() []string {
	out := make([]string, 0, len(gestures))
	for name := range gestures {
		out = append(out, name)
	}
	return out
}

// Manager is the motion actuator manager.
type Manager struct {
	*module.Base
	loco    drivers.Locomotion
	arm     drivers.Arm
	machine *state.Machine
	cfg     func() config.Config
}

// NewManager wires the motion manager.
func NewManager(b *bus.Bus, loco drivers.Locomotion, arm drivers.Arm, machine *state.Machine, cfg func() config.Config) *Manager {
	m := &Manager{loco: loco, arm: arm, machine: machine, cfg: cfg}
	m.Base = module.NewBase("motion", b, m.exec)
	return m
}

func (m *Manager) exec(ctx context.Context, cmd module.Command) (map[string]any, error) {
	switch cmd.Kind {
	case KindMove:
		return m.execMove(ctx, cmd)
	case KindGesture:
		return m.execGesture(ctx, cmd)
	case KindArm:
		return m.execArm(ctx, cmd)
	default:
		return nil, fmt.Errorf("motion: unknown command kind %q", cmd.Kind)
	}
}

func (m *Manager) execMove(ctx context.Context, cmd module.Command) (map[string]any, error) {
	vx, _ := cmd.Payload["vx"].(float64)
	vy, _ := cmd.Payload["vy"].(float64)
	omega, _ := cmd.Payload["omega"].(float64)
	duration, _ := cmd.Payload["duration"].(time.Duration)

	m.enterMoving(cmd.Correlation)
	defer m.leaveMoving(cmd.Correlation)

	if err := m.loco.Move(ctx, vx, vy, omega, duration); err != nil {
		return nil, fmt.Errorf("move: %w", err)
	}
	return map[string]any{"vx": vx, "vy": vy, "omega": omega, "duration_ms": duration.Milliseconds()}, nil
}

func (m *Manager) execGesture(ctx context.Context, cmd module.Command) (map[string]any, error) {
	name, _ := cmd.Payload["name"].(string)
	steps, ok := gestures[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGesture, name)
	}
	for _, step := range steps {
		if err := m.arm.Execute(ctx, step.side, step.action, step.params); err != nil {
			return nil, fmt.Errorf("gesture %s step %s: %w", name, step.action, err)
		}
		if step.pause > 0 {
			t := time.NewTimer(step.pause)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
	}
	return map[string]any{"name": name, "steps": len(steps)}, nil
}

func (m *Manager) execArm(ctx context.Context, cmd module.Command) (map[string]any, error) {
	side, _ := cmd.Payload["side"].(string)
	action, _ := cmd.Payload["action"].(string)
	params, _ := cmd.Payload["params"].(map[string]float64)
	if err := m.arm.Execute(ctx, side, action, params); err != nil {
		return nil, fmt.Errorf("arm: %w", err)
	}
	return map[string]any{"side": side, "action": action}, nil
}

// enterMoving moves the global state machine into MOVING, stepping through
// ACTIVE when the current state has no direct edge.
func (m *Manager) enterMoving(correlation string) {
	if m.machine == nil || m.machine.Current() == state.Moving {
		return
	}
	meta := map[string]string{"source": "motion", "correlation": correlation}
	if m.machine.CanTransition(state.Moving) {
		_ = m.machine.Transition(state.Moving, meta)
		return
	}
	if m.machine.Current() == state.Idle && m.machine.CanTransition(state.Active) {
		_ = m.machine.Transition(state.Active, meta)
		_ = m.machine.Transition(state.Moving, meta)
	}
}

// leaveMoving returns to ACTIVE once the motion queue has drained.
func (m *Manager) leaveMoving(correlation string) {
	if m.machine == nil || m.machine.Current() != state.Moving {
		return
	}
	if m.QueueLen() > 0 {
		return
	}
	_ = m.machine.Transition(state.Active, map[string]string{"source": "motion", "correlation": correlation})
}

// clamp bounds v to [-limit, limit].
func clamp(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

// Move enqueues a velocity command. Velocities are clamped to the configured
// safety envelope and the command deadline is the expected duration times the
// configured timeout factor.
func (m *Manager) Move(vx, vy, omega float64, duration time.Duration, prio module.Priority, correlation string) (uint64, error) {
	cfg := m.cfg()
	if duration <= 0 {
		duration = cfg.Motion.DefaultDuration
	}
	vx = clamp(vx, cfg.Motion.Safety.MaxVelocity)
	vy = clamp(vy, cfg.Motion.Safety.MaxVelocity)
	omega = clamp(omega, cfg.Motion.Safety.MaxAngularVelocity)

	deadline := time.Now().Add(time.Duration(float64(duration) * cfg.Motion.Safety.CommandTimeoutFactor))
	return m.Submit(module.Command{
		Kind:     KindMove,
		Priority: prio,
		Payload: map[string]any{
			"vx": vx, "vy": vy, "omega": omega, "duration": duration,
		},
		Deadline:    deadline,
		Correlation: correlation,
	})
}

// Gesture enqueues a named gesture from the library.
func (m *Manager) Gesture(name string, prio module.Priority, correlation string) (uint64, error) {
	if _, ok := gestures[name]; !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownGesture, name)
	}
	return m.Submit(module.Command{
		Kind:        KindGesture,
		Priority:    prio,
		Payload:     map[string]any{"name": name},
		Correlation: correlation,
	})
}

// ArmAction enqueues a single arm primitive.
func (m *Manager) ArmAction(side, action string, params map[string]float64, prio module.Priority, correlation string) (uint64, error) {
	return m.Submit(module.Command{
		Kind:        KindArm,
		Priority:    prio,
		Payload:     map[string]any{"side": side, "action": action, "params": params},
		Correlation: correlation,
	})
}

// Halt aborts the in-flight motion and stops the hardware immediately. The
// queue is left intact; use EmergencyStop to flush it.
func (m *Manager) Halt() error {
	m.Abort()
	return errors.Join(m.loco.Halt(), m.arm.Halt())
}

// EmergencyStop latches the emergency filter and halts the hardware.
func (m *Manager) EmergencyStop() {
	m.Base.EmergencyStop()
	_ = m.loco.Halt()
	_ = m.arm.Halt()
}
