// SPDX-License-Identifier: MIT

package leds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	colorful "github.com/lucasb-eyer/go-colorful"

	"github.com/g1dev/g1d/internal/bus"
	"github.com/g1dev/g1d/internal/config"
	"github.com/g1dev/g1d/internal/drivers"
	"github.com/g1dev/g1d/internal/module"
	"github.com/g1dev/g1d/internal/state"
)

// Command kinds accepted by the manager.
const (
	KindSetPattern    = "set_pattern"
	KindOff           = "off"
	KindSetBrightness = "set_brightness"
)

var (
	// ErrUnknownPattern is returned for pattern names outside the library.
	ErrUnknownPattern = errors.New("unknown led pattern")
	// ErrPreempted is returned when a lower-priority pattern arrives while a
	// higher-priority one is still running.
	ErrPreempted = errors.New("pattern preempted by higher priority pattern")
)

// activePattern is the renderer's current selection.
type activePattern struct {
	name     string
	gen      Generator
	params   Params
	priority module.Priority
	context  bool // state-machine feedback, replaceable by newer feedback
	started  time.Time
	until    time.Time // zero means the pattern runs until replaced
}

// Manager is the LED actuator manager.
type Manager struct {
	*module.Base
	strip drivers.LEDStrip
	cfg   func() config.Config

	renderMu   sync.Mutex
	cur        *activePattern
	base       *activePattern
	brightness int
	loopStop   chan struct{}
	loopDone   chan struct{}
}

// NewManager wires the LED manager.
func NewManager(b *bus.Bus, strip drivers.LEDStrip, cfg func() config.Config) *Manager {
	m := &Manager{strip: strip, cfg: cfg, brightness: cfg().LEDs.DefaultBrightness}
	m.Base = module.NewBase("leds", b, m.exec)
	return m
}

// Start launches the command worker and the render loop.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.Base.Start(ctx); err != nil {
		return err
	}
	m.renderMu.Lock()
	defer m.renderMu.Unlock()
	if m.loopStop == nil {
		m.loopStop = make(chan struct{})
		m.loopDone = make(chan struct{})
		go m.renderLoop(m.loopStop, m.loopDone)
	}
	return nil
}

// Stop halts the render loop, drains the worker and blanks the strip.
func (m *Manager) Stop(ctx context.Context) error {
	m.renderMu.Lock()
	stop, done := m.loopStop, m.loopDone
	m.loopStop, m.loopDone = nil, nil
	m.renderMu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	err := m.Base.Stop(ctx)
	_ = m.strip.Off()
	return err
}

func (m *Manager) renderLoop(stop, done chan struct{}) {
	defer close(done)
	rateHz := m.cfg().LEDs.SampleRateHz
	if rateHz < 20 {
		rateHz = 20
	}
	ticker := time.NewTicker(time.Second / time.Duration(rateHz))
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			m.renderFrame(now)
		}
	}
}

func (m *Manager) renderFrame(now time.Time) {
	m.renderMu.Lock()
	cur := m.cur
	if cur != nil && !cur.until.IsZero() && now.After(cur.until) {
		// Finite pattern finished; fall back to the held base pattern.
		m.cur = m.base
		cur = m.cur
	}
	brightness := m.brightness
	m.renderMu.Unlock()

	if cur == nil {
		return
	}
	c := cur.gen(now.Sub(cur.started), cur.params)
	if err := m.strip.Apply(toDriverColor(c, brightness)); err != nil {
		m.RecordError(fmt.Errorf("leds: apply frame: %w", err))
	}
}

func (m *Manager) exec(_ context.Context, cmd module.Command) (map[string]any, error) {
	switch cmd.Kind {
	case KindSetPattern:
		p, _ := cmd.Payload["pattern"].(*activePattern)
		if p == nil {
			return nil, errors.New("leds: missing pattern")
		}
		if !m.applyPattern(p) {
			return nil, ErrPreempted
		}
		return map[string]any{"pattern": p.name}, nil

	case KindOff:
		m.renderMu.Lock()
		m.cur = nil
		m.base = nil
		m.renderMu.Unlock()
		if err := m.strip.Off(); err != nil {
			return nil, err
		}
		return map[string]any{"off": true}, nil

	case KindSetBrightness:
		level, ok := cmd.Payload["level"].(int)
		if !ok {
			return nil, errors.New("set_brightness: missing level")
		}
		if err := m.strip.SetBrightness(level); err != nil {
			return nil, err
		}
		m.renderMu.Lock()
		m.brightness = level
		m.renderMu.Unlock()
		return map[string]any{"level": level}, nil

	default:
		return nil, fmt.Errorf("leds: unknown command kind %q", cmd.Kind)
	}
}

// applyPattern installs p unless a still-running pattern outranks it. An
// infinite pattern becomes the base the renderer reverts to after finite
// overlays complete.
func (m *Manager) applyPattern(p *activePattern) bool {
	now := time.Now()
	m.renderMu.Lock()
	defer m.renderMu.Unlock()

	if cur := m.cur; cur != nil {
		// The state machine is the authority over its own feedback, so a
		// newer context pattern always replaces an older one.
		contextSwap := p.context && cur.context
		running := cur.until.IsZero() || now.Before(cur.until)
		if !contextSwap && running && p.priority < cur.priority {
			return false
		}
	}
	p.started = now
	m.cur = p
	if p.until.IsZero() {
		m.base = p
	}
	return true
}

// Current reports the active pattern name, if any.
func (m *Manager) Current() (string, bool) {
	m.renderMu.Lock()
	defer m.renderMu.Unlock()
	if m.cur == nil {
		return "", false
	}
	return m.cur.name, true
}

func (m *Manager) submitPattern(name string, params Params, duration time.Duration, prio module.Priority, correlation string) (uint64, error) {
	return m.submitPatternCtx(name, params, duration, prio, correlation, false)
}

func (m *Manager) submitPatternCtx(name string, params Params, duration time.Duration, prio module.Priority, correlation string, contextual bool) (uint64, error) {
	gen, err := lookupGenerator(name)
	if err != nil {
		return 0, err
	}
	p := &activePattern{name: name, gen: gen, params: params, priority: prio, context: contextual}
	if duration > 0 {
		p.until = time.Now().Add(duration)
	}
	return m.Submit(module.Command{
		Kind:        KindSetPattern,
		Priority:    prio,
		Payload:     map[string]any{"pattern": p},
		Correlation: correlation,
	})
}

// SetColor shows a solid color until replaced.
func (m *Manager) SetColor(c drivers.Color, prio module.Priority, correlation string) (uint64, error) {
	col := colorful.Color{R: float64(c.R) / 255, G: float64(c.G) / 255, B: float64(c.B) / 255}
	return m.submitPattern("solid", Params{Color: col}, 0, prio, correlation)
}

// SetPattern shows a named pattern. duration zero means until replaced.
func (m *Manager) SetPattern(name string, c drivers.Color, speed float64, duration time.Duration, prio module.Priority, correlation string) (uint64, error) {
	col := colorful.Color{R: float64(c.R) / 255, G: float64(c.G) / 255, B: float64(c.B) / 255}
	return m.submitPattern(name, Params{Color: col, Speed: speed}, duration, prio, correlation)
}

// Flash blinks a color a fixed number of times, then reverts to the base
// pattern.
func (m *Manager) Flash(c drivers.Color, times int, interval time.Duration, prio module.Priority, correlation string) (uint64, error) {
	if times < 1 {
		return 0, fmt.Errorf("flash: times %d must be >= 1", times)
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	period := 2 * interval
	col := colorful.Color{R: float64(c.R) / 255, G: float64(c.G) / 255, B: float64(c.B) / 255}
	params := Params{Color: col, Speed: 1 / period.Seconds()}
	return m.submitPattern("flash", params, time.Duration(times)*period, prio, correlation)
}

// Rainbow cycles the full hue circle until replaced.
func (m *Manager) Rainbow(speed float64, prio module.Priority, correlation string) (uint64, error) {
	return m.submitPattern("rainbow", Params{Speed: speed}, 0, prio, correlation)
}

// Off clears all patterns and blanks the strip.
func (m *Manager) Off(prio module.Priority, correlation string) (uint64, error) {
	return m.Submit(module.Command{Kind: KindOff, Priority: prio, Correlation: correlation})
}

// SetBrightness scales all rendered frames.
func (m *Manager) SetBrightness(level int, correlation string) (uint64, error) {
	if level < 0 || level > 100 {
		return 0, fmt.Errorf("brightness %d out of range [0,100]", level)
	}
	return m.Submit(module.Command{
		Kind:        KindSetBrightness,
		Priority:    module.PriorityNormal,
		Payload:     map[string]any{"level": level},
		Correlation: correlation,
	})
}

// contextPattern describes the LED feedback bound to a robot state.
type contextPattern struct {
	pattern string
	color   drivers.Color
	speed   float64
	prio    module.Priority
}

// contextColors is the state feedback map applied when context colors are
// enabled.
var contextColors = map[state.RobotState]contextPattern{
	state.Idle:          {pattern: "solid", color: drivers.Color{B: 255}, prio: module.PriorityNormal},
	state.Listening:     {pattern: "pulse", color: drivers.Color{G: 255, B: 255}, speed: 1, prio: module.PriorityNormal},
	state.Speaking:      {pattern: "wave", color: drivers.Color{G: 255}, speed: 0.5, prio: module.PriorityNormal},
	state.ErrorState:    {pattern: "flash", color: drivers.Color{R: 255}, speed: 2, prio: module.PriorityNormal},
	state.EmergencyStop: {pattern: "flash", color: drivers.Color{R: 255, B: 255}, speed: 4, prio: module.PrioritySystem},
}

// BindStateMachine subscribes the manager to robot state changes so the
// strip mirrors the robot's mood. The emergency feedback uses SYSTEM
// priority so it passes the latched emergency filter.
func (m *Manager) BindStateMachine(machine *state.Machine) []state.Handle {
	if !m.cfg().LEDs.ContextColors {
		return nil
	}
	handles := make([]state.Handle, 0, len(contextColors))
	for st, cp := range contextColors {
		cp := cp
		handles = append(handles, machine.RegisterStateCallback(st, func(tr state.Transition) {
			col := colorful.Color{R: float64(cp.color.R) / 255, G: float64(cp.color.G) / 255, B: float64(cp.color.B) / 255}
			if _, err := m.submitPatternCtx(cp.pattern, Params{Color: col, Speed: cp.speed}, 0, cp.prio, "", true); err != nil {
				m.RecordError(fmt.Errorf("leds: context color for %s: %w", tr.To, err))
			}
		}))
	}
	return handles
}
