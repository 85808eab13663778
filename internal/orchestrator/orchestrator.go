// SPDX-License-Identifier: MIT

// Package orchestrator owns module lifecycle: enrollment, the init quorum,
// the supervisory monitors, emergency stop propagation and ordered shutdown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/g1dev/g1d/internal/bus"
	"github.com/g1dev/g1d/internal/config"
	"github.com/g1dev/g1d/internal/log"
	"github.com/g1dev/g1d/internal/metrics"
	"github.com/g1dev/g1d/internal/module"
	"github.com/g1dev/g1d/internal/state"
)

// initQuorum is the share of modules that must initialize for the robot to
// reach IDLE.
const initQuorum = 0.8

// System health thresholds driving the supervisory monitor.
const (
	healthWarnBelow      = 0.5
	healthEmergencyBelow = 0.3
	moduleFailedBelow    = 0.5
)

var (
	// ErrQuorumNotReached is returned when too few modules initialize.
	ErrQuorumNotReached = errors.New("orchestrator: init quorum not reached")
	// ErrNotIdle is returned by Start when the robot is not in IDLE.
	ErrNotIdle = errors.New("orchestrator: robot is not idle")
	// ErrNotRunning is returned by Shutdown before Start.
	ErrNotRunning = errors.New("orchestrator: not running")
)

// ShutdownHook runs during shutdown. Hooks execute in reverse registration
// order (LIFO).
type ShutdownHook func(ctx context.Context) error

type namedHook struct {
	name string
	hook ShutdownHook
}

// Orchestrator supervises the registered modules.
type Orchestrator struct {
	machine *state.Machine
	bus     *bus.Bus
	cfg     func() config.Config
	logger  zerolog.Logger

	mu       sync.Mutex
	modules  []module.Module
	enrolled map[string]bool
	hooks    []namedHook
	running  bool
	stopping bool
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// New builds an orchestrator around the shared state machine and event bus.
func New(machine *state.Machine, b *bus.Bus, cfg func() config.Config) *Orchestrator {
	return &Orchestrator{
		machine:  machine,
		bus:      b,
		cfg:      cfg,
		logger:   log.WithComponent("orchestrator"),
		enrolled: make(map[string]bool),
	}
}

// Register enrolls a module. Modules start in the order registered and stop
// in reverse order. Registration after Start is rejected.
func (o *Orchestrator) Register(m module.Module) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return errors.New("orchestrator: register after start")
	}
	if o.enrolled[m.Name()] {
		return fmt.Errorf("orchestrator: module %q already registered", m.Name())
	}
	o.modules = append(o.modules, m)
	o.enrolled[m.Name()] = true
	o.machine.RegisterModule(m.Name())
	return nil
}

// RegisterShutdownHook adds a cleanup step executed LIFO during Shutdown.
func (o *Orchestrator) RegisterShutdownHook(name string, hook ShutdownHook) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks = append(o.hooks, namedHook{name: name, hook: hook})
}

// Initialize initializes every registered module and applies the quorum: the
// robot reaches IDLE only if at least 80% of modules initialized, otherwise
// it enters ERROR.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	modules := append([]module.Module(nil), o.modules...)
	o.mu.Unlock()

	ok := 0
	var errs []error
	for _, m := range modules {
		if err := m.Initialize(ctx); err != nil {
			o.logger.Error().
				Err(err).
				Str("event", "orchestrator.module_init_failed").
				Str("module", m.Name()).
				Msg("module failed to initialize")
			_ = o.machine.UpdateModuleStatus(m.Name(), state.ModuleError, 0, map[string]string{"error": err.Error()})
			errs = append(errs, fmt.Errorf("%s: %w", m.Name(), err))
			continue
		}
		_ = o.machine.UpdateModuleStatus(m.Name(), state.ModuleReady, 1, nil)
		ok++
	}

	if len(modules) > 0 && float64(ok) < initQuorum*float64(len(modules)) {
		meta := map[string]string{"reason": "init_quorum", "initialized": fmt.Sprintf("%d/%d", ok, len(modules))}
		if err := o.machine.Transition(state.ErrorState, meta); err != nil {
			o.logger.Error().Err(err).Str("event", "orchestrator.transition_failed").Msg("could not enter ERROR")
		}
		return fmt.Errorf("%w: %d/%d initialized: %w", ErrQuorumNotReached, ok, len(modules), errors.Join(errs...))
	}

	if err := o.machine.Transition(state.Idle, map[string]string{"initialized": fmt.Sprintf("%d/%d", ok, len(modules))}); err != nil {
		return fmt.Errorf("orchestrator: enter idle: %w", err)
	}
	o.logger.Info().
		Str("event", "orchestrator.initialized").
		Int("modules", len(modules)).
		Int("ok", ok).
		Msg("modules initialized")
	return errors.Join(errs...)
}

// Start starts every module in registration order and launches the
// supervisory monitors. The robot moves IDLE -> ACTIVE.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.machine.Current() != state.Idle {
		return fmt.Errorf("%w: in %s", ErrNotIdle, o.machine.Current())
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	modules := append([]module.Module(nil), o.modules...)
	o.mu.Unlock()

	var started []module.Module
	for _, m := range modules {
		if err := m.Start(ctx); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				_ = started[i].Stop(ctx)
			}
			return fmt.Errorf("orchestrator: start %s: %w", m.Name(), err)
		}
		started = append(started, m)
		_ = o.machine.UpdateModuleStatus(m.Name(), state.ModuleActive, m.Status().Health, nil)
	}

	if err := o.machine.Transition(state.Active, nil); err != nil {
		return fmt.Errorf("orchestrator: enter active: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error { return o.eventMonitor(groupCtx) })
	group.Go(func() error { return o.healthMonitor(groupCtx) })
	group.Go(func() error { return o.performanceMonitor(groupCtx) })

	o.mu.Lock()
	o.running = true
	o.cancel = cancel
	o.group = group
	o.mu.Unlock()

	o.logger.Info().Str("event", "orchestrator.started").Int("modules", len(modules)).Msg("orchestrator started")
	return nil
}

// eventMonitor mirrors bus traffic into debug logs so every event has one
// consumer even with no API clients connected.
func (o *Orchestrator) eventMonitor(ctx context.Context) error {
	sub := o.bus.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			o.logger.Debug().
				Str("event", "bus.observed").
				Str("type", e.Type).
				Str("source", e.Source).
				Str("correlation", e.Correlation).
				Msg("bus event")
		}
	}
}

// healthMonitor polls module health, pushes it into the state registry and
// escalates: warn below 0.5, emergency stop below 0.3.
func (o *Orchestrator) healthMonitor(ctx context.Context) error {
	interval := o.cfg().Performance.HealthCheckInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.checkHealth()
		}
	}
}

func (o *Orchestrator) checkHealth() {
	o.mu.Lock()
	modules := append([]module.Module(nil), o.modules...)
	o.mu.Unlock()

	for _, m := range modules {
		st := m.Status()
		ms := state.ModuleActive
		switch {
		case !st.Initialized:
			ms = state.ModuleOffline
		case st.Health < moduleFailedBelow:
			ms = state.ModuleError
		case !st.Running:
			ms = state.ModuleReady
		}
		_ = o.machine.UpdateModuleStatus(m.Name(), ms, st.Health, nil)
	}

	health := o.machine.SystemHealth()
	metrics.SystemHealth.Set(health)

	switch {
	case health < healthEmergencyBelow:
		o.logger.Error().
			Str("event", "orchestrator.health_critical").
			Float64("health", health).
			Strs("failed", o.machine.FailedModules()).
			Msg("system health critical, forcing emergency stop")
		o.EmergencyStop(fmt.Sprintf("system health %.2f below %.2f", health, healthEmergencyBelow))
	case health < healthWarnBelow:
		o.logger.Warn().
			Str("event", "orchestrator.health_degraded").
			Float64("health", health).
			Strs("failed", o.machine.FailedModules()).
			Msg("system health degraded")
	}
}

// performanceMonitor periodically logs queue depths and health so slow
// drift is visible in the logs.
func (o *Orchestrator) performanceMonitor(ctx context.Context) error {
	interval := o.cfg().Performance.PerformanceLogInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.mu.Lock()
			modules := append([]module.Module(nil), o.modules...)
			o.mu.Unlock()

			ev := o.logger.Info().Str("event", "orchestrator.performance")
			for _, m := range modules {
				st := m.Status()
				ev = ev.Int(m.Name()+"_queue", st.QueueSize).Float64(m.Name()+"_health", st.Health)
			}
			ev.Float64("system_health", o.machine.SystemHealth()).Msg("performance snapshot")
		}
	}
}

// EmergencyStop forces the state machine into EMERGENCY_STOP and propagates
// the stop to every module. Idempotent while stopped.
func (o *Orchestrator) EmergencyStop(reason string) {
	start := time.Now()
	if err := o.machine.ForceEmergencyStop(reason); err != nil {
		o.logger.Error().Err(err).Str("event", "orchestrator.estop_failed").Msg("emergency stop rejected by state machine")
		return
	}

	o.mu.Lock()
	modules := append([]module.Module(nil), o.modules...)
	o.mu.Unlock()
	for _, m := range modules {
		m.EmergencyStop()
	}

	o.bus.Emit(bus.Event{
		Type:    "emergency_stop",
		Source:  "orchestrator",
		Payload: map[string]any{"reason": reason, "latency_ms": time.Since(start).Milliseconds()},
	})
	o.logger.Warn().
		Str("event", "orchestrator.emergency_stop").
		Str("reason", reason).
		Dur("latency", time.Since(start)).
		Msg("emergency stop propagated")
}

// Resume clears the emergency latch on every module and returns to IDLE.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	modules := append([]module.Module(nil), o.modules...)
	o.mu.Unlock()
	for _, m := range modules {
		m.Resume()
	}
	if o.machine.Current() == state.EmergencyStop {
		if err := o.machine.Transition(state.Idle, map[string]string{"reason": "resume"}); err != nil {
			return fmt.Errorf("orchestrator: resume: %w", err)
		}
	}
	o.bus.Emit(bus.Event{Type: "resumed", Source: "orchestrator"})
	o.logger.Info().Str("event", "orchestrator.resumed").Msg("emergency stop cleared")
	return nil
}

// Shutdown stops monitors, stops modules in reverse registration order,
// runs the LIFO hooks and moves the robot to SHUTDOWN.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.stopping {
		o.mu.Unlock()
		return nil
	}
	if !o.running {
		o.mu.Unlock()
		return ErrNotRunning
	}
	o.stopping = true
	cancel := o.cancel
	group := o.group
	modules := append([]module.Module(nil), o.modules...)
	hooks := append([]namedHook(nil), o.hooks...)
	o.mu.Unlock()

	o.logger.Info().Str("event", "orchestrator.shutdown_start").Msg("shutting down")

	cancel()
	_ = group.Wait()

	shutdownCtx, cancelTimeout := context.WithTimeout(context.WithoutCancel(ctx), o.cfg().Network.ShutdownTimeout)
	defer cancelTimeout()

	var errs []error
	for i := len(modules) - 1; i >= 0; i-- {
		m := modules[i]
		if err := m.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", m.Name(), err))
		}
		if err := m.Cleanup(); err != nil {
			errs = append(errs, fmt.Errorf("cleanup %s: %w", m.Name(), err))
		}
		_ = o.machine.UpdateModuleStatus(m.Name(), state.ModuleOffline, 0, nil)
	}

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		start := time.Now()
		if err := h.hook(shutdownCtx); err != nil {
			o.logger.Error().
				Err(err).
				Str("event", "orchestrator.hook_failed").
				Str("hook", h.name).
				Dur("duration", time.Since(start)).
				Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
		}
	}

	// Reach SHUTDOWN through whatever edge the current state offers.
	if cur := o.machine.Current(); !cur.IsTerminal() {
		meta := map[string]string{"reason": "shutdown"}
		if !o.machine.CanTransition(state.Shutdown) {
			if o.machine.CanTransition(state.Idle) {
				_ = o.machine.Transition(state.Idle, meta)
			}
		}
		if err := o.machine.Transition(state.Shutdown, meta); err != nil {
			errs = append(errs, fmt.Errorf("enter shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("orchestrator: shutdown: %w", errors.Join(errs...))
	}
	o.logger.Info().Str("event", "orchestrator.shutdown_complete").Msg("shutdown complete")
	return nil
}

// Status returns the machine snapshot plus per-module detail.
type Status struct {
	State   state.Snapshot           `json:"state"`
	Modules map[string]module.Status `json:"modules"`
}

// Status reports the aggregate system view for the API.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	modules := append([]module.Module(nil), o.modules...)
	o.mu.Unlock()

	out := Status{
		State:   o.machine.StateInfo(),
		Modules: make(map[string]module.Status, len(modules)),
	}
	for _, m := range modules {
		out.Modules[m.Name()] = m.Status()
	}
	return out
}
