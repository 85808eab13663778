// SPDX-License-Identifier: MIT

package module

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/g1dev/g1d/internal/bus"
	"github.com/g1dev/g1d/internal/log"
	"github.com/g1dev/g1d/internal/metrics"
)

var (
	// ErrNotInitialized is returned by Start before Initialize (or after Cleanup).
	ErrNotInitialized = errors.New("module not initialized")
	// ErrStopped is returned by Start after Stop; Cleanup and re-Initialize first.
	ErrStopped = errors.New("module stopped; re-initialize before starting")
)

// Module is the uniform lifecycle contract implemented by every manager.
// Order: Initialize -> Start -> (operate) -> Stop -> Cleanup. Re-Initialize
// after Cleanup is allowed. Start and Stop are idempotent.
type Module interface {
	Name() string
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Cleanup() error
	Status() Status
	EmergencyStop()
	Resume()
}

// ExecFunc executes a single command to completion. It must honor ctx
// cancellation: the deadline carries the command's deadline and cancellation
// signals an emergency abort.
type ExecFunc func(ctx context.Context, cmd Command) (map[string]any, error)

// Base supplies the lifecycle bookkeeping, health accounting and the single
// command worker shared by all actuator managers. Exactly one worker drains
// the queue, which is what guarantees single-writer access to the actuator.
type Base struct {
	name string
	bus  *bus.Bus
	exec ExecFunc

	mu          sync.Mutex
	queue       *Queue
	initialized bool
	running     bool
	stopped     bool
	emergency   bool
	lastErr     error
	stats       Stats
	inFlight    context.CancelFunc
	workerDone  chan struct{}

	logger zerolog.Logger
}

// NewBase wires a manager skeleton. exec is invoked by the worker for every
// dequeued command.
func NewBase(name string, b *bus.Bus, exec ExecFunc) *Base {
	return &Base{
		name:   name,
		bus:    b,
		exec:   exec,
		logger: log.WithComponent(name),
	}
}

func (b *Base) Name() string { return b.name }

// Initialize prepares the queue. Idempotent while initialized.
func (b *Base) Initialize(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return nil
	}
	b.queue = NewQueue()
	b.initialized = true
	b.stopped = false
	b.logger.Debug().Str("event", "module.initialized").Msg("module initialized")
	return nil
}

// Start launches the command worker. Start after Start is a no-op.
func (b *Base) Start(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return fmt.Errorf("%s: %w", b.name, ErrNotInitialized)
	}
	if b.stopped {
		return fmt.Errorf("%s: %w", b.name, ErrStopped)
	}
	if b.running {
		return nil
	}
	b.running = true
	b.workerDone = make(chan struct{})
	go b.worker(b.queue, b.workerDone)
	b.logger.Info().Str("event", "module.started").Msg("module started")
	return nil
}

// Stop closes the queue and waits for the worker to drain. Stop after Stop
// is a no-op.
func (b *Base) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.stopped = true
	queue := b.queue
	done := b.workerDone
	cancel := b.inFlight
	b.mu.Unlock()

	queue.Close()
	if cancel != nil {
		cancel()
	}

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("%s: stop: %w", b.name, ctx.Err())
	}
	b.logger.Info().Str("event", "module.stopped").Msg("module stopped")
	return nil
}

// Cleanup releases the queue so the module can be re-initialized.
func (b *Base) Cleanup() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("%s: cleanup while running", b.name)
	}
	b.queue = nil
	b.initialized = false
	b.emergency = false
	b.logger.Debug().Str("event", "module.cleaned_up").Msg("module cleaned up")
	return nil
}

// Submit enqueues a command for the worker. The command ID is assigned here
// when unset.
func (b *Base) Submit(cmd Command) (uint64, error) {
	b.mu.Lock()
	if !b.initialized || b.queue == nil {
		b.mu.Unlock()
		return 0, fmt.Errorf("%s: %w", b.name, ErrNotInitialized)
	}
	queue := b.queue
	b.mu.Unlock()

	if cmd.ID == 0 {
		cmd.ID = NextCommandID()
	}
	if err := queue.Submit(cmd); err != nil {
		return 0, fmt.Errorf("%s: %w", b.name, err)
	}
	metrics.CommandQueueDepth.WithLabelValues(b.name).Set(float64(queue.Len()))
	return cmd.ID, nil
}

// QueueLen returns the current queue depth (0 when not initialized).
func (b *Base) QueueLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queue == nil {
		return 0
	}
	return b.queue.Len()
}

// worker drains the queue until it is closed. There is never more than one
// worker per manager.
func (b *Base) worker(q *Queue, done chan struct{}) {
	defer close(done)
	for {
		cmd, ok := q.Pop()
		if !ok {
			return
		}
		b.runCommand(cmd)
		metrics.CommandQueueDepth.WithLabelValues(b.name).Set(float64(q.Len()))
	}
}

func (b *Base) runCommand(cmd Command) {
	start := time.Now()

	ctx := context.Background()
	var cancel context.CancelFunc
	if !cmd.Deadline.IsZero() {
		ctx, cancel = context.WithDeadline(ctx, cmd.Deadline)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	b.mu.Lock()
	b.inFlight = cancel
	emergencyAtStart := b.emergency
	b.mu.Unlock()

	var (
		data map[string]any
		err  error
	)
	if emergencyAtStart && cmd.Priority < PriorityEmergency {
		err = ErrEmergencyActive
	} else {
		data, err = b.exec(ctx, cmd)
	}
	cancel()
	duration := time.Since(start)

	b.mu.Lock()
	b.inFlight = nil
	b.stats.Total++
	b.stats.LastKind = cmd.Kind
	reason := ""
	if err != nil {
		b.stats.Errors++
		b.lastErr = err
		b.stats.LastError = err.Error()
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			b.stats.Timeouts++
			reason = "timeout"
		case errors.Is(err, context.Canceled) && b.emergency,
			errors.Is(err, ErrEmergencyActive):
			reason = "emergency"
		default:
			reason = "error"
		}
	}
	b.mu.Unlock()

	result := Result{CommandID: cmd.ID, Kind: cmd.Kind, Err: err, Duration: duration, Data: data}
	if err == nil {
		metrics.CommandsTotal.WithLabelValues(b.name, cmd.Kind, "completed").Inc()
		b.emitResult(cmd, cmd.Kind+"_completed", data, "")
	} else {
		metrics.CommandsTotal.WithLabelValues(b.name, cmd.Kind, reason).Inc()
		b.logger.Warn().
			Err(err).
			Str("event", "command.failed").
			Str("kind", cmd.Kind).
			Uint64("command_id", cmd.ID).
			Str("reason", reason).
			Msg("command failed")
		payload := map[string]any{"error": err.Error(), "reason": reason}
		b.emitResult(cmd, cmd.Kind+"_error", payload, reason)
	}
	if cmd.OnDone != nil {
		cmd.OnDone(result)
	}
}

func (b *Base) emitResult(cmd Command, eventType string, data map[string]any, reason string) {
	payload := map[string]any{"command_id": cmd.ID}
	for k, v := range data {
		payload[k] = v
	}
	if reason != "" {
		payload["reason"] = reason
	}
	b.bus.Emit(bus.Event{
		Type:        eventType,
		Source:      b.name,
		Correlation: cmd.Correlation,
		Payload:     payload,
	})
}

// Emit publishes an auxiliary event on behalf of the manager.
func (b *Base) Emit(eventType string, correlation string, payload map[string]any) {
	b.bus.Emit(bus.Event{Type: eventType, Source: b.name, Correlation: correlation, Payload: payload})
}

// EmergencyStop latches the emergency filter, flushes queued non-emergency
// commands and aborts the in-flight command.
func (b *Base) EmergencyStop() {
	b.mu.Lock()
	b.emergency = true
	queue := b.queue
	cancel := b.inFlight
	b.mu.Unlock()

	if queue != nil {
		flushed := queue.SetEmergency(true)
		for _, cmd := range flushed {
			b.mu.Lock()
			b.stats.Flushed++
			b.mu.Unlock()
			payload := map[string]any{"reason": "emergency", "error": "command flushed by emergency stop"}
			b.emitResult(cmd, cmd.Kind+"_error", payload, "emergency")
			if cmd.OnDone != nil {
				cmd.OnDone(Result{CommandID: cmd.ID, Kind: cmd.Kind, Err: ErrEmergencyActive})
			}
		}
		metrics.CommandQueueDepth.WithLabelValues(b.name).Set(float64(queue.Len()))
	}
	if cancel != nil {
		cancel()
	}
	b.logger.Warn().Str("event", "module.emergency_stop").Msg("emergency stop latched")
}

// Abort cancels the in-flight command without touching the queue or the
// emergency filter. Used to interrupt a running actuator action.
func (b *Base) Abort() {
	b.mu.Lock()
	cancel := b.inFlight
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Resume clears the emergency filter so normal commands are accepted again.
func (b *Base) Resume() {
	b.mu.Lock()
	b.emergency = false
	queue := b.queue
	b.mu.Unlock()
	if queue != nil {
		queue.SetEmergency(false)
	}
	b.logger.Info().Str("event", "module.resumed").Msg("emergency stop cleared")
}

// EmergencyActive reports whether the emergency filter is latched.
func (b *Base) EmergencyActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.emergency
}

// Health maps the moving error rate onto the coarse health scale.
func (b *Base) Health() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return healthFromStats(b.stats)
}

func healthFromStats(s Stats) float64 {
	total := s.Total
	if total == 0 {
		total = 1
	}
	rate := float64(s.Errors) / float64(total)
	switch {
	case rate < 0.1:
		return 1.0
	case rate < 0.3:
		return 0.7
	default:
		return 0.3
	}
}

// Status reports the uniform health snapshot.
func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{
		Name:            b.name,
		Initialized:     b.initialized,
		Running:         b.running,
		Health:          healthFromStats(b.stats),
		EmergencyActive: b.emergency,
		Stats:           b.stats,
	}
	if b.lastErr != nil {
		st.LastError = b.lastErr.Error()
	}
	if b.queue != nil {
		st.QueueSize = b.queue.Len()
	}
	return st
}

// RecordError lets managers account failures that occur outside the worker
// (for example a background engine fault).
func (b *Base) RecordError(err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Total++
	b.stats.Errors++
	b.lastErr = err
	b.stats.LastError = err.Error()
}
