// SPDX-License-Identifier: MIT

package fusion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/g1dev/g1d/internal/bus"
	"github.com/g1dev/g1d/internal/config"
	"github.com/g1dev/g1d/internal/log"
	"github.com/g1dev/g1d/internal/metrics"
	"github.com/g1dev/g1d/internal/module"
)

var (
	// ErrUnknownSensor is returned for samples from sensors without a weight.
	ErrUnknownSensor = errors.New("fusion: unknown sensor")
	// ErrNoEstimate is returned before the first sample has been fused.
	ErrNoEstimate = errors.New("fusion: no estimate available yet")
)

const historyCap = 512

// ring is a bounded FIFO of samples; Push drops the oldest when full.
type ring struct {
	buf []Sample
	cap int
}

func (r *ring) push(s Sample) bool {
	dropped := false
	if len(r.buf) >= r.cap {
		r.buf = r.buf[1:]
		dropped = true
	}
	r.buf = append(r.buf, s)
	return dropped
}

// Engine is the sensor fusion supervisor.
type Engine struct {
	bus    *bus.Bus
	cfg    func() config.Config
	logger zerolog.Logger

	mu          sync.Mutex
	buffers     map[string]*ring
	lastSeen    map[string]time.Time
	timedOut    map[string]bool
	est         Estimator
	history     []Estimate
	initialized bool
	running     bool
	stop        chan struct{}
	done        chan struct{}
	samples     uint64
	dropped     uint64
}

// NewEngine wires the fusion supervisor. The estimator is chosen from the
// configuration at Initialize time.
func NewEngine(b *bus.Bus, cfg func() config.Config) *Engine {
	return &Engine{
		bus:    b,
		cfg:    cfg,
		logger: log.WithComponent("fusion"),
	}
}

func (e *Engine) Name() string { return "fusion" }

// Initialize allocates buffers for every weighted sensor.
func (e *Engine) Initialize(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return nil
	}
	cfg := e.cfg().Fusion
	e.buffers = make(map[string]*ring)
	e.lastSeen = make(map[string]time.Time)
	e.timedOut = make(map[string]bool)
	for sensor := range cfg.Weights {
		e.buffers[sensor] = &ring{cap: cfg.BufferSize}
	}
	switch cfg.Filter {
	case "kalman":
		e.est = NewKalmanFilter()
	default:
		e.est = NewComplementaryFilter(cfg.FilterGain)
	}
	e.history = nil
	e.initialized = true
	return nil
}

// Start launches the fuse and predict loops.
func (e *Engine) Start(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return fmt.Errorf("fusion: %w", module.ErrNotInitialized)
	}
	if e.running {
		return nil
	}
	e.running = true
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	go e.run(e.stop, e.done)
	e.logger.Info().Str("event", "fusion.started").Msg("fusion engine started")
	return nil
}

// Stop halts the loops.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	stop, done := e.stop, e.done
	e.mu.Unlock()

	close(stop)
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("fusion: stop: %w", ctx.Err())
	}
	e.logger.Info().Str("event", "fusion.stopped").Msg("fusion engine stopped")
	return nil
}

// Cleanup releases buffers so the engine can be re-initialized.
func (e *Engine) Cleanup() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("fusion: cleanup while running")
	}
	e.buffers = nil
	e.initialized = false
	return nil
}

// EmergencyStop keeps the engine running: pose estimation is passive and
// stays available for recovery.
func (e *Engine) EmergencyStop() {}

// Resume is a no-op; see EmergencyStop.
func (e *Engine) Resume() {}

// Status reports the uniform module snapshot. Health is the share of
// weighted sensors that delivered a sample within the timeout.
func (e *Engine) Status() module.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return module.Status{
		Name:        "fusion",
		Initialized: e.initialized,
		Running:     e.running,
		Health:      e.healthLocked(time.Now()),
		Stats:       module.Stats{Total: e.samples, Errors: e.dropped},
	}
}

// Health is the share of sensors currently alive.
func (e *Engine) Health() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthLocked(time.Now())
}

func (e *Engine) healthLocked(now time.Time) float64 {
	if len(e.buffers) == 0 {
		return 1.0
	}
	timeout := e.cfg().Fusion.SensorTimeout
	active := 0
	for sensor := range e.buffers {
		if seen, ok := e.lastSeen[sensor]; ok && now.Sub(seen) <= timeout {
			active++
		}
	}
	return float64(active) / float64(len(e.buffers))
}

// Ingest queues a sample for the next fuse tick.
func (e *Engine) Ingest(s Sample) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return fmt.Errorf("fusion: %w", module.ErrNotInitialized)
	}
	buf, ok := e.buffers[s.Sensor]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSensor, s.Sensor)
	}
	if s.When.IsZero() {
		s.When = time.Now()
	}
	if s.Confidence <= 0 {
		s.Confidence = 1
	}
	if buf.push(s) {
		e.dropped++
		metrics.FusionSamplesDropped.WithLabelValues(s.Sensor, "buffer_full").Inc()
	}
	e.samples++
	e.lastSeen[s.Sensor] = time.Now()
	if e.timedOut[s.Sensor] {
		delete(e.timedOut, s.Sensor)
		e.bus.Emit(bus.Event{
			Type:    "sensor_recovered",
			Source:  "fusion",
			Payload: map[string]any{"sensor": s.Sensor},
		})
	}
	return nil
}

func (e *Engine) run(stop, done chan struct{}) {
	defer close(done)
	cfg := e.cfg().Fusion

	fuse := time.NewTicker(time.Second / time.Duration(cfg.TickRateHz))
	defer fuse.Stop()
	predict := time.NewTicker(time.Second / time.Duration(cfg.PredictRateHz))
	defer predict.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-fuse.C:
			e.fuseTick(now)
		case now := <-predict.C:
			e.predictTick(now)
		}
	}
}

// fuseTick gates each sensor's queue against the tolerance window, blends
// the in-window measurements by weight and confidence, and updates the
// estimator.
func (e *Engine) fuseTick(now time.Time) {
	cfg := e.cfg().Fusion
	tol := cfg.SyncTolerance

	e.mu.Lock()
	type picked struct {
		sample Sample
		weight float64
	}
	var chosen []picked
	var weightSum float64

	for sensor, buf := range e.buffers {
		w := cfg.Weights[sensor]
		if w <= 0 {
			continue
		}
		var inWindow []Sample
		keep := buf.buf[:0]
		for _, s := range buf.buf {
			switch {
			case s.When.Before(now.Add(-tol)):
				// Too old to synchronize: discard.
				e.dropped++
				metrics.FusionSamplesDropped.WithLabelValues(sensor, "too_old").Inc()
			case s.When.After(now.Add(tol)):
				// From the future relative to this tick: keep queued.
				keep = append(keep, s)
			default:
				inWindow = append(inWindow, s)
			}
		}
		buf.buf = keep
		if len(inWindow) == 0 {
			continue
		}
		// Use the newest synchronized sample per sensor.
		s := inWindow[len(inWindow)-1]
		chosen = append(chosen, picked{sample: s, weight: w})
		weightSum += w * s.Confidence
	}

	e.checkTimeoutsLocked(now)

	if len(chosen) == 0 || weightSum == 0 {
		e.mu.Unlock()
		return
	}

	var combined Pose
	sources := make(map[string]float64, len(chosen))
	var confSum, confNorm float64
	for _, pk := range chosen {
		f := pk.weight * pk.sample.Confidence / weightSum
		p := pk.sample.Pose
		combined.X += f * p.X
		combined.Y += f * p.Y
		combined.Heading += f * p.Heading
		combined.VX += f * p.VX
		combined.VY += f * p.VY
		combined.Omega += f * p.Omega
		sources[pk.sample.Sensor] = f
		confSum += pk.weight * pk.sample.Confidence
		confNorm += pk.weight
	}
	est := e.est
	e.mu.Unlock()

	est.Update(combined, confSum/confNorm, now)
	metrics.FusionTicksTotal.Inc()

	snapshot := est.Estimate()
	snapshot.Sources = sources
	e.recordEstimate(snapshot)
}

func (e *Engine) predictTick(now time.Time) {
	e.mu.Lock()
	est := e.est
	e.mu.Unlock()
	if est == nil {
		return
	}
	est.Predict(now)
	if s := est.Estimate(); !s.When.IsZero() {
		e.recordEstimate(s)
	}
}

// checkTimeoutsLocked emits one event per sensor outage.
func (e *Engine) checkTimeoutsLocked(now time.Time) {
	timeout := e.cfg().Fusion.SensorTimeout
	for sensor := range e.buffers {
		seen, ok := e.lastSeen[sensor]
		if !ok || e.timedOut[sensor] {
			continue
		}
		if now.Sub(seen) > timeout {
			e.timedOut[sensor] = true
			e.logger.Warn().
				Str("event", "fusion.sensor_timeout").
				Str("sensor", sensor).
				Dur("silent_for", now.Sub(seen)).
				Msg("sensor went silent")
			e.bus.Emit(bus.Event{
				Type:    "sensor_timeout",
				Source:  "fusion",
				Payload: map[string]any{"sensor": sensor, "silent_ms": now.Sub(seen).Milliseconds()},
			})
		}
	}
}

func (e *Engine) recordEstimate(s Estimate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := len(e.history); n > 0 && !s.When.After(e.history[n-1].When) {
		return
	}
	e.history = append(e.history, s)
	if len(e.history) > historyCap {
		e.history = e.history[len(e.history)-historyCap:]
	}
}

// Latest returns the most recent estimate.
func (e *Engine) Latest() (Estimate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.history) == 0 {
		return Estimate{}, ErrNoEstimate
	}
	return e.history[len(e.history)-1], nil
}

// EstimateAt returns the estimate for an arbitrary time, interpolating
// between recorded estimates. Times outside the recorded range snap to the
// nearest endpoint.
func (e *Engine) EstimateAt(t time.Time) (Estimate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.history)
	if n == 0 {
		return Estimate{}, ErrNoEstimate
	}
	if !t.After(e.history[0].When) {
		return e.history[0], nil
	}
	if !t.Before(e.history[n-1].When) {
		return e.history[n-1], nil
	}

	i := sort.Search(n, func(i int) bool { return !e.history[i].When.Before(t) })
	a, b := e.history[i-1], e.history[i]
	span := b.When.Sub(a.When).Seconds()
	if span <= 0 {
		return b, nil
	}
	f := t.Sub(a.When).Seconds() / span
	lerp := func(x, y float64) float64 { return x + f*(y-x) }
	return Estimate{
		Pose: Pose{
			X:       lerp(a.Pose.X, b.Pose.X),
			Y:       lerp(a.Pose.Y, b.Pose.Y),
			Heading: lerp(a.Pose.Heading, b.Pose.Heading),
			VX:      lerp(a.Pose.VX, b.Pose.VX),
			VY:      lerp(a.Pose.VY, b.Pose.VY),
			Omega:   lerp(a.Pose.Omega, b.Pose.Omega),
		},
		When:       t,
		Confidence: lerp(a.Confidence, b.Confidence),
	}, nil
}

// History returns recorded estimates within [start, end], newest last. Zero
// start or end leaves that side open. limit bounds the result from the newest
// side; limit <= 0 means no bound.
func (e *Engine) History(start, end time.Time, limit int) []Estimate {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Estimate
	for _, est := range e.history {
		if !start.IsZero() && est.When.Before(start) {
			continue
		}
		if !end.IsZero() && est.When.After(end) {
			continue
		}
		out = append(out, est)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Sensors reports per-sensor liveness for status endpoints.
func (e *Engine) Sensors() map[string]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	timeout := e.cfg().Fusion.SensorTimeout
	now := time.Now()
	out := make(map[string]bool, len(e.buffers))
	for sensor := range e.buffers {
		seen, ok := e.lastSeen[sensor]
		out[sensor] = ok && now.Sub(seen) <= timeout
	}
	return out
}
