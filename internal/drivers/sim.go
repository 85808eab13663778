// SPDX-License-Identifier: MIT

package drivers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrVideoNotSupported is returned by the simulated capture for operations
// the simulation cannot provide.
var ErrVideoNotSupported = errors.New("video capture not supported in simulation")

// simSleep waits for d respecting cancellation.
func simSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SimTTS approximates synthesis duration from text length (~12 chars/sec).
type SimTTS struct{}

func (SimTTS) Synthesize(ctx context.Context, text, _ string) error {
	d := time.Duration(len(text)) * time.Second / 12
	if d < 50*time.Millisecond {
		d = 50 * time.Millisecond
	}
	return simSleep(ctx, d)
}

// SimASR blocks for the capture window and returns a fixed transcript.
type SimASR struct{}

func (SimASR) Recognize(ctx context.Context, window time.Duration) (Transcript, error) {
	if window <= 0 {
		window = time.Second
	}
	if err := simSleep(ctx, window); err != nil {
		return Transcript{Success: false, Error: err.Error()}, err
	}
	return Transcript{Success: true, Text: "simulated transcript", Confidence: 0.9, Language: "en"}, nil
}

// SimAudioDevice keeps the volume in memory.
type SimAudioDevice struct {
	mu     sync.Mutex
	volume int
}

func NewSimAudioDevice() *SimAudioDevice {
	return &SimAudioDevice{volume: 50}
}

func (d *SimAudioDevice) SetVolume(level int) error {
	if level < 0 || level > 100 {
		return fmt.Errorf("volume %d out of range [0,100]", level)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.volume = level
	return nil
}

func (d *SimAudioDevice) Volume() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.volume, nil
}

// SimLocomotion sleeps for the motion duration.
type SimLocomotion struct{}

func (SimLocomotion) Move(ctx context.Context, _, _, _ float64, duration time.Duration) error {
	if duration <= 0 {
		duration = 100 * time.Millisecond
	}
	return simSleep(ctx, duration)
}

func (SimLocomotion) Halt() error { return nil }

// SimArm executes named actions with a fixed latency.
type SimArm struct{}

func (SimArm) Execute(ctx context.Context, side, action string, _ map[string]float64) error {
	if side != "left" && side != "right" && side != "both" {
		return fmt.Errorf("unknown arm side %q", side)
	}
	if action == "" {
		return errors.New("arm action is empty")
	}
	return simSleep(ctx, 150*time.Millisecond)
}

func (SimArm) Halt() error { return nil }

// SimLEDStrip records the last applied color.
type SimLEDStrip struct {
	mu         sync.Mutex
	current    Color
	brightness int
	on         bool
}

func NewSimLEDStrip() *SimLEDStrip {
	return &SimLEDStrip{brightness: 100}
}

func (s *SimLEDStrip) Apply(c Color) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = c
	s.on = true
	return nil
}

func (s *SimLEDStrip) SetBrightness(level int) error {
	if level < 0 || level > 100 {
		return fmt.Errorf("brightness %d out of range [0,100]", level)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.brightness = level
	return nil
}

func (s *SimLEDStrip) Off() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = Color{}
	s.on = false
	return nil
}

// State returns the currently applied color for tests and status reporting.
func (s *SimLEDStrip) State() (Color, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.brightness, s.on
}

// SimVideoCapture accepts stream start/stop but cannot produce frames.
type SimVideoCapture struct {
	mu        sync.Mutex
	streaming bool
	source    string
}

func (v *SimVideoCapture) StartStream(_ context.Context, source, _ string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.streaming = true
	v.source = source
	return nil
}

func (v *SimVideoCapture) StopStream() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.streaming = false
	return nil
}

func (v *SimVideoCapture) Snapshot(context.Context) ([]byte, error) {
	return nil, ErrVideoNotSupported
}

// Streaming reports whether a stream is active.
func (v *SimVideoCapture) Streaming() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.streaming
}
