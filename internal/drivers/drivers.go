// SPDX-License-Identifier: MIT

// Package drivers defines the ports to the vendor SDKs that actually touch
// hardware. Every port has a simulation implementation so the daemon runs
// without a robot attached; the concrete implementation is chosen at
// construction time.
package drivers

import (
	"context"
	"time"
)

// Transcript is the result of one speech recognition run.
type Transcript struct {
	Success    bool    `json:"success"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	Error      string  `json:"error,omitempty"`
}

// TTSEngine synthesizes speech. Synthesize blocks until playback completes
// or ctx is cancelled.
type TTSEngine interface {
	Synthesize(ctx context.Context, text, voiceID string) error
}

// ASREngine captures audio and produces a transcript. Recognize blocks for
// the capture window or until ctx is cancelled.
type ASREngine interface {
	Recognize(ctx context.Context, window time.Duration) (Transcript, error)
}

// AudioDevice controls the speaker hardware volume.
type AudioDevice interface {
	SetVolume(level int) error
	Volume() (int, error)
}

// Locomotion drives the chassis. Move blocks for the motion duration or
// until ctx is cancelled; Halt stops all wheel motion immediately.
type Locomotion interface {
	Move(ctx context.Context, vx, vy, omega float64, duration time.Duration) error
	Halt() error
}

// Arm drives one of the manipulators.
type Arm interface {
	Execute(ctx context.Context, side, action string, params map[string]float64) error
	Halt() error
}

// Color is a single RGB value.
type Color struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// LEDStrip drives the RGB feedback hardware.
type LEDStrip interface {
	Apply(c Color) error
	SetBrightness(level int) error
	Off() error
}

// VideoCapture controls the camera pipeline.
type VideoCapture interface {
	StartStream(ctx context.Context, source, quality string) error
	StopStream() error
	Snapshot(ctx context.Context) ([]byte, error)
}
