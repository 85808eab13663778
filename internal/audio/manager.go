// SPDX-License-Identifier: MIT

// Package audio implements the speech manager: text-to-speech, speech
// recognition and speaker volume, serialized through the manager's single
// command worker.
package audio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/g1dev/g1d/internal/bus"
	"github.com/g1dev/g1d/internal/config"
	"github.com/g1dev/g1d/internal/drivers"
	"github.com/g1dev/g1d/internal/module"
)

// Command kinds accepted by the manager.
const (
	KindTTS       = "tts"
	KindASR       = "asr"
	KindSetVolume = "set_volume"
)

var (
	// ErrEmptyText is returned for speak requests without text.
	ErrEmptyText = errors.New("speak: text is empty")
	// ErrTextTooLong is returned when text exceeds the configured maximum.
	ErrTextTooLong = errors.New("speak: text exceeds configured maximum length")
	// ErrLowConfidence is returned when a transcript falls below the
	// configured confidence threshold.
	ErrLowConfidence = errors.New("listen: transcript below confidence threshold")
)

// Manager is the audio actuator manager.
type Manager struct {
	*module.Base
	tts drivers.TTSEngine
	asr drivers.ASREngine
	dev drivers.AudioDevice
	cfg func() config.Config
}

// NewManager wires the audio manager. cfg is read per command so hot reload
// applies immediately.
func NewManager(b *bus.Bus, tts drivers.TTSEngine, asr drivers.ASREngine, dev drivers.AudioDevice, cfg func() config.Config) *Manager {
	m := &Manager{tts: tts, asr: asr, dev: dev, cfg: cfg}
	m.Base = module.NewBase("audio", b, m.exec)
	return m
}

func (m *Manager) exec(ctx context.Context, cmd module.Command) (map[string]any, error) {
	switch cmd.Kind {
	case KindTTS:
		return m.execSpeak(ctx, cmd)
	case KindASR:
		return m.execListen(ctx, cmd)
	case KindSetVolume:
		return m.execSetVolume(cmd)
	default:
		return nil, fmt.Errorf("audio: unknown command kind %q", cmd.Kind)
	}
}

func (m *Manager) execSpeak(ctx context.Context, cmd module.Command) (map[string]any, error) {
	text, _ := cmd.Payload["text"].(string)
	voice, _ := cmd.Payload["voice"].(string)
	if voice == "" {
		voice = m.cfg().Audio.DefaultVoice
	}
	if err := m.tts.Synthesize(ctx, text, voice); err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	return map[string]any{"text": text, "voice": voice, "chars": len(text)}, nil
}

func (m *Manager) execListen(ctx context.Context, cmd module.Command) (map[string]any, error) {
	window, _ := cmd.Payload["window"].(time.Duration)
	if window <= 0 {
		window = m.cfg().Audio.ListenTimeout
	}
	tr, err := m.asr.Recognize(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("recognize: %w", err)
	}
	if !tr.Success {
		return nil, fmt.Errorf("recognize: %s", tr.Error)
	}
	if tr.Confidence < m.cfg().AI.ConfidenceThreshold {
		return nil, fmt.Errorf("%w: %.2f", ErrLowConfidence, tr.Confidence)
	}
	return map[string]any{
		"text":       tr.Text,
		"confidence": tr.Confidence,
		"language":   tr.Language,
	}, nil
}

func (m *Manager) execSetVolume(cmd module.Command) (map[string]any, error) {
	level, ok := cmd.Payload["level"].(int)
	if !ok {
		return nil, errors.New("set_volume: missing level")
	}
	if err := m.dev.SetVolume(level); err != nil {
		return nil, err
	}
	// Notifications carry the volume as a fraction of full scale.
	m.Emit("volume_changed", cmd.Correlation, map[string]any{"volume": float64(level) / 100})
	return map[string]any{"level": level}, nil
}

// Speak enqueues a text-to-speech command.
func (m *Manager) Speak(text, voice string, prio module.Priority, correlation string) (uint64, error) {
	if text == "" {
		return 0, ErrEmptyText
	}
	if limit := m.cfg().Audio.MaxSpeechLength; len(text) > limit {
		return 0, fmt.Errorf("%w (%d > %d)", ErrTextTooLong, len(text), limit)
	}
	return m.Submit(module.Command{
		Kind:        KindTTS,
		Priority:    prio,
		Payload:     map[string]any{"text": text, "voice": voice},
		Correlation: correlation,
	})
}

// Listen enqueues a speech recognition command for the given capture window.
func (m *Manager) Listen(window time.Duration, prio module.Priority, correlation string) (uint64, error) {
	return m.Submit(module.Command{
		Kind:        KindASR,
		Priority:    prio,
		Payload:     map[string]any{"window": window},
		Correlation: correlation,
	})
}

// SetVolume enqueues a volume change so it serializes with playback.
func (m *Manager) SetVolume(level int, correlation string) (uint64, error) {
	if level < 0 || level > 100 {
		return 0, fmt.Errorf("volume %d out of range [0,100]", level)
	}
	return m.Submit(module.Command{
		Kind:        KindSetVolume,
		Priority:    module.PriorityNormal,
		Payload:     map[string]any{"level": level},
		Correlation: correlation,
	})
}

// Volume reads the current speaker volume directly from the device.
func (m *Manager) Volume() (int, error) {
	return m.dev.Volume()
}

// StopPlayback interrupts the in-flight audio command, if any.
func (m *Manager) StopPlayback() {
	m.Abort()
}
