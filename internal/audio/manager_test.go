// SPDX-License-Identifier: MIT

package audio

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g1dev/g1d/internal/bus"
	"github.com/g1dev/g1d/internal/config"
	"github.com/g1dev/g1d/internal/drivers"
	"github.com/g1dev/g1d/internal/module"
)

type stubASR struct {
	tr drivers.Transcript
}

func (s stubASR) Recognize(context.Context, time.Duration) (drivers.Transcript, error) {
	return s.tr, nil
}

func newTestManager(t *testing.T, asr drivers.ASREngine) (*Manager, *bus.Bus) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)
	if asr == nil {
		asr = drivers.SimASR{}
	}
	m := NewManager(b, drivers.SimTTS{}, asr, drivers.NewSimAudioDevice(), config.Default)
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))
	require.NoError(t, m.Start(ctx))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m, b
}

func TestSpeakEmitsCompletion(t *testing.T) {
	m, b := newTestManager(t, nil)
	sub := b.Subscribe("tts_completed")
	defer sub.Close()

	id, err := m.Speak("hello there", "", module.PriorityNormal, "req-1")
	require.NoError(t, err)

	select {
	case e := <-sub.C():
		assert.Equal(t, "req-1", e.Correlation)
		assert.Equal(t, id, e.Payload["command_id"])
		assert.Equal(t, "hello there", e.Payload["text"])
		assert.Equal(t, "default", e.Payload["voice"], "empty voice falls back to config")
	case <-time.After(3 * time.Second):
		t.Fatal("no tts_completed event")
	}
}

func TestSpeakValidation(t *testing.T) {
	m, _ := newTestManager(t, nil)

	_, err := m.Speak("", "", module.PriorityNormal, "")
	assert.ErrorIs(t, err, ErrEmptyText)

	long := strings.Repeat("x", config.Default().Audio.MaxSpeechLength+1)
	_, err = m.Speak(long, "", module.PriorityNormal, "")
	assert.ErrorIs(t, err, ErrTextTooLong)
}

func TestListenTranscript(t *testing.T) {
	m, b := newTestManager(t, stubASR{tr: drivers.Transcript{
		Success: true, Text: "turn left", Confidence: 0.92, Language: "en",
	}})
	sub := b.Subscribe("asr_completed")
	defer sub.Close()

	_, err := m.Listen(50*time.Millisecond, module.PriorityNormal, "")
	require.NoError(t, err)

	select {
	case e := <-sub.C():
		assert.Equal(t, "turn left", e.Payload["text"])
		assert.Equal(t, 0.92, e.Payload["confidence"])
	case <-time.After(3 * time.Second):
		t.Fatal("no asr_completed event")
	}
}

func TestListenRejectsLowConfidence(t *testing.T) {
	m, b := newTestManager(t, stubASR{tr: drivers.Transcript{
		Success: true, Text: "mumble", Confidence: 0.2, Language: "en",
	}})
	sub := b.Subscribe("asr_error")
	defer sub.Close()

	_, err := m.Listen(50*time.Millisecond, module.PriorityNormal, "")
	require.NoError(t, err)

	select {
	case e := <-sub.C():
		assert.Contains(t, e.Payload["error"], "confidence")
	case <-time.After(3 * time.Second):
		t.Fatal("no asr_error event")
	}
}

func TestVolumeRoundTrip(t *testing.T) {
	m, b := newTestManager(t, nil)
	sub := b.Subscribe("volume_changed")
	defer sub.Close()

	_, err := m.SetVolume(130, "")
	assert.Error(t, err)

	_, err = m.SetVolume(75, "")
	require.NoError(t, err)

	select {
	case e := <-sub.C():
		assert.Equal(t, 0.75, e.Payload["volume"])
	case <-time.After(3 * time.Second):
		t.Fatal("no volume_changed event")
	}

	v, err := m.Volume()
	require.NoError(t, err)
	assert.Equal(t, 75, v)
}

func TestStopPlaybackInterruptsSpeech(t *testing.T) {
	m, b := newTestManager(t, nil)
	sub := b.Subscribe("tts_error")
	defer sub.Close()

	// ~40s of simulated speech, interrupted immediately.
	long := strings.Repeat("a", 480)
	_, err := m.Speak(long, "", module.PriorityNormal, "")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	m.StopPlayback()

	select {
	case e := <-sub.C():
		assert.Equal(t, "error", e.Payload["reason"])
	case <-time.After(3 * time.Second):
		t.Fatal("speech was not interrupted")
	}
}
