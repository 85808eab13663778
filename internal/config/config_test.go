// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
network:
  middleware_port: 9000
motion:
  safety:
    max_velocity: 0.8
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Network.MiddlewarePort)
	assert.Equal(t, 0.8, cfg.Motion.Safety.MaxVelocity)
	// Untouched sections keep defaults.
	assert.Equal(t, 50, cfg.Audio.DefaultVolume)
	assert.Equal(t, 100, cfg.Fusion.TickRateHz)
}

func TestLoadParsesDurationStrings(t *testing.T) {
	path := writeConfig(t, `
audio:
  listen_timeout: 7s
fusion:
  sync_tolerance: 15ms
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, cfg.Audio.ListenTimeout)
	assert.Equal(t, 15*time.Millisecond, cfg.Fusion.SyncTolerance)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
network:
  middleware_prot: 9000
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "middleware_prot")
}

func TestValidateRanges(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port_low", func(c *Config) { c.Network.MiddlewarePort = 80 }},
		{"port_high", func(c *Config) { c.Network.MiddlewarePort = 70000 }},
		{"velocity_low", func(c *Config) { c.Motion.Safety.MaxVelocity = 0.05 }},
		{"velocity_high", func(c *Config) { c.Motion.Safety.MaxVelocity = 5 }},
		{"volume", func(c *Config) { c.Audio.DefaultVolume = 150 }},
		{"led_rate", func(c *Config) { c.LEDs.SampleRateHz = 10 }},
		{"fusion_filter", func(c *Config) { c.Fusion.Filter = "median" }},
		{"fusion_gain", func(c *Config) { c.Fusion.FilterGain = 1.5 }},
		{"rule_scope", func(c *Config) { c.RateLimit.Rules[0].Scope = "planet" }},
		{"rule_algorithm", func(c *Config) { c.RateLimit.Rules[0].Algorithm = "gcra" }},
		{"rule_limit", func(c *Config) { c.RateLimit.Rules[0].Limit = 0 }},
		{"endpoint_scope_needs_path", func(c *Config) {
			c.RateLimit.Rules = append(c.RateLimit.Rules, RateLimitRule{
				Name: "ep", Scope: "endpoint", Algorithm: "fixed_window", Limit: 10, Window: time.Second,
			})
		}},
		{"api_key_role", func(c *Config) {
			c.Security.APIKeys = []APIKey{{Key: "k", Role: "root"}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, Validate(cfg))
		})
	}

	assert.NoError(t, Validate(Default()))
}

func TestValidateReportsAllViolations(t *testing.T) {
	cfg := Default()
	cfg.Network.MiddlewarePort = 1
	cfg.Audio.DefaultVolume = -5
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "middleware_port")
	assert.Contains(t, err.Error(), "default_volume")
}

func TestHolderReloadKeepsOldOnInvalid(t *testing.T) {
	path := writeConfig(t, "network:\n  middleware_port: 9001\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	h := NewHolder(cfg, path)

	require.NoError(t, os.WriteFile(path, []byte("network:\n  middleware_port: 1\n"), 0o600))
	require.Error(t, h.Reload(context.Background()))
	assert.Equal(t, 9001, h.Get().Network.MiddlewarePort)

	require.NoError(t, os.WriteFile(path, []byte("network:\n  middleware_port: 9002\n"), 0o600))
	require.NoError(t, h.Reload(context.Background()))
	assert.Equal(t, 9002, h.Get().Network.MiddlewarePort)
}

func TestHolderWatcherReloads(t *testing.T) {
	path := writeConfig(t, "audio:\n  default_volume: 40\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	h := NewHolder(cfg, path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.StartWatcher(ctx))
	defer h.Stop()

	notify := make(chan Config, 1)
	h.RegisterListener(notify)

	require.NoError(t, os.WriteFile(path, []byte("audio:\n  default_volume: 70\n"), 0o600))

	select {
	case got := <-notify:
		assert.Equal(t, 70, got.Audio.DefaultVolume)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not deliver reloaded config")
	}
	assert.Equal(t, 70, h.Get().Audio.DefaultVolume)
}

func TestSectionRoundTrip(t *testing.T) {
	h := NewHolder(Default(), "")

	sec, err := h.Section("motion")
	require.NoError(t, err)
	raw, err := json.Marshal(sec)
	require.NoError(t, err)

	// Unmodified put is a no-op.
	before := h.Get()
	after, err := h.UpdateSection("motion", raw)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// A real change lands and survives a subsequent read.
	var mc MotionConfig
	require.NoError(t, json.Unmarshal(raw, &mc))
	mc.Safety.MaxVelocity = 0.5
	raw2, err := json.Marshal(mc)
	require.NoError(t, err)
	_, err = h.UpdateSection("motion", raw2)
	require.NoError(t, err)
	sec2, err := h.Section("motion")
	require.NoError(t, err)
	assert.Equal(t, 0.5, sec2.(MotionConfig).Safety.MaxVelocity)
}

func TestUpdateSectionValidatesWholeDocument(t *testing.T) {
	h := NewHolder(Default(), "")
	_, err := h.UpdateSection("leds", json.RawMessage(`{"sample_rate_hz": 5}`))
	require.Error(t, err)
	assert.Equal(t, Default().LEDs.SampleRateHz, h.Get().LEDs.SampleRateHz)

	_, err = h.UpdateSection("nope", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownSection)
}

func TestUpdateSectionDoesNotAliasLiveMaps(t *testing.T) {
	h := NewHolder(Default(), "")
	before := h.Get().Fusion.Weights["imu"]

	_, err := h.UpdateSection("fusion", json.RawMessage(`{"weights":{"imu":0.9,"odometry":0.1,"lidar":0,"vision":0}}`))
	require.NoError(t, err)
	assert.Equal(t, 0.9, h.Get().Fusion.Weights["imu"])
	assert.NotEqual(t, before, h.Get().Fusion.Weights["imu"])
}
