// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g1dev/g1d/internal/audio"
	"github.com/g1dev/g1d/internal/auth"
	"github.com/g1dev/g1d/internal/bus"
	"github.com/g1dev/g1d/internal/config"
	"github.com/g1dev/g1d/internal/drivers"
	"github.com/g1dev/g1d/internal/fusion"
	"github.com/g1dev/g1d/internal/health"
	"github.com/g1dev/g1d/internal/leds"
	"github.com/g1dev/g1d/internal/motion"
	"github.com/g1dev/g1d/internal/orchestrator"
	"github.com/g1dev/g1d/internal/ratelimit"
	"github.com/g1dev/g1d/internal/state"
)

const (
	adminKey    = "test-admin-key"
	operatorKey = "test-operator-key"
	viewerKey   = "test-viewer-key"
)

type testGateway struct {
	srv     *httptest.Server
	server  *Server
	machine *state.Machine
	orch    *orchestrator.Orchestrator
	bus     *bus.Bus
	fusion  *fusion.Engine
}

func gatewayConfig() config.Config {
	cfg := config.Default()
	cfg.Security.JWTSecret = "0123456789abcdef0123456789abcdef"
	cfg.Security.APIKeys = []config.APIKey{
		{Key: adminKey, Role: "admin"},
		{Key: operatorKey, Role: "operator"},
		{Key: viewerKey, Role: "viewer"},
	}
	cfg.RateLimit.Enabled = false
	cfg.Fusion.Weights = map[string]float64{"imu": 0.5, "odometry": 0.5}
	return cfg
}

func newGateway(t *testing.T, mutate func(*config.Config)) *testGateway {
	t.Helper()

	cfg := gatewayConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	holder := config.NewHolder(cfg, "")
	cfgFn := holder.Get

	b := bus.New()
	machine := state.NewMachine()

	audioMgr := audio.NewManager(b, drivers.SimTTS{}, drivers.SimASR{}, drivers.NewSimAudioDevice(), cfgFn)
	motionMgr := motion.NewManager(b, drivers.SimLocomotion{}, drivers.SimArm{}, machine, cfgFn)
	ledMgr := leds.NewManager(b, drivers.NewSimLEDStrip(), cfgFn)
	engine := fusion.NewEngine(b, cfgFn)

	orch := orchestrator.New(machine, b, cfgFn)
	require.NoError(t, orch.Register(audioMgr))
	require.NoError(t, orch.Register(motionMgr))
	require.NoError(t, orch.Register(ledMgr))
	require.NoError(t, orch.Register(engine))

	ctx := context.Background()
	require.NoError(t, orch.Initialize(ctx))
	require.NoError(t, orch.Start(ctx))

	hm := health.NewManager("test")
	hm.RegisterChecker(health.NewSystemChecker(machine))

	server := New(Deps{
		Orchestrator: orch,
		Machine:      machine,
		Bus:          b,
		Audio:        audioMgr,
		Motion:       motionMgr,
		LEDs:         ledMgr,
		Fusion:       engine,
		Video:        &drivers.SimVideoCapture{},
		Config:       holder,
		Auth:         auth.NewAuthenticator(func() config.SecurityConfig { return holder.Get().Security }),
		Limiter:      ratelimit.New(func() config.RateLimitConfig { return holder.Get().RateLimit }),
		Health:       hm,
	})
	require.NoError(t, server.Start(ctx))

	srv := httptest.NewServer(server.Routes())
	t.Cleanup(func() {
		srv.Close()
		stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Stop(stopCtx)
		_ = orch.Shutdown(stopCtx)
		b.Close()
	})

	return &testGateway{srv: srv, server: server, machine: machine, orch: orch, bus: b, fusion: engine}
}

func (g *testGateway) do(t *testing.T, method, path, apiKey string, body any) (*http.Response, Envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, g.srv.URL+path, &buf)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func dataMap(t *testing.T, env Envelope) map[string]any {
	t.Helper()
	m, ok := env.Data.(map[string]any)
	require.True(t, ok, "expected object data, got %T", env.Data)
	return m
}

func TestPublicEndpoints(t *testing.T) {
	g := newGateway(t, nil)

	resp, err := http.Get(g.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, env := g.do(t, http.MethodGet, "/stats", "", nil)
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, "success", env.Status)
	assert.NotEmpty(t, env.Metadata.RequestID)
	assert.Equal(t, apiVersion, env.Metadata.Version)
}

func TestAuthenticationRequired(t *testing.T) {
	g := newGateway(t, nil)

	resp, env := g.do(t, http.MethodGet, "/api/v1/system/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeAuthentication, env.Error.Code)

	resp, env = g.do(t, http.MethodGet, "/api/v1/system/status", "wrong-key", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, CodeAuthentication, env.Error.Code)

	resp, _ = g.do(t, http.MethodGet, "/api/v1/system/status", viewerKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRoleLattice(t *testing.T) {
	g := newGateway(t, nil)
	body := map[string]any{"action": "move", "parameters": map[string]float64{"vx": 0.2}, "duration": 0.05}

	resp, env := g.do(t, http.MethodPost, "/api/v1/motion/command", viewerKey, body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, CodeAuthorization, env.Error.Code)

	resp, env = g.do(t, http.MethodPost, "/api/v1/motion/command", operatorKey, body)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "success", env.Status)
	assert.NotZero(t, dataMap(t, env)["command_id"])

	// Admin inherits operator.
	resp, _ = g.do(t, http.MethodPost, "/api/v1/motion/command", adminKey, body)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestPermissionCatalogGatesWrites(t *testing.T) {
	g := newGateway(t, nil)
	sample := map[string]any{"sensor": "imu", "pose": map[string]float64{"x": 1}, "confidence": 1}

	// Viewers clear the role gate on sensors/data but lack the data:write
	// grant; the denial names the missing permission.
	resp, env := g.do(t, http.MethodPost, "/api/v1/sensors/data", viewerKey, sample)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, CodeAuthorization, env.Error.Code)
	assert.Contains(t, env.Error.Message, "data:write")

	resp, _ = g.do(t, http.MethodPost, "/api/v1/sensors/data", operatorKey, sample)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestMotionValidation(t *testing.T) {
	g := newGateway(t, nil)

	resp, env := g.do(t, http.MethodPost, "/api/v1/motion/command", operatorKey,
		map[string]any{"action": "moonwalk"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, CodeValidation, env.Error.Code)

	resp, env = g.do(t, http.MethodPost, "/api/v1/motion/command", operatorKey,
		map[string]any{"action": "move", "priority": 42})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "priority", env.Error.Field)
}

func TestMotionGestureAndStatus(t *testing.T) {
	g := newGateway(t, nil)

	resp, _ := g.do(t, http.MethodPost, "/api/v1/motion/command", operatorKey,
		map[string]any{"action": "wave"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, env := g.do(t, http.MethodGet, "/api/v1/motion/status", viewerKey, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := dataMap(t, env)
	assert.Contains(t, data, "gestures")
	assert.Contains(t, data, "status")
}

func TestRobotOfflineAfterShutdown(t *testing.T) {
	g := newGateway(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, g.orch.Shutdown(ctx))

	resp, env := g.do(t, http.MethodPost, "/api/v1/motion/command", operatorKey,
		map[string]any{"action": "move", "parameters": map[string]float64{"vx": 0.2}})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, CodeRobotOffline, env.Error.Code)
	assert.Equal(t, state.Shutdown, g.machine.Current())
}

func TestAudioVolumeAndSpeak(t *testing.T) {
	g := newGateway(t, nil)
	sub := g.bus.Subscribe("volume_changed", "tts_completed")
	defer sub.Close()

	resp, env := g.do(t, http.MethodPost, "/api/v1/audio/command", operatorKey,
		map[string]any{"action": "set_volume", "volume": 0.6})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 0.6, dataMap(t, env)["volume"], 1e-9)

	resp, env = g.do(t, http.MethodPost, "/api/v1/audio/command", operatorKey,
		map[string]any{"action": "speak", "text": "hello"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "hello", dataMap(t, env)["text"])

	types := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		select {
		case e := <-sub.C():
			types = append(types, e.Type)
		case <-time.After(3 * time.Second):
			t.Fatal("missing audio events")
		}
	}
	assert.Equal(t, []string{"volume_changed", "tts_completed"}, types)
}

func TestAudioUnknownAction(t *testing.T) {
	g := newGateway(t, nil)
	resp, env := g.do(t, http.MethodPost, "/api/v1/audio/command", operatorKey,
		map[string]any{"action": "yodel"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, CodeValidation, env.Error.Code)
}

func TestLEDCommand(t *testing.T) {
	g := newGateway(t, nil)

	resp, env := g.do(t, http.MethodPost, "/api/v1/led/command", operatorKey,
		map[string]any{"pattern": "breathing", "color": map[string]int{"r": 0, "g": 128, "b": 255}, "speed": 1.0})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "breathing", dataMap(t, env)["pattern"])

	resp, env = g.do(t, http.MethodPost, "/api/v1/led/command", operatorKey,
		map[string]any{"pattern": "strobe-disco"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, CodeValidation, env.Error.Code)
}

func TestVideoNotImplemented(t *testing.T) {
	g := newGateway(t, nil)
	resp, env := g.do(t, http.MethodPost, "/api/v1/video/command", operatorKey,
		map[string]any{"action": "start_stream"})
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	assert.Equal(t, CodeNotImplemented, env.Error.Code)
}

func TestVideoEnabled(t *testing.T) {
	g := newGateway(t, func(c *config.Config) { c.Video.Enabled = true })

	resp, env := g.do(t, http.MethodPost, "/api/v1/video/command", operatorKey,
		map[string]any{"action": "start_stream"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "front", dataMap(t, env)["source"])

	resp, _ = g.do(t, http.MethodPost, "/api/v1/video/command", operatorKey,
		map[string]any{"action": "stop_stream"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSensorsFlow(t *testing.T) {
	g := newGateway(t, nil)

	// No estimate yet.
	resp, env := g.do(t, http.MethodGet, "/api/v1/sensors/current", viewerKey, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, CodeSensorError, env.Error.Code)

	resp, _ = g.do(t, http.MethodPost, "/api/v1/sensors/data", operatorKey,
		map[string]any{"sensor": "imu", "pose": map[string]float64{"x": 1.5}, "confidence": 0.9})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// The fusion loop runs; the sample lands within a few ticks.
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, env = g.do(t, http.MethodGet, "/api/v1/sensors/current", viewerKey, nil)
		if resp.StatusCode == http.StatusOK || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env = g.do(t, http.MethodPost, "/api/v1/sensors/query", viewerKey,
		map[string]any{"limit": 10})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotZero(t, dataMap(t, env)["count"])

	resp, env = g.do(t, http.MethodPost, "/api/v1/sensors/data", operatorKey,
		map[string]any{"sensor": "sonar"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "sensor", env.Error.Field)
}

func TestConfigRoundTrip(t *testing.T) {
	g := newGateway(t, nil)

	resp, env := g.do(t, http.MethodGet, "/api/v1/config/audio", viewerKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	section := dataMap(t, env)["config"].(map[string]any)
	assert.InDelta(t, 50, section["default_volume"], 1e-9)

	resp, env = g.do(t, http.MethodPost, "/api/v1/config/update", adminKey,
		map[string]any{"module": "audio", "config": map[string]any{"default_volume": 70}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env = g.do(t, http.MethodGet, "/api/v1/config/audio", viewerKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	section = dataMap(t, env)["config"].(map[string]any)
	assert.InDelta(t, 70, section["default_volume"], 1e-9)

	// Operators cannot update config.
	resp, env = g.do(t, http.MethodPost, "/api/v1/config/update", operatorKey,
		map[string]any{"module": "audio", "config": map[string]any{"default_volume": 10}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, env = g.do(t, http.MethodGet, "/api/v1/config/warp_drive", viewerKey, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeNotFound, env.Error.Code)
}

func TestConfigUpdateRejectsInvalid(t *testing.T) {
	g := newGateway(t, nil)
	resp, env := g.do(t, http.MethodPost, "/api/v1/config/update", adminKey,
		map[string]any{"module": "audio", "config": map[string]any{"default_volume": 150}})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, CodeValidation, env.Error.Code)
}

func TestConfigSecretsRedacted(t *testing.T) {
	g := newGateway(t, nil)
	resp, env := g.do(t, http.MethodGet, "/api/v1/config/security", viewerKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	section := dataMap(t, env)["config"].(map[string]any)
	assert.Empty(t, section["jwt_secret"])
	keys := section["api_keys"].([]any)
	assert.Equal(t, "***", keys[0].(map[string]any)["key"])
}

func TestIssueAndUseToken(t *testing.T) {
	g := newGateway(t, nil)

	resp, env := g.do(t, http.MethodPost, "/api/v1/auth/token", adminKey,
		map[string]any{"subject": "svc-dashboard", "role": "viewer"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token := dataMap(t, env)["token"].(string)
	require.NotEmpty(t, token)

	req, err := http.NewRequest(http.MethodGet, g.srv.URL+"/api/v1/system/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	// Operators cannot reach the issuing endpoint at all.
	resp, _ = g.do(t, http.MethodPost, "/api/v1/auth/token", operatorKey,
		map[string]any{"subject": "x", "role": "admin"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestEmergencyStopOverAPI(t *testing.T) {
	g := newGateway(t, nil)

	resp, env := g.do(t, http.MethodPost, "/api/v1/system/emergency_stop", operatorKey,
		map[string]any{"reason": "test stop"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(state.EmergencyStop), dataMap(t, env)["state"])

	// Non-emergency commands are rejected while latched.
	resp, env = g.do(t, http.MethodPost, "/api/v1/audio/command", operatorKey,
		map[string]any{"action": "speak", "text": "hello"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, CodeRobotBusy, env.Error.Code)

	resp, env = g.do(t, http.MethodPost, "/api/v1/system/resume", operatorKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(state.Idle), dataMap(t, env)["state"])
}

func TestRateLimitHeaders(t *testing.T) {
	g := newGateway(t, func(c *config.Config) {
		c.RateLimit.Enabled = true
		c.RateLimit.Rules = []config.RateLimitRule{
			{Name: "per_user", Scope: "user", Algorithm: "sliding_window", Limit: 3, Window: time.Minute},
		}
	})

	var last *http.Response
	var env Envelope
	for i := 0; i < 4; i++ {
		last, env = g.do(t, http.MethodPost, "/api/v1/sensors/query", viewerKey,
			map[string]any{"limit": 1})
	}
	require.Equal(t, http.StatusTooManyRequests, last.StatusCode)
	assert.Equal(t, CodeRateLimited, env.Error.Code)
	assert.Equal(t, "per_user", last.Header.Get("X-RateLimit-Rule"))
	assert.Equal(t, "3", last.Header.Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, last.Header.Get("Retry-After"))

	// A different user has an untouched budget.
	resp, _ := g.do(t, http.MethodPost, "/api/v1/sensors/query", operatorKey,
		map[string]any{"limit": 1})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnknownEndpoint(t *testing.T) {
	g := newGateway(t, nil)
	resp, env := g.do(t, http.MethodGet, "/api/v1/teleport", viewerKey, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeNotFound, env.Error.Code)
}
