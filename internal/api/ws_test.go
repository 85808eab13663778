// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g1dev/g1d/internal/config"
)

func dialWS(t *testing.T, g *testGateway) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// First frame is always the connect acknowledgement.
	var hello Frame
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, "connect", hello.Type)
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frameType string, data any, correlation string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(newFrame(frameType, data, correlation)))
}

// readUntil skips unrelated frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string, timeout time.Duration) Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %q frame: %v", frameType, err)
		}
		if f.Type == frameType {
			return f
		}
	}
}

func TestWSPingPong(t *testing.T) {
	g := newGateway(t, nil)
	conn := dialWS(t, g)

	sendFrame(t, conn, "ping", nil, "corr-1")
	f := readUntil(t, conn, "pong", 2*time.Second)
	assert.Equal(t, "corr-1", f.Correlation)
	assert.NotEmpty(t, f.MessageID)
}

func TestWSSubscriptionFanout(t *testing.T) {
	g := newGateway(t, nil)

	speech := dialWS(t, g)
	sendFrame(t, speech, "subscribe", subscribePayload{Topic: "tts_completed"}, "")
	readUntil(t, speech, "response", 2*time.Second)

	motionOnly := dialWS(t, g)
	sendFrame(t, motionOnly, "subscribe", subscribePayload{Topic: "motion_completed"}, "")
	readUntil(t, motionOnly, "response", 2*time.Second)

	// Trigger a speak; its correlation is the HTTP request ID.
	req, err := http.NewRequest(http.MethodPost, g.srv.URL+"/api/v1/audio/command",
		strings.NewReader(`{"action":"speak","text":"hi"}`))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", operatorKey)
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	f := readUntil(t, speech, "tts_completed", 3*time.Second)
	assert.Equal(t, "req-42", f.Correlation)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(f.Data, &payload))
	assert.Equal(t, "hi", payload["text"])

	// The motion subscriber must not see the speech event.
	require.NoError(t, motionOnly.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var stray Frame
	err = motionOnly.ReadJSON(&stray)
	require.Error(t, err, "expected a read timeout, got frame %+v", stray)
}

func TestWSUnsubscribe(t *testing.T) {
	g := newGateway(t, nil)
	conn := dialWS(t, g)

	sendFrame(t, conn, "subscribe", subscribePayload{Topic: "volume_changed"}, "")
	readUntil(t, conn, "response", 2*time.Second)
	sendFrame(t, conn, "unsubscribe", subscribePayload{Topic: "volume_changed"}, "")
	readUntil(t, conn, "response", 2*time.Second)

	resp, _ := g.do(t, http.MethodPost, "/api/v1/audio/command", operatorKey,
		map[string]any{"action": "set_volume", "volume": 30})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var stray Frame
	err := conn.ReadJSON(&stray)
	assert.Error(t, err, "unsubscribed client must not receive the event")
}

func TestWSConnectionLimit(t *testing.T) {
	g := newGateway(t, func(c *config.Config) { c.Network.WSMaxConnections = 1 })

	dialWS(t, g)

	url := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws"
	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer second.Close()

	var f Frame
	require.NoError(t, second.ReadJSON(&f))
	assert.Equal(t, "error", f.Type)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(f.Data, &payload))
	assert.Contains(t, payload["reason"], "limit")
}

func TestWSBadSubscribe(t *testing.T) {
	g := newGateway(t, nil)
	conn := dialWS(t, g)

	sendFrame(t, conn, "subscribe", map[string]any{}, "")
	f := readUntil(t, conn, "error", 2*time.Second)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(f.Data, &payload))
	assert.Equal(t, "topic required", payload["reason"])
}
