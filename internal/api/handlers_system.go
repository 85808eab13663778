// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/g1dev/g1d/internal/auth"
	"github.com/g1dev/g1d/internal/bus"
	"github.com/g1dev/g1d/internal/log"
)

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s.respond(w, r, http.StatusOK, "runtime statistics", map[string]any{
		"uptime_s":    time.Since(s.started).Seconds(),
		"goroutines":  runtime.NumGoroutine(),
		"heap_bytes":  mem.HeapAlloc,
		"state":       s.machine.Current(),
		"ws_clients":  s.hub.Count(),
		"bus_pending": s.bus.Pending(),
	})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	st := s.orch.Status()
	s.respond(w, r, http.StatusOK, "system status", map[string]any{
		"state":         st.State.Current,
		"since":         st.State.Since,
		"system_health": st.State.SystemHealth,
		"modules":       st.Modules,
		"sensors":       s.fusion.Sensors(),
	})
}

func (s *Server) handleSystemShutdown(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	s.logger.Warn().
		Str("event", "api.shutdown_requested").
		Str("subject", p.Subject).
		Msg("shutdown requested over API")

	s.bus.Emit(bus.Event{
		Type:        "shutdown_requested",
		Source:      "api",
		Correlation: log.RequestIDFromContext(r.Context()),
		Payload:     map[string]any{"subject": p.Subject},
	})
	s.respond(w, r, http.StatusAccepted, "shutdown initiated", nil)
}

type emergencyRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req emergencyRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			s.respondError(w, r, err)
			return
		}
	}
	if req.Reason == "" {
		p, _ := auth.FromContext(r.Context())
		req.Reason = "api request by " + p.Subject
	}

	s.orch.EmergencyStop(req.Reason)
	s.respond(w, r, http.StatusOK, "emergency stop engaged", map[string]any{
		"state":  s.machine.Current(),
		"reason": req.Reason,
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Resume(); err != nil {
		s.respondError(w, r, errCode(CodeConflict, err.Error()))
		return
	}
	s.respond(w, r, http.StatusOK, "resumed", map[string]any{
		"state": s.machine.Current(),
	})
}
