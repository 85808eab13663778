// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/g1dev/g1d/internal/fusion"
)

const maxQueryLimit = 1000

type sensorsQueryRequest struct {
	SensorTypes []string `json:"sensor_types,omitempty"`
	StartTime   string   `json:"start_time,omitempty"`
	EndTime     string   `json:"end_time,omitempty"`
	Limit       int      `json:"limit,omitempty"`
}

func parseQueryTime(field, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errValidation(field, "expected RFC 3339 timestamp")
	}
	return t, nil
}

func (s *Server) handleSensorsQuery(w http.ResponseWriter, r *http.Request) {
	var req sensorsQueryRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.Limit < 0 || req.Limit > maxQueryLimit {
		s.respondError(w, r, errValidation("limit", "limit must be in 1..1000"))
		return
	}
	start, err := parseQueryTime("start_time", req.StartTime)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	end, err := parseQueryTime("end_time", req.EndTime)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	estimates := s.fusion.History(start, end, req.Limit)
	s.respond(w, r, http.StatusOK, "estimate history", map[string]any{
		"count":     len(estimates),
		"estimates": estimates,
		"sensors":   s.fusion.Sensors(),
	})
}

func (s *Server) handleSensorsCurrent(w http.ResponseWriter, r *http.Request) {
	est, err := s.fusion.Latest()
	if err != nil {
		s.respondError(w, r, errCode(CodeSensorError, "no estimate available yet"))
		return
	}
	s.respond(w, r, http.StatusOK, "current estimate", map[string]any{
		"estimate": est,
		"sensors":  s.fusion.Sensors(),
	})
}

type sensorSampleRequest struct {
	Sensor     string      `json:"sensor"`
	Timestamp  string      `json:"timestamp,omitempty"`
	Pose       fusion.Pose `json:"pose"`
	Confidence float64     `json:"confidence,omitempty"`
}

// handleSensorsData feeds an external measurement into the fusion engine.
// On-robot sensor bridges use this when they run out of process.
func (s *Server) handleSensorsData(w http.ResponseWriter, r *http.Request) {
	var req sensorSampleRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	when, err := parseQueryTime("timestamp", req.Timestamp)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	sample := fusion.Sample{
		Sensor:     req.Sensor,
		When:       when,
		Pose:       req.Pose,
		Confidence: req.Confidence,
	}
	if err := s.fusion.Ingest(sample); err != nil {
		if errors.Is(err, fusion.ErrUnknownSensor) {
			s.respondError(w, r, errValidation("sensor", err.Error()))
			return
		}
		s.respondError(w, r, errCode(CodeSensorError, err.Error()))
		return
	}
	s.respond(w, r, http.StatusAccepted, "sample accepted", map[string]any{"sensor": req.Sensor})
}
