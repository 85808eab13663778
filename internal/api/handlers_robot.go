// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/g1dev/g1d/internal/drivers"
	"github.com/g1dev/g1d/internal/leds"
	"github.com/g1dev/g1d/internal/log"
	"github.com/g1dev/g1d/internal/module"
	"github.com/g1dev/g1d/internal/motion"
	"github.com/g1dev/g1d/internal/state"
)

// priorityFromRequest maps the 1..10 request scale onto the queue priorities.
// EMERGENCY and SYSTEM stay reserved for the top of the scale and internal
// use respectively.
func priorityFromRequest(n int) (module.Priority, error) {
	switch {
	case n == 0:
		return module.PriorityNormal, nil
	case n < 1 || n > 10:
		return 0, errValidation("priority", "priority must be in 1..10")
	case n <= 2:
		return module.PriorityLow, nil
	case n <= 5:
		return module.PriorityNormal, nil
	case n <= 8:
		return module.PriorityHigh, nil
	default:
		return module.PriorityEmergency, nil
	}
}

// submitError maps queue and manager failures onto the error taxonomy.
func submitError(err error, subsystem ErrorCode) *apiError {
	switch {
	case errors.Is(err, module.ErrQueueClosed):
		return errCode(CodeRobotOffline, "module is not running")
	case errors.Is(err, module.ErrEmergencyActive):
		return errCode(CodeRobotBusy, "emergency stop active, resume first")
	default:
		return errCode(subsystem, err.Error())
	}
}

// offline reports whether the robot can accept actuator commands at all.
func (s *Server) offline() bool {
	switch s.machine.Current() {
	case state.Initializing, state.Shutdown:
		return true
	default:
		return false
	}
}

type motionRequest struct {
	Action     string             `json:"action"`
	Parameters map[string]float64 `json:"parameters,omitempty"`
	Duration   float64            `json:"duration,omitempty"`
	Priority   int                `json:"priority,omitempty"`
	Side       string             `json:"side,omitempty"`
}

func (s *Server) handleMotionCommand(w http.ResponseWriter, r *http.Request) {
	if s.offline() {
		s.respondError(w, r, errCode(CodeRobotOffline, "robot is "+string(s.machine.Current())))
		return
	}

	var req motionRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	prio, err := priorityFromRequest(req.Priority)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	corr := log.RequestIDFromContext(r.Context())
	duration := time.Duration(req.Duration * float64(time.Second))
	p := func(key string) float64 { return req.Parameters[key] }

	var id uint64
	switch req.Action {
	case "move":
		id, err = s.motion.Move(p("vx"), p("vy"), p("omega"), duration, prio, corr)
	case "walk_forward":
		id, err = s.motion.Move(s.walkSpeed(p), 0, 0, duration, prio, corr)
	case "walk_backward":
		id, err = s.motion.Move(-s.walkSpeed(p), 0, 0, duration, prio, corr)
	case "turn_left":
		id, err = s.motion.Move(0, 0, s.turnSpeed(p), duration, prio, corr)
	case "turn_right":
		id, err = s.motion.Move(0, 0, -s.turnSpeed(p), duration, prio, corr)
	case "stop", "halt":
		if err := s.motion.Halt(); err != nil {
			s.respondError(w, r, errCode(CodeMotionError, err.Error()))
			return
		}
		s.respond(w, r, http.StatusOK, "motion halted", nil)
		return
	default:
		// Remaining names are gestures ("wave", "bow") or prefixed arm
		// actions ("arm:raise").
		id, err = s.dispatchNamedMotion(req, prio, corr, duration)
	}
	if err != nil {
		s.respondError(w, r, submitError(err, CodeMotionError))
		return
	}

	s.respond(w, r, http.StatusAccepted, "motion command queued", map[string]any{
		"command_id": id,
		"action":     req.Action,
		"priority":   prio.String(),
	})
}

// dispatchNamedMotion resolves gesture names and prefixed arm actions.
func (s *Server) dispatchNamedMotion(req motionRequest, prio module.Priority, corr string, _ time.Duration) (uint64, error) {
	if len(req.Action) > 4 && req.Action[:4] == "arm:" {
		side := req.Side
		if side == "" {
			side = "right"
		}
		return s.motion.ArmAction(side, req.Action[4:], req.Parameters, prio, corr)
	}
	id, err := s.motion.Gesture(req.Action, prio, corr)
	if errors.Is(err, motion.ErrUnknownGesture) {
		return 0, errValidation("action", fmt.Sprintf("unknown motion action %q", req.Action))
	}
	return id, err
}

func (s *Server) walkSpeed(p func(string) float64) float64 {
	if v := p("speed"); v != 0 {
		return v
	}
	return s.cfg().Motion.Safety.MaxVelocity / 2
}

func (s *Server) turnSpeed(p func(string) float64) float64 {
	if v := p("speed"); v != 0 {
		return v
	}
	return s.cfg().Motion.Safety.MaxAngularVelocity / 2
}

func (s *Server) handleMotionStatus(w http.ResponseWriter, r *http.Request) {
	st := s.motion.Status()
	s.respond(w, r, http.StatusOK, "motion status", map[string]any{
		"status":   st,
		"state":    s.machine.Current(),
		"gestures": motion.Gestures(),
	})
}

type audioRequest struct {
	Action   string  `json:"action"`
	Text     string  `json:"text,omitempty"`
	Volume   float64 `json:"volume,omitempty"`
	Language string  `json:"language,omitempty"`
	Voice    string  `json:"voice,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Priority int     `json:"priority,omitempty"`
}

func (s *Server) handleAudioCommand(w http.ResponseWriter, r *http.Request) {
	if s.offline() {
		s.respondError(w, r, errCode(CodeRobotOffline, "robot is "+string(s.machine.Current())))
		return
	}

	var req audioRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	prio, err := priorityFromRequest(req.Priority)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	corr := log.RequestIDFromContext(r.Context())

	switch req.Action {
	case "speak":
		id, err := s.audio.Speak(req.Text, req.Voice, prio, corr)
		if err != nil {
			s.respondError(w, r, submitError(err, CodeValidation))
			return
		}
		s.respond(w, r, http.StatusAccepted, "speech queued", map[string]any{
			"command_id": id,
			"text":       req.Text,
		})
	case "listen":
		window := time.Duration(req.Duration * float64(time.Second))
		id, err := s.audio.Listen(window, prio, corr)
		if err != nil {
			s.respondError(w, r, submitError(err, CodeSystemError))
			return
		}
		s.respond(w, r, http.StatusAccepted, "listening", map[string]any{"command_id": id})
	case "set_volume":
		// Fractional volumes are accepted as 0..1 of full scale.
		level := req.Volume
		if level > 0 && level <= 1 {
			level *= 100
		}
		id, err := s.audio.SetVolume(int(level), corr)
		if err != nil {
			s.respondError(w, r, submitError(err, CodeValidation))
			return
		}
		s.respond(w, r, http.StatusOK, "volume change queued", map[string]any{
			"command_id": id,
			"volume":     req.Volume,
		})
	case "stop":
		s.audio.StopPlayback()
		s.respond(w, r, http.StatusOK, "playback stopped", nil)
	default:
		s.respondError(w, r, errValidation("action", fmt.Sprintf("unknown audio action %q", req.Action)))
	}
}

type ledRequest struct {
	Pattern    string  `json:"pattern"`
	Color      *rgb    `json:"color,omitempty"`
	Brightness *int    `json:"brightness,omitempty"`
	Speed      float64 `json:"speed,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
	Repeat     int     `json:"repeat,omitempty"`
	Priority   int     `json:"priority,omitempty"`
}

type rgb struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

func (s *Server) handleLEDCommand(w http.ResponseWriter, r *http.Request) {
	if s.offline() {
		s.respondError(w, r, errCode(CodeRobotOffline, "robot is "+string(s.machine.Current())))
		return
	}

	var req ledRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	prio, err := priorityFromRequest(req.Priority)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	corr := log.RequestIDFromContext(r.Context())

	if req.Brightness != nil {
		if _, err := s.leds.SetBrightness(*req.Brightness, corr); err != nil {
			s.respondError(w, r, submitError(err, CodeValidation))
			return
		}
	}

	color := drivers.Color{R: 255, G: 255, B: 255}
	if req.Color != nil {
		color = drivers.Color{R: req.Color.R, G: req.Color.G, B: req.Color.B}
	}
	duration := time.Duration(req.Duration * float64(time.Second))

	var id uint64
	switch req.Pattern {
	case "":
		if req.Brightness == nil {
			s.respondError(w, r, errValidation("pattern", "pattern or brightness required"))
			return
		}
		s.respond(w, r, http.StatusOK, "brightness queued", nil)
		return
	case "off":
		id, err = s.leds.Off(prio, corr)
	case "flash":
		times := req.Repeat
		if times <= 0 {
			times = 3
		}
		interval := duration
		if interval <= 0 {
			interval = 200 * time.Millisecond
		}
		id, err = s.leds.Flash(color, times, interval, prio, corr)
	case "rainbow":
		id, err = s.leds.Rainbow(req.Speed, prio, corr)
	default:
		id, err = s.leds.SetPattern(req.Pattern, color, req.Speed, duration, prio, corr)
		if errors.Is(err, leds.ErrUnknownPattern) {
			s.respondError(w, r, errValidation("pattern", fmt.Sprintf("unknown pattern %q", req.Pattern)))
			return
		}
	}
	if err != nil {
		s.respondError(w, r, submitError(err, CodeSystemError))
		return
	}

	s.respond(w, r, http.StatusAccepted, "led command queued", map[string]any{
		"command_id": id,
		"pattern":    req.Pattern,
	})
}

type videoRequest struct {
	Action     string            `json:"action"`
	Source     string            `json:"source,omitempty"`
	Quality    string            `json:"quality,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

func (s *Server) handleVideoCommand(w http.ResponseWriter, r *http.Request) {
	var req videoRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if s.video == nil || !s.cfg().Video.Enabled {
		s.respondError(w, r, errCode(CodeNotImplemented, "video capture is not enabled"))
		return
	}

	source := req.Source
	if source == "" {
		source = s.cfg().Video.DefaultSource
	}
	quality := req.Quality
	if quality == "" {
		quality = s.cfg().Video.DefaultQuality
	}

	switch req.Action {
	case "start_stream":
		if err := s.video.StartStream(r.Context(), source, quality); err != nil {
			s.respondError(w, r, errCode(CodeSystemError, err.Error()))
			return
		}
		s.respond(w, r, http.StatusOK, "stream started", map[string]any{"source": source, "quality": quality})
	case "stop_stream":
		if err := s.video.StopStream(); err != nil {
			s.respondError(w, r, errCode(CodeSystemError, err.Error()))
			return
		}
		s.respond(w, r, http.StatusOK, "stream stopped", nil)
	case "snapshot":
		data, err := s.video.Snapshot(r.Context())
		if err != nil {
			s.respondError(w, r, errCode(CodeSystemError, err.Error()))
			return
		}
		s.respond(w, r, http.StatusOK, "snapshot captured", map[string]any{"bytes": len(data)})
	default:
		s.respondError(w, r, errCode(CodeNotImplemented, fmt.Sprintf("video action %q is not implemented", req.Action)))
	}
}
