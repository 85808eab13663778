// SPDX-License-Identifier: MIT

// Package api is the REST and WebSocket gateway. Routes are declared in one
// explicit table and registered onto chi; every response uses the uniform
// envelope and every failure maps to one code of the error taxonomy.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/g1dev/g1d/internal/audio"
	"github.com/g1dev/g1d/internal/auth"
	"github.com/g1dev/g1d/internal/bus"
	"github.com/g1dev/g1d/internal/config"
	"github.com/g1dev/g1d/internal/drivers"
	"github.com/g1dev/g1d/internal/fusion"
	"github.com/g1dev/g1d/internal/health"
	"github.com/g1dev/g1d/internal/leds"
	"github.com/g1dev/g1d/internal/log"
	"github.com/g1dev/g1d/internal/motion"
	"github.com/g1dev/g1d/internal/orchestrator"
	"github.com/g1dev/g1d/internal/ratelimit"
	"github.com/g1dev/g1d/internal/state"
)

// burst guard in front of the configured limiter, per client IP
const ipBurstLimit = 600

// Deps carries everything the gateway serves. All fields except Video are
// required.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Machine      *state.Machine
	Bus          *bus.Bus
	Audio        *audio.Manager
	Motion       *motion.Manager
	LEDs         *leds.Manager
	Fusion       *fusion.Engine
	Video        drivers.VideoCapture
	Config       *config.Holder
	Auth         *auth.Authenticator
	Limiter      *ratelimit.Limiter
	Health       *health.Manager
}

// Server owns the HTTP surface.
type Server struct {
	orch       *orchestrator.Orchestrator
	machine    *state.Machine
	bus        *bus.Bus
	audio      *audio.Manager
	motion     *motion.Manager
	leds       *leds.Manager
	fusion     *fusion.Engine
	video      drivers.VideoCapture
	holder     *config.Holder
	auth       *auth.Authenticator
	limiter    *ratelimit.Limiter
	health     *health.Manager
	hub        *Hub
	logger     zerolog.Logger
	serverName string
	started    time.Time
}

func (s *Server) cfg() config.Config { return s.holder.Get() }

// New wires the gateway. The WebSocket hub is created here and started with
// the server.
func New(deps Deps) *Server {
	s := &Server{
		orch:       deps.Orchestrator,
		machine:    deps.Machine,
		bus:        deps.Bus,
		audio:      deps.Audio,
		motion:     deps.Motion,
		leds:       deps.LEDs,
		fusion:     deps.Fusion,
		video:      deps.Video,
		holder:     deps.Config,
		auth:       deps.Auth,
		limiter:    deps.Limiter,
		health:     deps.Health,
		logger:     log.WithComponent("api"),
		serverName: deps.Config.Get().General.RobotName,
		started:    time.Now(),
	}
	s.hub = newHub(s.bus, s.cfg)
	return s
}

// Start launches the WebSocket hub fan-out.
func (s *Server) Start(ctx context.Context) error {
	return s.hub.Start(ctx)
}

// Stop closes all WebSocket connections and stops the hub.
func (s *Server) Stop(ctx context.Context) error {
	return s.hub.Stop(ctx)
}

// route is one row of the explicit route table. minRole gates on the
// lattice; perm, when set, additionally requires a grant from the catalog.
type route struct {
	method  string
	path    string
	handler http.HandlerFunc
	minRole auth.Role
	perm    auth.Permission
	public  bool // skips auth and the configured limiter
}

func (s *Server) table() []route {
	return []route{
		{method: http.MethodGet, path: "/health", handler: s.health.ServeHealth, public: true},
		{method: http.MethodGet, path: "/ready", handler: s.health.ServeReady, public: true},
		{method: http.MethodGet, path: "/stats", handler: s.handleStats, public: true},

		{method: http.MethodGet, path: "/api/v1/system/status", handler: s.handleSystemStatus, minRole: auth.RoleGuest},
		{method: http.MethodPost, path: "/api/v1/system/shutdown", handler: s.handleSystemShutdown, minRole: auth.RoleAdmin, perm: auth.PermSystemAdmin},
		{method: http.MethodPost, path: "/api/v1/system/emergency_stop", handler: s.handleEmergencyStop, minRole: auth.RoleOperator, perm: auth.PermRobotControl},
		{method: http.MethodPost, path: "/api/v1/system/resume", handler: s.handleResume, minRole: auth.RoleOperator, perm: auth.PermRobotControl},

		{method: http.MethodPost, path: "/api/v1/motion/command", handler: s.handleMotionCommand, minRole: auth.RoleOperator, perm: auth.PermRobotMotion},
		{method: http.MethodGet, path: "/api/v1/motion/status", handler: s.handleMotionStatus, minRole: auth.RoleViewer},
		{method: http.MethodPost, path: "/api/v1/audio/command", handler: s.handleAudioCommand, minRole: auth.RoleOperator, perm: auth.PermRobotAudio},
		{method: http.MethodPost, path: "/api/v1/led/command", handler: s.handleLEDCommand, minRole: auth.RoleOperator, perm: auth.PermRobotLEDs},
		{method: http.MethodPost, path: "/api/v1/video/command", handler: s.handleVideoCommand, minRole: auth.RoleOperator, perm: auth.PermRobotVideo},

		{method: http.MethodPost, path: "/api/v1/sensors/query", handler: s.handleSensorsQuery, minRole: auth.RoleViewer},
		{method: http.MethodGet, path: "/api/v1/sensors/current", handler: s.handleSensorsCurrent, minRole: auth.RoleViewer},
		{method: http.MethodPost, path: "/api/v1/sensors/data", handler: s.handleSensorsData, minRole: auth.RoleViewer, perm: auth.PermDataWrite},

		{method: http.MethodGet, path: "/api/v1/config/{module}", handler: s.handleConfigGet, minRole: auth.RoleViewer},
		{method: http.MethodPost, path: "/api/v1/config/update", handler: s.handleConfigUpdate, minRole: auth.RoleAdmin, perm: auth.PermSystemConfig},

		{method: http.MethodPost, path: "/api/v1/auth/token", handler: s.handleIssueToken, minRole: auth.RoleAdmin, perm: auth.PermAPIAdmin},
	}
}

// Routes builds the router from the table.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(accessLog)
	r.Use(s.recoverer)
	r.Use(httprate.LimitByIP(ipBurstLimit, time.Minute))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		s.respondError(w, req, errCode(CodeNotFound, "unknown endpoint"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		s.respondError(w, req, errCode(CodeNotFound, "method not allowed for endpoint"))
	})

	for _, rt := range s.table() {
		// Auth runs first so user and api_key limiter scopes see the
		// principal; role checks come last.
		var h http.Handler = rt.handler
		if !rt.public {
			if rt.perm != "" {
				h = s.requirePermission(rt.perm)(h)
			}
			h = s.requireRole(rt.minRole)(h)
			h = s.rateLimit(h)
			h = s.authenticate(h)
		}
		r.Method(rt.method, rt.path, h)
	}

	r.Get("/ws", s.handleWS)
	return r
}
