// SPDX-License-Identifier: MIT

// g1d is the orchestration daemon for the G1 humanoid. It wires the state
// machine, event bus, actuator managers, sensor fusion and the REST/WebSocket
// gateway, then supervises them until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/g1dev/g1d/internal/api"
	"github.com/g1dev/g1d/internal/audio"
	"github.com/g1dev/g1d/internal/auth"
	"github.com/g1dev/g1d/internal/bus"
	"github.com/g1dev/g1d/internal/config"
	"github.com/g1dev/g1d/internal/drivers"
	"github.com/g1dev/g1d/internal/fusion"
	"github.com/g1dev/g1d/internal/health"
	"github.com/g1dev/g1d/internal/leds"
	g1log "github.com/g1dev/g1d/internal/log"
	"github.com/g1dev/g1d/internal/motion"
	"github.com/g1dev/g1d/internal/orchestrator"
	"github.com/g1dev/g1d/internal/ratelimit"
	"github.com/g1dev/g1d/internal/state"
	"github.com/g1dev/g1d/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Println("g1d " + version.String())
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		logger := g1log.WithComponent("daemon")
		logger.Error().Err(err).Str("event", "daemon.exit").Msg("daemon failed")
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	g1log.Configure(g1log.Config{
		Level:   cfg.Logging.Level,
		Service: cfg.Logging.Service,
	})
	logger := g1log.WithComponent("daemon")
	logger.Info().
		Str("event", "daemon.starting").
		Str("version", version.Version).
		Str("robot", cfg.General.RobotName).
		Bool("simulation", cfg.General.SimulationMode).
		Msg("starting g1d")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	holder := config.NewHolder(cfg, configPath)
	if configPath != "" {
		if err := holder.StartWatcher(ctx); err != nil {
			logger.Warn().Err(err).Str("event", "config.watch_failed").Msg("config hot reload disabled")
		} else {
			defer holder.Stop()
		}
	}
	cfgFn := holder.Get

	b := bus.New(
		bus.WithQueueSize(cfg.Performance.EventQueueSize),
		bus.WithSubscriberBuffer(cfg.Performance.SubscriberBuffer),
	)
	machine := state.NewMachine()

	hw := buildDrivers(cfg)
	audioMgr := audio.NewManager(b, hw.tts, hw.asr, hw.dev, cfgFn)
	motionMgr := motion.NewManager(b, hw.loco, hw.arm, machine, cfgFn)
	ledMgr := leds.NewManager(b, hw.strip, cfgFn)
	engine := fusion.NewEngine(b, cfgFn)

	orch := orchestrator.New(machine, b, cfgFn)
	if err := orch.Register(audioMgr); err != nil {
		return err
	}
	if err := orch.Register(motionMgr); err != nil {
		return err
	}
	if err := orch.Register(ledMgr); err != nil {
		return err
	}
	if err := orch.Register(engine); err != nil {
		return err
	}
	orch.RegisterShutdownHook("bus", func(context.Context) error {
		b.Close()
		return nil
	})

	if err := orch.Initialize(ctx); err != nil {
		if errors.Is(err, orchestrator.ErrQuorumNotReached) {
			return err
		}
		logger.Warn().Err(err).Str("event", "daemon.partial_init").Msg("some modules failed to initialize")
	}
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	ledMgr.BindStateMachine(machine)

	hm := health.NewManager(version.Version)
	hm.RegisterChecker(health.NewSystemChecker(machine))
	for _, name := range []string{"audio", "motion", "leds", "fusion"} {
		hm.RegisterChecker(health.NewModuleChecker(name, machine))
	}

	gateway := api.New(api.Deps{
		Orchestrator: orch,
		Machine:      machine,
		Bus:          b,
		Audio:        audioMgr,
		Motion:       motionMgr,
		LEDs:         ledMgr,
		Fusion:       engine,
		Video:        hw.video,
		Config:       holder,
		Auth:         auth.NewAuthenticator(func() config.SecurityConfig { return holder.Get().Security }),
		Limiter:      ratelimit.New(func() config.RateLimitConfig { return holder.Get().RateLimit }),
		Health:       hm,
	})
	if err := gateway.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	apiServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Network.MiddlewarePort),
		Handler:      gateway.Routes(),
		ReadTimeout:  cfg.Network.ReadTimeout,
		WriteTimeout: cfg.Network.WriteTimeout,
	}
	metricsServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Network.MetricsPort),
		Handler:     metricsMux(hm),
		ReadTimeout: cfg.Network.ReadTimeout,
	}

	serverErr := make(chan error, 2)
	go func() {
		logger.Info().Str("event", "daemon.api_listening").Str("addr", apiServer.Addr).Msg("API server listening")
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		logger.Info().Str("event", "daemon.metrics_listening").Str("addr", metricsServer.Addr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// API-initiated shutdown arrives over the bus.
	shutdownReq := b.Subscribe("shutdown_requested")
	defer shutdownReq.Close()

	select {
	case <-ctx.Done():
		logger.Info().Str("event", "daemon.signal").Msg("shutdown signal received")
	case <-shutdownReq.C():
		logger.Info().Str("event", "daemon.api_shutdown").Msg("shutdown requested over API")
	case err := <-serverErr:
		logger.Error().Err(err).Str("event", "daemon.server_failed").Msg("server failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Network.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("api server shutdown: %w", err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
	}
	if err := gateway.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("gateway stop: %w", err))
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	logger.Info().Str("event", "daemon.stopped").Msg("g1d stopped")
	return nil
}

// hardware bundles the selected driver implementations.
type hardware struct {
	tts   drivers.TTSEngine
	asr   drivers.ASREngine
	dev   drivers.AudioDevice
	loco  drivers.Locomotion
	arm   drivers.Arm
	strip drivers.LEDStrip
	video drivers.VideoCapture
}

// buildDrivers selects driver implementations. Real vendor SDK bindings hook
// in here; without them simulation mode is the only choice.
func buildDrivers(cfg config.Config) hardware {
	if !cfg.General.SimulationMode {
		logger := g1log.WithComponent("daemon")
		logger.Warn().
			Str("event", "daemon.no_hardware_drivers").
			Msg("hardware drivers not built in, falling back to simulation")
	}
	return hardware{
		tts:   drivers.SimTTS{},
		asr:   drivers.SimASR{},
		dev:   drivers.NewSimAudioDevice(),
		loco:  drivers.SimLocomotion{},
		arm:   drivers.SimArm{},
		strip: drivers.NewSimLEDStrip(),
		video: &drivers.SimVideoCapture{},
	}
}

func metricsMux(hm *health.Manager) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", hm.ServeHealth)
	mux.HandleFunc("/ready", hm.ServeReady)
	return mux
}
