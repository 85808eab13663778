// SPDX-License-Identifier: MIT

// Package metrics exposes the prometheus collectors shared across the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BusEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "g1d_bus_emitted_total",
		Help: "Total number of events emitted on the in-process bus",
	}, []string{"type"})

	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "g1d_bus_dropped_total",
		Help: "Total number of bus events dropped by reason",
	}, []string{"type", "reason"})

	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "g1d_commands_total",
		Help: "Commands executed per module and outcome",
	}, []string{"module", "kind", "outcome"})

	CommandQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "g1d_command_queue_depth",
		Help: "Current depth of per-module command queues",
	}, []string{"module"})

	StateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "g1d_state_transitions_total",
		Help: "Robot state machine transitions by from/to state",
	}, []string{"from", "to"})

	StateTransitionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "g1d_state_transitions_rejected_total",
		Help: "Rejected robot state transitions by from/to state",
	}, []string{"from", "to"})

	ModuleHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "g1d_module_health",
		Help: "Per-module health in [0,1]",
	}, []string{"module"})

	SystemHealth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "g1d_system_health",
		Help: "Mean health across registered modules",
	})

	EmergencyStopsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "g1d_emergency_stops_total",
		Help: "Number of emergency stops triggered",
	})

	FusionTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "g1d_fusion_ticks_total",
		Help: "Number of fusion ticks that produced an estimate",
	})

	FusionSamplesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "g1d_fusion_samples_dropped_total",
		Help: "Sensor samples discarded at the synchronization gate",
	}, []string{"type", "reason"})

	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "g1d_ratelimit_rejections_total",
		Help: "Requests rejected by the per-scope rate limiter",
	}, []string{"rule", "scope"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "g1d_ws_connections",
		Help: "Active WebSocket connections",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "g1d_http_requests_total",
		Help: "HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "g1d_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// IncBusDrop records a dropped bus event with a concrete reason.
func IncBusDrop(eventType, reason string) {
	if eventType == "" {
		eventType = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	BusDroppedTotal.WithLabelValues(eventType, reason).Inc()
}
