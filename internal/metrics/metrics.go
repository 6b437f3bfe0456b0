// Package metrics provides Prometheus instrumentation for AgentIM.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics.
var (
	ClientConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentim_client_connections_active",
		Help: "Number of currently connected client WebSockets.",
	})

	GatewayConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentim_gateway_connections_active",
		Help: "Number of currently connected gateway WebSockets.",
	})

	OnlineAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentim_online_agents",
		Help: "Number of agents registered by connected gateways.",
	})
)

// Frame metrics.
var (
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentim_frames_total",
		Help: "Total number of WebSocket frames processed, by direction and type.",
	}, []string{"direction", "type"})

	FanoutSendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentim_fanout_sends_total",
		Help: "Total number of frames delivered to room subscribers.",
	})

	FrameErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentim_frame_errors_total",
		Help: "Total number of server:error frames sent, by code.",
	}, []string{"code"})
)

// Streaming and permission metrics.
var (
	StreamingTurnsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentim_streaming_turns_active",
		Help: "Number of in-flight agent streaming turns.",
	})

	AgentTurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentim_agent_turns_total",
		Help: "Total number of completed agent turns, by result.",
	}, []string{"result"})

	PermissionRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentim_permission_requests_total",
		Help: "Total number of agent permission requests received.",
	})
)

// Auth metrics.
var (
	RevocationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentim_revocations_total",
		Help: "Total number of token revocations recorded.",
	})

	AuthFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentim_auth_failures_total",
		Help: "Total number of failed socket authentications, by kind.",
	}, []string{"kind"})
)
