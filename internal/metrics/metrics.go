// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks open WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_connections",
		Help: "Number of open WebSocket connections.",
	})

	// ActiveTopics tracks topics present in the registry.
	ActiveTopics = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_topics",
		Help: "Number of topics in the registry.",
	})

	// ActiveAgents tracks registered agents across all topics.
	ActiveAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_agents",
		Help: "Number of agents in the registry.",
	})

	// FramesIn counts decoded inbound WebSocket frames.
	FramesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_frames_in_total",
		Help: "Inbound WebSocket frames by kind.",
	}, []string{"kind"})

	// FramesOut counts frames written to WebSocket clients.
	FramesOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_frames_out_total",
		Help: "Outbound WebSocket frames by kind.",
	}, []string{"kind"})

	// RedisPublishes counts PUBLISH attempts by outcome.
	RedisPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_redis_publish_total",
		Help: "Redis PUBLISH calls by outcome.",
	}, []string{"outcome"})

	// RedisDeliveries counts messages delivered from Redis onto topic buses.
	RedisDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_redis_deliveries_total",
		Help: "Messages received from Redis and republished onto topic buses.",
	})

	// LagDrops counts messages skipped by lagging receivers.
	LagDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_lag_drops_total",
		Help: "Messages skipped because a broadcast receiver lagged.",
	})
)
