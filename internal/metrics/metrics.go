// Package metrics declares the Prometheus metrics exported by the
// signaling server.
//
// Naming convention: namespace_subsystem_name
//   - namespace: signaling (application-level grouping)
//   - subsystem: websocket, matchmaking, room, presence, circuit_breaker,
//     rate_limit
//   - name: specific metric
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveWebSocketConnections tracks currently open WebSocket connections.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// LiveUserCount mirrors identity.Registry.LiveUserCount, the value
	// broadcast to clients as user_count.
	LiveUserCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "presence",
		Name:      "live_user_count",
		Help:      "Current number of users with an attached socket",
	})

	// WaitingQueueDepth tracks how many users are currently waiting to be
	// paired.
	WaitingQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "matchmaking",
		Name:      "waiting_queue_depth",
		Help:      "Current number of users waiting for a partner",
	})

	// ActiveRooms tracks the number of currently paired rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active paired rooms",
	})

	// PairingsTotal counts completed FindPartner pairings.
	PairingsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "matchmaking",
		Name:      "pairings_total",
		Help:      "Total number of successful pairings",
	})

	// PairingWaitSeconds measures how long a user waited in queue before
	// being paired.
	PairingWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "signaling",
		Subsystem: "matchmaking",
		Name:      "pairing_wait_seconds",
		Help:      "Time a user spent waiting before being paired",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})

	// WebsocketEvents counts inbound frames by type and outcome.
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket frames processed",
	}, []string{"type", "status"})

	// RelayForwardsTotal counts signaling frames successfully forwarded to
	// a partner.
	RelayForwardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "relay_forwards_total",
		Help:      "Total signaling frames relayed to a partner",
	}, []string{"type"})

	// RelayDropsTotal counts signaling frames dropped because the partner
	// had no live socket, or the sender was not authorized.
	RelayDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "relay_drops_total",
		Help:      "Total signaling frames dropped instead of relayed",
	}, []string{"reason"})

	// CircuitBreakerState mirrors sony/gobreaker's state for the presence
	// broadcast coalescer: 0 closed, 1 open, 2 half-open.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// RateLimitExceeded counts WS-connect attempts rejected by the
	// per-IP flood guard.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total connection attempts rejected by the rate limiter",
	}, []string{"reason"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
