package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the messenger server.
//
// Naming convention: namespace_subsystem_name
// - namespace: woorichat (application-level grouping)
// - subsystem: websocket, message, upload, state_store, maintenance (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, subscribed rooms)
// - Counter: Cumulative events (messages persisted, drops, degradations)
// - Histogram: Latency distributions (event handling, maintenance ticks)

var (
	// ActiveConnections tracks the current number of live websocket connections
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "woorichat",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// SubscribedRooms tracks rooms with at least one live subscriber on this instance
	SubscribedRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "woorichat",
		Subsystem: "websocket",
		Name:      "rooms_subscribed",
		Help:      "Rooms with at least one live subscriber on this instance",
	})

	// SocketEvents counts inbound events by name and outcome
	SocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "woorichat",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total inbound WebSocket events processed",
	}, []string{"event", "status"})

	// BroadcastDrops counts outbound frames dropped because a subscriber queue was full
	BroadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "woorichat",
		Subsystem: "websocket",
		Name:      "broadcast_drops_total",
		Help:      "Outbound frames dropped due to a full subscriber queue",
	})

	// EventHandlingDuration tracks time spent in inbound event handlers
	EventHandlingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "woorichat",
		Subsystem: "websocket",
		Name:      "event_handling_seconds",
		Help:      "Time spent handling inbound WebSocket events",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event"})

	// MessagesPersisted counts messages written to the store by type
	MessagesPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "woorichat",
		Subsystem: "message",
		Name:      "persisted_total",
		Help:      "Messages persisted to the store",
	}, []string{"type"})

	// UploadOutcomes counts upload pipeline results (clean, pending, infected, error, rejected)
	UploadOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "woorichat",
		Subsystem: "upload",
		Name:      "outcomes_total",
		Help:      "Upload pipeline outcomes",
	}, []string{"outcome"})

	// StateStoreDegradations counts permanent redis-to-memory fallbacks
	StateStoreDegradations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "woorichat",
		Subsystem: "state_store",
		Name:      "degradations_total",
		Help:      "Times the state store degraded from redis to memory",
	})

	// RateLimitExceeded counts rejected requests per endpoint and key type
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "woorichat",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected by rate limiting",
	}, []string{"endpoint", "key_type"})

	// MaintenanceTickDuration tracks how long each maintenance pass takes
	MaintenanceTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "woorichat",
		Subsystem: "maintenance",
		Name:      "tick_seconds",
		Help:      "Duration of maintenance loop iterations",
		Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10},
	})

	// CircuitBreakerState reports the pub/sub breaker state (0 closed, 1 open, 2 half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "woorichat",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state for the pub/sub bus (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// CircuitBreakerFailures counts publishes refused by an open breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "woorichat",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Operations refused by an open circuit breaker",
	}, []string{"backend"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
