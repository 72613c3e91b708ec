package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway session metrics
var (
	ShardState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rateway_shard_state",
			Help: "Current session state per shard (1 for the active state, 0 otherwise)",
		},
		[]string{"shard", "state"},
	)

	GatewayEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rateway_gateway_events_total",
			Help: "Total number of dispatch events received from the gateway",
		},
		[]string{"event"},
	)

	GatewayPayloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rateway_gateway_payloads_total",
			Help: "Total number of gateway payloads received by opcode",
		},
		[]string{"op"},
	)

	HeartbeatLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rateway_heartbeat_latency_seconds",
			Help:    "Time between sending a heartbeat and receiving its ack",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"shard"},
	)

	ReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rateway_reconnects_total",
			Help: "Total number of session reconnects by reason and whether a resume was attempted",
		},
		[]string{"reason", "resume"},
	)

	IdentifyWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rateway_identify_wait_seconds",
			Help:    "Time spent waiting on the identify gate",
			Buckets: []float64{0.001, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rateway_gateway_commands_total",
			Help: "Total number of outbound gateway commands by result",
		},
		[]string{"result"},
	)
)

// Message bus metrics
var (
	BusPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rateway_bus_published_total",
			Help: "Total number of messages published to the bus",
		},
		[]string{"cluster", "kind"},
	)

	BusDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rateway_bus_deliveries_total",
			Help: "Total number of deliveries consumed from the incoming queue",
		},
		[]string{"cluster", "routing_key", "result"},
	)

	BusPublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rateway_bus_publish_duration_seconds",
			Help:    "Duration of bus publishes",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"cluster"},
	)
)

// Entity cache metrics
var (
	CacheQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rateway_cache_queries_total",
			Help: "Total number of cache queries by entity kind and result",
		},
		[]string{"kind", "result"},
	)

	CacheEntities = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rateway_cache_entities",
			Help: "Current number of cached entities by kind",
		},
		[]string{"kind"},
	)
)

// Health metrics
var (
	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rateway_component_health_status",
			Help: "Health status of components (0=unhealthy, 1=degraded, 2=healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rateway_component_health_check_duration_seconds",
			Help:    "Duration of component health checks",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1.0},
		},
		[]string{"component"},
	)
)
