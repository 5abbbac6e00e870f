package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HostsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harbormaster_hosts_total",
		Help: "Number of registered Docker hosts.",
	})
	HostsUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harbormaster_hosts_up",
		Help: "Number of hosts currently reachable.",
	})
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harbormaster_operations_total",
		Help: "Total Docker operations routed, by operation and outcome.",
	}, []string{"operation", "outcome"})
	OperationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harbormaster_operation_duration_seconds",
		Help:    "Duration of routed Docker operations.",
		Buckets: prometheus.DefBuckets,
	})
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "harbormaster_breaker_state",
		Help: "Circuit breaker state per host (0=closed, 1=half-open, 2=open).",
	}, []string{"host"})
	BreakerTrips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harbormaster_breaker_trips_total",
		Help: "Total number of circuit breaker open transitions.",
	})
	ActiveStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "harbormaster_active_streams",
		Help: "Number of active shared upstream streams, by kind.",
	}, []string{"kind"})
	StreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harbormaster_stream_subscribers",
		Help: "Number of attached stream subscribers.",
	})
	StreamDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harbormaster_stream_drops_total",
		Help: "Subscribers dropped for falling behind, by kind.",
	}, []string{"kind"})
	AuditQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harbormaster_audit_queue_depth",
		Help: "Audit events waiting for the writer.",
	})
	AuditSyncWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harbormaster_audit_sync_writes_total",
		Help: "Audit events written synchronously because the queue was full.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harbormaster_auth_failures_total",
		Help: "Authentication failures by reason.",
	}, []string{"reason"})
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harbormaster_ws_connections",
		Help: "Open WebSocket connections.",
	})
)
