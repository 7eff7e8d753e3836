package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var registerOnce sync.Once

var (
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalystnode_actions_total",
			Help: "Actions processed by the queue, by type and result.",
		},
		[]string{"type", "result"},
	)

	PropagationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalystnode_propagations_total",
			Help: "Propagations emitted by commits.",
		},
		[]string{"kind"},
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalystnode_dispatch_duration_seconds",
			Help:    "Latency of delivering one propagation.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
		},
		[]string{"kind"},
	)

	PeerSendErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalystnode_peer_send_errors_total",
			Help: "Outbound peer RPC failures.",
		},
		[]string{"peer", "kind"},
	)

	PeerSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "catalystnode_peer_sessions",
			Help: "Peer sessions by FSM state.",
		},
		[]string{"state"},
	)

	RIBRoutes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "catalystnode_rib_routes",
			Help: "Routes held in the RIB (local, internal).",
		},
		[]string{"kind"},
	)

	SnapshotVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalystnode_snapshot_version",
			Help: "Version of the latest published proxy snapshot.",
		},
	)

	PortsAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalystnode_ports_available",
			Help: "Free ports remaining in the allocator.",
		},
	)

	GatewayPushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalystnode_gateway_pushes_total",
			Help: "Gateway updateConfig calls by result.",
		},
		[]string{"result"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "catalystnode_queue_depth",
			Help: "Actions waiting in the queue.",
		},
	)
)

func Register() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		ActionsTotal,
		PropagationsTotal,
		DispatchDuration,
		PeerSendErrorsTotal,
		PeerSessions,
		RIBRoutes,
		SnapshotVersion,
		PortsAvailable,
		GatewayPushesTotal,
		QueueDepth,
	)
}
