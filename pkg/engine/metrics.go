package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's prometheus collectors.
type Metrics struct {
	Requests        *prometheus.CounterVec
	Bails           *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	State           prometheus.Gauge
	ConnectAttempts prometheus.Counter
	PollTicks       prometheus.Counter
	PollSkipped     prometheus.Counter
	Peers           prometheus.Gauge
	CurrentBlock    prometheus.Gauge
	HighestBlock    prometheus.Gauge
	InstalledFilter prometheus.Gauge
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nodelink_requests_total",
			Help: "JSON-RPC requests completed, by method and outcome",
		}, []string{"method", "status"}),
		Bails: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nodelink_bails_total",
			Help: "Failures by severity",
		}, []string{"severity"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "nodelink_queue_depth",
			Help: "Requests waiting behind the one in flight",
		}),
		State: f.NewGauge(prometheus.GaugeOpts{
			Name: "nodelink_connection_state",
			Help: "Connection state (0 disconnected, 1 connecting, 2 connected, 3 syncing, 4 closing)",
		}),
		ConnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "nodelink_connect_attempts_total",
			Help: "Connection attempts to the local endpoint",
		}),
		PollTicks: f.NewCounter(prometheus.CounterOpts{
			Name: "nodelink_poll_ticks_total",
			Help: "Poll ticks handled",
		}),
		PollSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "nodelink_poll_skipped_total",
			Help: "Poll ticks skipped because the queue was backed up",
		}),
		Peers: f.NewGauge(prometheus.GaugeOpts{
			Name: "nodelink_peers",
			Help: "Peer count reported by the node",
		}),
		CurrentBlock: f.NewGauge(prometheus.GaugeOpts{
			Name: "nodelink_current_block",
			Help: "Latest block known to the node",
		}),
		HighestBlock: f.NewGauge(prometheus.GaugeOpts{
			Name: "nodelink_highest_block",
			Help: "Highest block seen on the network while syncing",
		}),
		InstalledFilter: f.NewGauge(prometheus.GaugeOpts{
			Name: "nodelink_filters_installed",
			Help: "Named event filters installed on the node",
		}),
	}
}
