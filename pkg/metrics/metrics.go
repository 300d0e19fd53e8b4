package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Coordinator Metrics
var (
	// RelayConnectedPeers tracks peers currently registered with the coordinator
	RelayConnectedPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connected_peers",
			Help: "Number of peers currently registered with the coordinator",
		},
	)

	// RelayPeerConnectsTotal tracks peers registered since start
	RelayPeerConnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_peer_connects_total",
			Help: "Total peers registered with the coordinator",
		},
	)

	// RelayPeerDisconnectsTotal tracks peer removals by cause (read, write, merge, shutdown)
	RelayPeerDisconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_peer_disconnects_total",
			Help: "Total peers removed from the coordinator by cause",
		},
		[]string{"cause"},
	)

	RelayFramesReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_frames_received_total",
			Help: "Total sync frames merged or rejected by the coordinator",
		},
	)

	RelayFramesSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_frames_sent_total",
			Help: "Total sync frames written to peers",
		},
	)

	// RelayMergeErrorsTotal tracks frames that decoded but could not be merged
	RelayMergeErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_merge_errors_total",
			Help: "Total inbound frames dropped because they failed to merge",
		},
	)

	RelaySendErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_send_errors_total",
			Help: "Total outbound frames that failed to write",
		},
	)

	// RelayInboxDepth tracks the coordinator inbox length sampled at each event
	RelayInboxDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_inbox_depth",
			Help: "Number of events waiting in the coordinator inbox",
		},
	)

	// RelayEventDuration tracks how long the coordinator spends on one event including fan-out
	RelayEventDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_event_duration_seconds",
			Help:    "Time spent processing one coordinator event in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"event"},
	)
)
