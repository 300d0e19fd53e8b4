package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegistration(t *testing.T) {
	metrics := []prometheus.Collector{
		RelayConnectedPeers,
		RelayPeerConnectsTotal,
		RelayPeerDisconnectsTotal,
		RelayFramesReceivedTotal,
		RelayFramesSentTotal,
		RelayMergeErrorsTotal,
		RelaySendErrorsTotal,
		RelayInboxDepth,
		RelayEventDuration,
	}

	for _, metric := range metrics {
		desc := make(chan *prometheus.Desc, 8)
		metric.Describe(desc)
		close(desc)

		require.NotNil(t, <-desc, "metric should have a valid descriptor")
	}
}

func TestDisconnectCauses(t *testing.T) {
	RelayPeerDisconnectsTotal.Reset()

	RelayPeerDisconnectsTotal.WithLabelValues("read").Inc()
	RelayPeerDisconnectsTotal.WithLabelValues("read").Inc()
	RelayPeerDisconnectsTotal.WithLabelValues("write").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(RelayPeerDisconnectsTotal.WithLabelValues("read")))
	assert.Equal(t, 1.0, testutil.ToFloat64(RelayPeerDisconnectsTotal.WithLabelValues("write")))
}

func TestGaugeMetrics(t *testing.T) {
	RelayConnectedPeers.Set(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(RelayConnectedPeers))

	RelayInboxDepth.Set(12)
	assert.Equal(t, 12.0, testutil.ToFloat64(RelayInboxDepth))
}
