package monitoring

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/ports"
	"github.com/carabina/PeerConnectivity/internal/infrastructure/signal"
)

var (
	_ ports.ConnectionMetrics = (*PrometheusCollector)(nil)
	_ signal.ServerMetrics    = (*PrometheusCollector)(nil)
)

func TestPrometheusCollector_ConnectionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.PeerFound()
	c.PeerFound()
	c.PeerLost()
	c.InvitationSent()
	c.InvitationAnswered(true)
	c.InvitationAnswered(false)
	c.InvitationAnswered(true)
	c.Refreshed()
	c.EventPublished("devicesChanged")
	c.BytesSent(128)
	c.BytesSent(72)
	c.ConnectedPeers(3)
	c.ConnectedPeers(2)
	c.ConnectionTypeStarted(domain.InviteOnly)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.peersFound))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.peersLost))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.invitationsSent))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.invitationsAnswered.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.invitationsAnswered.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.refreshes))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.eventsPublished.WithLabelValues("devicesChanged")))
	assert.Equal(t, 200.0, testutil.ToFloat64(c.bytesSent))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.connectedPeers))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.managersStarted.WithLabelValues(domain.InviteOnly.String())))
}

func TestPrometheusCollector_ServerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.MessageReceived("invite")
	c.MessageRejected("RATE_LIMITED")
	c.InvitationRelayed("accepted")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.connectionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.connectionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesReceived.WithLabelValues("invite")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesRejected.WithLabelValues("RATE_LIMITED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.invitationsRelayed.WithLabelValues("accepted")))

	count, err := testutil.GatherAndCount(reg, "peerconn_rendezvous_connections_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPrometheusCollector_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusCollector(prometheus.NewRegistry())
		NewPrometheusCollector(prometheus.NewRegistry())
	})

	reg := prometheus.NewRegistry()
	NewPrometheusCollector(reg)
	assert.Panics(t, func() { NewPrometheusCollector(reg) })
}
