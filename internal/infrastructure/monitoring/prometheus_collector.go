package monitoring

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
)

// PrometheusCollector records connection manager and rendezvous server
// metrics. It satisfies ports.ConnectionMetrics and signal.ServerMetrics.
type PrometheusCollector struct {
	// Connection manager
	peersFound          prometheus.Counter
	peersLost           prometheus.Counter
	invitationsSent     prometheus.Counter
	invitationsAnswered *prometheus.CounterVec
	refreshes           prometheus.Counter
	eventsPublished     *prometheus.CounterVec
	bytesSent           prometheus.Counter
	connectedPeers      prometheus.Gauge
	managersStarted     *prometheus.CounterVec

	// Rendezvous server
	connectionsActive   prometheus.Gauge
	connectionsTotal    prometheus.Counter
	messagesReceived    *prometheus.CounterVec
	messagesRejected    *prometheus.CounterVec
	invitationsRelayed  *prometheus.CounterVec
}

// NewPrometheusCollector registers every metric on reg. A nil reg uses the
// default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		peersFound: factory.NewCounter(prometheus.CounterOpts{
			Name: "peerconn_peers_found_total",
			Help: "Total number of peers found while browsing",
		}),

		peersLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "peerconn_peers_lost_total",
			Help: "Total number of found peers that went away",
		}),

		invitationsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "peerconn_invitations_sent_total",
			Help: "Total number of invitations sent",
		}),

		invitationsAnswered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerconn_invitations_answered_total",
			Help: "Total number of invitations answered, by outcome",
		}, []string{"accepted"}),

		refreshes: factory.NewCounter(prometheus.CounterOpts{
			Name: "peerconn_refreshes_total",
			Help: "Total number of connection manager refreshes",
		}),

		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerconn_events_published_total",
			Help: "Total number of events published to listeners",
		}, []string{"kind"}),

		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "peerconn_data_sent_bytes_total",
			Help: "Total amount of data sent to peers in bytes",
		}),

		connectedPeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peerconn_connected_peers",
			Help: "Number of peers currently in session",
		}),

		managersStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerconn_managers_started_total",
			Help: "Total number of connection manager starts, by connection type",
		}, []string{"connection_type"}),

		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peerconn_rendezvous_connections",
			Help: "Number of peers attached to this rendezvous instance",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "peerconn_rendezvous_connections_total",
			Help: "Total number of WebSocket connections accepted",
		}),

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerconn_rendezvous_messages_total",
			Help: "Total number of signaling messages received, by type",
		}, []string{"type"}),

		messagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerconn_rendezvous_messages_rejected_total",
			Help: "Total number of rejected requests, by error code",
		}, []string{"code"}),

		invitationsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerconn_rendezvous_invitations_total",
			Help: "Total number of brokered invitations, by outcome",
		}, []string{"outcome"}),
	}
}

func (p *PrometheusCollector) PeerFound() {
	p.peersFound.Inc()
}

func (p *PrometheusCollector) PeerLost() {
	p.peersLost.Inc()
}

func (p *PrometheusCollector) InvitationSent() {
	p.invitationsSent.Inc()
}

func (p *PrometheusCollector) InvitationAnswered(accepted bool) {
	p.invitationsAnswered.WithLabelValues(strconv.FormatBool(accepted)).Inc()
}

func (p *PrometheusCollector) Refreshed() {
	p.refreshes.Inc()
}

func (p *PrometheusCollector) EventPublished(kind string) {
	p.eventsPublished.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) BytesSent(n int) {
	p.bytesSent.Add(float64(n))
}

func (p *PrometheusCollector) ConnectedPeers(n int) {
	p.connectedPeers.Set(float64(n))
}

func (p *PrometheusCollector) ConnectionTypeStarted(t domain.PeerConnectionType) {
	p.managersStarted.WithLabelValues(t.String()).Inc()
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.connectionsActive.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.connectionsActive.Dec()
}

func (p *PrometheusCollector) MessageReceived(msgType string) {
	p.messagesReceived.WithLabelValues(msgType).Inc()
}

func (p *PrometheusCollector) MessageRejected(code string) {
	p.messagesRejected.WithLabelValues(code).Inc()
}

func (p *PrometheusCollector) InvitationRelayed(outcome string) {
	p.invitationsRelayed.WithLabelValues(outcome).Inc()
}
