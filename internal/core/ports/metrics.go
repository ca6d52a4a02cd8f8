package ports

import "github.com/carabina/PeerConnectivity/internal/core/domain"

// ConnectionMetrics receives counters from a connection manager.
type ConnectionMetrics interface {
	PeerFound()
	PeerLost()
	InvitationSent()
	InvitationAnswered(accepted bool)
	Refreshed()
	EventPublished(kind string)
	BytesSent(n int)
	ConnectedPeers(n int)
	ConnectionTypeStarted(t domain.PeerConnectionType)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) PeerFound()                                       {}
func (NopMetrics) PeerLost()                                        {}
func (NopMetrics) InvitationSent()                                  {}
func (NopMetrics) InvitationAnswered(bool)                          {}
func (NopMetrics) Refreshed()                                       {}
func (NopMetrics) EventPublished(string)                            {}
func (NopMetrics) BytesSent(int)                                    {}
func (NopMetrics) ConnectedPeers(int)                               {}
func (NopMetrics) ConnectionTypeStarted(domain.PeerConnectionType) {}
