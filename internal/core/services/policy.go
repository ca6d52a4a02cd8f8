package services

import (
	"go.uber.org/zap"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/drivers"
)

// installPolicy adds the reaction rules of the manager's connection type.
// Only Automatic installs any: InviteOnly leaves pairing to the assistants
// and Custom to the caller.
func (m *PeerConnectionManager) installPolicy() {
	if m.connectionType != domain.Automatic {
		return
	}

	m.browserBus.Subscribe(func(event drivers.BrowserEvent) {
		if e, ok := event.(drivers.FoundPeer); ok {
			m.InvitePeer(e.Peer, nil, m.inviteTimeout)
		}
	})

	// First accepted invitation wins: advertising stops right after, so no
	// later invitation reaches this rule.
	m.advertiserBus.Subscribe(func(event drivers.AdvertiserEvent) {
		e, ok := event.(drivers.ReceivedInvitation)
		if !ok || e.Handler == nil {
			return
		}
		if !m.acceptFilter(e.Peer, e.Context) {
			if e.Answer(false, nil) {
				m.logger.Info("declining invitation", zap.String("peer", string(e.Peer.ID)))
				m.metrics.InvitationAnswered(false)
			}
			return
		}
		if !e.Answer(true, m.session.Session()) {
			m.logger.Debug("invitation already answered by a listener",
				zap.String("peer", string(e.Peer.ID)))
			return
		}
		m.logger.Info("accepting invitation", zap.String("peer", string(e.Peer.ID)))
		m.metrics.InvitationAnswered(true)
		if m.advertiser.Running() {
			m.advertiser.StopAdvertising()
		}
	})

	m.sessionBus.Subscribe(func(event drivers.SessionEvent) {
		e, ok := event.(drivers.DevicesChanged)
		if !ok || e.Peer.State != domain.NotConnected {
			return
		}
		if m.state != Running || len(m.session.ConnectedPeers()) > 0 {
			return
		}
		m.logger.Warn("lost connection to every peer",
			zap.String("peer", string(e.Peer.ID)))
		if err := m.Refresh(nil); err != nil {
			m.logger.Error("failed to refresh after disconnect", zap.Error(err))
		}
	})
}
