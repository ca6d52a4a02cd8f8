package wstransport

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/ports"
	"github.com/carabina/PeerConnectivity/internal/infrastructure/signal"
)

type browser struct {
	t           *Transport
	serviceType string

	mu       sync.Mutex
	delegate ports.BrowserDelegate
	running  bool
	seen     map[domain.PeerID]bool
}

func (b *browser) SetDelegate(d ports.BrowserDelegate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delegate = d
}

func (b *browser) getDelegate() ports.BrowserDelegate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delegate
}

func (b *browser) StartBrowsing() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.seen = make(map[domain.PeerID]bool)
	b.mu.Unlock()

	b.t.addBrowser(b.serviceType, b)
	if err := b.t.write(signal.TypeBrowse, "", signal.ServicePayload{ServiceType: b.serviceType}); err != nil {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
		b.t.removeBrowser(b.serviceType, b)

		b.t.exec.Post(func() {
			if d := b.getDelegate(); d != nil {
				d.DidNotStartBrowsing(err)
			}
		})
	}
}

func (b *browser) StopBrowsing() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	if b.t.removeBrowser(b.serviceType, b) {
		if err := b.t.write(signal.TypeStopBrowse, "", signal.ServicePayload{ServiceType: b.serviceType}); err != nil {
			b.t.logger.Debug("failed to stop browsing", zap.Error(err))
		}
	}
}

// found reports peer once until it is lost again. The server may announce a
// peer both in the browse listing and as it starts advertising.
func (b *browser) found(peer domain.Peer, info map[string]string) {
	b.mu.Lock()
	if !b.running || b.seen[peer.ID] {
		b.mu.Unlock()
		return
	}
	b.seen[peer.ID] = true
	b.mu.Unlock()

	b.t.exec.Post(func() {
		if d := b.getDelegate(); d != nil {
			d.FoundPeer(peer, info)
		}
	})
}

func (b *browser) lost(peer domain.Peer) {
	b.mu.Lock()
	if !b.seen[peer.ID] {
		b.mu.Unlock()
		return
	}
	delete(b.seen, peer.ID)
	b.mu.Unlock()

	b.t.exec.Post(func() {
		if d := b.getDelegate(); d != nil {
			d.LostPeer(peer)
		}
	})
}

func (b *browser) InvitePeer(peer domain.Peer, s ports.Session, context []byte, timeout time.Duration) {
	inviter, ok := s.(*session)
	if !ok || inviter == nil {
		b.t.logger.Error("invitation needs a wstransport session",
			zap.String("peer", string(peer.ID)))
		return
	}

	b.t.setJoining(peer.ID, inviter)
	err := b.t.write(signal.TypeInvite, peer.ID, signal.InvitePayload{
		ServiceType: b.serviceType,
		Context:     context,
		TimeoutMs:   timeout.Milliseconds(),
	})
	if err != nil {
		b.t.logger.Debug("failed to send invitation", zap.String("peer", string(peer.ID)), zap.Error(err))
		b.t.clearJoining(peer.ID, inviter)
		inviter.notify(peer, domain.NotConnected)
	}
}

type advertiser struct {
	t           *Transport
	serviceType string
	info        map[string]string

	// onInvitation replaces the delegate when set. It runs on the executor.
	onInvitation func(from domain.Peer, context []byte, handler ports.InvitationHandler)

	mu       sync.Mutex
	delegate ports.AdvertiserDelegate
	running  bool
}

func (a *advertiser) SetDelegate(d ports.AdvertiserDelegate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delegate = d
}

func (a *advertiser) getDelegate() ports.AdvertiserDelegate {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.delegate
}

func (a *advertiser) StartAdvertising() {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.mu.Unlock()

	a.t.addAdvertiser(a.serviceType, a)
	err := a.t.write(signal.TypeAdvertise, "", signal.ServicePayload{ServiceType: a.serviceType, Info: a.info})
	if err != nil {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		a.t.removeAdvertiser(a.serviceType, a)

		a.t.exec.Post(func() {
			if d := a.getDelegate(); d != nil {
				d.DidNotStartAdvertising(err)
			}
		})
	}
}

func (a *advertiser) StopAdvertising() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	if a.t.removeAdvertiser(a.serviceType, a) {
		if err := a.t.write(signal.TypeStopAdvertise, "", signal.ServicePayload{ServiceType: a.serviceType}); err != nil {
			a.t.logger.Debug("failed to stop advertising", zap.Error(err))
		}
	}
}

// invited hands an invitation to the delegate. Without one the invitation
// is declined.
func (a *advertiser) invited(from domain.Peer, context []byte, handler ports.InvitationHandler) {
	a.t.exec.Post(func() {
		if a.onInvitation != nil {
			a.onInvitation(from, context, handler)
			return
		}
		d := a.getDelegate()
		if d == nil {
			handler(false, nil)
			return
		}
		d.ReceivedInvitation(from, context, handler)
	})
}
