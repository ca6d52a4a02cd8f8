package loopback

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/ports"
)

type browser struct {
	net         *Network
	local       domain.Peer
	serviceType string

	mu       sync.Mutex
	delegate ports.BrowserDelegate
	running  bool
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
	b.mu.Unlock()

	b.net.browse(b.serviceType, b)
}

func (b *browser) StopBrowsing() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	b.net.stopBrowse(b.serviceType, b)
}

func (b *browser) found(peer domain.Peer, info map[string]string) {
	b.net.exec.Post(func() {
		if d := b.getDelegate(); d != nil {
			d.FoundPeer(peer, info)
		}
	})
}

func (b *browser) lost(peer domain.Peer) {
	b.net.exec.Post(func() {
		if d := b.getDelegate(); d != nil {
			d.LostPeer(peer)
		}
	})
}

func (b *browser) InvitePeer(peer domain.Peer, s ports.Session, context []byte, timeout time.Duration) {
	inviter, ok := s.(*session)
	if !ok || inviter == nil {
		b.net.logger.Error("invitation needs a loopback session",
			zap.String("peer", string(peer.ID)))
		return
	}
	payload := append([]byte(nil), context...)
	b.net.exec.Post(func() {
		b.net.invite(inviter, b.serviceType, peer, payload, timeout)
	})
}

type advertiser struct {
	net         *Network
	local       domain.Peer
	serviceType string
	info        map[string]string

	mu       sync.Mutex
	delegate ports.AdvertiserDelegate
	listing  *listing
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
	if a.listing != nil {
		a.mu.Unlock()
		return
	}
	l := &listing{
		peer: a.local,
		info: a.info,
		receive: func(from domain.Peer, context []byte, handler ports.InvitationHandler) {
			d := a.getDelegate()
			if d == nil {
				handler(false, nil)
				return
			}
			d.ReceivedInvitation(from, context, handler)
		},
	}
	a.listing = l
	a.mu.Unlock()

	a.net.advertise(a.serviceType, l)
}

func (a *advertiser) StopAdvertising() {
	a.mu.Lock()
	l := a.listing
	a.listing = nil
	a.mu.Unlock()

	if l != nil {
		a.net.withdraw(a.serviceType, l)
	}
}
