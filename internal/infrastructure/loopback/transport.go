package loopback

import (
	"io"
	"sync"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/ports"
)

// Transport is one peer's view of a Network. It implements ports.Transport.
type Transport struct {
	net   *Network
	local domain.Peer

	mu                  sync.Mutex
	session             *session
	advertiserAssistant *AdvertiserAssistant
	closed              bool
}

func (t *Transport) LocalPeer() domain.Peer {
	return t.local
}

// NewSession replaces the peer's session; data addressed to this peer is
// delivered to the newest one.
func (t *Transport) NewSession() ports.Session {
	s := &session{net: t.net, local: t.local}
	t.mu.Lock()
	t.session = s
	t.mu.Unlock()
	return s
}

func (t *Transport) currentSession() *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

func (t *Transport) NewBrowser(serviceType string) ports.Browser {
	return &browser{net: t.net, local: t.local, serviceType: serviceType}
}

func (t *Transport) NewAdvertiser(serviceType string, info map[string]string) ports.Advertiser {
	return &advertiser{net: t.net, local: t.local, serviceType: serviceType, info: info}
}

func (t *Transport) NewBrowserAssistant(serviceType string, s ports.Session) ports.BrowserAssistant {
	a := &BrowserAssistant{net: t.net, serviceType: serviceType}
	a.browser = &browser{net: t.net, local: t.local, serviceType: serviceType}
	if ls, ok := s.(*session); ok {
		a.session = ls
	}
	return a
}

func (t *Transport) NewAdvertiserAssistant(serviceType string, info map[string]string, s ports.Session) ports.AdvertiserAssistant {
	a := &AdvertiserAssistant{net: t.net, local: t.local, serviceType: serviceType, info: info}
	if ls, ok := s.(*session); ok {
		a.session = ls
	}
	t.mu.Lock()
	t.advertiserAssistant = a
	t.mu.Unlock()
	return a
}

// AdvertiserAssistant returns the most recently created advertiser
// assistant, where a host finds the invitations waiting for an answer.
func (t *Transport) AdvertiserAssistant() *AdvertiserAssistant {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.advertiserAssistant
}

// OpenStream opens a named stream to a connected peer over the current
// session.
func (t *Transport) OpenStream(peer domain.Peer, name string) (io.WriteCloser, error) {
	s := t.currentSession()
	if s == nil {
		return nil, domain.ErrPeerNotConnected
	}
	return s.OpenStream(peer, name)
}

// Close disconnects the peer's session and removes it from the network.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	s := t.session
	t.mu.Unlock()

	if s != nil {
		s.Disconnect()
	}
	t.net.leave(t)
	return nil
}
