package ports

import (
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
)

// InvitationHandler answers one invitation. Accepting joins the inviting
// peer into session. Transports treat a second call as a no-op.
type InvitationHandler func(accept bool, session Session)

// CertificateHandler decides whether a peer's certificate is trusted.
type CertificateHandler func(accept bool)

// OnceInvitation returns a handler that forwards only its first call to h.
func OnceInvitation(h InvitationHandler) InvitationHandler {
	try := TryOnceInvitation(h)
	if try == nil {
		return nil
	}
	return func(accept bool, session Session) { try(accept, session) }
}

// TryOnceInvitation is OnceInvitation for callers that need to know whether
// their answer was the one forwarded to h.
func TryOnceInvitation(h InvitationHandler) func(accept bool, session Session) bool {
	if h == nil {
		return nil
	}
	var once sync.Once
	return func(accept bool, session Session) bool {
		forwarded := false
		once.Do(func() {
			forwarded = true
			h(accept, session)
		})
		return forwarded
	}
}

// OnceCertificate returns a handler that forwards only its first call to h.
func OnceCertificate(h CertificateHandler) CertificateHandler {
	if h == nil {
		return nil
	}
	var once sync.Once
	return func(accept bool) {
		once.Do(func() { h(accept) })
	}
}

// Transport creates the sub-protocol objects for one local peer.
type Transport interface {
	LocalPeer() domain.Peer
	NewSession() Session
	NewBrowser(serviceType string) Browser
	NewAdvertiser(serviceType string, info map[string]string) Advertiser
	NewBrowserAssistant(serviceType string, session Session) BrowserAssistant
	NewAdvertiserAssistant(serviceType string, info map[string]string, session Session) AdvertiserAssistant
}

type SessionDelegate interface {
	PeerChangedState(peer domain.Peer, state domain.PeerState)
	ReceivedData(peer domain.Peer, data []byte)
	ReceivedCertificate(peer domain.Peer, certificate [][]byte, handler CertificateHandler)
	ReceivedStream(peer domain.Peer, stream io.ReadCloser, name string)
	StartedReceivingResource(peer domain.Peer, name string, progress domain.Progress)
	FinishedReceivingResource(peer domain.Peer, name string, location *url.URL, err error)
}

// Session is the channel data, streams and resources flow through once
// peers are connected.
type Session interface {
	// SetDelegate attaches d as the callback target; nil detaches. State
	// changes queued before the call are not delivered to d.
	SetDelegate(d SessionDelegate)
	LocalPeer() domain.Peer
	ConnectedPeers() []domain.Peer
	Send(data []byte, peers []domain.Peer) error
	SendResource(location *url.URL, name string, peer domain.Peer, completion func(error)) domain.Progress
	Disconnect()
}

type BrowserDelegate interface {
	FoundPeer(peer domain.Peer, info map[string]string)
	LostPeer(peer domain.Peer)
	DidNotStartBrowsing(err error)
}

type Browser interface {
	SetDelegate(d BrowserDelegate)
	StartBrowsing()
	StopBrowsing()
	InvitePeer(peer domain.Peer, session Session, context []byte, timeout time.Duration)
}

type AdvertiserDelegate interface {
	ReceivedInvitation(peer domain.Peer, context []byte, handler InvitationHandler)
	DidNotStartAdvertising(err error)
}

type Advertiser interface {
	SetDelegate(d AdvertiserDelegate)
	StartAdvertising()
	StopAdvertising()
}

type BrowserAssistantDelegate interface {
	DidFinish()
	WasCancelled()
}

// BrowserAssistant is a browser whose invite decisions are made by a human
// through a presentable UI.
type BrowserAssistant interface {
	SetDelegate(d BrowserAssistantDelegate)
	Start()
	Stop()
	// PresentationHandle returns whatever the host needs to show the
	// browsing UI.
	PresentationHandle() any
}

type AdvertiserAssistantDelegate interface {
	WillPresentInvitation()
	DidDismissInvitation()
}

type AdvertiserAssistant interface {
	SetDelegate(d AdvertiserAssistantDelegate)
	Start()
	Stop()
}
