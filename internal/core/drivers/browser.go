package drivers

import (
	"time"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/ports"
	"github.com/carabina/PeerConnectivity/pkg/observable"
)

// BrowserEvent is one occurrence on the discovery sub-protocol.
type BrowserEvent interface{ browserEvent() }

type FoundPeer struct {
	Peer domain.Peer
	Info map[string]string
}

type LostPeer struct {
	Peer domain.Peer
}

type DidNotStartBrowsing struct {
	Err error
}

func (FoundPeer) browserEvent()           {}
func (LostPeer) browserEvent()            {}
func (DidNotStartBrowsing) browserEvent() {}

// BrowserEventProducer implements ports.BrowserDelegate.
type BrowserEventProducer struct {
	observer *observable.Observable[BrowserEvent]
}

func NewBrowserEventProducer(observer *observable.Observable[BrowserEvent]) *BrowserEventProducer {
	return &BrowserEventProducer{observer: observer}
}

func (p *BrowserEventProducer) FoundPeer(peer domain.Peer, info map[string]string) {
	p.observer.Set(FoundPeer{Peer: peer, Info: info})
}

func (p *BrowserEventProducer) LostPeer(peer domain.Peer) {
	p.observer.Set(LostPeer{Peer: peer})
}

func (p *BrowserEventProducer) DidNotStartBrowsing(err error) {
	p.observer.Set(DidNotStartBrowsing{Err: err})
}

// Browser drives discovery for one session.
type Browser struct {
	session  *Session
	browser  ports.Browser
	producer *BrowserEventProducer
	running  bool
}

func NewBrowser(transport ports.Transport, session *Session, serviceType string, producer *BrowserEventProducer) *Browser {
	return &Browser{
		session:  session,
		browser:  transport.NewBrowser(serviceType),
		producer: producer,
	}
}

func (b *Browser) StartBrowsing() {
	b.browser.SetDelegate(b.producer)
	b.browser.StartBrowsing()
	b.running = true
}

// StopBrowsing detaches the producer before halting, so nothing the
// transport reports while shutting down reaches the bus.
func (b *Browser) StopBrowsing() {
	b.browser.SetDelegate(nil)
	b.browser.StopBrowsing()
	b.running = false
}

func (b *Browser) Running() bool {
	return b.running
}

// InvitePeer sends a one-shot invitation into the driver's session. An
// unanswered invitation expires after timeout; the transport reports that
// as an ordinary failed invitation.
func (b *Browser) InvitePeer(peer domain.Peer, context []byte, timeout time.Duration) {
	b.browser.InvitePeer(peer, b.session.Session(), context, timeout)
}
