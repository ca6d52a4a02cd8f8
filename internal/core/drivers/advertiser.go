package drivers

import (
	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/ports"
	"github.com/carabina/PeerConnectivity/pkg/observable"
)

// AdvertiserEvent is one occurrence on the advertising sub-protocol.
type AdvertiserEvent interface{ advertiserEvent() }

// ReceivedInvitation carries the transport's handler, guarded so only the
// first answer reaches the transport.
type ReceivedInvitation struct {
	Peer    domain.Peer
	Context []byte
	Handler ports.InvitationHandler

	answer func(accept bool, session ports.Session) bool
}

// Answer responds through the same guard as Handler and reports whether
// this call was the one that reached the transport.
func (e ReceivedInvitation) Answer(accept bool, session ports.Session) bool {
	if e.answer != nil {
		return e.answer(accept, session)
	}
	if e.Handler == nil {
		return false
	}
	e.Handler(accept, session)
	return true
}

type DidNotStartAdvertising struct {
	Err error
}

func (ReceivedInvitation) advertiserEvent()     {}
func (DidNotStartAdvertising) advertiserEvent() {}

// AdvertiserEventProducer implements ports.AdvertiserDelegate.
type AdvertiserEventProducer struct {
	observer *observable.Observable[AdvertiserEvent]
}

func NewAdvertiserEventProducer(observer *observable.Observable[AdvertiserEvent]) *AdvertiserEventProducer {
	return &AdvertiserEventProducer{observer: observer}
}

func (p *AdvertiserEventProducer) ReceivedInvitation(peer domain.Peer, context []byte, handler ports.InvitationHandler) {
	answer := ports.TryOnceInvitation(handler)
	event := ReceivedInvitation{Peer: peer, Context: context, answer: answer}
	if answer != nil {
		event.Handler = func(accept bool, session ports.Session) { answer(accept, session) }
	}
	p.observer.Set(event)
}

func (p *AdvertiserEventProducer) DidNotStartAdvertising(err error) {
	p.observer.Set(DidNotStartAdvertising{Err: err})
}

// Advertiser announces the local peer and receives invitations.
type Advertiser struct {
	advertiser ports.Advertiser
	producer   *AdvertiserEventProducer
	running    bool
}

func NewAdvertiser(transport ports.Transport, serviceType string, info map[string]string, producer *AdvertiserEventProducer) *Advertiser {
	return &Advertiser{
		advertiser: transport.NewAdvertiser(serviceType, info),
		producer:   producer,
	}
}

func (a *Advertiser) StartAdvertising() {
	a.advertiser.SetDelegate(a.producer)
	a.advertiser.StartAdvertising()
	a.running = true
}

func (a *Advertiser) StopAdvertising() {
	a.advertiser.SetDelegate(nil)
	a.advertiser.StopAdvertising()
	a.running = false
}

func (a *Advertiser) Running() bool {
	return a.running
}
