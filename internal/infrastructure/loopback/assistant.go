package loopback

import (
	"sync"
	"time"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/ports"
)

// BrowserAssistant stands in for a peer-picker UI. Its presentation handle
// is the assistant itself: a host lists Peers and calls Invite, then Finish
// or Cancel.
type BrowserAssistant struct {
	net         *Network
	serviceType string
	browser     *browser
	session     *session

	mu       sync.Mutex
	delegate ports.BrowserAssistantDelegate
	running  bool
}

func (a *BrowserAssistant) SetDelegate(d ports.BrowserAssistantDelegate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delegate = d
}

func (a *BrowserAssistant) getDelegate() ports.BrowserAssistantDelegate {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.delegate
}

func (a *BrowserAssistant) Start() {
	a.mu.Lock()
	a.running = true
	a.mu.Unlock()
}

func (a *BrowserAssistant) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}

func (a *BrowserAssistant) PresentationHandle() any {
	return a
}

// Peers lists the other peers advertising the assistant's service type.
func (a *BrowserAssistant) Peers() []domain.Peer {
	var peers []domain.Peer
	for _, p := range a.net.Advertised(a.serviceType) {
		if p.ID != a.browser.local.ID {
			peers = append(peers, p)
		}
	}
	return peers
}

// Invite invites peer into the session the assistant was built with.
func (a *BrowserAssistant) Invite(peer domain.Peer, timeout time.Duration) {
	if a.session == nil {
		return
	}
	a.browser.InvitePeer(peer, a.session, nil, timeout)
}

// Finish closes the picker as done.
func (a *BrowserAssistant) Finish() {
	a.net.exec.Post(func() {
		if d := a.getDelegate(); d != nil {
			d.DidFinish()
		}
	})
}

// Cancel closes the picker as cancelled.
func (a *BrowserAssistant) Cancel() {
	a.net.exec.Post(func() {
		if d := a.getDelegate(); d != nil {
			d.WasCancelled()
		}
	})
}

// Prompt is an invitation waiting for a person to answer it.
type Prompt struct {
	From    domain.Peer
	Context []byte

	assistant *AdvertiserAssistant
	handler   ports.InvitationHandler
}

// Accept joins the inviting peer into the assistant's session.
func (p *Prompt) Accept() {
	p.answer(true)
}

func (p *Prompt) Decline() {
	p.answer(false)
}

func (p *Prompt) answer(accept bool) {
	a := p.assistant
	a.net.exec.Post(func() {
		p.handler(accept, a.session)
		if d := a.getDelegate(); d != nil {
			d.DidDismissInvitation()
		}
	})
}

// AdvertiserAssistant advertises the local peer and queues every invitation
// as a Prompt for a person to answer.
type AdvertiserAssistant struct {
	net         *Network
	local       domain.Peer
	serviceType string
	info        map[string]string
	session     *session

	mu       sync.Mutex
	delegate ports.AdvertiserAssistantDelegate
	listing  *listing
	prompts  []*Prompt
}

func (a *AdvertiserAssistant) SetDelegate(d ports.AdvertiserAssistantDelegate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delegate = d
}

func (a *AdvertiserAssistant) getDelegate() ports.AdvertiserAssistantDelegate {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.delegate
}

func (a *AdvertiserAssistant) Start() {
	a.mu.Lock()
	if a.listing != nil {
		a.mu.Unlock()
		return
	}
	l := &listing{
		peer: a.local,
		info: a.info,
		receive: func(from domain.Peer, context []byte, handler ports.InvitationHandler) {
			a.mu.Lock()
			a.prompts = append(a.prompts, &Prompt{From: from, Context: context, assistant: a, handler: handler})
			d := a.delegate
			a.mu.Unlock()
			if d != nil {
				d.WillPresentInvitation()
			}
		},
	}
	a.listing = l
	a.mu.Unlock()

	a.net.advertise(a.serviceType, l)
}

func (a *AdvertiserAssistant) Stop() {
	a.mu.Lock()
	l := a.listing
	a.listing = nil
	a.prompts = nil
	a.mu.Unlock()

	if l != nil {
		a.net.withdraw(a.serviceType, l)
	}
}

// Prompts returns and clears the invitations waiting for an answer.
func (a *AdvertiserAssistant) Prompts() []*Prompt {
	a.mu.Lock()
	defer a.mu.Unlock()
	prompts := a.prompts
	a.prompts = nil
	return prompts
}
