package wstransport

import (
	"sort"
	"sync"
	"time"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/ports"
)

// BrowserAssistant stands in for a peer-picker UI. Its presentation handle
// is the assistant itself: a host lists Peers and calls Invite, then Finish
// or Cancel.
type BrowserAssistant struct {
	t       *Transport
	browser *browser
	session *session

	mu       sync.Mutex
	delegate ports.BrowserAssistantDelegate
	found    map[domain.PeerID]domain.Peer
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
	a.browser.StartBrowsing()
}

func (a *BrowserAssistant) Stop() {
	a.browser.StopBrowsing()
	a.mu.Lock()
	a.found = make(map[domain.PeerID]domain.Peer)
	a.mu.Unlock()
}

func (a *BrowserAssistant) PresentationHandle() any {
	return a
}

// Peers lists the peers found so far, ordered by ID.
func (a *BrowserAssistant) Peers() []domain.Peer {
	a.mu.Lock()
	defer a.mu.Unlock()
	peers := make([]domain.Peer, 0, len(a.found))
	for _, p := range a.found {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
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
	a.t.exec.Post(func() {
		if d := a.getDelegate(); d != nil {
			d.DidFinish()
		}
	})
}

// Cancel closes the picker as cancelled.
func (a *BrowserAssistant) Cancel() {
	a.t.exec.Post(func() {
		if d := a.getDelegate(); d != nil {
			d.WasCancelled()
		}
	})
}

// picker feeds the assistant's browser results into its peer list.
type picker struct{ a *BrowserAssistant }

func (p picker) FoundPeer(peer domain.Peer, _ map[string]string) {
	p.a.mu.Lock()
	defer p.a.mu.Unlock()
	p.a.found[peer.ID] = peer
}

func (p picker) LostPeer(peer domain.Peer) {
	p.a.mu.Lock()
	defer p.a.mu.Unlock()
	delete(p.a.found, peer.ID)
}

func (p picker) DidNotStartBrowsing(error) {}

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
	a.t.exec.Post(func() {
		var s ports.Session
		if a.session != nil {
			s = a.session
		}
		p.handler(accept, s)
		if d := a.getDelegate(); d != nil {
			d.DidDismissInvitation()
		}
	})
}

// AdvertiserAssistant advertises the local peer and queues every invitation
// as a Prompt for a person to answer.
type AdvertiserAssistant struct {
	t          *Transport
	advertiser *advertiser
	session    *session

	mu       sync.Mutex
	delegate ports.AdvertiserAssistantDelegate
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
	a.advertiser.StartAdvertising()
}

func (a *AdvertiserAssistant) Stop() {
	a.advertiser.StopAdvertising()
	a.mu.Lock()
	a.prompts = nil
	a.mu.Unlock()
}

// queue runs on the executor.
func (a *AdvertiserAssistant) queue(from domain.Peer, context []byte, handler ports.InvitationHandler) {
	a.mu.Lock()
	a.prompts = append(a.prompts, &Prompt{From: from, Context: context, assistant: a, handler: handler})
	d := a.delegate
	a.mu.Unlock()
	if d != nil {
		d.WillPresentInvitation()
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
