package testutil

import (
	"net/url"
	"time"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/ports"
)

// Transport records every object it creates and every call made on them, in
// one ordered log.
type Transport struct {
	Local domain.Peer
	Calls []string

	Session             *Session
	Browser             *Browser
	Advertiser          *Advertiser
	BrowserAssistant    *BrowserAssistant
	AdvertiserAssistant *AdvertiserAssistant
}

func NewTransport(local domain.Peer) *Transport {
	return &Transport{Local: local}
}

func (t *Transport) record(call string) {
	t.Calls = append(t.Calls, call)
}

// ResetCalls clears the call log.
func (t *Transport) ResetCalls() {
	t.Calls = nil
}

func (t *Transport) LocalPeer() domain.Peer { return t.Local }

func (t *Transport) NewSession() ports.Session {
	t.Session = &Session{transport: t}
	return t.Session
}

func (t *Transport) NewBrowser(serviceType string) ports.Browser {
	t.Browser = &Browser{transport: t, ServiceType: serviceType}
	return t.Browser
}

func (t *Transport) NewAdvertiser(serviceType string, info map[string]string) ports.Advertiser {
	t.Advertiser = &Advertiser{transport: t, ServiceType: serviceType, Info: info}
	return t.Advertiser
}

func (t *Transport) NewBrowserAssistant(serviceType string, session ports.Session) ports.BrowserAssistant {
	t.BrowserAssistant = &BrowserAssistant{transport: t, Handle: "browser-ui:" + serviceType}
	return t.BrowserAssistant
}

func (t *Transport) NewAdvertiserAssistant(serviceType string, info map[string]string, session ports.Session) ports.AdvertiserAssistant {
	t.AdvertiserAssistant = &AdvertiserAssistant{transport: t}
	return t.AdvertiserAssistant
}

type SentData struct {
	Data  []byte
	Peers []domain.Peer
}

type SentResource struct {
	Location   *url.URL
	Name       string
	Peer       domain.Peer
	Completion func(error)
	Progress   *domain.TransferProgress
}

type Session struct {
	transport *Transport
	delegate  ports.SessionDelegate

	Connected   []domain.Peer
	Sent        []SentData
	Resources   []SentResource
	Disconnects int
	SendErr     error
}

func (s *Session) SetDelegate(d ports.SessionDelegate) {
	if d == nil {
		s.transport.record("session.detach")
	} else {
		s.transport.record("session.attach")
	}
	s.delegate = d
}

func (s *Session) Delegate() ports.SessionDelegate { return s.delegate }

func (s *Session) LocalPeer() domain.Peer { return s.transport.Local }

func (s *Session) ConnectedPeers() []domain.Peer {
	return append([]domain.Peer(nil), s.Connected...)
}

func (s *Session) Send(data []byte, peers []domain.Peer) error {
	if s.SendErr != nil {
		return s.SendErr
	}
	s.Sent = append(s.Sent, SentData{Data: data, Peers: peers})
	return nil
}

func (s *Session) SendResource(location *url.URL, name string, peer domain.Peer, completion func(error)) domain.Progress {
	progress := domain.NewTransferProgress(0, nil)
	s.Resources = append(s.Resources, SentResource{
		Location:   location,
		Name:       name,
		Peer:       peer,
		Completion: completion,
		Progress:   progress,
	})
	return progress
}

func (s *Session) Disconnect() {
	s.transport.record("session.disconnect")
	s.Disconnects++
	s.Connected = nil
}

// Connect marks peer connected and reports it to the delegate, if any.
func (s *Session) Connect(peer domain.Peer) {
	peer = peer.WithState(domain.Connected)
	if domain.IndexOfPeer(s.Connected, peer.ID) < 0 {
		s.Connected = append(s.Connected, peer)
	}
	if s.delegate != nil {
		s.delegate.PeerChangedState(peer, domain.Connected)
	}
}

// Drop removes peer and reports NotConnected to the delegate, if any.
func (s *Session) Drop(peer domain.Peer) {
	if i := domain.IndexOfPeer(s.Connected, peer.ID); i >= 0 {
		s.Connected = append(s.Connected[:i], s.Connected[i+1:]...)
	}
	if s.delegate != nil {
		s.delegate.PeerChangedState(peer, domain.NotConnected)
	}
}

type Invite struct {
	Peer    domain.Peer
	Session ports.Session
	Context []byte
	Timeout time.Duration
}

type Browser struct {
	transport   *Transport
	delegate    ports.BrowserDelegate
	ServiceType string
	Starts      int
	Stops       int
	Invites     []Invite
}

func (b *Browser) SetDelegate(d ports.BrowserDelegate) { b.delegate = d }

func (b *Browser) Delegate() ports.BrowserDelegate { return b.delegate }

func (b *Browser) StartBrowsing() {
	b.transport.record("browser.start")
	b.Starts++
}

func (b *Browser) StopBrowsing() {
	b.transport.record("browser.stop")
	b.Stops++
}

func (b *Browser) InvitePeer(peer domain.Peer, session ports.Session, context []byte, timeout time.Duration) {
	b.transport.record("browser.invite:" + string(peer.ID))
	b.Invites = append(b.Invites, Invite{Peer: peer, Session: session, Context: context, Timeout: timeout})
}

// Find reports peer to the delegate, if any.
func (b *Browser) Find(peer domain.Peer) {
	if b.delegate != nil {
		b.delegate.FoundPeer(peer, nil)
	}
}

// Lose reports peer lost to the delegate, if any.
func (b *Browser) Lose(peer domain.Peer) {
	if b.delegate != nil {
		b.delegate.LostPeer(peer)
	}
}

// Answer is one call of an invitation handler.
type Answer struct {
	Accept  bool
	Session ports.Session
}

type Advertiser struct {
	transport   *Transport
	delegate    ports.AdvertiserDelegate
	ServiceType string
	Info        map[string]string
	Starts      int
	Stops       int
}

func (a *Advertiser) SetDelegate(d ports.AdvertiserDelegate) { a.delegate = d }

func (a *Advertiser) Delegate() ports.AdvertiserDelegate { return a.delegate }

func (a *Advertiser) StartAdvertising() {
	a.transport.record("advertiser.start")
	a.Starts++
}

func (a *Advertiser) StopAdvertising() {
	a.transport.record("advertiser.stop")
	a.Stops++
}

// Invite delivers an invitation from peer and returns the answers the
// handler receives.
func (a *Advertiser) Invite(peer domain.Peer, context []byte) *[]Answer {
	answers := &[]Answer{}
	if a.delegate != nil {
		a.delegate.ReceivedInvitation(peer, context, func(accept bool, session ports.Session) {
			*answers = append(*answers, Answer{Accept: accept, Session: session})
		})
	}
	return answers
}

type BrowserAssistant struct {
	transport *Transport
	delegate  ports.BrowserAssistantDelegate
	Handle    string
	Starts    int
	Stops     int
}

func (b *BrowserAssistant) SetDelegate(d ports.BrowserAssistantDelegate) { b.delegate = d }

func (b *BrowserAssistant) Delegate() ports.BrowserAssistantDelegate { return b.delegate }

func (b *BrowserAssistant) Start() {
	b.transport.record("browser_assistant.start")
	b.Starts++
}

func (b *BrowserAssistant) Stop() {
	b.transport.record("browser_assistant.stop")
	b.Stops++
}

func (b *BrowserAssistant) PresentationHandle() any { return b.Handle }

type AdvertiserAssistant struct {
	transport *Transport
	delegate  ports.AdvertiserAssistantDelegate
	Starts    int
	Stops     int
}

func (a *AdvertiserAssistant) SetDelegate(d ports.AdvertiserAssistantDelegate) { a.delegate = d }

func (a *AdvertiserAssistant) Delegate() ports.AdvertiserAssistantDelegate { return a.delegate }

func (a *AdvertiserAssistant) Start() {
	a.transport.record("advertiser_assistant.start")
	a.Starts++
}

func (a *AdvertiserAssistant) Stop() {
	a.transport.record("advertiser_assistant.stop")
	a.Stops++
}
