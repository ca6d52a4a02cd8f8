package drivers

import (
	"io"
	"net/url"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/ports"
	"github.com/carabina/PeerConnectivity/pkg/observable"
)

// SessionEvent is one occurrence on the session transport.
type SessionEvent interface{ sessionEvent() }

// DevicesChanged reports a peer whose connection state changed; the new
// state is Peer.State.
type DevicesChanged struct {
	Peer domain.Peer
}

type ReceivedData struct {
	Peer domain.Peer
	Data []byte
}

type ReceivedCertificate struct {
	Peer        domain.Peer
	Certificate [][]byte
	Handler     ports.CertificateHandler
}

type ReceivedStream struct {
	Peer   domain.Peer
	Stream io.ReadCloser
	Name   string
}

type StartedReceivingResource struct {
	Peer     domain.Peer
	Name     string
	Progress domain.Progress
}

type FinishedReceivingResource struct {
	Peer     domain.Peer
	Name     string
	Location *url.URL
	Err      error
}

func (DevicesChanged) sessionEvent()            {}
func (ReceivedData) sessionEvent()              {}
func (ReceivedCertificate) sessionEvent()       {}
func (ReceivedStream) sessionEvent()            {}
func (StartedReceivingResource) sessionEvent()  {}
func (FinishedReceivingResource) sessionEvent() {}

// SessionEventProducer implements ports.SessionDelegate.
type SessionEventProducer struct {
	observer *observable.Observable[SessionEvent]
}

func NewSessionEventProducer(observer *observable.Observable[SessionEvent]) *SessionEventProducer {
	return &SessionEventProducer{observer: observer}
}

func (p *SessionEventProducer) PeerChangedState(peer domain.Peer, state domain.PeerState) {
	p.observer.Set(DevicesChanged{Peer: peer.WithState(state)})
}

func (p *SessionEventProducer) ReceivedData(peer domain.Peer, data []byte) {
	p.observer.Set(ReceivedData{Peer: peer, Data: data})
}

func (p *SessionEventProducer) ReceivedCertificate(peer domain.Peer, certificate [][]byte, handler ports.CertificateHandler) {
	p.observer.Set(ReceivedCertificate{Peer: peer, Certificate: certificate, Handler: ports.OnceCertificate(handler)})
}

func (p *SessionEventProducer) ReceivedStream(peer domain.Peer, stream io.ReadCloser, name string) {
	p.observer.Set(ReceivedStream{Peer: peer, Stream: stream, Name: name})
}

func (p *SessionEventProducer) StartedReceivingResource(peer domain.Peer, name string, progress domain.Progress) {
	p.observer.Set(StartedReceivingResource{Peer: peer, Name: name, Progress: progress})
}

func (p *SessionEventProducer) FinishedReceivingResource(peer domain.Peer, name string, location *url.URL, err error) {
	p.observer.Set(FinishedReceivingResource{Peer: peer, Name: name, Location: location, Err: err})
}

// Session owns the transport session every other driver joins peers into.
type Session struct {
	session  ports.Session
	producer *SessionEventProducer
	running  bool
}

func NewSession(transport ports.Transport, producer *SessionEventProducer) *Session {
	return &Session{
		session:  transport.NewSession(),
		producer: producer,
	}
}

func (s *Session) StartSession() {
	s.session.SetDelegate(s.producer)
	s.running = true
}

// StopSession detaches the producer and then disconnects. The disconnect's
// own state changes are queued under the detached attachment, so they never
// reach the bus, even after StartSession re-attaches.
func (s *Session) StopSession() {
	s.session.SetDelegate(nil)
	s.session.Disconnect()
	s.running = false
}

func (s *Session) Running() bool {
	return s.running
}

func (s *Session) Session() ports.Session {
	return s.session
}

func (s *Session) LocalPeer() domain.Peer {
	return s.session.LocalPeer()
}

// ConnectedPeers asks the transport every time; the list is never cached.
func (s *Session) ConnectedPeers() []domain.Peer {
	return s.session.ConnectedPeers()
}

func (s *Session) SendData(data []byte, peers []domain.Peer) error {
	return s.session.Send(data, peers)
}

func (s *Session) SendResource(location *url.URL, name string, peer domain.Peer, completion func(error)) domain.Progress {
	return s.session.SendResource(location, name, peer, completion)
}
