package services

import (
	"io"
	"net/url"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/ports"
	"github.com/carabina/PeerConnectivity/pkg/codec"
	"github.com/carabina/PeerConnectivity/pkg/observable"
)

// DefaultCertificateListenerKey holds the listener that accepts every
// certificate. Register under this key, or remove it, to verify
// certificates yourself.
const DefaultCertificateListenerKey = "certificate-received"

// Listener is a bundle of callbacks over the merged event stream. Nil slots
// ignore their event.
type Listener struct {
	Ready               func()
	Started             func()
	DevicesChanged      func(peer domain.Peer, connected []domain.Peer)
	EventReceived       func(peer domain.Peer, event map[string]any)
	DataReceived        func(peer domain.Peer, data []byte)
	StreamReceived      func(peer domain.Peer, stream io.ReadCloser, name string)
	ResourceStarted     func(peer domain.Peer, name string, progress domain.Progress)
	ResourceFinished    func(peer domain.Peer, name string, location *url.URL, err error)
	CertificateReceived func(peer domain.Peer, certificate [][]byte, respond func(accept bool))
	Ended               func()
	Error               func(err error)
	FoundPeer           func(peer domain.Peer)
	LostPeer            func(peer domain.Peer)
	ReceivedInvitation  func(peer domain.Peer, context []byte, respond func(accept bool))
}

// ListenerHandle identifies a listener registered with ListenOn.
type ListenerHandle struct {
	key string
}

// Key returns the registry key behind h.
func (h ListenerHandle) Key() string {
	return h.key
}

// listenerRegistry fans the merged bus out to keyed listeners.
type listenerRegistry struct {
	bus     *observable.Multi[PeerConnectionEvent]
	session func() ports.Session
	logger  *zap.Logger
}

func newListenerRegistry(bus *observable.Multi[PeerConnectionEvent], session func() ports.Session, logger *zap.Logger) *listenerRegistry {
	return &listenerRegistry{bus: bus, session: session, logger: logger}
}

// listen stores l under key, replacing whatever was there.
func (r *listenerRegistry) listen(key string, l Listener) {
	r.bus.Add(key, func(event PeerConnectionEvent) {
		r.dispatch(l, event)
	})
}

func (r *listenerRegistry) listenWithHandle(l Listener) ListenerHandle {
	h := ListenerHandle{key: "listener-" + uuid.NewString()}
	r.listen(h.key, l)
	return h
}

func (r *listenerRegistry) remove(key string) {
	r.bus.Remove(key)
}

func (r *listenerRegistry) has(key string) bool {
	return r.bus.Has(key)
}

func (r *listenerRegistry) clear() {
	r.bus.Clear()
}

func (r *listenerRegistry) dispatch(l Listener, event PeerConnectionEvent) {
	switch e := event.(type) {
	case Ready:
		if l.Ready != nil {
			l.Ready()
		}
	case Started:
		if l.Started != nil {
			l.Started()
		}
	case FoundPeer:
		if l.FoundPeer != nil {
			l.FoundPeer(e.Peer)
		}
	case LostPeer:
		if l.LostPeer != nil {
			l.LostPeer(e.Peer)
		}
	case DevicesChanged:
		if l.DevicesChanged != nil {
			l.DevicesChanged(e.Peer, e.ConnectedPeers)
		}
	case ReceivedData:
		r.dispatchData(l, e)
	case ReceivedCertificate:
		if l.CertificateReceived != nil && e.Handler != nil {
			l.CertificateReceived(e.Peer, e.Certificate, func(accept bool) {
				e.Handler(accept)
			})
		}
	case ReceivedStream:
		if l.StreamReceived != nil {
			l.StreamReceived(e.Peer, e.Stream, e.Name)
		}
	case ResourceStarted:
		if l.ResourceStarted != nil {
			l.ResourceStarted(e.Peer, e.Name, e.Progress)
		}
	case ResourceFinished:
		if l.ResourceFinished != nil {
			l.ResourceFinished(e.Peer, e.Name, e.Location, e.Err)
		}
	case ReceivedInvitation:
		if l.ReceivedInvitation != nil {
			l.ReceivedInvitation(e.Peer, e.Context, r.responder(e))
		}
	case Ended:
		if l.Ended != nil {
			l.Ended()
		}
	case Error:
		if l.Error != nil {
			l.Error(e.Err)
		}
	}
}

// dispatchData routes encoded events to EventReceived and everything else
// to DataReceived.
func (r *listenerRegistry) dispatchData(l Listener, e ReceivedData) {
	if codec.IsEvent(e.Data) && l.EventReceived != nil {
		payload, err := codec.DecodeEvent(e.Data)
		if err == nil {
			l.EventReceived(e.Peer, payload)
			return
		}
		r.logger.Debug("undecodable event payload delivered as data",
			zap.String("peer", string(e.Peer.ID)),
			zap.Error(err))
	}
	if l.DataReceived != nil {
		l.DataReceived(e.Peer, e.Data)
	}
}

// responder hides the transport handler and the session it needs behind a
// plain accept/decline func.
func (r *listenerRegistry) responder(e ReceivedInvitation) func(bool) {
	return func(accept bool) {
		if e.Handler == nil {
			return
		}
		if accept {
			r.logger.Info("joining session", zap.String("peer", string(e.Peer.ID)))
		}
		e.Handler(accept, r.session())
	}
}

// defaultCertificateListener trusts every certificate.
func defaultCertificateListener(logger *zap.Logger) Listener {
	return Listener{
		CertificateReceived: func(peer domain.Peer, _ [][]byte, respond func(bool)) {
			logger.Debug("accepting certificate", zap.String("peer", string(peer.ID)))
			respond(true)
		},
	}
}
