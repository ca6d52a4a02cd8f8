// Package loopback is an in-process transport. Peers joined to one Network
// discover each other by service type, pair through invitations and a
// certificate round, and exchange data, streams and file resources.
//
// Every callback is posted to the Network's executor. With a dispatch.Queue
// the host drains it on its own goroutine; dispatch.Inline delivers
// callbacks synchronously, which suits tests that never hit a timeout.
package loopback

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/ports"
	"github.com/carabina/PeerConnectivity/pkg/dispatch"
)

type Option func(*Network)

func WithLogger(logger *zap.Logger) Option {
	return func(n *Network) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithResourceDir sets where received resources are written. It defaults to
// os.TempDir().
func WithResourceDir(dir string) Option {
	return func(n *Network) { n.dir = dir }
}

type Network struct {
	exec   dispatch.Executor
	logger *zap.Logger
	dir    string

	mu          sync.Mutex
	transports  map[domain.PeerID]*Transport
	advertisers map[string][]*listing
	browsers    map[string][]*browser
}

// listing is one advertised peer. receive runs on the executor.
type listing struct {
	peer    domain.Peer
	info    map[string]string
	receive func(from domain.Peer, context []byte, handler ports.InvitationHandler)
}

func NewNetwork(exec dispatch.Executor, opts ...Option) *Network {
	n := &Network{
		exec:        exec,
		logger:      zap.NewNop(),
		dir:         os.TempDir(),
		transports:  make(map[domain.PeerID]*Transport),
		advertisers: make(map[string][]*listing),
		browsers:    make(map[string][]*browser),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Join adds peer to the network and returns its transport.
func (n *Network) Join(peer domain.Peer) (*Transport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.transports[peer.ID]; exists {
		return nil, fmt.Errorf("peer %s already joined", peer.ID)
	}
	t := &Transport{net: n, local: peer.WithState(domain.NotConnected)}
	n.transports[peer.ID] = t
	n.logger.Debug("peer joined loopback network", zap.String("peer", string(peer.ID)))
	return t, nil
}

func (n *Network) leave(t *Transport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.transports, t.local.ID)
}

func (n *Network) sessionOf(id domain.PeerID) *session {
	n.mu.Lock()
	t := n.transports[id]
	n.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.currentSession()
}

func (n *Network) advertise(serviceType string, l *listing) {
	n.mu.Lock()
	n.advertisers[serviceType] = append(n.advertisers[serviceType], l)
	browsers := append([]*browser(nil), n.browsers[serviceType]...)
	n.mu.Unlock()

	for _, b := range browsers {
		if b.local.ID != l.peer.ID {
			b.found(l.peer, l.info)
		}
	}
}

func (n *Network) withdraw(serviceType string, l *listing) {
	n.mu.Lock()
	n.advertisers[serviceType] = removeItem(n.advertisers[serviceType], l)
	browsers := append([]*browser(nil), n.browsers[serviceType]...)
	n.mu.Unlock()

	for _, b := range browsers {
		if b.local.ID != l.peer.ID {
			b.lost(l.peer)
		}
	}
}

func (n *Network) browse(serviceType string, b *browser) {
	n.mu.Lock()
	n.browsers[serviceType] = append(n.browsers[serviceType], b)
	listings := append([]*listing(nil), n.advertisers[serviceType]...)
	n.mu.Unlock()

	seen := make(map[domain.PeerID]bool)
	for _, l := range listings {
		if l.peer.ID == b.local.ID || seen[l.peer.ID] {
			continue
		}
		seen[l.peer.ID] = true
		b.found(l.peer, l.info)
	}
}

func (n *Network) stopBrowse(serviceType string, b *browser) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.browsers[serviceType] = removeItem(n.browsers[serviceType], b)
}

func (n *Network) findListing(serviceType string, id domain.PeerID) *listing {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, l := range n.advertisers[serviceType] {
		if l.peer.ID == id {
			return l
		}
	}
	return nil
}

// Advertised returns the peers currently advertising serviceType.
func (n *Network) Advertised(serviceType string) []domain.Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	var peers []domain.Peer
	for _, l := range n.advertisers[serviceType] {
		if domain.IndexOfPeer(peers, l.peer.ID) < 0 {
			peers = append(peers, l.peer)
		}
	}
	return peers
}

// invitation is answered at most once, either by its handler or by its
// timeout.
type invitation struct {
	mu    sync.Mutex
	done  bool
	timer *time.Timer
}

func (i *invitation) finish() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.done {
		return false
	}
	i.done = true
	if i.timer != nil {
		i.timer.Stop()
	}
	return true
}

// invite runs on the executor.
func (n *Network) invite(inviter *session, serviceType string, peer domain.Peer, context []byte, timeout time.Duration) {
	log := n.logger.With(
		zap.String("from", string(inviter.local.ID)),
		zap.String("to", string(peer.ID)))

	target := n.findListing(serviceType, peer.ID)
	if target == nil {
		log.Debug("invited peer is not advertising")
		inviter.notify(peer, domain.NotConnected)
		return
	}

	inviter.notify(target.peer, domain.Connecting)

	inv := &invitation{}
	if timeout > 0 {
		inv.mu.Lock()
		inv.timer = time.AfterFunc(timeout, func() {
			n.exec.Post(func() {
				if inv.finish() {
					log.Debug("invitation expired", zap.Error(domain.ErrInvitationTimeout))
					inviter.notify(target.peer, domain.NotConnected)
				}
			})
		})
		inv.mu.Unlock()
	}

	handler := func(accept bool, s ports.Session) {
		if !inv.finish() {
			log.Debug("invitation already answered", zap.Error(domain.ErrResponderUsed))
			return
		}
		accepter, ok := s.(*session)
		if !accept || !ok || accepter == nil {
			log.Debug("invitation declined", zap.Error(domain.ErrInvitationDeclined))
			inviter.notify(target.peer, domain.NotConnected)
			return
		}
		n.connect(inviter, accepter)
	}

	target.receive(inviter.local, context, handler)
}

// handshake tracks the certificate round between two sessions.
type handshake struct {
	mu       sync.Mutex
	pending  int
	rejected bool
}

func (h *handshake) answer(accept bool) (complete, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !accept {
		h.rejected = true
	}
	h.pending--
	return h.pending == 0, !h.rejected
}

func certificateFor(peer domain.Peer) [][]byte {
	return [][]byte{[]byte("loopback-cert:" + string(peer.ID))}
}

// connect runs the certificate round and, when both sides accept, links the
// sessions.
func (n *Network) connect(a, b *session) {
	if a.isMember(b.local.ID) && b.isMember(a.local.ID) {
		a.notify(b.local, domain.Connected)
		return
	}

	b.notify(a.local, domain.Connecting)

	hs := &handshake{pending: 2}
	settle := func(accept bool) {
		complete, ok := hs.answer(accept)
		if !complete {
			return
		}
		if !ok {
			n.logger.Debug("certificate rejected",
				zap.String("a", string(a.local.ID)),
				zap.String("b", string(b.local.ID)))
			a.notify(b.local, domain.NotConnected)
			b.notify(a.local, domain.NotConnected)
			return
		}
		a.addMember(b.local)
		b.addMember(a.local)
		a.notify(b.local, domain.Connected)
		b.notify(a.local, domain.Connected)
	}

	a.offerCertificate(b.local, certificateFor(b.local), ports.OnceCertificate(settle))
	b.offerCertificate(a.local, certificateFor(a.local), ports.OnceCertificate(settle))
}

func removeItem[T comparable](items []T, item T) []T {
	for i, it := range items {
		if it == item {
			return append(items[:i:i], items[i+1:]...)
		}
	}
	return items
}
