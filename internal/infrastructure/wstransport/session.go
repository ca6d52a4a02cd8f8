package wstransport

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/ports"
	"github.com/carabina/PeerConnectivity/internal/infrastructure/signal"
)

type session struct {
	t     *Transport
	local domain.Peer

	mu       sync.Mutex
	delegate ports.SessionDelegate
	attach   uint64
	members  []domain.Peer
}

// SetDelegate starts a new attachment. State changes queued under an
// earlier one are dropped.
func (s *session) SetDelegate(d ports.SessionDelegate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delegate = d
	s.attach++
}

func (s *session) attachment() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attach
}

// delegateFor returns the delegate if attachment is still current.
func (s *session) delegateFor(attachment uint64) ports.SessionDelegate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attach != attachment {
		return nil
	}
	return s.delegate
}

func (s *session) getDelegate() ports.SessionDelegate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delegate
}

func (s *session) LocalPeer() domain.Peer {
	return s.local
}

func (s *session) ConnectedPeers() []domain.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Peer(nil), s.members...)
}

func (s *session) isMember(id domain.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.IndexOfPeer(s.members, id) >= 0
}

func (s *session) addMember(peer domain.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if domain.IndexOfPeer(s.members, peer.ID) < 0 {
		s.members = append(s.members, peer.WithState(domain.Connected))
	}
}

func (s *session) removeMember(id domain.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := domain.IndexOfPeer(s.members, id)
	if i < 0 {
		return false
	}
	s.members = append(s.members[:i:i], s.members[i+1:]...)
	return true
}

// notify posts a state change of peer. It reaches the delegate only if no
// SetDelegate happened in between.
func (s *session) notify(peer domain.Peer, state domain.PeerState) {
	attachment := s.attachment()
	s.t.exec.Post(func() {
		if d := s.delegateFor(attachment); d != nil {
			d.PeerChangedState(peer.WithState(state), state)
		}
	})
}

// offerCertificate asks the delegate to trust peer. Without a delegate the
// certificate is accepted.
func (s *session) offerCertificate(peer domain.Peer, certificate [][]byte, handler ports.CertificateHandler) {
	s.t.exec.Post(func() {
		d := s.getDelegate()
		if d == nil {
			handler(true)
			return
		}
		d.ReceivedCertificate(peer, certificate, handler)
	})
}

func (s *session) receiveData(peer domain.Peer, data []byte) {
	s.t.exec.Post(func() {
		if d := s.getDelegate(); d != nil {
			d.ReceivedData(peer, data)
		}
	})
}

func (s *session) Send(data []byte, peers []domain.Peer) error {
	if len(peers) == 0 {
		return domain.ErrNoConnectedPeers
	}
	for _, p := range peers {
		if !s.isMember(p.ID) {
			return fmt.Errorf("%w: %s", domain.ErrPeerNotConnected, p.ID)
		}
	}
	for _, p := range peers {
		if err := s.t.write(signal.TypeData, p.ID, signal.DataPayload{Data: data}); err != nil {
			return err
		}
	}
	return nil
}

// SendResource sends the file at location to peer in a single message. Only
// file URLs are supported.
func (s *session) SendResource(location *url.URL, name string, peer domain.Peer, completion func(error)) domain.Progress {
	fail := func(err error) domain.Progress {
		if completion != nil {
			s.t.exec.Post(func() { completion(err) })
		}
		return domain.NewTransferProgress(0, nil)
	}

	if !s.isMember(peer.ID) {
		return fail(fmt.Errorf("%w: %s", domain.ErrPeerNotConnected, peer.ID))
	}
	if location == nil || location.Scheme != "file" {
		return fail(fmt.Errorf("unsupported resource location %v", location))
	}
	data, err := os.ReadFile(location.Path)
	if err != nil {
		return fail(fmt.Errorf("failed to read resource: %w", err))
	}
	if int64(len(data)) > s.t.maxMessageSize {
		return fail(fmt.Errorf("resource %s is larger than %d bytes", name, s.t.maxMessageSize))
	}

	progress := domain.NewTransferProgress(int64(len(data)), nil)
	s.t.exec.Post(func() {
		var err error
		if progress.Cancelled() {
			err = domain.ErrTransferCancelled
		} else {
			err = s.t.write(signal.TypeResource, peer.ID, signal.ResourcePayload{Name: name, Data: data})
		}
		if err == nil {
			progress.Add(int64(len(data)))
		}
		progress.Complete()
		if completion != nil {
			completion(err)
		}
	})
	return progress
}

func (s *session) receiveResource(peer domain.Peer, name string, data []byte) {
	s.t.exec.Post(func() {
		d := s.getDelegate()
		received := domain.NewTransferProgress(int64(len(data)), nil)
		if d != nil {
			d.StartedReceivingResource(peer, name, received)
		}

		path, err := writeResource(s.t.dir, name, data)
		var location *url.URL
		if err == nil {
			received.Add(int64(len(data)))
			received.Complete()
			location = &url.URL{Scheme: "file", Path: path}
		} else {
			s.t.logger.Debug("failed to store resource", zap.String("name", name), zap.Error(err))
		}

		if d != nil {
			d.FinishedReceivingResource(peer, name, location, err)
		}
	})
}

func writeResource(dir, name string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, "resource-*-"+filepath.Base(name))
	if err != nil {
		return "", fmt.Errorf("failed to create resource file: %w", err)
	}
	_, err = f.Write(data)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write resource file: %w", err)
	}
	return f.Name(), nil
}

// Disconnect leaves every session partner. Members are dropped locally
// first; the server then reports this peer NotConnected to each of them and
// its echo back here finds nothing left to remove.
func (s *session) Disconnect() {
	if len(s.ConnectedPeers()) == 0 {
		return
	}
	s.dropAll()
	if err := s.t.write(signal.TypeDisconnectPeer, "", nil); err != nil {
		s.t.logger.Debug("failed to send disconnect", zap.Error(err))
	}
}

// dropAll removes every member locally.
func (s *session) dropAll() {
	for _, peer := range s.ConnectedPeers() {
		if s.removeMember(peer.ID) {
			s.t.clearJoining(peer.ID, s)
			s.notify(peer, domain.NotConnected)
		}
	}
}
