package loopback

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/ports"
)

type session struct {
	net   *Network
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
	s.net.exec.Post(func() {
		if d := s.delegateFor(attachment); d != nil {
			d.PeerChangedState(peer.WithState(state), state)
		}
	})
}

// offerCertificate asks the delegate to trust peer. Without a delegate the
// certificate is accepted.
func (s *session) offerCertificate(peer domain.Peer, certificate [][]byte, handler ports.CertificateHandler) {
	s.net.exec.Post(func() {
		d := s.getDelegate()
		if d == nil {
			handler(true)
			return
		}
		d.ReceivedCertificate(peer, certificate, handler)
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
		target := s.net.sessionOf(p.ID)
		payload := append([]byte(nil), data...)
		s.net.exec.Post(func() {
			if target == nil || !target.isMember(s.local.ID) {
				return
			}
			if d := target.getDelegate(); d != nil {
				d.ReceivedData(s.local, payload)
			}
		})
	}
	return nil
}

// OpenStream opens a named byte stream to a connected peer. The peer's
// delegate receives the read end.
func (s *session) OpenStream(peer domain.Peer, name string) (io.WriteCloser, error) {
	if !s.isMember(peer.ID) {
		return nil, fmt.Errorf("%w: %s", domain.ErrPeerNotConnected, peer.ID)
	}
	target := s.net.sessionOf(peer.ID)
	if target == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrPeerNotFound, peer.ID)
	}

	r, w := io.Pipe()
	s.net.exec.Post(func() {
		d := target.getDelegate()
		if d == nil {
			r.CloseWithError(domain.ErrPeerNotConnected)
			return
		}
		d.ReceivedStream(s.local, r, name)
	})
	return w, nil
}

// SendResource copies the file at location into the receiving peer's
// resource directory. Only file URLs are supported.
func (s *session) SendResource(location *url.URL, name string, peer domain.Peer, completion func(error)) domain.Progress {
	done := func(err error) {
		if completion != nil {
			s.net.exec.Post(func() { completion(err) })
		}
	}

	if !s.isMember(peer.ID) {
		progress := domain.NewTransferProgress(0, nil)
		done(fmt.Errorf("%w: %s", domain.ErrPeerNotConnected, peer.ID))
		return progress
	}
	if location == nil || location.Scheme != "file" {
		progress := domain.NewTransferProgress(0, nil)
		done(fmt.Errorf("unsupported resource location %v", location))
		return progress
	}

	info, err := os.Stat(location.Path)
	if err != nil {
		progress := domain.NewTransferProgress(0, nil)
		done(fmt.Errorf("failed to stat resource: %w", err))
		return progress
	}

	progress := domain.NewTransferProgress(info.Size(), nil)
	target := s.net.sessionOf(peer.ID)
	s.net.exec.Post(func() {
		err := s.transfer(target, location.Path, name, progress)
		progress.Complete()
		if completion != nil {
			completion(err)
		}
	})
	return progress
}

// transfer runs on the executor.
func (s *session) transfer(target *session, path, name string, sent *domain.TransferProgress) error {
	if sent.Cancelled() {
		return domain.ErrTransferCancelled
	}
	if target == nil || !target.isMember(s.local.ID) {
		return fmt.Errorf("%w: resource %s", domain.ErrPeerNotConnected, name)
	}
	d := target.getDelegate()

	received := domain.NewTransferProgress(sent.Total(), sent.Cancel)
	if d != nil {
		d.StartedReceivingResource(s.local, name, received)
	}

	dst, err := copyResource(s.net.dir, path, &progressWriter{sent: sent, received: received})
	var location *url.URL
	if err == nil {
		location = &url.URL{Scheme: "file", Path: dst}
		received.Complete()
	} else {
		s.net.logger.Debug("resource transfer failed",
			zap.String("name", name),
			zap.Error(err))
	}

	if d != nil {
		d.FinishedReceivingResource(s.local, name, location, err)
	}
	return err
}

func copyResource(dir, path string, counter *progressWriter) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open resource: %w", err)
	}
	defer src.Close()

	dst, err := os.CreateTemp(dir, "resource-*-"+filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("failed to create resource file: %w", err)
	}

	_, err = io.Copy(io.MultiWriter(dst, counter), src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dst.Name())
		return "", err
	}
	return dst.Name(), nil
}

type progressWriter struct {
	sent, received *domain.TransferProgress
}

func (w *progressWriter) Write(p []byte) (int, error) {
	if w.sent.Cancelled() || w.received.Cancelled() {
		return 0, domain.ErrTransferCancelled
	}
	w.sent.Add(int64(len(p)))
	w.received.Add(int64(len(p)))
	return len(p), nil
}

// Disconnect leaves every peer in the session. Each of them sees this peer
// go NotConnected.
func (s *session) Disconnect() {
	for _, peer := range s.ConnectedPeers() {
		s.removeMember(peer.ID)
		s.notify(peer, domain.NotConnected)

		if remote := s.net.sessionOf(peer.ID); remote != nil && remote.removeMember(s.local.ID) {
			remote.notify(s.local, domain.NotConnected)
		}
	}
}
