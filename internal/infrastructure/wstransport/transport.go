// Package wstransport connects a local peer to a rendezvous server over a
// WebSocket and exposes it as a ports.Transport.
//
// Discovery, invitations and the certificate round are brokered by the
// server; data and resources are relayed through it to session partners.
// Every callback is posted to the transport's executor.
package wstransport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/ports"
	"github.com/carabina/PeerConnectivity/internal/infrastructure/signal"
	"github.com/carabina/PeerConnectivity/pkg/dispatch"
	"github.com/carabina/PeerConnectivity/pkg/retry"
	"github.com/carabina/PeerConnectivity/pkg/validation"
)

var (
	// ErrRejected is returned by Dial when the server refuses the peer,
	// e.g. for a bad token. It is not retried.
	ErrRejected = errors.New("rendezvous server rejected the connection")

	ErrClosed = errors.New("rendezvous connection closed")
)

const writeTimeout = 10 * time.Second

type Option func(*Transport)

func WithLogger(logger *zap.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithToken sends a join token with the connection request.
func WithToken(token string) Option {
	return func(t *Transport) { t.token = token }
}

func WithRetry(cfg retry.Config) Option {
	return func(t *Transport) { t.retry = cfg }
}

// WithResourceDir sets where received resources are written. It defaults to
// os.TempDir().
func WithResourceDir(dir string) Option {
	return func(t *Transport) { t.dir = dir }
}

// WithMaxMessageSize bounds both received frames and sent resources.
func WithMaxMessageSize(n int64) Option {
	return func(t *Transport) { t.maxMessageSize = n }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) {
		if d != nil {
			t.dialer = d
		}
	}
}

// Transport is one peer's connection to a rendezvous server. It implements
// ports.Transport.
type Transport struct {
	exec           dispatch.Executor
	logger         *zap.Logger
	local          domain.Peer
	token          string
	retry          retry.Config
	dir            string
	maxMessageSize int64
	dialer         *websocket.Dialer

	conn    *websocket.Conn
	writeMu sync.Mutex

	closing  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once

	mu                  sync.Mutex
	sessions            []*session
	joining             map[domain.PeerID]*session
	names               map[domain.PeerID]string
	browsers            map[string][]*browser
	advertisers         map[string][]*advertiser
	advertiserAssistant *AdvertiserAssistant
}

// Dial connects local to the rendezvous server at rawURL, retrying with
// backoff until the server answers.
func Dial(ctx context.Context, rawURL string, local domain.Peer, exec dispatch.Executor, opts ...Option) (*Transport, error) {
	if err := validation.ValidatePeerID(string(local.ID)); err != nil {
		return nil, err
	}
	if err := validation.ValidateDisplayName(local.DisplayName); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidDisplayName, err)
	}

	t := &Transport{
		exec:           exec,
		logger:         zap.NewNop(),
		local:          local.WithState(domain.NotConnected),
		retry:          retry.DefaultConfig(),
		dir:            os.TempDir(),
		maxMessageSize: 8 << 20,
		dialer:         websocket.DefaultDialer,
		done:           make(chan struct{}),
		joining:        make(map[domain.PeerID]*session),
		names:          make(map[domain.PeerID]string),
		browsers:       make(map[string][]*browser),
		advertisers:    make(map[string][]*advertiser),
	}
	for _, opt := range opts {
		opt(t)
	}

	target, err := joinURL(rawURL, local)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}

	cfg := t.retry
	cfg.NonRetryableErrors = append(append([]error(nil), cfg.NonRetryableErrors...), ErrRejected)
	if cfg.OnRetry == nil {
		cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
			t.logger.Warn("rendezvous dial failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		}
	}

	conn, err := retry.RetryWithResult(ctx, cfg, func() (*websocket.Conn, error) {
		conn, resp, err := t.dialer.DialContext(ctx, target, header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, fmt.Errorf("%w: %s", ErrRejected, resp.Status)
			}
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rendezvous server: %w", err)
	}

	conn.SetReadLimit(t.maxMessageSize)
	t.conn = conn
	t.logger.Info("connected to rendezvous server",
		zap.String("url", rawURL),
		zap.String("peer", string(local.ID)))

	go t.readLoop()
	return t, nil
}

func joinURL(rawURL string, local domain.Peer) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid rendezvous url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid rendezvous url scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("peer_id", string(local.ID))
	q.Set("name", local.DisplayName)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *Transport) LocalPeer() domain.Peer {
	return t.local
}

// Done is closed once the connection to the server is gone.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

func (t *Transport) NewSession() ports.Session {
	s := &session{t: t, local: t.local}
	t.mu.Lock()
	t.sessions = append(t.sessions, s)
	t.mu.Unlock()
	return s
}

func (t *Transport) NewBrowser(serviceType string) ports.Browser {
	return &browser{t: t, serviceType: serviceType}
}

func (t *Transport) NewAdvertiser(serviceType string, info map[string]string) ports.Advertiser {
	return &advertiser{t: t, serviceType: serviceType, info: info}
}

func (t *Transport) NewBrowserAssistant(serviceType string, s ports.Session) ports.BrowserAssistant {
	a := &BrowserAssistant{t: t, found: make(map[domain.PeerID]domain.Peer)}
	a.browser = &browser{t: t, serviceType: serviceType}
	a.browser.SetDelegate(picker{a})
	if ws, ok := s.(*session); ok {
		a.session = ws
	}
	return a
}

func (t *Transport) NewAdvertiserAssistant(serviceType string, info map[string]string, s ports.Session) ports.AdvertiserAssistant {
	a := &AdvertiserAssistant{t: t}
	a.advertiser = &advertiser{t: t, serviceType: serviceType, info: info, onInvitation: a.queue}
	if ws, ok := s.(*session); ok {
		a.session = ws
	}
	t.mu.Lock()
	t.advertiserAssistant = a
	t.mu.Unlock()
	return a
}

// AdvertiserAssistant returns the most recently created advertiser
// assistant, where a host finds the invitations waiting for an answer.
func (t *Transport) AdvertiserAssistant() *AdvertiserAssistant {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.advertiserAssistant
}

// Close says goodbye to the server and drops the connection. Session
// partners are reported NotConnected.
func (t *Transport) Close() error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}

	t.writeMu.Lock()
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()

	err = multierr.Append(err, t.conn.Close())
	if errors.Is(err, websocket.ErrCloseSent) {
		err = nil
	}
	<-t.done
	return err
}

func (t *Transport) write(msgType string, to domain.PeerID, payload any) error {
	msg, err := signal.NewMessage(msgType, to, payload)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := t.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msgType, err)
	}
	return nil
}

func (t *Transport) readLoop() {
	for {
		var msg signal.SignalMessage
		if err := t.conn.ReadJSON(&msg); err != nil {
			t.disconnected(err)
			return
		}
		t.handle(msg)
	}
}

// disconnected runs once the read side fails, whether from Close or from the
// network.
func (t *Transport) disconnected(err error) {
	if !t.closing.Load() {
		t.logger.Warn("lost connection to rendezvous server", zap.Error(err))
		t.conn.Close()
	}
	t.doneOnce.Do(func() { close(t.done) })

	t.mu.Lock()
	sessions := append([]*session(nil), t.sessions...)
	t.joining = make(map[domain.PeerID]*session)
	t.mu.Unlock()

	for _, s := range sessions {
		s.dropAll()
	}
}

func (t *Transport) handle(msg signal.SignalMessage) {
	var err error
	switch msg.Type {
	case signal.TypePeerFound, signal.TypePeerLost:
		err = t.handleDiscovery(msg)
	case signal.TypeInvitation:
		err = t.handleInvitation(msg)
	case signal.TypeInvitationResult:
		var p signal.InvitationResultPayload
		if err = msg.Decode(&p); err == nil {
			t.logger.Debug("invitation answered",
				zap.String("peer", string(p.Peer.ID)),
				zap.Bool("accepted", p.Accepted))
		}
	case signal.TypeCertificate:
		err = t.handleCertificate(msg)
	case signal.TypePeerState:
		err = t.handlePeerState(msg)
	case signal.TypeData:
		err = t.handleData(msg)
	case signal.TypeResource:
		err = t.handleResource(msg)
	case signal.TypeError:
		var p signal.ErrorPayload
		if err = msg.Decode(&p); err == nil {
			t.logger.Warn("rendezvous server reported an error",
				zap.String("code", p.Code),
				zap.String("message", p.Message))
		}
	default:
		t.logger.Debug("ignoring unknown message", zap.String("type", msg.Type))
	}
	if err != nil {
		t.logger.Warn("dropping malformed message", zap.String("type", msg.Type), zap.Error(err))
	}
}

func (t *Transport) handleDiscovery(msg signal.SignalMessage) error {
	var p signal.DiscoveryPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	peer := t.remember(p.Peer)

	t.mu.Lock()
	browsers := append([]*browser(nil), t.browsers[p.ServiceType]...)
	t.mu.Unlock()

	for _, b := range browsers {
		if msg.Type == signal.TypePeerFound {
			b.found(peer, p.Info)
		} else {
			b.lost(peer)
		}
	}
	return nil
}

func (t *Transport) handleInvitation(msg signal.SignalMessage) error {
	var p signal.InvitationPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	from := t.remember(p.Peer)

	handler := ports.OnceInvitation(func(accept bool, s ports.Session) {
		ws, ok := s.(*session)
		if accept && (!ok || ws == nil) {
			t.logger.Error("accepted invitation needs a wstransport session",
				zap.String("peer", string(from.ID)))
			accept = false
		}
		if accept {
			t.setJoining(from.ID, ws)
		}
		err := t.write(signal.TypeInvitationResponse, from.ID, signal.InvitationResponsePayload{
			InvitationID: p.InvitationID,
			Accept:       accept,
		})
		if err != nil {
			t.logger.Warn("failed to answer invitation", zap.String("peer", string(from.ID)), zap.Error(err))
		}
	})

	// The first advertiser of the service type answers.
	t.mu.Lock()
	var a *advertiser
	if as := t.advertisers[p.ServiceType]; len(as) > 0 {
		a = as[0]
	}
	t.mu.Unlock()
	if a == nil {
		handler(false, nil)
		return nil
	}
	a.invited(from, p.Context, handler)
	return nil
}

func (t *Transport) handleCertificate(msg signal.SignalMessage) error {
	var p signal.CertificatePayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	peer := t.remember(p.Peer)

	handler := ports.OnceCertificate(func(accept bool) {
		err := t.write(signal.TypeCertificateResponse, peer.ID, signal.CertificateResponsePayload{
			HandshakeID: p.HandshakeID,
			Accept:      accept,
		})
		if err != nil {
			t.logger.Warn("failed to answer certificate", zap.String("peer", string(peer.ID)), zap.Error(err))
		}
	})

	s := t.sessionFor(peer.ID)
	if s == nil {
		handler(false)
		return nil
	}
	s.offerCertificate(peer, p.Certificate, handler)
	return nil
}

func (t *Transport) handlePeerState(msg signal.SignalMessage) error {
	var p signal.PeerStatePayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	state, err := domain.ParsePeerState(p.State)
	if err != nil {
		return err
	}
	peer := t.remember(p.Peer)

	s := t.sessionFor(peer.ID)
	if s == nil {
		return nil
	}
	switch state {
	case domain.Connected:
		s.addMember(peer)
	case domain.NotConnected:
		removed := s.removeMember(peer.ID)
		if !t.clearJoining(peer.ID, s) && !removed {
			t.logger.Debug("ignoring stale disconnect", zap.String("peer", string(peer.ID)))
			return nil
		}
	}
	s.notify(peer, state)
	return nil
}

func (t *Transport) handleData(msg signal.SignalMessage) error {
	var p signal.DataPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	s := t.memberSession(msg.From)
	if s == nil {
		t.logger.Debug("dropping data from a peer outside the session", zap.String("peer", string(msg.From)))
		return nil
	}
	s.receiveData(t.peer(msg.From), p.Data)
	return nil
}

func (t *Transport) handleResource(msg signal.SignalMessage) error {
	var p signal.ResourcePayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	s := t.memberSession(msg.From)
	if s == nil {
		t.logger.Debug("dropping resource from a peer outside the session", zap.String("peer", string(msg.From)))
		return nil
	}
	s.receiveResource(t.peer(msg.From), p.Name, p.Data)
	return nil
}

// remember records the display name the server reported for a peer, and
// fills it in when the server left it out.
func (t *Transport) remember(info signal.PeerInfo) domain.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info.DisplayName != "" {
		t.names[info.ID] = info.DisplayName
	} else {
		info.DisplayName = t.names[info.ID]
	}
	return info.Peer()
}

func (t *Transport) peer(id domain.PeerID) domain.Peer {
	return t.remember(signal.PeerInfo{ID: id})
}

func (t *Transport) setJoining(id domain.PeerID, s *session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.joining[id] = s
}

// clearJoining reports whether id was joining s.
func (t *Transport) clearJoining(id domain.PeerID, s *session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.joining[id] != s {
		return false
	}
	delete(t.joining, id)
	return true
}

// sessionFor picks the session a message about id belongs to: the one the
// peer is joining, the one it is a member of, or the newest.
func (t *Transport) sessionFor(id domain.PeerID) *session {
	t.mu.Lock()
	s := t.joining[id]
	t.mu.Unlock()
	if s != nil {
		return s
	}
	if s := t.memberSession(id); s != nil {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.sessions); n > 0 {
		return t.sessions[n-1]
	}
	return nil
}

func (t *Transport) memberSession(id domain.PeerID) *session {
	t.mu.Lock()
	sessions := append([]*session(nil), t.sessions...)
	t.mu.Unlock()
	for i := len(sessions) - 1; i >= 0; i-- {
		if sessions[i].isMember(id) {
			return sessions[i]
		}
	}
	return nil
}

func (t *Transport) addBrowser(serviceType string, b *browser) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.browsers[serviceType] = append(t.browsers[serviceType], b)
}

// removeBrowser reports whether b was the last browser of serviceType.
func (t *Transport) removeBrowser(serviceType string, b *browser) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	bs := t.browsers[serviceType]
	for i, it := range bs {
		if it == b {
			bs = append(bs[:i:i], bs[i+1:]...)
			break
		}
	}
	if len(bs) == 0 {
		delete(t.browsers, serviceType)
		return true
	}
	t.browsers[serviceType] = bs
	return false
}

func (t *Transport) addAdvertiser(serviceType string, a *advertiser) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advertisers[serviceType] = append(t.advertisers[serviceType], a)
}

// removeAdvertiser reports whether a was the last advertiser of
// serviceType.
func (t *Transport) removeAdvertiser(serviceType string, a *advertiser) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	as := t.advertisers[serviceType]
	for i, it := range as {
		if it == a {
			as = append(as[:i:i], as[i+1:]...)
			break
		}
	}
	if len(as) == 0 {
		delete(t.advertisers, serviceType)
		return true
	}
	t.advertisers[serviceType] = as
	return false
}
