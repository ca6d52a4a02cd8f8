package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/ports"
	apperrors "github.com/carabina/PeerConnectivity/pkg/errors"
	"github.com/carabina/PeerConnectivity/pkg/tracing"
	"github.com/carabina/PeerConnectivity/pkg/utils"
	"github.com/carabina/PeerConnectivity/pkg/validation"
)

// Authenticator resolves a join token to the peer it was issued for.
type Authenticator interface {
	Authenticate(token string) (domain.PeerID, error)
}

// ServerMetrics receives counters from the rendezvous server.
type ServerMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	MessageReceived(msgType string)
	MessageRejected(code string)
	InvitationRelayed(outcome string)
}

type nopServerMetrics struct{}

func (nopServerMetrics) ConnectionOpened()        {}
func (nopServerMetrics) ConnectionClosed()        {}
func (nopServerMetrics) MessageReceived(string)   {}
func (nopServerMetrics) MessageRejected(string)   {}
func (nopServerMetrics) InvitationRelayed(string) {}

type Option func(*WebSocketServer)

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(s *WebSocketServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithInstanceID names this instance in the presence registry and on the
// relay.
func WithInstanceID(id string) Option {
	return func(s *WebSocketServer) { s.instanceID = id }
}

// WithRelay lets the server reach peers attached to other instances.
func WithRelay(r ports.Relay) Option {
	return func(s *WebSocketServer) { s.relay = r }
}

// WithAuthenticator requires a valid join token on every connection.
func WithAuthenticator(a Authenticator) Option {
	return func(s *WebSocketServer) { s.auth = a }
}

func WithMetrics(m ServerMetrics) Option {
	return func(s *WebSocketServer) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithMessageRate limits how many messages each connection may send.
func WithMessageRate(perSecond float64, burst int) Option {
	return func(s *WebSocketServer) {
		s.messageRate = rate.Limit(perSecond)
		s.messageBurst = burst
	}
}

func WithMaxMessageSize(n int64) Option {
	return func(s *WebSocketServer) { s.maxMessageSize = n }
}

// WithAllowedOrigins restricts browser origins. Empty, or "*", allows all.
func WithAllowedOrigins(origins []string) Option {
	return func(s *WebSocketServer) { s.allowedOrigins = origins }
}

func WithInviteTimeout(d time.Duration) Option {
	return func(s *WebSocketServer) { s.inviteTimeout = d }
}

// WebSocketServer is the rendezvous point peers discover and pair through.
// Invitation and handshake state lives on the instance the inviting peer is
// attached to; everything else is routed by peer ID.
type WebSocketServer struct {
	registry   ports.PresenceRegistry
	relay      ports.Relay
	auth       Authenticator
	metrics    ServerMetrics
	instanceID string
	upgrader   websocket.Upgrader

	clients     map[domain.PeerID]*client
	invitations map[string]*invitation
	handshakes  map[string]*handshake
	mu          sync.RWMutex

	pingInterval   time.Duration
	pongTimeout    time.Duration
	writeTimeout   time.Duration
	inviteTimeout  time.Duration
	messageRate    rate.Limit
	messageBurst   int
	maxMessageSize int64
	allowedOrigins []string

	logger *zap.SugaredLogger
}

type invitation struct {
	id          string
	from        domain.Peer
	to          domain.Peer
	serviceType string
	timer       *time.Timer
}

type handshake struct {
	id      string
	a, b    domain.Peer
	answers map[domain.PeerID]bool
}

func NewWebSocketServer(registry ports.PresenceRegistry, opts ...Option) *WebSocketServer {
	s := &WebSocketServer{
		registry:       registry,
		metrics:        nopServerMetrics{},
		instanceID:     "local",
		clients:        make(map[domain.PeerID]*client),
		invitations:    make(map[string]*invitation),
		handshakes:     make(map[string]*handshake),
		pingInterval:   30 * time.Second,
		pongTimeout:    60 * time.Second,
		writeTimeout:   10 * time.Second,
		inviteTimeout:  30 * time.Second,
		messageRate:    rate.Inf,
		maxMessageSize: 1 << 20,
		logger:         zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

// SetPingInterval sets ping interval for WebSocket connections
func (s *WebSocketServer) SetPingInterval(interval time.Duration) {
	s.pingInterval = interval
}

// SetPongTimeout sets pong timeout for WebSocket connections
func (s *WebSocketServer) SetPongTimeout(timeout time.Duration) {
	s.pongTimeout = timeout
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	peerID := domain.PeerID(query.Get("peer_id"))
	if err := validation.ValidatePeerID(string(peerID)); err != nil {
		s.logger.Warnw("rejecting connection", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	name := utils.SanitizeString(query.Get("name"))
	if name == "" {
		name = string(peerID)
	}
	if err := validation.ValidateDisplayName(name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.auth != nil {
		token := joinToken(r)
		subject, err := s.auth.Authenticate(token)
		if err != nil || subject != peerID {
			s.logger.Warnw("rejecting unauthenticated peer",
				"peer_id", peerID,
				"token", utils.MaskSensitive(token, 8),
				"error", err,
			)
			s.metrics.MessageRejected(string(apperrors.ErrCodeUnauthorized))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	limiter := rate.NewLimiter(s.messageRate, s.messageBurst)
	c := newClient(domain.Peer{ID: peerID, DisplayName: name}, conn, limiter)

	// A reconnecting peer replaces its old connection.
	s.mu.Lock()
	existing, isReconnect := s.clients[peerID]
	s.clients[peerID] = c
	s.mu.Unlock()
	if isReconnect {
		s.logger.Infow("closing old connection for reconnecting peer", "peer_id", peerID)
		existing.close()
	}

	ctx := context.Background()
	if err := s.registry.Attach(ctx, peerID, s.instanceID); err != nil {
		s.logger.Warnw("failed to attach peer", "peer_id", peerID, "error", err)
	}
	s.metrics.ConnectionOpened()
	s.logger.Infow("peer connected via WebSocket", "peer_id", peerID, "reconnect", isReconnect)

	go s.writePump(c)
	s.readPump(ctx, c)
	s.unregister(ctx, c)
}

func joinToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *WebSocketServer) readPump(ctx context.Context, c *client) {
	conn := c.conn
	conn.SetReadLimit(s.maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	refreshTicker := time.NewTicker(s.pingInterval)
	defer refreshTicker.Stop()

	messageChan := make(chan []byte, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
			select {
			case messageChan <- data:
			case <-c.done:
				return
			}
		}
	}()

	for {
		select {
		case data := <-messageChan:
			var msg SignalMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.sendError(c, apperrors.NewInvalidMessageError("message is not valid JSON"))
				continue
			}
			if err := s.handleMessage(ctx, c, msg); err != nil {
				s.logger.Infow("error handling message from peer",
					"peer_id", c.peer.ID,
					"type", msg.Type,
					"error", err,
				)
				s.sendError(c, err)
			}

		case <-refreshTicker.C:
			s.refreshPresence(ctx, c)

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from peer", "peer_id", c.peer.ID, "error", err)
			}
			return

		case <-c.done:
			return
		}
	}
}

func (s *WebSocketServer) writePump(c *client) {
	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()
	defer c.close()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				s.logger.Infow("error writing to peer", "peer_id", c.peer.ID, "error", err)
				return
			}

		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "peer_id", c.peer.ID, "error", err)
				return
			}

		case <-c.done:
			return
		}
	}
}

// refreshPresence keeps the peer's registry entries alive past their TTL.
func (s *WebSocketServer) refreshPresence(ctx context.Context, c *client) {
	if err := s.registry.Attach(ctx, c.peer.ID, s.instanceID); err != nil {
		s.logger.Warnw("failed to refresh peer location", "peer_id", c.peer.ID, "error", err)
	}
	for serviceType, info := range c.advertised() {
		err := s.registry.Advertise(ctx, &ports.Presence{
			Peer:        c.peer,
			ServiceType: serviceType,
			Info:        info,
			InstanceID:  s.instanceID,
		})
		if err != nil {
			s.logger.Warnw("failed to refresh presence", "peer_id", c.peer.ID, "service_type", serviceType, "error", err)
		}
	}
}

// unregister tears down everything c took part in.
func (s *WebSocketServer) unregister(ctx context.Context, c *client) {
	id := c.peer.ID

	s.mu.Lock()
	successor := s.clients[id]
	current := successor == c
	if current {
		delete(s.clients, id)
	}
	var orphaned []*invitation
	for invID, inv := range s.invitations {
		if inv.from.ID == id || inv.to.ID == id {
			delete(s.invitations, invID)
			inv.timer.Stop()
			orphaned = append(orphaned, inv)
		}
	}
	var broken []*handshake
	for hsID, hs := range s.handshakes {
		if hs.a.ID == id || hs.b.ID == id {
			delete(s.handshakes, hsID)
			broken = append(broken, hs)
		}
	}
	s.mu.Unlock()

	c.close()

	for _, inv := range orphaned {
		if inv.to.ID == id {
			s.notifyState(ctx, inv.from.ID, inv.to, domain.NotConnected)
		}
	}
	for _, hs := range broken {
		other := hs.a
		if other.ID == id {
			other = hs.b
		}
		s.notifyState(ctx, other.ID, c.peer, domain.NotConnected)
	}
	for _, partner := range c.takePartners() {
		s.notifyState(ctx, partner.ID, c.peer, domain.NotConnected)
	}

	// A reconnected peer keeps what its new socket advertises.
	if !current && successor != nil {
		s.withdrawStale(ctx, c, successor)
	}
	if current {
		services, err := s.registry.WithdrawAll(ctx, id)
		if err != nil {
			s.logger.Warnw("failed to withdraw presence", "peer_id", id, "error", err)
		}
		for _, serviceType := range services {
			s.announceLost(ctx, c.peer, serviceType)
		}
		if err := s.registry.Detach(ctx, id); err != nil {
			s.logger.Warnw("failed to detach peer", "peer_id", id, "error", err)
		}
	}

	s.metrics.ConnectionClosed()
	s.logger.Infow("peer disconnected", "peer_id", id)
}

func (s *WebSocketServer) handleMessage(ctx context.Context, c *client, msg SignalMessage) error {
	ctx, span := tracing.TraceWebSocketMessage(ctx, msg.Type, string(c.peer.ID))
	defer span.End()

	if !c.limiter.Allow() {
		return apperrors.NewRateLimitError()
	}
	if msg.Type == "" {
		return apperrors.NewInvalidMessageError("message type is required")
	}
	if msg.From != "" && msg.From != c.peer.ID {
		return apperrors.NewInvalidMessageError(fmt.Sprintf("from mismatch: expected %s, got %s", c.peer.ID, msg.From))
	}
	msg.From = c.peer.ID
	s.metrics.MessageReceived(msg.Type)

	var err error
	switch msg.Type {
	case TypeBrowse:
		err = s.handleBrowse(ctx, c, msg)
	case TypeStopBrowse:
		err = s.handleStopBrowse(c, msg)
	case TypeAdvertise:
		err = s.handleAdvertise(ctx, c, msg)
	case TypeStopAdvertise:
		err = s.handleStopAdvertise(ctx, c, msg)
	case TypeInvite:
		err = s.handleInvite(ctx, c, msg)
	case TypeInvitationResponse:
		err = s.handleInvitationResponse(ctx, c.peer.ID, msg)
	case TypeCertificateResponse:
		err = s.handleCertificateResponse(ctx, c.peer.ID, msg)
	case TypeData, TypeResource:
		err = s.handleTransfer(ctx, c, msg)
	case TypeDisconnectPeer:
		s.handleDisconnectPeer(ctx, c)
	default:
		err = apperrors.NewInvalidMessageError(fmt.Sprintf("unknown message type: %s", msg.Type))
	}

	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

func decodeService(msg SignalMessage) (ServicePayload, error) {
	var payload ServicePayload
	if err := msg.Decode(&payload); err != nil {
		return payload, apperrors.NewInvalidMessageError(err.Error())
	}
	if err := validation.ValidateServiceType(payload.ServiceType); err != nil {
		return payload, apperrors.NewInvalidInputError(err.Error())
	}
	return payload, nil
}

func (s *WebSocketServer) handleBrowse(ctx context.Context, c *client, msg SignalMessage) error {
	payload, err := decodeService(msg)
	if err != nil {
		return err
	}
	c.setBrowsing(payload.ServiceType, true)

	presences, err := s.registry.ListByService(ctx, payload.ServiceType)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "presence registry unavailable", http.StatusServiceUnavailable)
	}
	for _, p := range presences {
		if p.Peer.ID == c.peer.ID {
			continue
		}
		found, err := NewMessage(TypePeerFound, c.peer.ID, DiscoveryPayload{
			Peer:        PeerInfoOf(p.Peer),
			ServiceType: p.ServiceType,
			Info:        p.Info,
		})
		if err != nil {
			return err
		}
		found.From = p.Peer.ID
		s.deliverLocal(c, found)
	}
	return nil
}

func (s *WebSocketServer) handleStopBrowse(c *client, msg SignalMessage) error {
	payload, err := decodeService(msg)
	if err != nil {
		return err
	}
	c.setBrowsing(payload.ServiceType, false)
	return nil
}

func (s *WebSocketServer) handleAdvertise(ctx context.Context, c *client, msg SignalMessage) error {
	payload, err := decodeService(msg)
	if err != nil {
		return err
	}
	c.setAdvertising(payload.ServiceType, payload.Info)

	err = s.registry.Advertise(ctx, &ports.Presence{
		Peer:        c.peer,
		ServiceType: payload.ServiceType,
		Info:        payload.Info,
		InstanceID:  s.instanceID,
	})
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "presence registry unavailable", http.StatusServiceUnavailable)
	}

	found, err := NewMessage(TypePeerFound, "", DiscoveryPayload{
		Peer:        PeerInfoOf(c.peer),
		ServiceType: payload.ServiceType,
		Info:        payload.Info,
	})
	if err != nil {
		return err
	}
	found.From = c.peer.ID
	s.announce(ctx, payload.ServiceType, found)
	return nil
}

func (s *WebSocketServer) handleStopAdvertise(ctx context.Context, c *client, msg SignalMessage) error {
	payload, err := decodeService(msg)
	if err != nil {
		return err
	}
	if !c.stopAdvertising(payload.ServiceType) {
		return nil
	}
	if err := s.registry.Withdraw(ctx, payload.ServiceType, c.peer.ID); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "presence registry unavailable", http.StatusServiceUnavailable)
	}
	s.announceLost(ctx, c.peer, payload.ServiceType)
	return nil
}

// withdrawStale removes the presence only old held once successor took
// over its peer ID.
func (s *WebSocketServer) withdrawStale(ctx context.Context, old, successor *client) {
	kept := successor.advertised()
	for serviceType := range old.advertised() {
		if _, ok := kept[serviceType]; ok {
			continue
		}
		if err := s.registry.Withdraw(ctx, serviceType, old.peer.ID); err != nil {
			s.logger.Warnw("failed to withdraw stale presence",
				"peer_id", old.peer.ID, "service_type", serviceType, "error", err)
			continue
		}
		s.announceLost(ctx, old.peer, serviceType)
	}
}

func (s *WebSocketServer) announceLost(ctx context.Context, peer domain.Peer, serviceType string) {
	lost, err := NewMessage(TypePeerLost, "", DiscoveryPayload{
		Peer:        PeerInfoOf(peer),
		ServiceType: serviceType,
	})
	if err != nil {
		s.logger.Errorw("failed to build peer_lost", "error", err)
		return
	}
	lost.From = peer.ID
	s.announce(ctx, serviceType, lost)
}

func (s *WebSocketServer) findPresence(ctx context.Context, serviceType string, id domain.PeerID) (*ports.Presence, error) {
	presences, err := s.registry.ListByService(ctx, serviceType)
	if err != nil {
		return nil, err
	}
	for _, p := range presences {
		if p.Peer.ID == id {
			return p, nil
		}
	}
	return nil, nil
}

func (s *WebSocketServer) handleInvite(ctx context.Context, c *client, msg SignalMessage) error {
	if msg.To == "" || msg.To == c.peer.ID {
		return apperrors.NewInvalidMessageError("invite needs another peer in to")
	}
	var payload InvitePayload
	if err := msg.Decode(&payload); err != nil {
		return apperrors.NewInvalidMessageError(err.Error())
	}
	if err := validation.ValidateServiceType(payload.ServiceType); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	tracing.AddSpanAttributes(ctx,
		tracing.TargetPeerIDKey.String(string(msg.To)),
		tracing.ServiceTypeKey.String(payload.ServiceType),
	)

	// Both sides of a pair often invite each other; repeats are answered
	// by the pairing already under way.
	if c.hasPartner(msg.To) {
		s.notifyState(ctx, c.peer.ID, domain.Peer{ID: msg.To}, domain.Connected)
		return nil
	}
	if s.pairing(c.peer.ID, msg.To) {
		s.logger.Debugw("pairing already in progress", "from", c.peer.ID, "to", msg.To)
		return nil
	}

	target, err := s.findPresence(ctx, payload.ServiceType, msg.To)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "presence registry unavailable", http.StatusServiceUnavailable)
	}
	if target == nil {
		s.logger.Debugw("invited peer is not advertising", "from", c.peer.ID, "to", msg.To)
		s.metrics.InvitationRelayed("not_advertising")
		s.notifyState(ctx, c.peer.ID, domain.Peer{ID: msg.To}, domain.NotConnected)
		return nil
	}

	timeout := time.Duration(payload.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = s.inviteTimeout
	}

	inv := &invitation{
		id:          utils.NewInvitationID(),
		from:        c.peer,
		to:          target.Peer,
		serviceType: payload.ServiceType,
	}
	s.notifyState(ctx, c.peer.ID, inv.to, domain.Connecting)

	s.mu.Lock()
	s.invitations[inv.id] = inv
	inv.timer = time.AfterFunc(timeout, func() { s.expireInvitation(inv.id) })
	s.mu.Unlock()

	out, err := NewMessage(TypeInvitation, inv.to.ID, InvitationPayload{
		InvitationID: inv.id,
		Peer:         PeerInfoOf(c.peer),
		ServiceType:  payload.ServiceType,
		Context:      payload.Context,
	})
	if err == nil {
		out.From = c.peer.ID
		err = s.deliver(ctx, inv.to.ID, out)
	}
	if err != nil {
		if s.takeInvitation(inv.id) != nil {
			s.notifyState(ctx, c.peer.ID, inv.to, domain.NotConnected)
		}
		return err
	}

	s.metrics.InvitationRelayed("sent")
	s.logger.Infow("routing invitation",
		"invitation_id", inv.id,
		"from_peer", c.peer.ID,
		"to_peer", inv.to.ID,
		"timeout", timeout,
	)
	return nil
}

// pairing reports whether from already has an open invitation to to, or
// the two are in a certificate round on this instance. Crossing
// invitations are both delivered.
func (s *WebSocketServer) pairing(from, to domain.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inv := range s.invitations {
		if inv.from.ID == from && inv.to.ID == to {
			return true
		}
	}
	for _, hs := range s.handshakes {
		if (hs.a.ID == from && hs.b.ID == to) || (hs.a.ID == to && hs.b.ID == from) {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) takeInvitation(id string) *invitation {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invitations[id]
	if !ok {
		return nil
	}
	delete(s.invitations, id)
	inv.timer.Stop()
	return inv
}

func (s *WebSocketServer) expireInvitation(id string) {
	inv := s.takeInvitation(id)
	if inv == nil {
		return
	}
	s.logger.Infow("invitation expired", "invitation_id", id, "from_peer", inv.from.ID, "to_peer", inv.to.ID)
	s.metrics.InvitationRelayed("expired")
	s.notifyState(context.Background(), inv.from.ID, inv.to, domain.NotConnected)
}

// handleInvitationResponse runs for local peers and for responses relayed
// from other instances.
func (s *WebSocketServer) handleInvitationResponse(ctx context.Context, from domain.PeerID, msg SignalMessage) error {
	var payload InvitationResponsePayload
	if err := msg.Decode(&payload); err != nil {
		return apperrors.NewInvalidMessageError(err.Error())
	}

	s.mu.Lock()
	inv, ok := s.invitations[payload.InvitationID]
	if ok && inv.to.ID != from {
		s.mu.Unlock()
		return apperrors.NewForbiddenError("invitation was sent to another peer")
	}
	var hs *handshake
	if ok {
		delete(s.invitations, payload.InvitationID)
		inv.timer.Stop()
		if payload.Accept {
			hs = newHandshake(inv.from, inv.to)
			s.handshakes[hs.id] = hs
		}
	}
	s.mu.Unlock()

	if !ok {
		if s.forwardInbound(ctx, from, msg) {
			return nil
		}
		return apperrors.NewNotFoundError("invitation")
	}

	result, err := NewMessage(TypeInvitationResult, inv.from.ID, InvitationResultPayload{
		InvitationID: inv.id,
		Peer:         PeerInfoOf(inv.to),
		Accepted:     payload.Accept,
	})
	if err != nil {
		return err
	}
	result.From = inv.to.ID
	if err := s.deliver(ctx, inv.from.ID, result); err != nil {
		if hs != nil {
			s.mu.Lock()
			delete(s.handshakes, hs.id)
			s.mu.Unlock()
			s.notifyState(ctx, inv.to.ID, inv.from, domain.NotConnected)
		}
		return err
	}

	if !payload.Accept {
		s.metrics.InvitationRelayed("declined")
		s.notifyState(ctx, inv.from.ID, inv.to, domain.NotConnected)
		return nil
	}

	s.metrics.InvitationRelayed("accepted")
	s.startHandshake(ctx, hs)
	return nil
}

func certificateFor(peer domain.Peer) [][]byte {
	return [][]byte{[]byte("peer:" + string(peer.ID))}
}

func newHandshake(a, b domain.Peer) *handshake {
	return &handshake{
		id:      utils.GenerateID("hs"),
		a:       a,
		b:       b,
		answers: make(map[domain.PeerID]bool, 2),
	}
}

// startHandshake offers each side of a registered handshake the other's
// certificate.
func (s *WebSocketServer) startHandshake(ctx context.Context, hs *handshake) {
	a, b := hs.a, hs.b
	s.notifyState(ctx, b.ID, a, domain.Connecting)

	for _, pair := range [][2]domain.Peer{{a, b}, {b, a}} {
		to, offered := pair[0], pair[1]
		msg, err := NewMessage(TypeCertificate, to.ID, CertificatePayload{
			HandshakeID: hs.id,
			Peer:        PeerInfoOf(offered),
			Certificate: certificateFor(offered),
		})
		if err != nil {
			s.logger.Errorw("failed to build certificate", "error", err)
			continue
		}
		msg.From = offered.ID
		if err := s.deliver(ctx, to.ID, msg); err != nil {
			s.logger.Infow("failed to offer certificate", "peer_id", to.ID, "error", err)
		}
	}
}

func (s *WebSocketServer) handleCertificateResponse(ctx context.Context, from domain.PeerID, msg SignalMessage) error {
	var payload CertificateResponsePayload
	if err := msg.Decode(&payload); err != nil {
		return apperrors.NewInvalidMessageError(err.Error())
	}

	s.mu.Lock()
	hs, ok := s.handshakes[payload.HandshakeID]
	if !ok {
		s.mu.Unlock()
		if s.forwardInbound(ctx, from, msg) {
			return nil
		}
		return apperrors.NewNotFoundError("handshake")
	}
	if from != hs.a.ID && from != hs.b.ID {
		s.mu.Unlock()
		return apperrors.NewForbiddenError("not part of this handshake")
	}
	if _, answered := hs.answers[from]; answered {
		s.mu.Unlock()
		return nil
	}
	hs.answers[from] = payload.Accept
	complete := len(hs.answers) == 2
	state := domain.Connected
	for _, accepted := range hs.answers {
		if !accepted {
			state = domain.NotConnected
		}
	}
	s.mu.Unlock()

	if !complete {
		return nil
	}

	// The handshake stays registered until both sides are told.
	s.logger.Infow("handshake finished", "a", hs.a.ID, "b", hs.b.ID, "state", state)
	s.notifyState(ctx, hs.a.ID, hs.b, state)
	s.notifyState(ctx, hs.b.ID, hs.a, state)

	s.mu.Lock()
	delete(s.handshakes, hs.id)
	s.mu.Unlock()
	return nil
}

func (s *WebSocketServer) handleTransfer(ctx context.Context, c *client, msg SignalMessage) error {
	if msg.To == "" {
		return apperrors.NewInvalidMessageError(msg.Type + " needs a peer in to")
	}
	if !c.hasPartner(msg.To) {
		return apperrors.NewNotInSessionError(string(msg.To))
	}
	if msg.Type == TypeResource {
		var payload ResourcePayload
		if err := msg.Decode(&payload); err != nil {
			return apperrors.NewInvalidMessageError(err.Error())
		}
		if payload.Name == "" {
			return apperrors.NewInvalidInputError("resource name is required")
		}
	}
	return s.deliver(ctx, msg.To, msg)
}

func (s *WebSocketServer) handleDisconnectPeer(ctx context.Context, c *client) {
	for _, partner := range c.takePartners() {
		s.notifyState(ctx, partner.ID, c.peer, domain.NotConnected)
		s.notifyState(ctx, c.peer.ID, partner, domain.NotConnected)
	}
}

// notifyState tells to that about changed to state.
func (s *WebSocketServer) notifyState(ctx context.Context, to domain.PeerID, about domain.Peer, state domain.PeerState) {
	msg, err := NewMessage(TypePeerState, to, PeerStatePayload{
		Peer:  PeerInfoOf(about),
		State: state.String(),
	})
	if err != nil {
		s.logger.Errorw("failed to build peer_state", "error", err)
		return
	}
	msg.From = about.ID
	if err := s.deliver(ctx, to, msg); err != nil {
		s.logger.Debugw("failed to deliver peer_state", "peer_id", to, "error", err)
	}
}

func (s *WebSocketServer) localClient(id domain.PeerID) *client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[id]
}

// deliver routes msg to a local peer, or through the relay to the instance
// the peer is attached to.
func (s *WebSocketServer) deliver(ctx context.Context, to domain.PeerID, msg SignalMessage) error {
	if c := s.localClient(to); c != nil {
		s.deliverLocal(c, msg)
		return nil
	}
	if s.relay == nil {
		return apperrors.NewPeerNotFoundError(string(to))
	}

	instanceID, err := s.registry.Locate(ctx, to)
	if err != nil || instanceID == s.instanceID {
		return apperrors.NewPeerNotFoundError(string(to))
	}

	ctx, span := tracing.TraceRelay(ctx, msg.Type, string(to), instanceID)
	defer span.End()

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return s.relay.Send(ctx, instanceID, &ports.RelayEnvelope{
		Kind:    ports.RelayDeliver,
		To:      to,
		Message: raw,
	})
}

// deliverLocal queues msg for c. Session membership is tracked here, from
// the peer_state messages c is told about.
func (s *WebSocketServer) deliverLocal(c *client, msg SignalMessage) {
	if msg.Type == TypePeerState {
		var payload PeerStatePayload
		if err := msg.Decode(&payload); err == nil {
			switch payload.State {
			case domain.Connected.String():
				c.addPartner(payload.Peer.Peer())
			case domain.NotConnected.String():
				c.removePartner(payload.Peer.ID)
			}
		}
	}
	if !c.enqueue(msg) {
		s.logger.Warnw("dropping message for peer", "peer_id", c.peer.ID, "type", msg.Type)
	}
}

// announce sends a discovery message to every browser of serviceType.
func (s *WebSocketServer) announce(ctx context.Context, serviceType string, msg SignalMessage) {
	s.announceLocal(serviceType, msg)

	if s.relay == nil {
		return
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		s.logger.Errorw("failed to marshal announcement", "error", err)
		return
	}
	err = s.relay.Broadcast(ctx, &ports.RelayEnvelope{
		Kind:        ports.RelayAnnounce,
		From:        msg.From,
		ServiceType: serviceType,
		Message:     raw,
	})
	if err != nil {
		s.logger.Warnw("failed to broadcast announcement", "service_type", serviceType, "error", err)
	}
}

func (s *WebSocketServer) announceLocal(serviceType string, msg SignalMessage) {
	s.mu.RLock()
	browsers := make([]*client, 0, len(s.clients))
	for id, c := range s.clients {
		if id != msg.From && c.isBrowsing(serviceType) {
			browsers = append(browsers, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range browsers {
		out := msg
		out.To = c.peer.ID
		s.deliverLocal(c, out)
	}
}

// forwardInbound hands msg to the instance msg.To is attached to, where the
// invitation or handshake it answers lives.
func (s *WebSocketServer) forwardInbound(ctx context.Context, from domain.PeerID, msg SignalMessage) bool {
	if s.relay == nil || msg.To == "" || s.localClient(msg.To) != nil {
		return false
	}
	instanceID, err := s.registry.Locate(ctx, msg.To)
	if err != nil || instanceID == s.instanceID {
		return false
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	err = s.relay.Send(ctx, instanceID, &ports.RelayEnvelope{
		Kind:    ports.RelayInbound,
		From:    from,
		To:      msg.To,
		Message: raw,
	})
	if err != nil {
		s.logger.Warnw("failed to forward message", "type", msg.Type, "to", msg.To, "error", err)
		return false
	}
	return true
}

// HandleRelay processes an envelope another instance sent to this one.
func (s *WebSocketServer) HandleRelay(ctx context.Context, env *ports.RelayEnvelope) error {
	var msg SignalMessage
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		return fmt.Errorf("invalid relayed message: %w", err)
	}

	switch env.Kind {
	case ports.RelayDeliver:
		c := s.localClient(env.To)
		if c == nil {
			return apperrors.NewPeerNotFoundError(string(env.To))
		}
		s.deliverLocal(c, msg)
		return nil

	case ports.RelayAnnounce:
		s.announceLocal(env.ServiceType, msg)
		return nil

	case ports.RelayInbound:
		var err error
		switch msg.Type {
		case TypeInvitationResponse:
			err = s.handleInvitationResponse(ctx, env.From, msg)
		case TypeCertificateResponse:
			err = s.handleCertificateResponse(ctx, env.From, msg)
		default:
			err = apperrors.NewInvalidMessageError(fmt.Sprintf("cannot relay %s", msg.Type))
		}
		if err != nil {
			s.deliverError(ctx, env.From, err)
		}
		return err

	default:
		return fmt.Errorf("unknown relay kind %q", env.Kind)
	}
}

func errorMessage(err error) (SignalMessage, string) {
	payload := ErrorPayload{
		Code:    string(apperrors.ErrCodeInternal),
		Message: err.Error(),
	}
	if appErr := apperrors.GetAppError(err); appErr != nil {
		payload.Code = string(appErr.Code)
		payload.Message = appErr.Message
	}
	msg, _ := NewMessage(TypeError, "", payload)
	return msg, payload.Code
}

func (s *WebSocketServer) sendError(c *client, err error) {
	msg, code := errorMessage(err)
	s.metrics.MessageRejected(code)
	msg.To = c.peer.ID
	s.deliverLocal(c, msg)
}

func (s *WebSocketServer) deliverError(ctx context.Context, to domain.PeerID, err error) {
	msg, _ := errorMessage(err)
	msg.To = to
	if deliverErr := s.deliver(ctx, to, msg); deliverErr != nil {
		s.logger.Debugw("failed to deliver error", "peer_id", to, "error", deliverErr)
	}
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.ConnectionCount(),
		"instance_id": s.instanceID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *WebSocketServer) GetConnectedPeers() []domain.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]domain.PeerID, 0, len(s.clients))
	for peerID := range s.clients {
		peers = append(peers, peerID)
	}
	return peers
}

func (s *WebSocketServer) IsPeerConnected(peerID domain.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.clients[peerID]
	return exists
}

// Close disconnects every peer.
func (s *WebSocketServer) Close() {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}
