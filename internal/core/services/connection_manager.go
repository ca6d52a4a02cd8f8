package services

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/drivers"
	"github.com/carabina/PeerConnectivity/internal/core/ports"
	"github.com/carabina/PeerConnectivity/pkg/codec"
	"github.com/carabina/PeerConnectivity/pkg/observable"
	"github.com/carabina/PeerConnectivity/pkg/validation"
)

// DefaultInviteTimeout is used by automatic invitations.
const DefaultInviteTimeout = 30 * time.Second

// State is the lifecycle state of a PeerConnectionManager.
type State int

const (
	Idle State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type options struct {
	connectionType domain.PeerConnectionType
	discoveryInfo  map[string]string
	inviteTimeout  time.Duration
	logger         *zap.Logger
	metrics        ports.ConnectionMetrics
	tracer         trace.Tracer
	acceptFilter   InvitationFilter
}

// InvitationFilter decides whether an Automatic manager accepts an
// invitation from peer carrying context.
type InvitationFilter func(peer domain.Peer, context []byte) bool

func acceptAll(domain.Peer, []byte) bool { return true }

// Option configures a PeerConnectionManager.
type Option func(*options)

func WithConnectionType(t domain.PeerConnectionType) Option {
	return func(o *options) { o.connectionType = t }
}

// WithDiscoveryInfo sets the key/value pairs advertised with the local peer.
func WithDiscoveryInfo(info map[string]string) Option {
	return func(o *options) { o.discoveryInfo = info }
}

// WithInviteTimeout sets the timeout of invitations sent automatically.
func WithInviteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.inviteTimeout = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(m ports.ConnectionMetrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithInvitationFilter replaces the Automatic policy's accept-everything
// default. Declined invitations leave advertising running.
func WithInvitationFilter(f InvitationFilter) Option {
	return func(o *options) {
		if f != nil {
			o.acceptFilter = f
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// PeerConnectionManager discovers peers, pairs with them according to its
// connection type and republishes everything its drivers report as one
// merged event stream.
//
// A manager is not safe for concurrent use. Transport callbacks and calls to
// its methods must all happen on one execution context, such as a
// dispatch.Queue.
type PeerConnectionManager struct {
	serviceType    string
	connectionType domain.PeerConnectionType
	inviteTimeout  time.Duration
	transport      ports.Transport
	logger         *zap.Logger
	metrics        ports.ConnectionMetrics
	tracer         trace.Tracer
	acceptFilter   InvitationFilter

	state      State
	closed     bool
	foundPeers []domain.Peer

	events                 *observable.Multi[PeerConnectionEvent]
	sessionBus             *observable.Observable[drivers.SessionEvent]
	browserBus             *observable.Observable[drivers.BrowserEvent]
	advertiserBus          *observable.Observable[drivers.AdvertiserEvent]
	browserAssistantBus    *observable.Observable[drivers.BrowserAssistantEvent]
	advertiserAssistantBus *observable.Observable[drivers.AdvertiserAssistantEvent]

	session             *drivers.Session
	browser             *drivers.Browser
	advertiser          *drivers.Advertiser
	browserAssistant    *drivers.BrowserAssistant
	advertiserAssistant *drivers.AdvertiserAssistant

	listeners *listenerRegistry
}

// NewPeerConnectionManager builds a manager and its drivers over transport.
// Nothing runs until Start.
func NewPeerConnectionManager(transport ports.Transport, serviceType string, opts ...Option) (*PeerConnectionManager, error) {
	if err := validation.ValidateServiceType(serviceType); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidServiceType, err)
	}

	o := options{
		connectionType: domain.Automatic,
		inviteTimeout:  DefaultInviteTimeout,
		logger:         zap.NewNop(),
		metrics:        ports.NopMetrics{},
		tracer:         otel.Tracer("peerconnectivity/services"),
		acceptFilter:   acceptAll,
	}
	for _, opt := range opts {
		opt(&o)
	}

	m := &PeerConnectionManager{
		serviceType:    serviceType,
		connectionType: o.connectionType,
		inviteTimeout:  o.inviteTimeout,
		transport:      transport,
		logger: o.logger.With(
			zap.String("service_type", serviceType),
			zap.Stringer("connection_type", o.connectionType),
		),
		metrics:      o.metrics,
		tracer:       o.tracer,
		acceptFilter: o.acceptFilter,

		events:                 observable.NewMulti[PeerConnectionEvent](Ready{}),
		sessionBus:             observable.New[drivers.SessionEvent](nil),
		browserBus:             observable.New[drivers.BrowserEvent](nil),
		advertiserBus:          observable.New[drivers.AdvertiserEvent](nil),
		browserAssistantBus:    observable.New[drivers.BrowserAssistantEvent](nil),
		advertiserAssistantBus: observable.New[drivers.AdvertiserAssistantEvent](nil),
	}

	m.session = drivers.NewSession(transport, drivers.NewSessionEventProducer(m.sessionBus))
	m.browser = drivers.NewBrowser(transport, m.session, serviceType, drivers.NewBrowserEventProducer(m.browserBus))
	m.advertiser = drivers.NewAdvertiser(transport, serviceType, o.discoveryInfo, drivers.NewAdvertiserEventProducer(m.advertiserBus))
	m.browserAssistant = drivers.NewBrowserAssistant(transport, m.session, serviceType,
		drivers.NewBrowserAssistantEventProducer(m.browserAssistantBus))
	m.advertiserAssistant = drivers.NewAdvertiserAssistant(transport, m.session, serviceType, o.discoveryInfo,
		drivers.NewAdvertiserAssistantEventProducer(m.advertiserAssistantBus))

	m.listeners = newListenerRegistry(m.events, m.session.Session, m.logger)

	return m, nil
}

// Start installs the reaction rules and starts the drivers: session first,
// then browser and advertiser, then the assistants when the connection type
// is InviteOnly. completion runs once everything is started.
func (m *PeerConnectionManager) Start(completion func()) error {
	if m.closed {
		return domain.ErrClosed
	}
	if m.state != Idle {
		return domain.ErrAlreadyStarted
	}

	_, span := m.tracer.Start(context.Background(), "PeerConnectionManager.Start",
		trace.WithAttributes(
			attribute.String("service_type", m.serviceType),
			attribute.String("connection_type", m.connectionType.String()),
		))
	defer span.End()

	m.state = Starting

	m.subscribeRepublish()
	m.subscribeDerivedState()
	m.installPolicy()

	if !m.listeners.has(DefaultCertificateListenerKey) {
		m.listeners.listen(DefaultCertificateListenerKey, defaultCertificateListener(m.logger))
	}

	m.session.StartSession()
	m.browser.StartBrowsing()
	m.advertiser.StartAdvertising()
	if m.connectionType == domain.InviteOnly {
		m.browserAssistant.StartBrowsingAssistant()
		m.advertiserAssistant.StartAdvertisingAssistant()
	}

	m.state = Running
	m.metrics.ConnectionTypeStarted(m.connectionType)
	m.logger.Info("peer connection manager started",
		zap.String("peer", string(m.session.LocalPeer().ID)))

	m.publish(Started{})

	if completion != nil {
		completion()
	}
	return nil
}

// Stop halts every running driver, forgets found peers, and drops every
// internal subscription. It is safe to call when already stopped.
func (m *PeerConnectionManager) Stop() {
	_, span := m.tracer.Start(context.Background(), "PeerConnectionManager.Stop")
	defer span.End()

	wasRunning := m.state == Running
	m.state = Stopping

	if m.session.Running() {
		m.session.StopSession()
	}
	if m.browser.Running() {
		m.browser.StopBrowsing()
	}
	if m.advertiser.Running() {
		m.advertiser.StopAdvertising()
	}
	if m.advertiserAssistant.Running() {
		m.advertiserAssistant.StopAdvertisingAssistant()
	}
	if m.browserAssistant.Running() {
		m.browserAssistant.StopBrowsingAssistant()
	}

	m.foundPeers = nil

	m.sessionBus.Reset(nil)
	m.browserBus.Reset(nil)
	m.advertiserBus.Reset(nil)
	m.advertiserAssistantBus.Reset(nil)
	m.browserAssistantBus.Reset(nil)

	m.state = Idle
	m.metrics.ConnectedPeers(0)

	if wasRunning {
		m.logger.Info("peer connection manager stopped")
		m.publish(Ended{})
	}
}

// Refresh stops and starts again.
func (m *PeerConnectionManager) Refresh(completion func()) error {
	m.logger.Info("refreshing peer connection manager")
	m.metrics.Refreshed()
	m.Stop()
	return m.Start(completion)
}

// Close stops the manager, drops every listener and closes the transport
// when it is an io.Closer. Later calls return nil.
func (m *PeerConnectionManager) Close() error {
	if m.closed {
		return nil
	}
	m.Stop()
	m.listeners.clear()
	m.closed = true

	var err error
	if c, ok := m.transport.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// InvitePeer invites peer into the session. invitationContext is passed to the
// remote advertiser unchanged.
func (m *PeerConnectionManager) InvitePeer(peer domain.Peer, invitationContext []byte, timeout time.Duration) {
	if timeout <= 0 {
		timeout = m.inviteTimeout
	}
	m.logger.Debug("inviting peer",
		zap.String("peer", string(peer.ID)),
		zap.Duration("timeout", timeout))
	m.browser.InvitePeer(peer, invitationContext, timeout)
	m.metrics.InvitationSent()
}

// SendData sends data to peers, or to every connected peer when none are
// given.
func (m *PeerConnectionManager) SendData(data []byte, peers ...domain.Peer) error {
	if len(peers) == 0 {
		peers = m.session.ConnectedPeers()
	}
	if len(peers) == 0 {
		return domain.ErrNoConnectedPeers
	}
	if err := m.session.SendData(data, peers); err != nil {
		return fmt.Errorf("failed to send %d bytes: %w", len(data), err)
	}
	m.metrics.BytesSent(len(data) * len(peers))
	return nil
}

// SendEvent encodes event and sends it like SendData. Receivers see it
// through their EventReceived listeners.
func (m *PeerConnectionManager) SendEvent(event map[string]any, peers ...domain.Peer) error {
	data, err := codec.EncodeEvent(event)
	if err != nil {
		return err
	}
	return m.SendData(data, peers...)
}

// SendResource sends the resource at location to one peer, or to every
// connected peer when to is nil. It returns one progress per transfer.
func (m *PeerConnectionManager) SendResource(location *url.URL, name string, to *domain.Peer, completion func(error)) []domain.Progress {
	targets := m.session.ConnectedPeers()
	if to != nil {
		targets = []domain.Peer{*to}
	}

	progress := make([]domain.Progress, 0, len(targets))
	for _, peer := range targets {
		m.logger.Debug("sending resource",
			zap.String("peer", string(peer.ID)),
			zap.String("name", name))
		progress = append(progress, m.session.SendResource(location, name, peer, completion))
	}
	return progress
}

// BrowserPresentationHandle returns what the host presents to let a person
// pick peers. It is nil unless the connection type is InviteOnly.
func (m *PeerConnectionManager) BrowserPresentationHandle() any {
	if m.connectionType != domain.InviteOnly {
		return nil
	}
	return m.browserAssistant.PresentationHandle()
}

// ListenOnKey registers l under key, replacing any listener already there.
func (m *PeerConnectionManager) ListenOnKey(key string, l Listener) {
	m.listeners.listen(key, l)
}

// ListenOn registers l under a fresh key and returns its handle.
func (m *PeerConnectionManager) ListenOn(l Listener) ListenerHandle {
	return m.listeners.listenWithHandle(l)
}

// RemoveListenerForKey removes the listener under key, if any.
func (m *PeerConnectionManager) RemoveListenerForKey(key string) {
	m.listeners.remove(key)
}

func (m *PeerConnectionManager) RemoveListener(h ListenerHandle) {
	m.listeners.remove(h.key)
}

// StopListening removes every listener.
func (m *PeerConnectionManager) StopListening() {
	m.listeners.clear()
}

// ConnectedPeers asks the session; the result is a snapshot.
func (m *PeerConnectionManager) ConnectedPeers() []domain.Peer {
	return m.session.ConnectedPeers()
}

func (m *PeerConnectionManager) DisplayNames() []string {
	return domain.DisplayNames(m.ConnectedPeers())
}

// FoundPeers returns a copy of the peers discovered since the last Start.
func (m *PeerConnectionManager) FoundPeers() []domain.Peer {
	return append([]domain.Peer(nil), m.foundPeers...)
}

func (m *PeerConnectionManager) LocalPeer() domain.Peer {
	return m.session.LocalPeer()
}

func (m *PeerConnectionManager) ConnectionType() domain.PeerConnectionType {
	return m.connectionType
}

func (m *PeerConnectionManager) ServiceType() string {
	return m.serviceType
}

func (m *PeerConnectionManager) State() State {
	return m.state
}

func (m *PeerConnectionManager) publish(event PeerConnectionEvent) {
	m.metrics.EventPublished(event.Kind())
	m.events.Set(event)
}

// subscribeRepublish forwards driver events to the merged bus.
func (m *PeerConnectionManager) subscribeRepublish() {
	m.browserBus.Subscribe(func(event drivers.BrowserEvent) {
		switch e := event.(type) {
		case drivers.FoundPeer:
			m.publish(FoundPeer{Peer: e.Peer, Info: e.Info})
		case drivers.LostPeer:
			m.publish(LostPeer{Peer: e.Peer})
		case drivers.DidNotStartBrowsing:
			m.logger.Error("browsing did not start", zap.Error(e.Err))
			m.publish(Error{Err: fmt.Errorf("browsing did not start: %w", e.Err)})
		}
	})

	m.advertiserBus.Subscribe(func(event drivers.AdvertiserEvent) {
		switch e := event.(type) {
		case drivers.ReceivedInvitation:
			m.publish(ReceivedInvitation{Peer: e.Peer, Context: e.Context, Handler: e.Handler})
		case drivers.DidNotStartAdvertising:
			m.logger.Error("advertising did not start", zap.Error(e.Err))
			m.publish(Error{Err: fmt.Errorf("advertising did not start: %w", e.Err)})
		}
	})

	m.sessionBus.Subscribe(func(event drivers.SessionEvent) {
		switch e := event.(type) {
		case drivers.DevicesChanged:
			connected := m.session.ConnectedPeers()
			m.metrics.ConnectedPeers(len(connected))
			m.publish(DevicesChanged{Peer: e.Peer, ConnectedPeers: connected})
		case drivers.ReceivedData:
			m.publish(ReceivedData{Peer: e.Peer, Data: e.Data})
		case drivers.ReceivedCertificate:
			m.publish(ReceivedCertificate{Peer: e.Peer, Certificate: e.Certificate, Handler: e.Handler})
		case drivers.ReceivedStream:
			m.publish(ReceivedStream{Peer: e.Peer, Stream: e.Stream, Name: e.Name})
		case drivers.StartedReceivingResource:
			m.publish(ResourceStarted{Peer: e.Peer, Name: e.Name, Progress: e.Progress})
		case drivers.FinishedReceivingResource:
			m.publish(ResourceFinished{Peer: e.Peer, Name: e.Name, Location: e.Location, Err: e.Err})
		}
	})

	m.browserAssistantBus.Subscribe(func(event drivers.BrowserAssistantEvent) {
		switch event.(type) {
		case drivers.BrowserAssistantFinished, drivers.BrowserAssistantCancelled:
			m.publish(Ended{})
		}
	})

	m.advertiserAssistantBus.Subscribe(func(event drivers.AdvertiserAssistantEvent) {
		switch event.(type) {
		case drivers.AdvertiserAssistantWillPresent:
			m.logger.Debug("presenting invitation")
		case drivers.AdvertiserAssistantDidDismiss:
			m.logger.Debug("invitation dismissed")
		}
	})
}

// subscribeDerivedState keeps the found-peer set in step with discovery.
func (m *PeerConnectionManager) subscribeDerivedState() {
	m.browserBus.Subscribe(func(event drivers.BrowserEvent) {
		switch e := event.(type) {
		case drivers.FoundPeer:
			if domain.IndexOfPeer(m.foundPeers, e.Peer.ID) < 0 {
				m.foundPeers = append(m.foundPeers, e.Peer)
				m.metrics.PeerFound()
			}
		case drivers.LostPeer:
			if i := domain.IndexOfPeer(m.foundPeers, e.Peer.ID); i >= 0 {
				m.foundPeers = append(m.foundPeers[:i], m.foundPeers[i+1:]...)
				m.metrics.PeerLost()
			}
		}
	})
}
