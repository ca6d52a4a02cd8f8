package services

import (
	"io"
	"net/url"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/ports"
)

// PeerConnectionEvent is the merged event a PeerConnectionManager publishes
// to its listeners.
type PeerConnectionEvent interface {
	// Kind names the event for logs and metrics.
	Kind() string
}

// Ready is the value the merged bus holds before anything happened.
type Ready struct{}

// Started follows a successful Start, after every driver is running.
type Started struct{}

type FoundPeer struct {
	Peer domain.Peer
	Info map[string]string
}

type LostPeer struct {
	Peer domain.Peer
}

// DevicesChanged carries the peer whose state changed and the connected
// peers as the session reported them when the event was published.
type DevicesChanged struct {
	Peer           domain.Peer
	ConnectedPeers []domain.Peer
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

type ResourceStarted struct {
	Peer     domain.Peer
	Name     string
	Progress domain.Progress
}

type ResourceFinished struct {
	Peer     domain.Peer
	Name     string
	Location *url.URL
	Err      error
}

// ReceivedInvitation carries the raw transport handler. Listeners never see
// it; the registry hands them a respond func instead.
type ReceivedInvitation struct {
	Peer    domain.Peer
	Context []byte
	Handler ports.InvitationHandler
}

// Ended is published when a running manager stops, and when a UI-assisted
// browser finishes or is cancelled.
type Ended struct{}

type Error struct {
	Err error
}

func (Ready) Kind() string               { return "ready" }
func (Started) Kind() string             { return "started" }
func (FoundPeer) Kind() string           { return "found_peer" }
func (LostPeer) Kind() string            { return "lost_peer" }
func (DevicesChanged) Kind() string      { return "devices_changed" }
func (ReceivedData) Kind() string        { return "received_data" }
func (ReceivedCertificate) Kind() string { return "received_certificate" }
func (ReceivedStream) Kind() string      { return "received_stream" }
func (ResourceStarted) Kind() string     { return "resource_started" }
func (ResourceFinished) Kind() string    { return "resource_finished" }
func (ReceivedInvitation) Kind() string  { return "received_invitation" }
func (Ended) Kind() string               { return "ended" }
func (Error) Kind() string               { return "error" }
