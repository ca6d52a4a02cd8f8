package signal

import (
	"encoding/json"
	"fmt"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
)

// Messages a peer sends to the rendezvous server.
const (
	TypeBrowse              = "browse"
	TypeStopBrowse          = "stop_browse"
	TypeAdvertise           = "advertise"
	TypeStopAdvertise       = "stop_advertise"
	TypeInvite              = "invite"
	TypeInvitationResponse  = "invitation_response"
	TypeCertificateResponse = "certificate_response"
	TypeDisconnectPeer      = "disconnect_peer"
)

// Messages the server sends to a peer. TypeData and TypeResource travel in
// both directions.
const (
	TypePeerFound        = "peer_found"
	TypePeerLost         = "peer_lost"
	TypeInvitation       = "invitation"
	TypeInvitationResult = "invitation_result"
	TypeCertificate      = "certificate"
	TypePeerState        = "peer_state"
	TypeData             = "data"
	TypeResource         = "resource"
	TypeError            = "error"
)

// SignalMessage is the envelope of every frame on the websocket. From is
// filled in by the server; To names the peer the message is about or for.
type SignalMessage struct {
	Type    string          `json:"type"`
	From    domain.PeerID   `json:"from,omitempty"`
	To      domain.PeerID   `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a message with payload marshalled into it.
func NewMessage(msgType string, to domain.PeerID, payload any) (SignalMessage, error) {
	msg := SignalMessage{Type: msgType, To: to}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return msg, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}
	msg.Payload = data
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m SignalMessage) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", m.Type, err)
	}
	return nil
}

type PeerInfo struct {
	ID          domain.PeerID `json:"id"`
	DisplayName string        `json:"display_name"`
}

func PeerInfoOf(p domain.Peer) PeerInfo {
	return PeerInfo{ID: p.ID, DisplayName: p.DisplayName}
}

func (p PeerInfo) Peer() domain.Peer {
	return domain.Peer{ID: p.ID, DisplayName: p.DisplayName}
}

// ServicePayload is sent with browse, stop_browse, advertise and
// stop_advertise. Info is only read on advertise.
type ServicePayload struct {
	ServiceType string            `json:"service_type"`
	Info        map[string]string `json:"info,omitempty"`
}

// DiscoveryPayload is sent with peer_found and peer_lost.
type DiscoveryPayload struct {
	Peer        PeerInfo          `json:"peer"`
	ServiceType string            `json:"service_type"`
	Info        map[string]string `json:"info,omitempty"`
}

// InvitePayload asks the server to invite the message's To peer.
type InvitePayload struct {
	ServiceType string `json:"service_type"`
	Context     []byte `json:"context,omitempty"`
	TimeoutMs   int64  `json:"timeout_ms,omitempty"`
}

// InvitationPayload is what the invited peer receives.
type InvitationPayload struct {
	InvitationID string   `json:"invitation_id"`
	Peer         PeerInfo `json:"peer"`
	ServiceType  string   `json:"service_type"`
	Context      []byte   `json:"context,omitempty"`
}

// InvitationResponsePayload answers an invitation. The message's To is the
// inviting peer.
type InvitationResponsePayload struct {
	InvitationID string `json:"invitation_id"`
	Accept       bool   `json:"accept"`
}

type InvitationResultPayload struct {
	InvitationID string   `json:"invitation_id"`
	Peer         PeerInfo `json:"peer"`
	Accepted     bool     `json:"accepted"`
}

// CertificatePayload offers Peer's certificate for the local peer to trust.
type CertificatePayload struct {
	HandshakeID string   `json:"handshake_id"`
	Peer        PeerInfo `json:"peer"`
	Certificate [][]byte `json:"certificate"`
}

// CertificateResponsePayload answers a certificate. The message's To is the
// peer whose certificate was offered.
type CertificateResponsePayload struct {
	HandshakeID string `json:"handshake_id"`
	Accept      bool   `json:"accept"`
}

type PeerStatePayload struct {
	Peer  PeerInfo `json:"peer"`
	State string   `json:"state"`
}

type DataPayload struct {
	Data []byte `json:"data"`
}

// ResourcePayload carries a whole resource inline.
type ResourcePayload struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
