package ports

import (
	"context"
	"encoding/json"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
)

// Relay kinds.
const (
	// RelayDeliver carries a message for a peer attached to the receiving
	// instance.
	RelayDeliver = "deliver"
	// RelayInbound carries a message a peer sent to another instance that
	// only the receiving instance can handle.
	RelayInbound = "inbound"
	// RelayAnnounce carries a discovery message for every browser of a
	// service type.
	RelayAnnounce = "announce"
)

// RelayEnvelope is one message moving between rendezvous instances.
type RelayEnvelope struct {
	Kind        string          `json:"kind"`
	Origin      string          `json:"origin"`
	From        domain.PeerID   `json:"from,omitempty"`
	To          domain.PeerID   `json:"to,omitempty"`
	ServiceType string          `json:"service_type,omitempty"`
	Message     json.RawMessage `json:"message"`
}

// Relay moves envelopes between rendezvous instances.
type Relay interface {
	Send(ctx context.Context, instanceID string, env *RelayEnvelope) error
	Broadcast(ctx context.Context, env *RelayEnvelope) error
}
