package ports

import (
	"context"
	"time"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
)

// Presence is one advertised peer as recorded by a rendezvous instance.
type Presence struct {
	Peer        domain.Peer       `json:"peer"`
	ServiceType string            `json:"service_type"`
	Info        map[string]string `json:"info,omitempty"`
	InstanceID  string            `json:"instance_id"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// PresenceRegistry stores which peers advertise which service types.
type PresenceRegistry interface {
	Advertise(ctx context.Context, presence *Presence) error
	Withdraw(ctx context.Context, serviceType string, peerID domain.PeerID) error
	// WithdrawAll removes peerID from every service and returns the
	// services it was advertising.
	WithdrawAll(ctx context.Context, peerID domain.PeerID) ([]string, error)
	ListByService(ctx context.Context, serviceType string) ([]*Presence, error)

	// Attach records that peerID holds a socket on instanceID; Locate
	// answers which instance to route to.
	Attach(ctx context.Context, peerID domain.PeerID, instanceID string) error
	Detach(ctx context.Context, peerID domain.PeerID) error
	Locate(ctx context.Context, peerID domain.PeerID) (string, error)
}
