package domain

import "fmt"

type PeerID string

// PeerState is the connection state the transport reports for a peer.
type PeerState int

const (
	NotConnected PeerState = iota
	Connecting
	Connected
)

func (s PeerState) String() string {
	switch s {
	case NotConnected:
		return "not_connected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// ParsePeerState is the inverse of PeerState.String.
func ParsePeerState(s string) (PeerState, error) {
	switch s {
	case "not_connected":
		return NotConnected, nil
	case "connecting":
		return Connecting, nil
	case "connected":
		return Connected, nil
	default:
		return NotConnected, fmt.Errorf("unknown peer state %q", s)
	}
}

// Peer is a remote (or the local) endpoint as seen at one moment. Identity is
// the ID; State is a snapshot and does not take part in equality.
type Peer struct {
	ID          PeerID
	DisplayName string
	State       PeerState
}

// Equal reports whether p and other name the same endpoint.
func (p Peer) Equal(other Peer) bool {
	return p.ID == other.ID
}

// WithState returns a copy of p tagged with state.
func (p Peer) WithState(state PeerState) Peer {
	p.State = state
	return p
}

func (p Peer) String() string {
	if p.DisplayName == "" {
		return string(p.ID)
	}
	return p.DisplayName + "(" + string(p.ID) + ")"
}

// IndexOfPeer returns the position of the peer with id in peers, or -1.
func IndexOfPeer(peers []Peer, id PeerID) int {
	for i, p := range peers {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// DisplayNames maps peers to their display names, preserving order.
func DisplayNames(peers []Peer) []string {
	names := make([]string, 0, len(peers))
	for _, p := range peers {
		names = append(names, p.DisplayName)
	}
	return names
}
