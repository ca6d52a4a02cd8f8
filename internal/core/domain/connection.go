package domain

import (
	"fmt"
	"strings"
)

// PeerConnectionType selects how a connection manager pairs with peers. It
// is fixed for the manager's lifetime.
type PeerConnectionType int

const (
	// Automatic invites every found peer and accepts the first invitation.
	Automatic PeerConnectionType = iota
	// InviteOnly hands pairing decisions to the UI-assisted browser and
	// advertiser.
	InviteOnly
	// Custom leaves inviting and answering invitations to the caller.
	Custom
)

func (t PeerConnectionType) String() string {
	switch t {
	case Automatic:
		return "automatic"
	case InviteOnly:
		return "invite_only"
	case Custom:
		return "custom"
	default:
		return fmt.Sprintf("connection_type(%d)", int(t))
	}
}

// ParseConnectionType parses the names produced by String. Matching ignores
// case and accepts "-" in place of "_".
func ParseConnectionType(s string) (PeerConnectionType, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "automatic", "auto", "":
		return Automatic, nil
	case "invite_only", "inviteonly":
		return InviteOnly, nil
	case "custom":
		return Custom, nil
	default:
		return Automatic, fmt.Errorf("unknown connection type %q", s)
	}
}
