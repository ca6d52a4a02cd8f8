package domain

import "errors"

var (
	ErrAlreadyStarted     = errors.New("connection manager already started")
	ErrClosed             = errors.New("connection manager closed")
	ErrNoConnectedPeers   = errors.New("no connected peers")
	ErrPeerNotConnected   = errors.New("peer not connected")
	ErrPeerNotFound       = errors.New("peer not found")
	ErrInvalidServiceType = errors.New("invalid service type")
	ErrInvalidDisplayName = errors.New("invalid display name")
	ErrResponderUsed      = errors.New("responder already used")
	ErrInvitationTimeout  = errors.New("invitation timed out")
	ErrInvitationDeclined = errors.New("invitation declined")
	ErrTransferCancelled  = errors.New("transfer cancelled")
)
