package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewPeerID generates a peer ID
func NewPeerID() string {
	return uuid.NewString()
}

// NewInvitationID generates an ID matching an invitation to its response
func NewInvitationID() string {
	return GenerateID("inv")
}

// NewRequestID generates an HTTP request ID
func NewRequestID() string {
	return GenerateID("req")
}

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
