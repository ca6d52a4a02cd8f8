package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// ServiceTypeRegex matches lowercase letters, digits and single hyphens
	// between them.
	ServiceTypeRegex = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

	// PeerIDRegex validates peer ID format
	PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	letterRegex = regexp.MustCompile(`[a-z]`)
)

const (
	MaxServiceTypeLength = 15
	MaxDisplayNameBytes  = 63
)

// ValidateServiceType validates a discovery service type: 1-15 characters,
// lowercase ASCII letters, digits and hyphens, at least one letter, no
// hyphen at either end or next to another hyphen.
func ValidateServiceType(serviceType string) error {
	if serviceType == "" {
		return fmt.Errorf("service type is required")
	}
	if len(serviceType) > MaxServiceTypeLength {
		return fmt.Errorf("service type is too long (max %d characters)", MaxServiceTypeLength)
	}
	if !ServiceTypeRegex.MatchString(serviceType) {
		return fmt.Errorf("service type contains invalid characters (only a-z, 0-9 and single inner hyphens allowed)")
	}
	if !letterRegex.MatchString(serviceType) {
		return fmt.Errorf("service type must contain at least one letter")
	}
	return nil
}

// ValidateDisplayName validates a peer display name
func ValidateDisplayName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("display name is required")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	if len(name) > MaxDisplayNameBytes {
		return fmt.Errorf("display name is too long (max %d bytes)", MaxDisplayNameBytes)
	}
	return nil
}

// ValidatePeerID validates peer ID
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > 100 {
		return fmt.Errorf("peer ID is too long (max 100 characters)")
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateMaxPeers validates max peers value
func ValidateMaxPeers(maxPeers int) error {
	if maxPeers < 1 {
		return fmt.Errorf("max peers must be at least 1")
	}
	if maxPeers > 1000 {
		return fmt.Errorf("max peers is too high (max 1000)")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// TruncateDisplayName shortens name to MaxDisplayNameBytes without splitting
// a rune.
func TruncateDisplayName(name string) string {
	if len(name) <= MaxDisplayNameBytes {
		return name
	}
	cut := MaxDisplayNameBytes
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return name[:cut]
}
