package validation

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestValidateServiceType(t *testing.T) {
	tests := []struct {
		name        string
		serviceType string
		wantErr     bool
	}{
		{"valid", "chat", false},
		{"valid with digits", "game2", false},
		{"valid with hyphen", "pc-chat", false},
		{"max length", strings.Repeat("a", 15), false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 16), true},
		{"uppercase", "Chat", true},
		{"underscore", "pc_chat", true},
		{"leading hyphen", "-chat", true},
		{"trailing hyphen", "chat-", true},
		{"double hyphen", "pc--chat", true},
		{"digits only", "1234", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateServiceType(tt.serviceType)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateServiceType() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDisplayName(t *testing.T) {
	tests := []struct {
		name        string
		displayName string
		wantErr     bool
	}{
		{"valid", "Alice's laptop", false},
		{"unicode", "Жора", false},
		{"empty", "", true},
		{"blank", "   ", true},
		{"too long", strings.Repeat("a", 64), true},
		{"max bytes", strings.Repeat("a", 63), false},
		{"invalid utf8", string([]byte{0xff, 0xfe}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDisplayName(tt.displayName)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDisplayName() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePeerID(t *testing.T) {
	tests := []struct {
		name    string
		peerID  string
		wantErr bool
	}{
		{"valid", "peer-123", false},
		{"uuid", "3f2b8c1e-6a4d-4f0e-9b7a-1c2d3e4f5a6b", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 101), true},
		{"invalid chars", "peer 123", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePeerID(tt.peerID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePeerID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"ws", "ws://localhost:8080/ws", false},
		{"wss", "wss://rendezvous.example.com/ws", false},
		{"http", "http://localhost:8080", false},
		{"empty", "", true},
		{"bad scheme", "ftp://example.com", true},
		{"no host", "ws:///ws", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateMaxPeers(t *testing.T) {
	tests := []struct {
		name     string
		maxPeers int
		wantErr  bool
	}{
		{"valid", 8, false},
		{"zero", 0, true},
		{"too many", 1001, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMaxPeers(tt.maxPeers)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMaxPeers() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTruncateDisplayName(t *testing.T) {
	short := "laptop"
	if got := TruncateDisplayName(short); got != short {
		t.Errorf("TruncateDisplayName(%q) = %q", short, got)
	}

	long := strings.Repeat("ж", 40)
	got := TruncateDisplayName(long)
	if len(got) > MaxDisplayNameBytes {
		t.Errorf("TruncateDisplayName() length = %d, want <= %d", len(got), MaxDisplayNameBytes)
	}
	if !utf8.ValidString(got) {
		t.Errorf("TruncateDisplayName() split a rune: %q", got)
	}
}
