package utils

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestGenerateID(t *testing.T) {
	id1 := GenerateID("inv")
	id2 := GenerateID("inv")

	assert.True(t, strings.HasPrefix(id1, "inv_"))
	assert.NotEqual(t, id1, id2)
	assert.NotContains(t, strings.TrimPrefix(id1, "inv_"), "-")
}

func TestNewPeerID(t *testing.T) {
	_, err := uuid.Parse(NewPeerID())
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(NewInvitationID(), "inv_"))
	assert.True(t, strings.HasPrefix(NewRequestID(), "req_"))
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Alice", "Alice"},
		{"trim", "  Alice  ", "Alice"},
		{"control chars", "Al\x00ice\x07", "Alice"},
		{"keeps tab", "a\tb", "a\tb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeString(tt.in))
		})
	}
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", TruncateString("short", 10))
	assert.Equal(t, "abcdefg...", TruncateString("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", TruncateString("abcdef", 2))
}

func TestTruncateString_KeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "h...", TruncateString("héllo wörld", 5))
	assert.Equal(t, "日...", TruncateString("日本語テキスト", 8))
	assert.Equal(t, "", TruncateString("éa", 1))

	for n := 0; n <= 12; n++ {
		got := TruncateString("Zoë Ångström", n)
		assert.True(t, utf8.ValidString(got), "maxLen %d gave %q", n, got)
		assert.LessOrEqual(t, len(got), n)
	}
}

func TestMaskSensitive(t *testing.T) {
	assert.Equal(t, "eyJ*****", MaskSensitive("eyJhbGci", 3))
	assert.Equal(t, "***", MaskSensitive("abc", 5))
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{1500 * time.Millisecond, "1.50s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 5*time.Minute, "2h5m"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.d))
	}
}

func TestIsExpired(t *testing.T) {
	fixed := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	Now = func() time.Time { return fixed }
	defer func() { Now = time.Now }()

	assert.True(t, IsExpired(fixed.Add(-time.Minute), 30*time.Second))
	assert.False(t, IsExpired(fixed.Add(-10*time.Second), 30*time.Second))
}
