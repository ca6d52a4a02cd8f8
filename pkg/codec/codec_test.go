package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEvent(t *testing.T) {
	data, err := EncodeEvent(map[string]any{
		"action": "move",
		"x":      3,
		"nested": map[string]any{"ok": true},
	})
	require.NoError(t, err)
	assert.True(t, IsEvent(data))

	event, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, "move", event["action"])
	assert.EqualValues(t, 3, event["x"])

	nested, ok := event["nested"].(map[string]any)
	require.True(t, ok, "nested maps decode with string keys")
	assert.Equal(t, true, nested["ok"])
}

func TestEncodeEvent_Deterministic(t *testing.T) {
	a, err := EncodeEvent(map[string]any{"b": 1, "a": 2, "c": 3})
	require.NoError(t, err)
	b, err := EncodeEvent(map[string]any{"c": 3, "a": 2, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDecodeEvent_RawData(t *testing.T) {
	_, err := DecodeEvent([]byte("plain text"))
	assert.ErrorIs(t, err, ErrNotEvent)
	assert.False(t, IsEvent(nil))
}

func TestDecodeEvent_Corrupt(t *testing.T) {
	_, err := DecodeEvent(append([]byte{0xd9, 0xd9, 0xf7}, 0xff))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotEvent)
}

func TestEncodeEvent_Nil(t *testing.T) {
	data, err := EncodeEvent(nil)
	require.NoError(t, err)
	event, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Empty(t, event)
}
