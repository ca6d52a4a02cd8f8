package observable

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMulti_ReplaceKeepsPosition(t *testing.T) {
	m := NewMulti(0)
	var calls []string

	m.Add("a", func(int) { calls = append(calls, "a1") })
	m.Add("b", func(int) { calls = append(calls, "b") })
	m.Add("a", func(int) { calls = append(calls, "a2") })

	m.Set(1)

	assert.Equal(t, []string{"a2", "b"}, calls)
	assert.Equal(t, []string{"a", "b"}, m.Keys())
}

func TestMulti_RemoveIsIdempotent(t *testing.T) {
	m := NewMulti(0)
	count := 0
	m.Add("a", func(int) { count++ })

	m.Remove("a")
	m.Remove("a")
	m.Remove("never-added")
	m.Set(1)

	assert.Equal(t, 0, count)
	assert.False(t, m.Has("a"))
}

func TestMulti_RemoveDuringBroadcast(t *testing.T) {
	m := NewMulti(0)
	var calls []string

	m.Add("a", func(int) {
		calls = append(calls, "a")
		m.Remove("b")
	})
	m.Add("b", func(int) { calls = append(calls, "b") })

	m.Set(1)
	assert.Equal(t, []string{"a"}, calls)
}

func TestMulti_Clear(t *testing.T) {
	m := NewMulti("ready")
	count := 0
	m.Add("a", func(string) { count++ })
	m.Add("b", func(string) { count++ })

	m.Clear()
	m.Set("next")

	assert.Equal(t, 0, count)
	assert.Empty(t, m.Keys())
	assert.Equal(t, "next", m.Value())
}

func TestMulti_AddNilRemoves(t *testing.T) {
	m := NewMulti(0)
	m.Add("a", func(int) {})
	m.Add("a", nil)
	assert.False(t, m.Has("a"))
}
