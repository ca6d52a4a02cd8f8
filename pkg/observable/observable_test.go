package observable

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObservable_SetBroadcastsInOrder(t *testing.T) {
	o := New(0)
	var calls []string

	o.Subscribe(func(v int) { calls = append(calls, "first") })
	o.Subscribe(func(v int) { calls = append(calls, "second") })

	o.Set(7)

	assert.Equal(t, []string{"first", "second"}, calls)
	assert.Equal(t, 7, o.Value())
}

func TestObservable_NewDoesNotBroadcast(t *testing.T) {
	o := New("neutral")
	called := false
	o.Subscribe(func(string) { called = true })

	assert.False(t, called)
	assert.Equal(t, "neutral", o.Value())
}

func TestObservable_ClearObservers(t *testing.T) {
	o := New(0)
	count := 0
	o.Subscribe(func(int) { count++ })

	o.Set(1)
	o.ClearObservers()
	o.Set(2)

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, o.Len())
}

func TestObservable_ClearDuringBroadcastSkipsRemaining(t *testing.T) {
	o := New(0)
	var calls []string

	o.Subscribe(func(int) {
		calls = append(calls, "clearing")
		o.ClearObservers()
		o.Subscribe(func(int) { calls = append(calls, "fresh") })
	})
	o.Subscribe(func(int) { calls = append(calls, "stale") })

	o.Set(1)
	assert.Equal(t, []string{"clearing"}, calls)

	o.Set(2)
	assert.Equal(t, []string{"clearing", "fresh"}, calls)
}

func TestObservable_NestedSet(t *testing.T) {
	o := New(0)
	var seen []int

	o.Subscribe(func(v int) {
		seen = append(seen, v)
		if v == 1 {
			o.Set(2)
		}
	})

	o.Set(1)
	assert.Equal(t, []int{1, 2}, seen)
	assert.Equal(t, 2, o.Value())
}

func TestObservable_Reset(t *testing.T) {
	o := New(0)
	called := false
	o.Subscribe(func(int) { called = true })

	o.Reset(5)

	assert.False(t, called)
	assert.Equal(t, 5, o.Value())
	assert.Equal(t, 0, o.Len())
}

func TestObservable_SubscribeNilIgnored(t *testing.T) {
	o := New(0)
	o.Subscribe(nil)
	assert.Equal(t, 0, o.Len())
	assert.NotPanics(t, func() { o.Set(1) })
}
