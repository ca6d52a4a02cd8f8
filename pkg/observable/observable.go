// Package observable provides the in-process broadcast primitives the
// connection manager is wired with. Nothing here is safe for concurrent use:
// callers confine every Observable to a single execution context.
package observable

// Observable holds a current value and an ordered list of observers.
// Every call to Set broadcasts the new value to all observers registered
// at that moment, synchronously and in registration order.
type Observable[T any] struct {
	value     T
	observers []func(T)

	// generation changes whenever the observer list is cleared, so a
	// broadcast that is still iterating can tell it must stop.
	generation uint64
}

// New returns an Observable holding initial. Setting initial does not
// broadcast.
func New[T any](initial T) *Observable[T] {
	return &Observable[T]{value: initial}
}

// Value returns the most recently set value.
func (o *Observable[T]) Value() T {
	return o.value
}

// Set stores v and broadcasts it before returning.
//
// If an observer clears the list while the broadcast is running, the
// remaining observers of this broadcast are skipped.
func (o *Observable[T]) Set(v T) {
	o.value = v

	gen := o.generation
	observers := o.observers
	for _, fn := range observers {
		if o.generation != gen {
			return
		}
		fn(v)
	}
}

// Subscribe appends fn to the observer list. There is no handle; observers
// are removed only by ClearObservers.
func (o *Observable[T]) Subscribe(fn func(T)) {
	if fn == nil {
		return
	}
	o.observers = append(o.observers, fn)
}

// ClearObservers drops every observer. An observer removed here is never
// invoked again, including by a broadcast already in progress.
func (o *Observable[T]) ClearObservers() {
	o.observers = nil
	o.generation++
}

// Reset clears the observers and stores v without broadcasting it.
func (o *Observable[T]) Reset(v T) {
	o.ClearObservers()
	o.value = v
}

// Len reports the number of registered observers.
func (o *Observable[T]) Len() int {
	return len(o.observers)
}
