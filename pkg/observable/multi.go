package observable

// Multi is a keyed broadcaster. Observers are stored under string keys;
// adding under an existing key replaces that observer in place, keeping its
// position in the broadcast order.
type Multi[T any] struct {
	value      T
	keys       []string
	observers  map[string]func(T)
	generation uint64
}

// NewMulti returns a Multi holding initial.
func NewMulti[T any](initial T) *Multi[T] {
	return &Multi[T]{
		value:     initial,
		observers: make(map[string]func(T)),
	}
}

// Value returns the most recently set value.
func (m *Multi[T]) Value() T {
	return m.value
}

// Set stores v and broadcasts it to every keyed observer in insertion order.
// An observer removed during the broadcast is skipped.
func (m *Multi[T]) Set(v T) {
	m.value = v

	gen := m.generation
	keys := append([]string(nil), m.keys...)
	for _, key := range keys {
		if m.generation != gen {
			return
		}
		fn, ok := m.observers[key]
		if !ok {
			continue
		}
		fn(v)
	}
}

// Add registers fn under key, replacing any observer already stored there.
func (m *Multi[T]) Add(key string, fn func(T)) {
	if fn == nil {
		m.Remove(key)
		return
	}
	if _, exists := m.observers[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.observers[key] = fn
}

// Remove deletes the observer stored under key. Removing an unknown key is a
// no-op.
func (m *Multi[T]) Remove(key string) {
	if _, exists := m.observers[key]; !exists {
		return
	}
	delete(m.observers, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Has reports whether an observer is stored under key.
func (m *Multi[T]) Has(key string) bool {
	_, ok := m.observers[key]
	return ok
}

// Clear drops every observer.
func (m *Multi[T]) Clear() {
	m.keys = nil
	m.observers = make(map[string]func(T))
	m.generation++
}

// Keys returns the registered keys in broadcast order.
func (m *Multi[T]) Keys() []string {
	return append([]string(nil), m.keys...)
}
