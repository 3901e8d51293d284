package handle

import (
	"sync"
)

// Table[T] is a generic, thread-safe handle table for tracking live
// objects of a specific type T.
type Table[T any] struct {
	mu      sync.RWMutex
	handles map[uint32]T
	nextID  uint32
	onClose func(T)
}

// NewTable creates a new table. onClose, if non-nil, is called for every
// entry still present when Close runs.
func NewTable[T any](onClose func(T)) *Table[T] {
	return &Table[T]{
		handles: make(map[uint32]T),
		onClose: onClose,
	}
}

// Add stores a new object and returns a handle to it. Handles start at 1.
func (m *Table[T]) Add(v T) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	h := m.nextID
	m.handles[h] = v
	return h
}

// Remove deletes an object by its handle and reports whether it was present.
func (m *Table[T]) Remove(h uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handles[h]
	delete(m.handles, h)
	return ok
}

// Len returns the number of live handles.
func (m *Table[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handles)
}

// Close removes every entry, handing each to the onClose callback.
func (m *Table[T]) Close() {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[uint32]T)
	m.mu.Unlock()

	if m.onClose == nil {
		return
	}
	for _, v := range handles {
		m.onClose(v)
	}
}
