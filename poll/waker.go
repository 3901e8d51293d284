package poll

import "sync"

// AtomicWaker holds at most one registered Waker.
//
// Register replaces whatever was registered before. Wake takes the current
// registration out and fires it, so a slot that nobody re-registered stays
// quiet; waking an empty slot is a no-op.
type AtomicWaker struct {
	mu    sync.Mutex
	waker Waker
}

// Register stores w as the waker to fire on the next Wake.
func (a *AtomicWaker) Register(w Waker) {
	a.mu.Lock()
	a.waker = w
	a.mu.Unlock()
}

// Wake fires and clears the registered waker, if any.
func (a *AtomicWaker) Wake() {
	a.mu.Lock()
	w := a.waker
	a.waker = nil
	a.mu.Unlock()

	if w != nil {
		w.Wake()
	}
}
