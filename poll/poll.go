// Package poll provides the readiness primitives shared by the transport,
// the security layer and the stream engine: wakers, poll contexts, a
// channel-backed pollable, a blocking driver and task spawners.
//
// A poll-style operation never blocks. It either completes, or it registers
// the Waker carried by its Context and returns ErrPending. Calling the same
// operation again after a wake must not repeat side effects that already
// happened.
package poll

import "errors"

var (
	// ErrPending is returned by a poll-style operation that could not
	// complete yet. The context's waker has been registered.
	ErrPending = errors.New("poll: operation pending")

	// ErrWouldBlock is returned by a non-blocking resource operation that
	// cannot make progress right now. Unlike ErrPending, nothing has been
	// registered; the caller decides where to wait.
	ErrWouldBlock = errors.New("poll: operation would block")
)

// Waker is the notification handed to a pending operation. Wake may be
// called any number of times, from any goroutine.
type Waker interface {
	Wake()
}

// WakerFunc adapts a plain function to the Waker interface.
type WakerFunc func()

func (f WakerFunc) Wake() { f() }

type noopWaker struct{}

func (noopWaker) Wake() {}

// NoopWaker is a Waker whose Wake does nothing.
var NoopWaker Waker = noopWaker{}

// Context carries the Waker of the task driving a poll-style operation.
type Context struct {
	waker Waker
}

// NewContext returns a Context that wakes w.
func NewContext(w Waker) *Context {
	if w == nil {
		w = NoopWaker
	}
	return &Context{waker: w}
}

// Waker returns the context's waker. It is never nil.
func (cx *Context) Waker() Waker {
	return cx.waker
}

var noopContext = NewContext(NoopWaker)

// NoopContext returns a Context whose waker does nothing. Progress made
// through it is real, but nobody is told when to poll again.
func NoopContext() *Context {
	return noopContext
}
