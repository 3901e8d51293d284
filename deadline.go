package tlsstream

import (
	"context"
	"os"
	"sync"
	"time"
)

// deadline is a resettable timer whose expiry closes a channel. Pending
// operations pick up a changed deadline as long as the previous one had
// not fired yet.
type deadline struct {
	mu     sync.Mutex
	timer  *time.Timer
	cancel chan struct{}
}

func newDeadline() *deadline {
	return &deadline{cancel: make(chan struct{})}
}

func (d *deadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil && !d.timer.Stop() {
		<-d.cancel // the callback is closing it
	}
	d.timer = nil

	closed := isClosed(d.cancel)
	if t.IsZero() {
		if closed {
			d.cancel = make(chan struct{})
		}
		return
	}
	if dur := time.Until(t); dur > 0 {
		if closed {
			d.cancel = make(chan struct{})
		}
		cancel := d.cancel
		d.timer = time.AfterFunc(dur, func() { close(cancel) })
		return
	}
	if !closed {
		close(d.cancel)
	}
}

func (d *deadline) wait() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel
}

// context returns a context that is done when the current deadline fires.
// Its error is os.ErrDeadlineExceeded, which is a net.Error timeout.
func (d *deadline) context() context.Context {
	return deadlineContext{done: d.wait()}
}

func isClosed(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

type deadlineContext struct {
	done <-chan struct{}
}

func (deadlineContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (c deadlineContext) Done() <-chan struct{} { return c.done }
func (deadlineContext) Value(any) any { return nil }

func (c deadlineContext) Err() error {
	if isClosed(c.done) {
		return os.ErrDeadlineExceeded
	}
	return nil
}

