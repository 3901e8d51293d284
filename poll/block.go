package poll

import (
	"context"
	"errors"
)

// Func is a poll-style operation.
type Func func(cx *Context) error

// Block drives fn on the calling goroutine until it returns anything other
// than ErrPending. Between attempts it parks until fn's waker fires or ctx
// is done. Abandoning the operation through ctx is always safe: every poll
// leaves its state consistent before returning.
func Block(ctx context.Context, fn Func) error {
	p := NewPollable()
	cx := NewContext(p)
	for {
		// Re-arm before polling so a wake that lands during fn is not lost.
		ready := p.Reset()

		err := fn(cx)
		if !errors.Is(err, ErrPending) {
			return err
		}

		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// BlockValue is Block for operations that produce a value.
func BlockValue[T any](ctx context.Context, fn func(cx *Context) (T, error)) (T, error) {
	var v T
	err := Block(ctx, func(cx *Context) error {
		var err error
		v, err = fn(cx)
		return err
	})
	return v, err
}
