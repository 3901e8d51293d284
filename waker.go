package tlsstream

import (
	"weak"

	"github.com/foxxorcat/tlsstream/poll"
)

type direction int

const (
	dirRead direction = iota
	dirWrite
)

// fanout keeps one waker per direction and hands the session a single
// waker that fires both. A record produced while serving one direction can
// unblock the other, so every wake goes to both.
type fanout struct {
	rd, wr poll.AtomicWaker
	cx     *poll.Context
}

// fanWaker points back at its fanout weakly, so a waker still registered
// with the transport does not keep a discarded stream alive.
type fanWaker struct {
	f weak.Pointer[fanout]
}

func (w *fanWaker) Wake() {
	if f := w.f.Value(); f != nil {
		f.wake()
	}
}

func newFanout() *fanout {
	f := &fanout{}
	f.cx = poll.NewContext(&fanWaker{f: weak.Make(f)})
	return f
}

func (f *fanout) wake() {
	f.rd.Wake()
	f.wr.Wake()
}

// poll registers the caller's waker under dir and runs fn with the fan-out
// context.
func (f *fanout) poll(cx *poll.Context, dir direction, fn func(cx *poll.Context) error) error {
	if dir == dirRead {
		f.rd.Register(cx.Waker())
	} else {
		f.wr.Register(cx.Waker())
	}
	return fn(f.cx)
}
