package tlsstream

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/foxxorcat/tlsstream/poll"
)

// ErrContractViolation is wrapped by errors that report API misuse.
var ErrContractViolation = errors.New("tlsstream: contract violation")

// shared is the state behind a pair of halves. Every operation of either
// half runs under mu against the enclosed stream, with a waker that fires
// both halves.
type shared struct {
	mu     sync.Mutex
	stream *Stream
	fan    *fanout
	refs   int
}

func newShared(s *Stream) (*ReadHalf, *WriteHalf) {
	sh := &shared{stream: s, fan: newFanout(), refs: 2}
	return &ReadHalf{shared: sh}, &WriteHalf{shared: sh}
}

func pollShared[T any](sh *shared, cx *poll.Context, dir direction, fn func(s *Stream, cx *poll.Context) (T, error)) (T, error) {
	var v T
	err := sh.fan.poll(cx, dir, func(cx *poll.Context) error {
		sh.mu.Lock()
		defer sh.mu.Unlock()
		var err error
		v, err = fn(sh.stream, cx)
		return err
	})
	return v, err
}

// release drops one reference. The last one closes the stream.
func (sh *shared) release() error {
	sh.mu.Lock()
	sh.refs--
	last := sh.refs == 0
	sh.mu.Unlock()

	sh.fan.wake()
	if last {
		return sh.stream.Close()
	}
	return nil
}

func (sh *shared) alpn() string {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.stream.ALPNProtocol()
}

// ReadHalf is the reading side of a split Stream.
type ReadHalf struct {
	mu     sync.Mutex
	shared *shared
}

// WriteHalf is the writing side of a split Stream.
type WriteHalf struct {
	mu     sync.Mutex
	shared *shared
}

func (h *ReadHalf) get() *shared {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shared
}

func (h *WriteHalf) get() *shared {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shared
}

func (h *ReadHalf) PollRead(cx *poll.Context, p []byte) (int, error) {
	sh := h.get()
	if sh == nil {
		return 0, net.ErrClosed
	}
	return pollShared(sh, cx, dirRead, func(s *Stream, cx *poll.Context) (int, error) {
		return s.pollRead(cx, p)
	})
}

func (h *ReadHalf) Read(p []byte) (int, error) {
	sh := h.get()
	if sh == nil {
		return 0, net.ErrClosed
	}
	return readBlocking(sh.stream.rdDeadline, h.PollRead, p)
}

func (h *ReadHalf) SetReadDeadline(t time.Time) error {
	sh := h.get()
	if sh == nil {
		return net.ErrClosed
	}
	sh.stream.rdDeadline.set(t)
	return nil
}

func (h *ReadHalf) ALPNProtocol() string {
	if sh := h.get(); sh != nil {
		return sh.alpn()
	}
	return ""
}

func (h *ReadHalf) LocalAddr() net.Addr  { return h.addrs(true) }
func (h *ReadHalf) RemoteAddr() net.Addr { return h.addrs(false) }

func (h *ReadHalf) addrs(local bool) net.Addr {
	sh := h.get()
	if sh == nil {
		return nil
	}
	if local {
		return sh.stream.local
	}
	return sh.stream.peer
}

// Close gives up this half. The stream is closed once both halves are.
func (h *ReadHalf) Close() error {
	h.mu.Lock()
	sh := h.shared
	h.shared = nil
	h.mu.Unlock()
	if sh == nil {
		return net.ErrClosed
	}
	return sh.release()
}

// Reunite is Reunite(h, wr).
func (h *ReadHalf) Reunite(wr *WriteHalf) (*Stream, error) {
	return Reunite(h, wr)
}

func (h *WriteHalf) PollWrite(cx *poll.Context, p []byte) (int, error) {
	sh := h.get()
	if sh == nil {
		return 0, net.ErrClosed
	}
	return pollShared(sh, cx, dirWrite, func(s *Stream, cx *poll.Context) (int, error) {
		return s.pollWrite(cx, p)
	})
}

func (h *WriteHalf) pollUnit(cx *poll.Context, fn func(s *Stream, cx *poll.Context) error) error {
	sh := h.get()
	if sh == nil {
		return net.ErrClosed
	}
	_, err := pollShared(sh, cx, dirWrite, func(s *Stream, cx *poll.Context) (struct{}, error) {
		return struct{}{}, fn(s, cx)
	})
	return err
}

func (h *WriteHalf) PollFlush(cx *poll.Context) error {
	return h.pollUnit(cx, (*Stream).pollFlush)
}

func (h *WriteHalf) PollShutdown(cx *poll.Context) error {
	return h.pollUnit(cx, (*Stream).pollShutdown)
}

func (h *WriteHalf) PollHandshake(cx *poll.Context) error {
	return h.pollUnit(cx, (*Stream).pollHandshake)
}

// Write encrypts all of p and flushes it.
func (h *WriteHalf) Write(p []byte) (int, error) {
	sh := h.get()
	if sh == nil {
		return 0, net.ErrClosed
	}
	return writeBlocking(sh.stream.wrDeadline, h.PollWrite, h.PollFlush, p)
}

func (h *WriteHalf) Handshake(ctx context.Context) error {
	return poll.Block(ctx, h.PollHandshake)
}

func (h *WriteHalf) Shutdown(ctx context.Context) error {
	return poll.Block(ctx, h.PollShutdown)
}

func (h *WriteHalf) Flush(ctx context.Context) error {
	return poll.Block(ctx, h.PollFlush)
}

// CloseWrite is Shutdown bounded by the write deadline.
func (h *WriteHalf) CloseWrite() error {
	sh := h.get()
	if sh == nil {
		return net.ErrClosed
	}
	return h.Shutdown(sh.stream.wrDeadline.context())
}

func (h *WriteHalf) SetWriteDeadline(t time.Time) error {
	sh := h.get()
	if sh == nil {
		return net.ErrClosed
	}
	sh.stream.wrDeadline.set(t)
	return nil
}

func (h *WriteHalf) ALPNProtocol() string {
	if sh := h.get(); sh != nil {
		return sh.alpn()
	}
	return ""
}

// Close gives up this half. The stream is closed once both halves are.
func (h *WriteHalf) Close() error {
	h.mu.Lock()
	sh := h.shared
	h.shared = nil
	h.mu.Unlock()
	if sh == nil {
		return net.ErrClosed
	}
	return sh.release()
}

// ReuniteError is returned by Reunite for halves of different splits. Both
// halves stay usable.
type ReuniteError struct {
	Read  *ReadHalf
	Write *WriteHalf
}

func (e *ReuniteError) Error() string {
	return "tlsstream: tried to reunite halves that are not from the same split"
}

func (e *ReuniteError) Unwrap() error { return ErrContractViolation }

// Reunite joins the halves of one Split back into a Stream. Both halves are
// consumed. Halves of different splits yield a *ReuniteError. Passing a
// half that was already closed or reunited panics.
func Reunite(rd *ReadHalf, wr *WriteHalf) (*Stream, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	wr.mu.Lock()
	defer wr.mu.Unlock()

	if rd.shared == nil || wr.shared == nil {
		panic(errors.Join(ErrContractViolation, errors.New("tlsstream: reunite with a released half")))
	}
	if rd.shared != wr.shared {
		return nil, &ReuniteError{Read: rd, Write: wr}
	}

	sh := rd.shared
	rd.shared, wr.shared = nil, nil

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.refs != 2 {
		panic(errors.Join(ErrContractViolation, errors.New("tlsstream: split state still referenced")))
	}
	sh.refs = 0
	sh.fan.wake()
	return sh.stream, nil
}
