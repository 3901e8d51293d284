// Package transport adapts byte-stream connections to the non-blocking
// capability the stream engine drives: try-read, try-write, readiness
// registration and write-side shutdown.
package transport

import (
	"errors"
	"net"
	"syscall"

	"github.com/foxxorcat/tlsstream/poll"
)

// ErrWriteClosed is returned by TryWrite after CloseWrite.
var ErrWriteClosed = errors.Join(errors.New("transport: write side closed"), syscall.EPIPE)

// Transport is a non-blocking duplex byte stream.
//
// TryRead and TryWrite never block: when no progress is possible they
// return poll.ErrWouldBlock, and the caller registers a waker with
// RegisterRead or RegisterWrite to learn when to retry. TryRead returns
// (0, io.EOF) once the peer has shut down its write side.
type Transport interface {
	TryRead(p []byte) (int, error)
	TryWrite(p []byte) (int, error)

	// RegisterRead arranges for w to be woken when the transport may be
	// readable. Spurious wakes are allowed.
	RegisterRead(w poll.Waker)
	// RegisterWrite arranges for w to be woken when the transport may be
	// writable. Spurious wakes are allowed.
	RegisterWrite(w poll.Waker)

	// CloseWrite shuts down the write side. It does not block.
	CloseWrite() error
	// Close releases the transport.
	Close() error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Reader adapts a Transport's TryRead to io.Reader.
type Reader struct{ T Transport }

func (r Reader) Read(p []byte) (int, error) { return r.T.TryRead(p) }

// Writer adapts a Transport's TryWrite to io.Writer.
type Writer struct{ T Transport }

func (w Writer) Write(p []byte) (int, error) { return w.T.TryWrite(p) }

type closeWriter interface {
	CloseWrite() error
}

// New wraps c in the most direct Transport available for it: a raw,
// syscall-level transport when c exposes its file descriptor, the
// goroutine-buffered Conn otherwise.
func New(c net.Conn, opts ...ConnOption) Transport {
	if t, err := NewRaw(c); err == nil {
		return t
	}
	return NewConn(c, opts...)
}
