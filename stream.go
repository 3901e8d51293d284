// Package tlsstream runs TLS over a non-blocking transport.
//
// A Stream drives its session through poll-style operations. The blocking
// methods of net.Conn are built on those, so a Stream can be used wherever a
// net.Conn is expected, and Read and Write may run concurrently. Split
// turns a Stream into a read half and a write half that can be owned by
// different goroutines; Reunite puts them back together.
//
// Closing a Stream never blocks. The close exchange is attempted once on
// the caller's goroutine and, when the peer is not done yet, continues in
// the background on the configured Spawner until the transport is shut
// down.
package tlsstream

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/foxxorcat/tlsstream/internal/session"
	"github.com/foxxorcat/tlsstream/poll"
	"github.com/foxxorcat/tlsstream/security"
	"github.com/foxxorcat/tlsstream/transport"
)

var (
	// ErrSplit is returned by a Stream that was split.
	ErrSplit = errors.New("tlsstream: stream was split")
	// ErrRole is returned when a prepared connection has the wrong role.
	ErrRole = errors.New("tlsstream: connection role mismatch")
)

type Stream struct {
	mu    sync.Mutex
	sess  *session.Session
	split bool

	fan   *fanout
	opts  *options
	local net.Addr
	peer  net.Addr

	rdDeadline *deadline
	wrDeadline *deadline
}

// NewClient starts a client session over tr. The server name is taken from
// cfg.ServerName. On error tr is left open.
func NewClient(tr transport.Transport, cfg *tls.Config, opts ...Option) (*Stream, error) {
	conn, err := security.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return newStream(tr, conn, opts), nil
}

// NewClientFrom is NewClient for a connection the caller configured itself.
func NewClientFrom(tr transport.Transport, conn security.Connection, opts ...Option) (*Stream, error) {
	if conn.Role() != security.RoleClient {
		return nil, ErrRole
	}
	return newStream(tr, conn, opts), nil
}

// NewServer starts a server session over tr. On error tr is left open.
func NewServer(tr transport.Transport, cfg *tls.Config, opts ...Option) (*Stream, error) {
	conn, err := security.NewServer(cfg)
	if err != nil {
		return nil, err
	}
	return newStream(tr, conn, opts), nil
}

// NewServerFrom is NewServer for a connection the caller configured itself.
func NewServerFrom(tr transport.Transport, conn security.Connection, opts ...Option) (*Stream, error) {
	if conn.Role() != security.RoleServer {
		return nil, ErrRole
	}
	return newStream(tr, conn, opts), nil
}

// Client wraps c with transport.New and starts a client session.
func Client(c net.Conn, cfg *tls.Config, opts ...Option) (*Stream, error) {
	return NewClient(transport.New(c), cfg, opts...)
}

// Server wraps c with transport.New and starts a server session.
func Server(c net.Conn, cfg *tls.Config, opts ...Option) (*Stream, error) {
	return NewServer(transport.New(c), cfg, opts...)
}

func newStream(tr transport.Transport, conn security.Connection, opts []Option) *Stream {
	o := newOptions(opts)
	role := conn.Role().String()
	log := o.log.With(zap.String("role", role), zap.Stringer("peer", tr.RemoteAddr()))

	sess := session.New(tr, conn,
		session.WithWriteLimit(o.writeLimit),
		session.OnHandshake(func(state tls.ConnectionState, err error) {
			o.metrics.Handshake(role, err)
			if err != nil {
				log.Debug("tls handshake failed", zap.Error(err))
				return
			}
			log.Debug("tls handshake done",
				zap.String("version", tls.VersionName(state.Version)),
				zap.String("cipher", tls.CipherSuiteName(state.CipherSuite)),
				zap.String("alpn", state.NegotiatedProtocol),
				zap.Bool("resumed", state.DidResume),
			)
		}),
	)
	return newStreamFrom(sess, o, tr.LocalAddr(), tr.RemoteAddr())
}

func newStreamFrom(sess *session.Session, o *options, local, peer net.Addr) *Stream {
	return &Stream{
		sess:       sess,
		fan:        newFanout(),
		opts:       o,
		local:      local,
		peer:       peer,
		rdDeadline: newDeadline(),
		wrDeadline: newDeadline(),
	}
}

func (s *Stream) closedErr() error {
	if s.split {
		return ErrSplit
	}
	return net.ErrClosed
}

// with runs fn against the session, holding the stream lock.
func (s *Stream) with(fn func(sess *session.Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return s.closedErr()
	}
	return fn(s.sess)
}

func (s *Stream) pollHandshake(cx *poll.Context) error {
	return s.with(func(sess *session.Session) error { return sess.PollHandshake(cx) })
}

func (s *Stream) pollRead(cx *poll.Context, p []byte) (n int, err error) {
	err = s.with(func(sess *session.Session) error {
		n, err = sess.PollRead(cx, p)
		return err
	})
	return n, err
}

func (s *Stream) pollWrite(cx *poll.Context, p []byte) (n int, err error) {
	err = s.with(func(sess *session.Session) error {
		n, err = sess.PollWrite(cx, p)
		return err
	})
	return n, err
}

func (s *Stream) pollFlush(cx *poll.Context) error {
	return s.with(func(sess *session.Session) error { return sess.PollFlush(cx) })
}

func (s *Stream) pollShutdown(cx *poll.Context) error {
	return s.with(func(sess *session.Session) error { return sess.PollShutdown(cx) })
}

// PollHandshake drives the handshake. It returns poll.ErrPending after
// registering cx when it has to wait.
func (s *Stream) PollHandshake(cx *poll.Context) error {
	return s.fan.poll(cx, dirWrite, s.pollHandshake)
}

// PollRead reads decrypted data. It returns io.EOF after the peer's closing
// notification.
func (s *Stream) PollRead(cx *poll.Context, p []byte) (n int, err error) {
	err = s.fan.poll(cx, dirRead, func(cx *poll.Context) error {
		n, err = s.pollRead(cx, p)
		return err
	})
	return n, err
}

// PollWrite encrypts a prefix of p and reports its length.
func (s *Stream) PollWrite(cx *poll.Context, p []byte) (n int, err error) {
	err = s.fan.poll(cx, dirWrite, func(cx *poll.Context) error {
		n, err = s.pollWrite(cx, p)
		return err
	})
	return n, err
}

func (s *Stream) PollFlush(cx *poll.Context) error {
	return s.fan.poll(cx, dirWrite, s.pollFlush)
}

func (s *Stream) PollShutdown(cx *poll.Context) error {
	return s.fan.poll(cx, dirWrite, s.pollShutdown)
}

// Handshake runs the handshake to completion. Calling it again afterwards
// is a no-op. Read and Write do it implicitly.
func (s *Stream) Handshake(ctx context.Context) error {
	return poll.Block(ctx, s.PollHandshake)
}

// Shutdown sends the closing notification and waits until it was handed
// to the transport. Later writes fail with a broken pipe; reads keep
// working until the peer closes.
func (s *Stream) Shutdown(ctx context.Context) error {
	return poll.Block(ctx, s.PollShutdown)
}

// CloseWrite is Shutdown bounded by the write deadline.
func (s *Stream) CloseWrite() error {
	return s.Shutdown(s.wrDeadline.context())
}

// Flush hands buffered ciphertext to the transport.
func (s *Stream) Flush(ctx context.Context) error {
	return poll.Block(ctx, s.PollFlush)
}

func (s *Stream) Read(p []byte) (int, error) {
	return readBlocking(s.rdDeadline, s.PollRead, p)
}

// Write encrypts all of p and flushes it.
func (s *Stream) Write(p []byte) (int, error) {
	return writeBlocking(s.wrDeadline, s.PollWrite, s.PollFlush, p)
}

func readBlocking(d *deadline, pollRead func(*poll.Context, []byte) (int, error), p []byte) (int, error) {
	return poll.BlockValue(d.context(), func(cx *poll.Context) (int, error) {
		return pollRead(cx, p)
	})
}

func writeBlocking(
	d *deadline,
	pollWrite func(*poll.Context, []byte) (int, error),
	pollFlush func(*poll.Context) error,
	p []byte,
) (int, error) {
	var written int
	err := poll.Block(d.context(), func(cx *poll.Context) error {
		for written < len(p) {
			n, err := pollWrite(cx, p[written:])
			if err != nil {
				return err
			}
			written += n
		}
		return pollFlush(cx)
	})
	return written, err
}

// Close releases the stream without blocking. See the package
// documentation for what happens to an unfinished close exchange.
func (s *Stream) Close() error {
	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	err := s.closedErr()
	s.mu.Unlock()

	if sess == nil {
		return err
	}
	// Pending calls on other goroutines re-poll and see the empty slot.
	s.fan.wake()
	linger(sess, s.opts)
	return nil
}

func (s *Stream) LocalAddr() net.Addr  { return s.local }
func (s *Stream) RemoteAddr() net.Addr { return s.peer }

func (s *Stream) SetDeadline(t time.Time) error {
	s.rdDeadline.set(t)
	s.wrDeadline.set(t)
	return nil
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	s.rdDeadline.set(t)
	return nil
}

func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.wrDeadline.set(t)
	return nil
}

// ALPNProtocol returns the negotiated application protocol, or "".
func (s *Stream) ALPNProtocol() string {
	var proto string
	_ = s.with(func(sess *session.Session) error {
		proto = sess.ALPNProtocol()
		return nil
	})
	return proto
}

// ConnectionState returns the negotiated parameters; the zero value before
// the handshake finished.
func (s *Stream) ConnectionState() tls.ConnectionState {
	var state tls.ConnectionState
	_ = s.with(func(sess *session.Session) error {
		state = sess.ConnectionState()
		return nil
	})
	return state
}

// Raw exposes the transport and the security connection for inspection.
// Both are nil once the stream was closed or split. Doing I/O on them
// corrupts the session.
func (s *Stream) Raw() (transport.Transport, security.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil, nil
	}
	return s.sess.Transport(), s.sess.Conn()
}

// Split moves the session into a read half and a write half. The Stream
// itself is left empty and returns ErrSplit from then on.
func (s *Stream) Split() (*ReadHalf, *WriteHalf) {
	s.mu.Lock()
	inner := newStreamFrom(s.sess, s.opts, s.local, s.peer)
	if s.sess == nil {
		// Splitting a closed stream yields closed halves.
		inner.split = s.split
	}
	s.sess = nil
	s.split = true
	s.mu.Unlock()

	s.fan.wake()
	return newShared(inner)
}

var (
	_ net.Conn  = (*Stream)(nil)
	_ io.Reader = (*ReadHalf)(nil)
	_ io.Writer = (*WriteHalf)(nil)
)
