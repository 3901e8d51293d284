// Package session implements the poll-style state machine that drives a
// security connection over a non-blocking transport.
//
// A Session is not safe for concurrent use; callers serialize access.
package session

import (
	"crypto/tls"
	"errors"
	"io"
	"syscall"

	"github.com/foxxorcat/tlsstream/common/bytespool"
	"github.com/foxxorcat/tlsstream/poll"
	"github.com/foxxorcat/tlsstream/security"
	"github.com/foxxorcat/tlsstream/transport"
)

const (
	// MaxWriteChunk is the most plaintext a single PollWrite accepts.
	MaxWriteChunk = 64 << 10
	// DefaultWriteLimit is the unsent ciphertext above which PollWrite
	// waits for the transport.
	DefaultWriteLimit = 256 << 10

	drainChunk = 16 << 10
)

// ErrBrokenPipe is returned by PollWrite after the write direction was shut
// down.
var ErrBrokenPipe = errors.Join(errors.New("session: write after shutdown"), syscall.EPIPE)

type Option func(*Session)

// WithWriteLimit sets the unsent ciphertext threshold of PollWrite.
func WithWriteLimit(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.writeLimit = n
		}
	}
}

// OnHandshake registers f to receive the outcome of the handshake. It is
// called once, from whichever operation observes the outcome first.
func OnHandshake(f func(state tls.ConnectionState, err error)) Option {
	return func(s *Session) {
		s.onHandshake = f
	}
}

type Session struct {
	tr   transport.Transport
	conn security.Connection

	rd, wr  State
	closing bool
	err     error

	released   bool
	releaseErr error

	writeLimit  int
	onHandshake func(tls.ConnectionState, error)
	reported    bool
}

// New takes ownership of tr and conn.
func New(tr transport.Transport, conn security.Connection, opts ...Option) *Session {
	s := &Session{
		tr:         tr,
		conn:       conn,
		writeLimit: DefaultWriteLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) Transport() transport.Transport { return s.tr }
func (s *Session) Conn() security.Connection { return s.conn }
func (s *Session) States() (rd State, wr State) { return s.rd, s.wr }
func (s *Session) Err() error { return s.err }
func (s *Session) ALPNProtocol() string { return s.conn.ALPNProtocol() }
func (s *Session) ConnectionState() tls.ConnectionState { return s.conn.ConnectionState() }

// Done reports whether the session released its resources, either because
// both directions reached TransportClosed or because it failed.
func (s *Session) Done() bool {
	return s.released
}

// PollHandshake drives the handshake until it finished and its last flight
// was flushed. It succeeds immediately once that happened.
func (s *Session) PollHandshake(cx *poll.Context) error {
	ready, err := s.pollIO(cx, FlowHandshake)
	if err != nil {
		return err
	}
	if !ready {
		return poll.ErrPending
	}
	return nil
}

// PollRead reads decrypted data into p. It returns io.EOF once the peer's
// closing notification was read.
func (s *Session) PollRead(cx *poll.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if s.err != nil {
			return 0, s.err
		}
		if s.released {
			return 0, io.EOF
		}

		n, err := s.conn.ReadPlaintext(p)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, io.EOF):
			if s.rd < TLSClosed {
				s.rd = TLSClosed
			}
			return 0, io.EOF
		case errors.Is(err, poll.ErrWouldBlock):
		default:
			return 0, s.fail(err)
		}

		ready, err := s.pollIO(cx, FlowRead)
		if err != nil {
			return 0, err
		}
		if !ready {
			return 0, poll.ErrPending
		}
	}
}

// PollWrite encrypts up to MaxWriteChunk bytes of p and returns how many
// were accepted.
func (s *Session) PollWrite(cx *poll.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if s.err != nil {
			return 0, s.err
		}
		if s.wr != Open {
			return 0, ErrBrokenPipe
		}

		handshaking := s.conn.IsHandshaking()
		if !handshaking && s.conn.PendingCiphertext() < s.writeLimit {
			break
		}
		flow := FlowWrite
		if handshaking {
			flow = FlowHandshake
		}
		ready, err := s.pollIO(cx, flow)
		if err != nil {
			return 0, err
		}
		if !ready {
			return 0, poll.ErrPending
		}
	}

	if len(p) > MaxWriteChunk {
		p = p[:MaxWriteChunk]
	}
	n, err := s.conn.WritePlaintext(p)
	if err != nil {
		return 0, s.fail(err)
	}

	// Push what we can now; an error here surfaces on the next call.
	_, _ = s.pollIO(cx, FlowWrite)
	return n, nil
}

// PollFlush writes buffered ciphertext to the transport.
func (s *Session) PollFlush(cx *poll.Context) error {
	ready, err := s.pollIO(cx, FlowWrite)
	if err != nil {
		return err
	}
	if !ready {
		return poll.ErrPending
	}
	return nil
}

// PollShutdown sends the closing notification and flushes it. The
// transport stays open.
func (s *Session) PollShutdown(cx *poll.Context) error {
	if s.wr == Open {
		s.wr = Shutdown
	}
	ready, err := s.pollIO(cx, FlowWrite)
	if err != nil {
		return err
	}
	if !ready || s.wr < TLSClosed {
		return poll.ErrPending
	}
	return nil
}

// PollClose shuts the session down: closing notification, then the
// transport's write side, then waiting for the transport's end of stream.
// Received plaintext is discarded. Resources are released on completion.
// It can be called any number of times, with any context.
func (s *Session) PollClose(cx *poll.Context) error {
	s.closing = true
	if s.wr == Open {
		s.wr = Shutdown
	}
	ready, err := s.pollIO(cx, FlowClose)
	if err != nil {
		return err
	}
	if !ready {
		return poll.ErrPending
	}
	return s.release()
}

// Release frees the transport and the security connection without a
// closing exchange.
func (s *Session) Release() error {
	if s.rd != Failed {
		s.rd = TransportClosed
	}
	if s.wr != Failed {
		s.wr = TransportClosed
	}
	return s.release()
}

func (s *Session) pollIO(cx *poll.Context, flow Flow) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	if s.released {
		return true, nil
	}
	if err := s.conn.Err(); err != nil {
		return false, s.fail(err)
	}

	w := cx.Waker()
	s.conn.Register(w)

	wrReady, err := s.pollWriteSide(w)
	if err != nil {
		return false, s.fail(err)
	}
	rdReady, err := s.pollReadSide(w)
	if err != nil {
		return false, s.fail(err)
	}
	if err := s.conn.Err(); err != nil {
		return false, s.fail(err)
	}
	s.report()

	switch flow {
	case FlowHandshake:
		return !s.conn.IsHandshaking() && !s.conn.WantsWrite(), nil
	case FlowRead:
		return rdReady, nil
	case FlowWrite:
		return wrReady, nil
	default:
		return s.rd == TransportClosed && s.wr == TransportClosed, nil
	}
}

// pollWriteSide advances the write direction and flushes ciphertext. It
// reports whether nothing is left to send.
func (s *Session) pollWriteSide(w poll.Waker) (bool, error) {
	for {
		if s.wr == Shutdown && !s.conn.IsHandshaking() {
			if err := s.conn.SendCloseNotify(); err != nil {
				return false, err
			}
			s.wr = Notifying
		}

		if !s.conn.WantsWrite() {
			switch {
			case s.wr == Notifying:
				s.wr = TLSClosed
				continue
			case s.wr == TLSClosed && s.closing:
				if err := s.tr.CloseWrite(); err != nil {
					return false, err
				}
				s.wr = TransportClosed
			}
			return true, nil
		}
		if s.wr == TransportClosed {
			return true, nil
		}

		_, err := s.conn.WriteTLS(transport.Writer{T: s.tr})
		if errors.Is(err, poll.ErrWouldBlock) {
			s.tr.RegisterWrite(w)
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
}

// pollReadSide feeds ciphertext from the transport to the security
// connection. It reports whether a read would not need to wait.
func (s *Session) pollReadSide(w poll.Waker) (bool, error) {
	for {
		if s.closing {
			s.discardPlaintext()
		}

		switch s.rd {
		case TransportClosed:
			return s.closing || s.conn.Readable(), nil
		case TLSClosed:
			if !s.closing {
				return true, nil
			}
		default:
			if !s.closing && s.conn.Readable() {
				return true, nil
			}
		}

		if !s.conn.WantsRead() {
			if s.closing && !s.conn.IsHandshaking() {
				return s.drainTransport(w)
			}
			// The connection wakes us once it consumed its backlog.
			return false, nil
		}

		_, err := s.conn.ReadTLS(transport.Reader{T: s.tr})
		switch {
		case errors.Is(err, io.EOF):
			s.rd = TransportClosed
		case errors.Is(err, poll.ErrWouldBlock):
			s.tr.RegisterRead(w)
			return false, nil
		case err != nil:
			return false, err
		}
	}
}

// drainTransport reads and drops raw bytes until the transport's end of
// stream. Only used while closing, after the connection stopped reading.
func (s *Session) drainTransport(w poll.Waker) (bool, error) {
	buf := bytespool.Alloc(drainChunk)
	defer bytespool.Free(buf)
	for {
		_, err := s.tr.TryRead(buf)
		switch {
		case errors.Is(err, io.EOF):
			s.rd = TransportClosed
			return true, nil
		case errors.Is(err, poll.ErrWouldBlock):
			s.tr.RegisterRead(w)
			return false, nil
		case err != nil:
			return false, err
		}
	}
}

func (s *Session) discardPlaintext() {
	buf := bytespool.Alloc(drainChunk)
	defer bytespool.Free(buf)
	for {
		n, err := s.conn.ReadPlaintext(buf)
		if err != nil || n == 0 {
			return
		}
	}
}

func (s *Session) report() {
	if s.reported || s.onHandshake == nil {
		return
	}
	if s.err == nil && s.conn.IsHandshaking() {
		return
	}
	s.reported = true
	s.onHandshake(s.conn.ConnectionState(), s.err)
}

// fail records err as the session's terminal error and releases resources.
func (s *Session) fail(err error) error {
	if s.err != nil {
		return s.err
	}
	s.err = err
	s.rd, s.wr = Failed, Failed
	if !s.released {
		// Best effort: let an alert queued by the connection reach the peer.
		_, _ = s.conn.WriteTLS(transport.Writer{T: s.tr})
	}
	s.report()
	_ = s.release()
	return s.err
}

func (s *Session) release() error {
	if s.released {
		return s.releaseErr
	}
	s.released = true
	s.releaseErr = errors.Join(s.conn.Close(), s.tr.Close())
	return s.releaseErr
}
