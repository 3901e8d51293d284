package session

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foxxorcat/tlsstream/internal/testutil/tlstest"
	"github.com/foxxorcat/tlsstream/poll"
	"github.com/foxxorcat/tlsstream/security"
	"github.com/foxxorcat/tlsstream/transport"

	"github.com/stretchr/testify/require"
)

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok)
	return client, server
}

func newSessions(t *testing.T, clientCfg, serverCfg *tls.Config, clientOpts, serverOpts []Option) (*Session, *Session) {
	t.Helper()
	cc, sc := tcpPair(t)

	cconn, err := security.NewClient(clientCfg)
	require.NoError(t, err)
	sconn, err := security.NewServer(serverCfg)
	require.NoError(t, err)

	client := New(transport.New(cc), cconn, clientOpts...)
	server := New(transport.New(sc), sconn, serverOpts...)
	t.Cleanup(func() {
		_ = client.Release()
		_ = server.Release()
	})
	return client, server
}

func newPair(t *testing.T, opts ...Option) (*Session, *Session) {
	t.Helper()
	clientCfg, serverCfg := tlstest.Pair(t, "echo")
	return newSessions(t, clientCfg, serverCfg, opts, opts)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func handshakeBoth(t *testing.T, client, server *Session) {
	t.Helper()
	ctx := testContext(t)
	errCh := make(chan error, 1)
	go func() {
		errCh <- poll.Block(ctx, server.PollHandshake)
	}()
	require.NoError(t, poll.Block(ctx, client.PollHandshake))
	require.NoError(t, <-errCh)
}

func readN(ctx context.Context, s *Session, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, 4096)
	err := poll.Block(ctx, func(cx *poll.Context) error {
		for len(out) < n {
			m, err := s.PollRead(cx, buf[:min(len(buf), n-len(out))])
			if err != nil {
				return err
			}
			out = append(out, buf[:m]...)
		}
		return nil
	})
	return out, err
}

func writeAll(ctx context.Context, s *Session, p []byte) error {
	return poll.Block(ctx, func(cx *poll.Context) error {
		for len(p) > 0 {
			n, err := s.PollWrite(cx, p)
			if err != nil {
				return err
			}
			p = p[n:]
		}
		return s.PollFlush(cx)
	})
}

func TestHelloExchange(t *testing.T) {
	client, server := newPair(t)
	handshakeBoth(t, client, server)
	ctx := testContext(t)

	require.Equal(t, "echo", client.ALPNProtocol())
	require.Equal(t, "echo", server.ALPNProtocol())

	require.NoError(t, writeAll(ctx, server, []byte("hello?")))
	got, err := readN(ctx, client, 6)
	require.NoError(t, err)
	require.Equal(t, "hello?", string(got))

	require.NoError(t, writeAll(ctx, client, []byte("hello!")))
	got, err = readN(ctx, server, 6)
	require.NoError(t, err)
	require.Equal(t, "hello!", string(got))
}

func TestImplicitHandshake(t *testing.T) {
	client, server := newPair(t)
	ctx := testContext(t)

	done := make(chan error, 1)
	go func() {
		done <- writeAll(ctx, client, []byte("ping"))
	}()
	got, err := readN(ctx, server, 4)
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, "ping", string(got))
	require.True(t, server.ConnectionState().HandshakeComplete)
}

func TestHandshakeIdempotent(t *testing.T) {
	client, server := newPair(t)
	handshakeBoth(t, client, server)

	for range 3 {
		require.NoError(t, client.PollHandshake(poll.NoopContext()))
	}
}

func TestShutdownBrokenPipeAndEOF(t *testing.T) {
	client, server := newPair(t)
	handshakeBoth(t, client, server)
	ctx := testContext(t)

	require.NoError(t, poll.Block(ctx, server.PollShutdown))
	_, wr := server.States()
	require.Equal(t, TLSClosed, wr)

	_, err := server.PollWrite(poll.NoopContext(), []byte("x"))
	require.ErrorIs(t, err, ErrBrokenPipe)

	got, err := readN(ctx, client, 6)
	require.ErrorIs(t, err, io.EOF)
	require.Empty(t, got)
	rd, _ := client.States()
	require.Equal(t, TLSClosed, rd)

	// EOF is sticky and the peer may still write.
	_, err = readN(ctx, client, 1)
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, writeAll(ctx, client, []byte("late")))
	got, err = readN(ctx, server, 4)
	require.NoError(t, err)
	require.Equal(t, "late", string(got))
}

func TestWriteChunkAndPartialRetry(t *testing.T) {
	client, server := newPair(t)
	handshakeBoth(t, client, server)
	ctx := testContext(t)

	payload := make([]byte, 3*MaxWriteChunk+17)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	done := make(chan error, 1)
	go func() {
		remaining := payload
		calls := 0
		err := poll.Block(ctx, func(cx *poll.Context) error {
			for len(remaining) > 0 {
				n, err := client.PollWrite(cx, remaining)
				if err != nil {
					return err
				}
				if n > MaxWriteChunk {
					return errors.New("chunk too large")
				}
				calls++
				remaining = remaining[n:]
			}
			return client.PollFlush(cx)
		})
		if err == nil && calls < 4 {
			err = errors.New("write was not split")
		}
		done <- err
	}()

	got, err := readN(ctx, server, len(payload))
	require.NoError(t, err)
	require.NoError(t, <-done)
	for i := range got {
		if got[i] != byte(i%251) {
			t.Fatalf("mismatch at %d", i)
		}
	}
}

func TestPollCloseCompletesAfterPeerCloses(t *testing.T) {
	client, server := newPair(t)
	handshakeBoth(t, client, server)
	ctx := testContext(t)

	// The peer has not closed yet, so one attempt cannot finish.
	err := server.PollClose(poll.NoopContext())
	require.ErrorIs(t, err, poll.ErrPending)
	require.False(t, server.Done())

	closed := make(chan error, 1)
	go func() {
		closed <- poll.Block(ctx, server.PollClose)
	}()

	_, err = readN(ctx, client, 1)
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, poll.Block(ctx, client.PollClose))

	require.NoError(t, <-closed)
	require.True(t, server.Done())
	require.True(t, client.Done())
	rd, wr := server.States()
	require.Equal(t, TransportClosed, rd)
	require.Equal(t, TransportClosed, wr)

	// Repeated closes are no-ops.
	require.NoError(t, server.PollClose(poll.NoopContext()))
}

func TestHandshakeFailureIsSticky(t *testing.T) {
	_, serverCfg := tlstest.Pair(t)
	other := tlstest.NewAuthority(t, "other ca")
	clientCfg := &tls.Config{RootCAs: other.Pool(), ServerName: tlstest.ServerName}

	var reports atomic.Int32
	var reported error
	client, server := newSessions(t, clientCfg, serverCfg, []Option{OnHandshake(func(_ tls.ConnectionState, err error) {
		reports.Add(1)
		reported = err
	})}, nil)
	ctx := testContext(t)

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- poll.Block(ctx, server.PollHandshake)
	}()
	err := poll.Block(ctx, client.PollHandshake)
	require.Error(t, err)
	require.ErrorIs(t, client.PollHandshake(poll.NoopContext()), err)
	_, werr := client.PollWrite(poll.NoopContext(), []byte("x"))
	require.ErrorIs(t, werr, err)

	rd, wr := client.States()
	require.Equal(t, Failed, rd)
	require.Equal(t, Failed, wr)
	require.True(t, client.Done())
	require.Equal(t, int32(1), reports.Load())
	require.ErrorIs(t, reported, err)

	// The server learns about the rejection from the client's alert.
	require.Error(t, <-srvErr)
}

func TestOnHandshakeReportsOnce(t *testing.T) {
	var reports atomic.Int32
	client, server := newPair(t, OnHandshake(func(state tls.ConnectionState, err error) {
		if err == nil && state.HandshakeComplete {
			reports.Add(1)
		}
	}))
	handshakeBoth(t, client, server)
	ctx := testContext(t)

	require.NoError(t, writeAll(ctx, client, []byte("a")))
	_, err := readN(ctx, server, 1)
	require.NoError(t, err)
	require.Equal(t, int32(2), reports.Load())
}

func TestTruncatedStream(t *testing.T) {
	client, server := newPair(t)
	handshakeBoth(t, client, server)
	ctx := testContext(t)

	// Dropping the transport without a closing notification.
	require.NoError(t, server.Release())

	_, err := readN(ctx, client, 1)
	require.Error(t, err)
	require.NotErrorIs(t, err, io.EOF)
	require.ErrorIs(t, client.Err(), err)
}

func TestZeroLengthOps(t *testing.T) {
	client, _ := newPair(t)
	n, err := client.PollRead(poll.NoopContext(), nil)
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = client.PollWrite(poll.NoopContext(), nil)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "open", Open.String())
	require.Equal(t, "transport-closed", TransportClosed.String())
	require.Equal(t, "unknown", State(42).String())
}
