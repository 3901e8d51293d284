package security

import (
	"bytes"
	"crypto/tls"
	"io"
	"net"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foxxorcat/tlsstream/internal/testutil/tlstest"
	"github.com/foxxorcat/tlsstream/poll"
)

// pump moves pending ciphertext across in both directions once.
func pump(a, b *Conn) error {
	var buf bytes.Buffer
	for _, dir := range [][2]*Conn{{a, b}, {b, a}} {
		buf.Reset()
		if _, err := dir[0].WriteTLS(&buf); err != nil {
			return err
		}
		for buf.Len() > 0 {
			if _, err := dir[1].ReadTLS(&buf); err != nil {
				return err
			}
		}
	}
	return nil
}

// await pumps until cond holds.
func await(t *testing.T, a, b *Conn, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		require.NoError(t, pump(a, b))
		require.True(t, time.Now().Before(deadline), "timed out")
		time.Sleep(time.Millisecond)
	}
}

func newPair(t *testing.T, alpn ...string) (*Conn, *Conn) {
	t.Helper()
	clientCfg, serverCfg := tlstest.Pair(t, alpn...)
	c, err := NewClient(clientCfg)
	require.NoError(t, err)
	s, err := NewServer(serverCfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
		_ = s.Close()
	})
	return c, s
}

func handshake(t *testing.T, c, s *Conn) {
	t.Helper()
	await(t, c, s, func() bool { return !c.IsHandshaking() && !s.IsHandshaking() })
	require.NoError(t, c.Err())
	require.NoError(t, s.Err())
}

func readAll(t *testing.T, c, s, from *Conn, n int) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 1024)
	await(t, c, s, func() bool {
		for {
			k, err := from.ReadPlaintext(buf)
			if err == poll.ErrWouldBlock {
				break
			}
			require.NoError(t, err)
			out = append(out, buf[:k]...)
		}
		return len(out) >= n
	})
	return out
}

func TestConstructorsValidate(t *testing.T) {
	_, err := NewClient(nil)
	require.ErrorIs(t, err, ErrNilConfig)
	_, err = NewClient(&tls.Config{})
	require.ErrorIs(t, err, ErrServerNameRequired)
	_, err = NewServer(&tls.Config{})
	require.ErrorIs(t, err, ErrNoCertificates)
}

func TestHandshakeAndData(t *testing.T) {
	c, s := newPair(t, "h2")
	require.Equal(t, RoleClient, c.Role())
	require.Equal(t, RoleServer, s.Role())

	_, err := c.WritePlaintext([]byte("early"))
	require.ErrorIs(t, err, poll.ErrWouldBlock)

	handshake(t, c, s)
	require.Equal(t, "h2", c.ALPNProtocol())
	require.Equal(t, "h2", s.ALPNProtocol())
	require.True(t, c.ConnectionState().HandshakeComplete)

	n, err := c.WritePlaintext([]byte("hello?"))
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.True(t, c.WantsWrite())
	require.Equal(t, "hello?", string(readAll(t, c, s, s, 6)))

	_, err = s.WritePlaintext([]byte("hello!"))
	require.NoError(t, err)
	require.Equal(t, "hello!", string(readAll(t, c, s, c, 6)))
}

func TestCloseNotifyIsEOF(t *testing.T) {
	c, s := newPair(t)
	handshake(t, c, s)

	require.NoError(t, c.SendCloseNotify())
	_, err := c.WritePlaintext([]byte("late"))
	require.ErrorIs(t, err, ErrShutdown)
	require.ErrorIs(t, err, syscall.EPIPE)

	await(t, c, s, s.Readable)
	_, err = s.ReadPlaintext(make([]byte, 8))
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, s.Err())

	// The peer may still write after receiving the notification.
	_, err = s.WritePlaintext([]byte("bye"))
	require.NoError(t, err)
	require.Equal(t, "bye", string(readAll(t, c, s, c, 3)))
}

func TestTruncationIsUnexpectedEOF(t *testing.T) {
	c, s := newPair(t)
	handshake(t, c, s)

	_, err := s.ReadTLS(strings.NewReader(""))
	require.ErrorIs(t, err, io.EOF)
	require.False(t, s.WantsRead())

	await(t, c, s, s.Readable)
	_, err = s.ReadPlaintext(make([]byte, 8))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestWakerFiresOnProgress(t *testing.T) {
	c, s := newPair(t)

	woke := make(chan struct{}, 1)
	s.Register(poll.WakerFunc(func() {
		select {
		case woke <- struct{}{}:
		default:
		}
	}))

	require.Eventually(t, c.WantsWrite, 5*time.Second, time.Millisecond)
	require.NoError(t, pump(c, s))

	select {
	case <-woke:
	case <-time.After(5 * time.Second):
		t.Fatal("server waker not fired")
	}
}

func TestHandshakeFailure(t *testing.T) {
	_, serverCfg := tlstest.Pair(t)
	other := tlstest.NewAuthority(t, "other ca")
	c, err := NewClient(&tls.Config{RootCAs: other.Pool(), ServerName: tlstest.ServerName})
	require.NoError(t, err)
	s, err := NewServer(serverCfg)
	require.NoError(t, err)
	defer c.Close()
	defer s.Close()

	await(t, c, s, func() bool { return !c.IsHandshaking() })
	require.Error(t, c.Err())
	_, err = c.ReadPlaintext(make([]byte, 8))
	require.Error(t, err)
	_, err = c.WritePlaintext([]byte("x"))
	require.Error(t, err)
}

func TestCloseStopsEngine(t *testing.T) {
	c, s := newPair(t)
	handshake(t, c, s)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.False(t, c.WantsRead())
	_, err := c.ReadPlaintext(make([]byte, 8))
	require.ErrorIs(t, err, net.ErrClosed)
}
