package tlsstream

import (
	"errors"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

// echo copies everything the stream reads back to it until EOF.
func echo(s *Stream) chan error {
	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(s, s)
		done <- err
	}()
	return done
}

func TestSplitReuniteRoundTrip(t *testing.T) {
	client, server := tlsPair(t)
	echoed := echo(server)

	rd, wr := client.Split()
	_, err := client.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrSplit)
	_, err = client.Write([]byte("x"))
	require.ErrorIs(t, err, ErrSplit)
	tr, conn := client.Raw()
	require.Nil(t, tr)
	require.Nil(t, conn)

	msg := make([]byte, 32<<10)
	for i := range msg {
		msg[i] = byte(i)
	}
	writeErr := make(chan error, 1)
	go func() {
		_, err := wr.Write(msg)
		writeErr <- err
	}()
	got := make([]byte, len(msg))
	_, err = io.ReadFull(rd, got)
	require.NoError(t, err)
	require.Equal(t, msg, got)
	require.NoError(t, <-writeErr)
	require.Equal(t, "echo", rd.ALPNProtocol())
	require.Equal(t, "echo", wr.ALPNProtocol())
	require.Equal(t, server.LocalAddr().String(), rd.RemoteAddr().String())

	whole, err := rd.Reunite(wr)
	require.NoError(t, err)

	_, err = whole.Write([]byte("again"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(whole, buf)
	require.NoError(t, err)
	require.Equal(t, "again", string(buf))

	// The halves are spent.
	_, err = rd.Read(buf)
	require.ErrorIs(t, err, net.ErrClosed)
	_, err = wr.Write(buf)
	require.ErrorIs(t, err, net.ErrClosed)

	require.NoError(t, whole.CloseWrite())
	require.NoError(t, <-echoed)
	require.NoError(t, whole.Close())
}

func TestReuniteMismatch(t *testing.T) {
	a, _ := tlsPair(t)
	b, _ := tlsPair(t)
	rdA, wrA := a.Split()
	rdB, wrB := b.Split()

	s, err := Reunite(rdA, wrB)
	require.Nil(t, s)
	require.ErrorIs(t, err, ErrContractViolation)
	var re *ReuniteError
	require.True(t, errors.As(err, &re))
	require.Same(t, rdA, re.Read)
	require.Same(t, wrB, re.Write)

	// A failed reunite leaves the halves intact.
	sa, err := Reunite(rdA, wrA)
	require.NoError(t, err)
	sb, err := Reunite(rdB, wrB)
	require.NoError(t, err)
	require.NoError(t, sa.Close())
	require.NoError(t, sb.Close())
}

func TestReuniteReleasedHalfPanics(t *testing.T) {
	client, _ := tlsPair(t)
	rd, wr := client.Split()
	require.NoError(t, rd.Close())
	require.ErrorIs(t, rd.Close(), net.ErrClosed)

	require.Panics(t, func() { _, _ = Reunite(rd, wr) })
	require.NoError(t, wr.Close())
}

func TestWriteHalfShutdown(t *testing.T) {
	client, server := tlsPair(t)
	ctx := testContext(t)
	rd, wr := client.Split()
	defer rd.Close()
	defer wr.Close()

	require.NoError(t, wr.Handshake(ctx))
	require.NoError(t, wr.Shutdown(ctx))
	_, err := wr.Write([]byte("late"))
	require.ErrorIs(t, err, syscall.EPIPE)

	got, err := io.ReadAll(server)
	require.NoError(t, err)
	require.Empty(t, got)

	// The read half keeps working after the write side closed.
	_, err = server.Write([]byte("still here"))
	require.NoError(t, err)
	buf := make([]byte, 10)
	_, err = io.ReadFull(rd, buf)
	require.NoError(t, err)
	require.Equal(t, "still here", string(buf))
}

func TestClosingBothHalvesClosesStream(t *testing.T) {
	client, server := tlsPair(t)
	rd, wr := client.Split()

	_, err := wr.Write([]byte("last"))
	require.NoError(t, err)
	require.NoError(t, rd.Close())
	require.NoError(t, wr.Close())
	_, err = wr.Write([]byte("x"))
	require.ErrorIs(t, err, net.ErrClosed)

	got, err := io.ReadAll(server)
	require.NoError(t, err)
	require.Equal(t, "last", string(got))
}

func TestSplitClosedStream(t *testing.T) {
	client, _ := tlsPair(t)
	require.NoError(t, client.Close())

	rd, wr := client.Split()
	_, err := rd.Read(make([]byte, 1))
	require.ErrorIs(t, err, net.ErrClosed)
	_, err = wr.Write([]byte("x"))
	require.ErrorIs(t, err, net.ErrClosed)
}
