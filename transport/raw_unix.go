//go:build unix

package transport

import (
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"syscall"

	"github.com/foxxorcat/tlsstream/poll"
	"golang.org/x/sys/unix"
)

// Raw drives a socket's file descriptor directly with non-blocking
// syscalls. Readiness waits go through the runtime network poller on a
// short-lived watcher goroutine per pending registration.
type Raw struct {
	conn net.Conn
	rc   syscall.RawConn

	readWaker   poll.AtomicWaker
	writeWaker  poll.AtomicWaker
	readWatch   atomic.Bool
	writeWatch  atomic.Bool
	writeClosed atomic.Bool
	closed      atomic.Bool
}

// NewRaw wraps c when it exposes a file descriptor.
func NewRaw(c net.Conn) (*Raw, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return nil, errors.ErrUnsupported
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, err
	}
	return &Raw{conn: c, rc: rc}, nil
}

func (t *Raw) TryRead(p []byte) (int, error) {
	if t.closed.Load() {
		return 0, net.ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	var (
		n     int
		errno error
	)
	// Control only pins the descriptor; it does not take the read lock
	// held by a parked watcher.
	if err := t.rc.Control(func(fd uintptr) {
		n, errno = unix.Read(int(fd), p)
	}); err != nil {
		return 0, err
	}
	switch {
	case errno == unix.EAGAIN || errno == unix.EWOULDBLOCK:
		return 0, poll.ErrWouldBlock
	case errno == unix.EINTR:
		return 0, poll.ErrWouldBlock
	case errno != nil:
		return 0, os.NewSyscallError("read", errno)
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

func (t *Raw) TryWrite(p []byte) (int, error) {
	if t.closed.Load() {
		return 0, net.ErrClosed
	}
	if t.writeClosed.Load() {
		return 0, ErrWriteClosed
	}
	var (
		n     int
		errno error
	)
	if err := t.rc.Control(func(fd uintptr) {
		n, errno = unix.Write(int(fd), p)
	}); err != nil {
		return 0, err
	}
	switch {
	case errno == unix.EAGAIN || errno == unix.EWOULDBLOCK || errno == unix.EINTR:
		return 0, poll.ErrWouldBlock
	case errno != nil:
		return 0, os.NewSyscallError("write", errno)
	}
	return n, nil
}

func (t *Raw) RegisterRead(w poll.Waker) {
	t.readWaker.Register(w)
	if t.closed.Load() {
		t.readWaker.Wake()
		return
	}
	if t.readWatch.CompareAndSwap(false, true) {
		go t.watch(t.rc.Read, unix.POLLIN, &t.readWatch, &t.readWaker)
	}
}

func (t *Raw) RegisterWrite(w poll.Waker) {
	t.writeWaker.Register(w)
	if t.closed.Load() {
		t.writeWaker.Wake()
		return
	}
	if t.writeWatch.CompareAndSwap(false, true) {
		go t.watch(t.rc.Write, unix.POLLOUT, &t.writeWatch, &t.writeWaker)
	}
}

// watch parks in the network poller until the descriptor is ready for the
// direction served by wait, then fires the direction's waker. RawConn
// resets the poller's ready edge before each callback, so the callback
// asks the descriptor itself instead of trusting the first wakeup.
func (t *Raw) watch(wait func(func(uintptr) bool) error, events int16, active *atomic.Bool, waker *poll.AtomicWaker) {
	_ = wait(func(fd uintptr) bool {
		return ready(fd, events)
	})
	active.Store(false)
	waker.Wake()
}

// ready reports whether fd has any of events pending, or an error or hangup
// that the next syscall will surface.
func ready(fd uintptr, events int16) bool {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		n, err := unix.Poll(fds, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return true
		}
		return n > 0 && fds[0].Revents&(events|unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0
	}
}

func (t *Raw) CloseWrite() error {
	if t.closed.Load() {
		return net.ErrClosed
	}
	if !t.writeClosed.CompareAndSwap(false, true) {
		return nil
	}
	var errno error
	if err := t.rc.Control(func(fd uintptr) {
		errno = unix.Shutdown(int(fd), unix.SHUT_WR)
	}); err != nil {
		return err
	}
	if errno != nil && errno != unix.ENOTCONN {
		return os.NewSyscallError("shutdown", errno)
	}
	return nil
}

func (t *Raw) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return net.ErrClosed
	}
	err := t.conn.Close()
	t.readWaker.Wake()
	t.writeWaker.Wake()
	return err
}

func (t *Raw) LocalAddr() net.Addr  { return t.conn.LocalAddr() }
func (t *Raw) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

var _ Transport = (*Raw)(nil)
