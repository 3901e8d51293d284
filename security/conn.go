package security

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/foxxorcat/tlsstream/common/bytespool"
	"github.com/foxxorcat/tlsstream/poll"
)

const (
	// maxInbound caps the ciphertext queued for the TLS engine.
	maxInbound = 64 << 10
	// maxPlaintext caps the decrypted data waiting for ReadPlaintext.
	maxPlaintext = 64 << 10
	// readChunk is what a single ReadTLS asks the transport for.
	readChunk = 16 << 10
)

var (
	ErrNilConfig          = errors.New("security: nil tls config")
	ErrServerNameRequired = errors.New("security: client config needs ServerName or InsecureSkipVerify")
	ErrNoCertificates     = errors.New("security: server config has no certificate")

	// ErrShutdown is returned by WritePlaintext after SendCloseNotify.
	ErrShutdown = errors.Join(errors.New("security: close notify already sent"), syscall.EPIPE)
)

// Conn is a Connection backed by crypto/tls.
//
// The tls.Conn runs on its own goroutine over an in-memory pipe. That
// goroutine performs the handshake and then keeps decrypting records into
// a bounded plaintext buffer; every state change wakes the registered
// waker.
type Conn struct {
	role   Role
	tc     *tls.Conn
	pipe   *pipe
	waker  poll.AtomicWaker
	cancel context.CancelFunc

	mu          sync.Mutex
	cond        *sync.Cond
	plain       bytes.Buffer
	handshaking bool
	state       tls.ConnectionState
	readErr     error
	err         error
	notifySent  bool
	closed      bool

	closeOnce sync.Once
}

// NewClient starts a client-side connection. The peer is verified against
// cfg.ServerName.
func NewClient(cfg *tls.Config) (*Conn, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		return nil, ErrServerNameRequired
	}
	return newConn(RoleClient, func(nc net.Conn) *tls.Conn { return tls.Client(nc, cfg) }), nil
}

// NewServer starts a server-side connection.
func NewServer(cfg *tls.Config) (*Conn, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if len(cfg.Certificates) == 0 && cfg.GetCertificate == nil && cfg.GetConfigForClient == nil {
		return nil, ErrNoCertificates
	}
	return newConn(RoleServer, func(nc net.Conn) *tls.Conn { return tls.Server(nc, cfg) }), nil
}

func newConn(role Role, wrap func(net.Conn) *tls.Conn) *Conn {
	c := &Conn{role: role, handshaking: true}
	c.cond = sync.NewCond(&c.mu)
	c.pipe = newPipe(maxInbound, c.waker.Wake)
	c.tc = wrap(c.pipe)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
	return c
}

func (c *Conn) run(ctx context.Context) {
	err := c.tc.HandshakeContext(ctx)
	if errors.Is(err, io.EOF) {
		// The transport ended mid-handshake.
		err = io.ErrUnexpectedEOF
	}

	c.mu.Lock()
	c.handshaking = false
	if err != nil {
		c.failLocked(err)
	} else {
		c.state = c.tc.ConnectionState()
	}
	c.mu.Unlock()
	c.waker.Wake()
	if err != nil {
		return
	}

	buf := bytespool.Alloc(readChunk)
	defer bytespool.Free(buf)
	for {
		c.mu.Lock()
		for c.plain.Len() >= maxPlaintext && !c.closed {
			c.cond.Wait()
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		n, err := c.tc.Read(buf)

		c.mu.Lock()
		if n > 0 {
			c.plain.Write(buf[:n])
		}
		if err != nil {
			c.setReadErrLocked(err)
		}
		c.mu.Unlock()
		c.waker.Wake()

		if err != nil {
			return
		}
	}
}

func (c *Conn) setReadErrLocked(err error) {
	switch {
	case c.closed:
		c.readErr = net.ErrClosed
	case errors.Is(err, io.ErrUnexpectedEOF):
		c.readErr = io.ErrUnexpectedEOF
	case errors.Is(err, io.EOF):
		if c.pipe.truncated() {
			// The ciphertext stream ended without a closing notification.
			c.readErr = io.ErrUnexpectedEOF
		} else {
			c.readErr = io.EOF
		}
	default:
		c.failLocked(err)
	}
}

func (c *Conn) failLocked(err error) {
	if c.err != nil {
		return
	}
	if c.closed {
		err = net.ErrClosed
	}
	c.err = err
	c.readErr = err
}

func (c *Conn) Role() Role { return c.role }

func (c *Conn) IsHandshaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaking
}

func (c *Conn) WantsRead() bool {
	c.mu.Lock()
	done := c.readErr != nil || c.closed
	c.mu.Unlock()
	return !done && c.pipe.wantsRead()
}

func (c *Conn) WantsWrite() bool { return c.pipe.pendingOut() > 0 }

func (c *Conn) PendingCiphertext() int { return c.pipe.pendingOut() }

func (c *Conn) ReadTLS(r io.Reader) (int, error) {
	buf := bytespool.Alloc(readChunk)
	defer bytespool.Free(buf)

	n, err := r.Read(buf)
	if n > 0 {
		c.pipe.feed(buf[:n])
	}
	if errors.Is(err, io.EOF) {
		c.pipe.feedEOF()
	}
	return n, err
}

func (c *Conn) WriteTLS(w io.Writer) (int, error) {
	return c.pipe.drainTo(w)
}

func (c *Conn) Readable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plain.Len() > 0 || c.readErr != nil
}

func (c *Conn) ReadPlaintext(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.plain.Len() > 0 {
		n, _ := c.plain.Read(p)
		c.cond.Signal()
		return n, nil
	}
	if c.readErr != nil {
		return 0, c.readErr
	}
	if c.closed {
		return 0, net.ErrClosed
	}
	return 0, poll.ErrWouldBlock
}

func (c *Conn) WritePlaintext(p []byte) (int, error) {
	c.mu.Lock()
	switch {
	case c.err != nil:
		err := c.err
		c.mu.Unlock()
		return 0, err
	case c.closed:
		c.mu.Unlock()
		return 0, net.ErrClosed
	case c.handshaking:
		c.mu.Unlock()
		return 0, poll.ErrWouldBlock
	case c.notifySent:
		c.mu.Unlock()
		return 0, ErrShutdown
	}
	c.mu.Unlock()

	// The pipe never blocks, so this only encrypts into the outbound buffer.
	n, err := c.tc.Write(p)
	if err != nil {
		c.mu.Lock()
		c.failLocked(err)
		c.mu.Unlock()
	}
	return n, err
}

func (c *Conn) SendCloseNotify() error {
	c.mu.Lock()
	if c.notifySent {
		c.mu.Unlock()
		return nil
	}
	if c.handshaking {
		c.mu.Unlock()
		return poll.ErrWouldBlock
	}
	c.notifySent = true
	c.mu.Unlock()

	return c.tc.CloseWrite()
}

func (c *Conn) ALPNProtocol() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.NegotiatedProtocol
}

func (c *Conn) ConnectionState() tls.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) Register(w poll.Waker) { c.waker.Register(w) }

// Close stops the engine goroutine. Queued ciphertext is discarded.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.cond.Broadcast()
		c.mu.Unlock()

		c.cancel()
		_ = c.pipe.Close()
	})
	return nil
}

var _ Connection = (*Conn)(nil)
