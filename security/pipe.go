package security

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"
)

// pipe is the in-memory net.Conn the crypto/tls engine runs over. Inbound
// ciphertext is fed by the stream engine and consumed by the TLS goroutine;
// outbound ciphertext is produced by the TLS goroutine (or by plaintext
// writes) and drained by the stream engine. Writes never block.
type pipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	in     bytes.Buffer
	out    bytes.Buffer
	limit  int
	eof    bool // no more inbound ciphertext will be fed
	eofHit bool // Read handed io.EOF to the engine
	closed bool

	// notify is called, without locks held, after outbound ciphertext grew
	// or inbound ciphertext dropped below the limit.
	notify func()
}

func newPipe(limit int, notify func()) *pipe {
	p := &pipe{limit: limit, notify: notify}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	for p.in.Len() == 0 && !p.eof && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		p.mu.Unlock()
		return 0, net.ErrClosed
	}
	if p.in.Len() == 0 {
		p.eofHit = true
		p.mu.Unlock()
		return 0, io.EOF
	}
	wasFull := p.in.Len() >= p.limit
	n, _ := p.in.Read(b)
	drained := wasFull && p.in.Len() < p.limit
	p.mu.Unlock()

	if drained {
		p.notify()
	}
	return n, nil
}

func (p *pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, net.ErrClosed
	}
	n, _ := p.out.Write(b)
	p.mu.Unlock()

	p.notify()
	return n, nil
}

func (p *pipe) feed(b []byte) {
	p.mu.Lock()
	p.in.Write(b)
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *pipe) feedEOF() {
	p.mu.Lock()
	p.eof = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// drainTo writes outbound ciphertext to w once and drops what w accepted.
func (p *pipe) drainTo(w io.Writer) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out.Len() == 0 {
		return 0, nil
	}
	n, err := w.Write(p.out.Bytes())
	if n > 0 {
		p.out.Next(n)
	}
	return n, err
}

func (p *pipe) wantsRead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && !p.eof && p.in.Len() < p.limit
}

func (p *pipe) pendingOut() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Len()
}

func (p *pipe) truncated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.eofHit
}

func (p *pipe) Close() error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	return nil
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

func (p *pipe) LocalAddr() net.Addr                { return pipeAddr{} }
func (p *pipe) RemoteAddr() net.Addr               { return pipeAddr{} }
func (p *pipe) SetDeadline(t time.Time) error      { return nil }
func (p *pipe) SetReadDeadline(t time.Time) error  { return nil }
func (p *pipe) SetWriteDeadline(t time.Time) error { return nil }
