package transport

import (
	"bytes"
	"io"
	"net"
	"sync"

	"github.com/foxxorcat/tlsstream/common/bytespool"
	"github.com/foxxorcat/tlsstream/poll"
)

const defaultBufferSize = 64 << 10 // 默认缓冲区大小为 64KB

// ConnOption 是用于配置 Conn 的函数类型。
type ConnOption func(*Conn)

// WithMaxBufferSize 设置读写两个方向各自的缓冲区上限。
func WithMaxBufferSize(size int) ConnOption {
	return func(c *Conn) {
		if size > 0 {
			c.maxBufferSize = size
		}
	}
}

// Conn 将一个阻塞的 net.Conn 封装成非阻塞的 Transport。
// 后台 goroutine 负责阻塞的读写，调用方只与内部缓冲区交互，
// 并通过 Register* 获得就绪通知。
type Conn struct {
	conn net.Conn

	mu            sync.Mutex
	rcond         *sync.Cond // 读缓冲区有空间
	wcond         *sync.Cond // 写缓冲区有数据或写端关闭
	rbuf          bytes.Buffer
	rerr          error
	wbuf          bytes.Buffer
	werr          error
	wclosed       bool
	writerDone    bool
	closeDeferred bool
	closed        bool
	maxBufferSize int

	readWaker  poll.AtomicWaker
	writeWaker poll.AtomicWaker

	closeOnce sync.Once
}

// NewConn 创建并启动一个新的 Conn。
func NewConn(c net.Conn, opts ...ConnOption) *Conn {
	t := &Conn{
		conn:          c,
		maxBufferSize: defaultBufferSize,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.rcond = sync.NewCond(&t.mu)
	t.wcond = sync.NewCond(&t.mu)
	go t.readLoop()
	go t.writeLoop()
	return t
}

// readLoop 在专用 goroutine 中执行阻塞读取，并把结果追加到读缓冲区。
func (t *Conn) readLoop() {
	buf := bytespool.Alloc(bytespool.MinPoolSize * 8)
	defer bytespool.Free(buf)

	for {
		t.mu.Lock()
		for t.rbuf.Len() >= t.maxBufferSize && !t.closed {
			t.rcond.Wait()
		}
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}

		n, err := t.conn.Read(buf)

		t.mu.Lock()
		if n > 0 {
			t.rbuf.Write(buf[:n])
		}
		if err != nil && t.rerr == nil {
			t.rerr = err
		}
		t.mu.Unlock()

		// 缓冲区有新数据或出现错误，通知等待者
		t.readWaker.Wake()
		if err != nil {
			return
		}
	}
}

// writeLoop 在专用 goroutine 中把写缓冲区的数据写入底层连接。
// 写端关闭且缓冲区清空之后，对底层连接执行 CloseWrite。
func (t *Conn) writeLoop() {
	defer func() {
		t.mu.Lock()
		t.writerDone = true
		deferred := t.closeDeferred
		t.mu.Unlock()
		if deferred {
			_ = t.shutdown()
		}
	}()

	for {
		t.mu.Lock()
		for t.wbuf.Len() == 0 && !t.wclosed && !t.closed {
			t.wcond.Wait()
		}
		if t.closed {
			t.mu.Unlock()
			return
		}
		if t.wbuf.Len() == 0 && t.wclosed {
			t.mu.Unlock()
			if cw, ok := t.conn.(closeWriter); ok {
				if err := cw.CloseWrite(); err != nil {
					t.fail(err)
				}
			}
			return
		}
		chunk := bytespool.Alloc(int32(t.wbuf.Len()))
		n, _ := t.wbuf.Read(chunk)
		t.mu.Unlock()

		_, err := t.conn.Write(chunk[:n])
		bytespool.Free(chunk)

		if err != nil {
			t.fail(err)
			return
		}
		// 缓冲区腾出空间，通知等待写入的一方
		t.writeWaker.Wake()
	}
}

func (t *Conn) fail(err error) {
	t.mu.Lock()
	if t.werr == nil {
		t.werr = err
	}
	t.mu.Unlock()
	t.writeWaker.Wake()
}

// TryRead 从内部缓冲区非阻塞地读取数据。
func (t *Conn) TryRead(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rbuf.Len() > 0 {
		n, _ := t.rbuf.Read(p)
		t.rcond.Signal()
		return n, nil
	}
	if t.rerr != nil {
		return 0, t.rerr
	}
	if t.closed {
		return 0, net.ErrClosed
	}
	return 0, poll.ErrWouldBlock
}

// TryWrite 把数据放入写缓冲区，缓冲区已满时返回 poll.ErrWouldBlock。
func (t *Conn) TryWrite(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.werr != nil:
		return 0, t.werr
	case t.closed:
		return 0, net.ErrClosed
	case t.wclosed:
		return 0, ErrWriteClosed
	}

	available := t.maxBufferSize - t.wbuf.Len()
	if available <= 0 {
		return 0, poll.ErrWouldBlock
	}
	if len(p) > available {
		p = p[:available]
	}
	n, _ := t.wbuf.Write(p)
	if n > 0 {
		t.wcond.Signal()
	}
	return n, nil
}

// RegisterRead 注册读就绪通知。如果当前已经可读，立即唤醒。
func (t *Conn) RegisterRead(w poll.Waker) {
	t.readWaker.Register(w)

	t.mu.Lock()
	ready := t.rbuf.Len() > 0 || t.rerr != nil || t.closed
	t.mu.Unlock()
	if ready {
		t.readWaker.Wake()
	}
}

// RegisterWrite 注册写就绪通知。如果当前已经可写，立即唤醒。
func (t *Conn) RegisterWrite(w poll.Waker) {
	t.writeWaker.Register(w)

	t.mu.Lock()
	ready := t.wbuf.Len() < t.maxBufferSize || t.werr != nil || t.closed
	t.mu.Unlock()
	if ready {
		t.writeWaker.Wake()
	}
}

// CloseWrite 标记写端关闭。已缓冲的数据仍会被写出，之后才关闭底层连接的写端。
func (t *Conn) CloseWrite() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return net.ErrClosed
	}
	t.wclosed = true
	t.wcond.Signal()
	return nil
}

// Close 停止后台 goroutine 并关闭底层连接。
// 如果写端已经关闭但缓冲区尚未写完，真正的关闭推迟到写 goroutine 写完之后。
func (t *Conn) Close() error {
	t.mu.Lock()
	if t.closed || t.closeDeferred {
		t.mu.Unlock()
		return net.ErrClosed
	}
	if t.wclosed && !t.writerDone && t.werr == nil {
		t.closeDeferred = true
		t.wcond.Signal()
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return t.shutdown()
}

func (t *Conn) shutdown() error {
	err := net.ErrClosed
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.rcond.Broadcast()
		t.wcond.Broadcast()
		t.mu.Unlock()

		err = t.conn.Close()
		t.readWaker.Wake()
		t.writeWaker.Wake()
	})
	return err
}

func (t *Conn) LocalAddr() net.Addr  { return t.conn.LocalAddr() }
func (t *Conn) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

var _ Transport = (*Conn)(nil)
var _ io.Reader = Reader{}
