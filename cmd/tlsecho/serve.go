package main

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jpillora/sizestr"
	"go.uber.org/zap"

	tlsstream "github.com/foxxorcat/tlsstream"
)

const handshakeTimeout = 10 * time.Second

type echoServer struct {
	ln     net.Listener
	tlsCfg *tls.Config
	log    *zap.Logger
	opts   []tlsstream.Option
	wg     sync.WaitGroup
}

// serve accepts until ctx is done, then interrupts the open sessions and
// waits for their handlers.
func (s *echoServer) serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.ln.Close() })
	defer stop()

	s.log.Info("listening", zap.Stringer("addr", s.ln.Addr()))
	for {
		c, err := s.ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, c)
		}()
	}
}

func (s *echoServer) handle(ctx context.Context, c net.Conn) {
	log := s.log.With(zap.Stringer("peer", c.RemoteAddr()))

	stream, err := tlsstream.Server(c, s.tlsCfg, s.opts...)
	if err != nil {
		log.Warn("tls setup failed", zap.Error(err))
		_ = c.Close()
		return
	}
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	err = stream.Handshake(hsCtx)
	cancel()
	if err != nil {
		log.Info("handshake failed", zap.Error(err))
		_ = stream.Close()
		return
	}
	alpn := stream.ALPNProtocol()

	rd, wr := stream.Split()
	interrupt := context.AfterFunc(ctx, func() {
		now := time.Now()
		_ = rd.SetReadDeadline(now)
		_ = wr.SetWriteDeadline(now)
	})
	defer interrupt()

	n, err := io.Copy(wr, rd)
	if err == nil {
		err = wr.CloseWrite()
	}
	_ = rd.Close()
	_ = wr.Close()

	if err != nil {
		log.Info("echo session failed", zap.String("echoed", sizestr.ToString(n)), zap.Error(err))
		return
	}
	log.Info("echo session done", zap.String("echoed", sizestr.ToString(n)), zap.String("alpn", alpn))
}
