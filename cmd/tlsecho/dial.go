package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/jpillora/backoff"
	"github.com/jpillora/sizestr"
	"go.uber.org/zap"

	tlsstream "github.com/foxxorcat/tlsstream"
)

// dialRetry connects to addr, backing off between failed attempts. A
// negative maxRetries retries forever.
func dialRetry(ctx context.Context, addr string, maxRetries int, retryMax time.Duration, log *zap.Logger) (net.Conn, error) {
	b := &backoff.Backoff{Max: retryMax}
	var d net.Dialer
	for {
		c, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return c, nil
		}
		attempt := int(b.Attempt())
		if maxRetries >= 0 && attempt >= maxRetries {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		wait := b.Duration()
		log.Info("dial failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.Duration("in", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// dialEcho sends in to the server, half-closes, and copies the reply to
// out until the server closes.
func dialEcho(ctx context.Context, cfg Config, tlsCfg *tls.Config, log *zap.Logger, in io.Reader, out io.Writer, opts ...tlsstream.Option) error {
	c, err := dialRetry(ctx, cfg.Address, cfg.MaxRetries, cfg.RetryMax, log)
	if err != nil {
		return err
	}
	stream, err := tlsstream.Client(c, tlsCfg, opts...)
	if err != nil {
		_ = c.Close()
		return err
	}
	defer stream.Close()

	if err := stream.Handshake(ctx); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	log.Debug("connected",
		zap.Stringer("peer", stream.RemoteAddr()),
		zap.String("alpn", stream.ALPNProtocol()),
	)

	type result struct {
		n   int64
		err error
	}
	sent := make(chan result, 1)
	go func() {
		n, err := io.Copy(stream, in)
		if err == nil {
			err = stream.CloseWrite()
		}
		sent <- result{n, err}
	}()

	received, err := io.Copy(out, stream)
	if err != nil {
		// The sender may be stuck reading in; do not wait for it.
		return fmt.Errorf("receive: %w", err)
	}
	s := <-sent
	log.Info("echo done",
		zap.String("sent", sizestr.ToString(s.n)),
		zap.String("received", sizestr.ToString(received)),
	)
	if s.err != nil {
		return fmt.Errorf("send: %w", s.err)
	}
	return nil
}
