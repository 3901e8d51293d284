package tlsstream

import (
	"go.uber.org/zap"

	"github.com/foxxorcat/tlsstream/internal/session"
	"github.com/foxxorcat/tlsstream/metrics"
	"github.com/foxxorcat/tlsstream/poll"
)

type options struct {
	spawner    poll.Spawner
	log        *zap.Logger
	metrics    *metrics.Metrics
	writeLimit int
}

// Option configures a Stream.
type Option func(*options)

// WithSpawner sets where background closes run. The default starts one
// goroutine per close.
func WithSpawner(s poll.Spawner) Option {
	return func(o *options) {
		if s != nil {
			o.spawner = s
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithWriteLimit bounds the ciphertext a stream buffers before writes wait
// for the transport.
func WithWriteLimit(n int) Option {
	return func(o *options) {
		o.writeLimit = n
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		spawner:    poll.Go,
		log:        zap.NewNop(),
		writeLimit: session.DefaultWriteLimit,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
