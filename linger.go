package tlsstream

import (
	"errors"

	"go.uber.org/zap"

	"github.com/foxxorcat/tlsstream/internal/session"
	"github.com/foxxorcat/tlsstream/metrics"
	"github.com/foxxorcat/tlsstream/poll"
)

// linger finishes the close exchange of a session nobody owns anymore.
// One attempt runs here with a waker that goes nowhere; whatever is left
// runs as a task on the spawner. Errors are only logged. A task the spawner
// abandons still releases the session.
func linger(sess *session.Session, o *options) {
	log := o.log.With(zap.Stringer("peer", sess.Transport().RemoteAddr()))
	if sess.Done() {
		o.metrics.Closed(metrics.CloseReleased)
		return
	}

	err := sess.PollClose(poll.NoopContext())
	if !errors.Is(err, poll.ErrPending) {
		o.metrics.Closed(metrics.CloseImmediate)
		log.Debug("tls stream closed", zap.Error(err))
		return
	}

	rd, wr := sess.States()
	o.metrics.Closed(metrics.CloseLinger)
	log.Debug("tls stream lingering", zap.Stringer("read", rd), zap.Stringer("write", wr))

	o.spawner.Spawn(sess.PollClose, func(err error) {
		if !sess.Done() {
			// The spawner gave up before the close finished.
			err = errors.Join(err, sess.Release())
		}
		o.metrics.LingerFinished(err)
		log.Debug("tls stream linger finished", zap.Error(err))
	})
}
