package session

// State is the lifecycle of one direction of a session.
//
// The write direction walks Open, Shutdown, Notifying, TLSClosed and, when
// the session is being closed, TransportClosed. The read direction goes
// from Open to TLSClosed when the peer's closing notification is read and
// to TransportClosed when the transport reports end of stream. Failed is
// terminal for both directions.
type State int

const (
	Open State = iota
	// Shutdown means a close was requested but the notification could not
	// be produced yet, usually because the handshake is still running.
	Shutdown
	// Notifying means the closing notification is queued but not flushed.
	Notifying
	// TLSClosed is LocallyClosed for writes and PeerClosed for reads.
	TLSClosed
	TransportClosed
	Failed
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Shutdown:
		return "shutdown"
	case Notifying:
		return "notifying"
	case TLSClosed:
		return "tls-closed"
	case TransportClosed:
		return "transport-closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Flow selects what a drive of the session waits for.
type Flow int

const (
	FlowHandshake Flow = iota
	FlowRead
	FlowWrite
	FlowClose
)
