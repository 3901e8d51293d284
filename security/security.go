// Package security provides the TLS engine the stream engine drives: a
// role-aware connection that consumes and produces ciphertext buffers and
// exposes decrypted plaintext, without touching any socket itself.
package security

import (
	"crypto/tls"
	"io"

	"github.com/foxxorcat/tlsstream/poll"
)

// Role is the side of the handshake a connection plays.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

// Connection is the security-layer capability.
//
// Ciphertext flows in through ReadTLS and out through WriteTLS; plaintext
// flows through ReadPlaintext and WritePlaintext. A Connection may make
// progress asynchronously (for example while decrypting records that
// ReadTLS handed it); whenever its observable state changes it wakes the
// waker last passed to Register.
type Connection interface {
	Role() Role

	// IsHandshaking reports whether the handshake has not finished yet.
	IsHandshaking() bool
	// WantsRead reports whether the connection will consume more ciphertext.
	WantsRead() bool
	// WantsWrite reports whether ciphertext is waiting to be sent.
	WantsWrite() bool
	// PendingCiphertext is the number of ciphertext bytes waiting to be sent.
	PendingCiphertext() int

	// ReadTLS reads ciphertext from r once. It returns io.EOF when r does,
	// which also tells the connection that no more ciphertext will arrive.
	ReadTLS(r io.Reader) (int, error)
	// WriteTLS writes pending ciphertext to w once, keeping whatever w did
	// not accept.
	WriteTLS(w io.Writer) (int, error)

	// Readable reports whether ReadPlaintext would return something other
	// than poll.ErrWouldBlock.
	Readable() bool
	// ReadPlaintext copies decrypted data into p. It returns io.EOF after
	// the peer's closing notification, io.ErrUnexpectedEOF if the
	// ciphertext ended without one and poll.ErrWouldBlock when nothing is
	// available yet.
	ReadPlaintext(p []byte) (int, error)
	// WritePlaintext encrypts p. It must not be called while handshaking.
	WritePlaintext(p []byte) (int, error)
	// SendCloseNotify queues the closing notification.
	SendCloseNotify() error

	// ALPNProtocol returns the negotiated application protocol, or "".
	ALPNProtocol() string
	// ConnectionState returns the negotiated parameters. It is the zero
	// value until the handshake finished.
	ConnectionState() tls.ConnectionState

	// Err returns the fatal error recorded by the connection, if any.
	Err() error
	// Register sets the waker to fire on the next state change.
	Register(w poll.Waker)
	// Close releases the connection's resources. It does not send anything.
	Close() error
}
