//go:build !unix

package transport

import (
	"errors"
	"net"
)

// Raw is only available on unix platforms.
type Raw struct {
	*Conn
}

// NewRaw is not supported on this platform; New falls back to NewConn.
func NewRaw(net.Conn) (*Raw, error) {
	return nil, errors.ErrUnsupported
}
