// Package transport describes the message-oriented connection a session runs
// on. The broker core only needs framed reads and writes and a way to close
// with a reason; handshakes, TLS and reconnection belong to the concrete
// transport.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Read and Write once the peer or the local side
// has closed the connection.
var ErrClosed = errors.New("transport closed")

// CloseCode tells the peer why a connection is being closed.
type CloseCode int

const (
	CloseNormal CloseCode = iota
	CloseGoingAway
	CloseProtocolError
	ClosePolicyViolation
	CloseInternalError
)

func (c CloseCode) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case CloseGoingAway:
		return "going_away"
	case CloseProtocolError:
		return "protocol_error"
	case ClosePolicyViolation:
		return "policy_violation"
	case CloseInternalError:
		return "internal_error"
	}
	return "unknown"
}

// Conn is one framed, bidirectional connection.
//
// Read blocks until a frame arrives, ctx is done, or the connection closes.
// Read and Write may be called concurrently with each other but neither may
// be called concurrently with itself. Close may be called more than once.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close(code CloseCode, reason string) error
}
