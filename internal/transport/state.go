// Package transport owns the single persistent WebSocket connection to the
// chat backend. It dials with gobwas/ws, reconnects after unexpected closures
// using capped exponential backoff with full jitter, and fans received frames
// and state transitions out to registered handlers.
package transport

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a Connection.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrClosed is returned to an Open call that was interrupted by Close.
var ErrClosed = errors.New("transport: connection closed")

// TransportError wraps a dial or handshake failure.
type TransportError struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SendError is returned by Send when the connection is not Open or the write
// fails.
type SendError struct {
	State State
	Err   error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: send failed: %v", e.Err)
	}
	return "transport: send while " + e.State.String()
}

func (e *SendError) Unwrap() error { return e.Err }
