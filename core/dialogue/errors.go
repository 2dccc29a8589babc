package dialogue

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected = errors.New("dialogue session not connected")
	ErrLinkClosed   = errors.New("dialogue link closed")
	ErrOutboundFull = errors.New("dialogue outbound queue full")
)

// ConnectionError is returned when a session cannot be established after
// every attempt, and surfaced on Link.Errors when a live session drops.
type ConnectionError struct {
	// Attempts is zero for a dropped session.
	Attempts   int
	Generation uint64
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("failed to connect to dialogue service after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("dialogue session %d lost: %v", e.Generation, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProtocolError is a malformed inbound message. It is logged and the message
// is skipped.
type ProtocolError struct {
	Type string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("malformed dialogue message: %v", e.Err)
	}
	return fmt.Sprintf("malformed %s message: %v", e.Type, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
