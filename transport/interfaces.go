// Package transport provides the duplex byte streams the bus engine runs
// over.
//
// The engine never cares what carries the bytes: a TCP-to-RS485 bridge, a
// local serial adapter or a websocket bridge all look like a Conn obtained
// from a Dialer. Transport-level failures are reported as *ConnectionError.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Conn is a duplex byte stream to the bus.
type Conn = io.ReadWriteCloser

// Dialer opens a fresh Conn. The engine dials again on every reconnection.
type Dialer interface {
	// Dial opens the connection. The context bounds the dial attempt only,
	// not the lifetime of the returned Conn.
	Dial(ctx context.Context) (Conn, error)
	// String describes the endpoint for logs.
	String() string
}

var (
	// ErrConnection is wrapped by every *ConnectionError.
	ErrConnection = errors.New("connection error")
	// ErrNotConnected is returned when there is no open Conn to write to.
	ErrNotConnected = errors.New("not connected")
)

// ConnectionError reports a transport-level failure.
type ConnectionError struct {
	Op       string
	Endpoint string
	Err      error
}

// NewConnectionError wraps err as a *ConnectionError.
func NewConnectionError(op, endpoint string, err error) *ConnectionError {
	return &ConnectionError{Op: op, Endpoint: endpoint, Err: err}
}

func (e *ConnectionError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("%v: %s: %v", ErrConnection, e.Op, e.Err)
	}
	return fmt.Sprintf("%v: %s %s: %v", ErrConnection, e.Op, e.Endpoint, e.Err)
}

// Unwrap exposes both ErrConnection and the underlying cause.
func (e *ConnectionError) Unwrap() []error {
	return []error{ErrConnection, e.Err}
}

// Event represents link state change events.
type Event int

const (
	// EventConnected is fired when the link comes up.
	EventConnected Event = iota
	// EventDisconnected is fired when the link goes down.
	EventDisconnected
	// EventReconnecting is fired when a reconnection sequence starts.
	EventReconnecting
	// EventError is fired when an error occurs.
	EventError
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}
