package health

import (
	"time"
)

// EventKind identifies a health observation.
type EventKind int

const (
	// EventFrame is a frame that passed checksum and decode.
	EventFrame EventKind = iota
	// EventChecksumFailure is a candidate that failed integrity checks.
	EventChecksumFailure
	// EventFramingError is a malformed or undersized candidate.
	EventFramingError
	// EventDecodeError is a valid frame whose payload could not be decoded.
	EventDecodeError
	// EventTimeout is a command attempt that saw no response.
	EventTimeout
	// EventSocketError is a transport read or write failure.
	EventSocketError
	// EventDegraded starts a reconnection sequence.
	EventDegraded
	// EventConnectAttempt is one dial attempt.
	EventConnectAttempt
	// EventConnectFailed is a failed dial attempt.
	EventConnectFailed
	// EventConnected is a successful (re)connection.
	EventConnected
	// EventDisconnected is the monitor shutting down.
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventFrame:
		return "frame"
	case EventChecksumFailure:
		return "checksum_failure"
	case EventFramingError:
		return "framing_error"
	case EventDecodeError:
		return "decode_error"
	case EventTimeout:
		return "timeout"
	case EventSocketError:
		return "socket_error"
	case EventDegraded:
		return "degraded"
	case EventConnectAttempt:
		return "connect_attempt"
	case EventConnectFailed:
		return "connect_failed"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Cause is why a reconnection sequence started.
type Cause int

const (
	CauseNone Cause = iota
	CauseChecksum
	CauseSocket
	CauseTimeout
	CauseManual
)

func (c Cause) String() string {
	switch c {
	case CauseChecksum:
		return "checksum"
	case CauseSocket:
		return "socket"
	case CauseTimeout:
		return "timeout"
	case CauseManual:
		return "manual"
	default:
		return "none"
	}
}

// Snapshot is the connection health at one instant.
type Snapshot struct {
	State string

	// Consecutive failure runs; reset by a success of the same kind and on
	// every successful (re)connection.
	ChecksumFailures int
	SocketErrors     int
	Timeouts         int

	// Backoff is the delay before the next connection attempt, zero while
	// connected.
	Backoff     time.Duration
	LastFrameAt time.Time
	Reconnects  uint64

	// Running totals.
	FramesOK       uint64
	ChecksumErrors uint64
	FramingErrors  uint64
	DecodeErrors   uint64
	TimeoutsTotal  uint64
	SocketTotal    uint64
}

// Event is one health observation, delivered to the OnEvent callback.
type Event struct {
	Kind   EventKind
	Cause  Cause
	Err    error
	Time   time.Time
	Health Snapshot
}
