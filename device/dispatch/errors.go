package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kabili207/wallpad-go/core/codec"
)

var (
	// ErrCommandTimeout is wrapped by *CommandTimeoutError.
	ErrCommandTimeout = errors.New("command timed out")
	// ErrRetriesExhausted is wrapped by *RetriesExhaustedError.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrCanceled is returned for requests canceled before their next attempt.
	ErrCanceled = errors.New("command canceled")
	// ErrQueueFull is returned when MaxPending requests are already active.
	ErrQueueFull = errors.New("command queue full")
	// ErrClosed is returned after the dispatcher has been closed.
	ErrClosed = errors.New("dispatcher closed")
)

// CommandTimeoutError reports an attempt that saw no correlated response.
type CommandTimeoutError struct {
	ID      uuid.UUID
	Key     codec.Key
	Attempt int
	Timeout time.Duration
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("%v: %s attempt %d after %v", ErrCommandTimeout, e.Key, e.Attempt, e.Timeout)
}

func (e *CommandTimeoutError) Unwrap() error { return ErrCommandTimeout }

// RetriesExhaustedError is the terminal failure of a request. Last is the
// error of the final attempt.
type RetriesExhaustedError struct {
	ID       uuid.UUID
	Target   codec.Address
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%v: command %s to %s failed after %d attempts: %v",
		ErrRetriesExhausted, e.ID, e.Target, e.Attempts, e.Last)
}

// Unwrap exposes ErrRetriesExhausted and the last attempt error.
func (e *RetriesExhaustedError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Last}
}
