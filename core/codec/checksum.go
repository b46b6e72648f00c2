package codec

import (
	"errors"
	"fmt"
	"strings"
)

// ErrChecksumMismatch is wrapped by ChecksumError.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ChecksumError reports an integrity failure on a full-length candidate.
type ChecksumError struct {
	Expected byte
	Received byte
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("%v: expected %02x, got %02x", ErrChecksumMismatch, e.Expected, e.Received)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// Checksum computes the integrity byte over every byte that precedes it.
type Checksum interface {
	Sum(prefix []byte) byte
}

// ChecksumFunc adapts a function to the Checksum interface.
type ChecksumFunc func(prefix []byte) byte

// Sum calls f(prefix).
func (f ChecksumFunc) Sum(prefix []byte) byte { return f(prefix) }

// ModSum is the sum of all preceding bytes modulo 256.
var ModSum ChecksumFunc = func(prefix []byte) byte {
	var s byte
	for _, b := range prefix {
		s += b
	}
	return s
}

// BodySum is the sum modulo 256 of the bytes after the sentinel. This is
// the variant computed by the reference wallpad.
var BodySum ChecksumFunc = func(prefix []byte) byte {
	if len(prefix) <= len(Sentinel) {
		return 0
	}
	return ModSum(prefix[len(Sentinel):])
}

// Xor folds all preceding bytes with exclusive-or.
var Xor ChecksumFunc = func(prefix []byte) byte {
	var s byte
	for _, b := range prefix {
		s ^= b
	}
	return s
}

// ChecksumByName resolves a configured checksum algorithm.
func ChecksumByName(name string) (Checksum, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sum":
		return ModSum, nil
	case "sum-body":
		return BodySum, nil
	case "xor":
		return Xor, nil
	default:
		return nil, fmt.Errorf("unknown checksum algorithm %q", name)
	}
}

// Verify recomputes the checksum over every byte preceding the trailing
// byte of the first FrameSize bytes of window and compares. Short windows
// fail.
func Verify(window []byte, cs Checksum) bool {
	return Check(window, cs) == nil
}

// Check is Verify with a reason: nil on success, a *ChecksumError on an
// integrity mismatch, or a *FramingError for a short window.
func Check(window []byte, cs Checksum) error {
	if len(window) < FrameSize {
		return &FramingError{Err: ErrFrameTooShort, Len: len(window)}
	}
	window = window[:FrameSize]
	if cs == nil {
		cs = ModSum
	}
	want := cs.Sum(window[:ChecksumOffset])
	if got := window[ChecksumOffset]; got != want {
		return &ChecksumError{Expected: want, Received: got}
	}
	return nil
}
