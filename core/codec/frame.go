// Package codec implements the fixed-length wallpad bus frame.
//
// Every frame is exactly FrameSize bytes:
//
//	[AA 55][header][type][monitor][dest(2)][src(2)][command][data(10)][checksum]
//
// Encoding and decoding deal only with the frame's shape. Integrity is the
// job of a Checksum so that the two concerns can be tested independently.
package codec

import (
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// FrameSize is the fixed length of every bus frame.
	FrameSize = 21
	// DataSize is the length of the opaque data region.
	DataSize = 10
	// ChecksumOffset is the index of the trailing integrity byte.
	ChecksumOffset = FrameSize - 1

	// DefaultHeader is the header byte used by the reference wallpad.
	DefaultHeader byte = 0x30

	offHeader  = 2
	offType    = 3
	offMonitor = 4
	offDest    = 5
	offSrc     = 7
	offCommand = 9
	offData    = 10
)

// Sentinel is the two-byte marker that starts every frame.
var Sentinel = [2]byte{0xAA, 0x55}

var (
	ErrFrameTooShort   = errors.New("frame too short")
	ErrInvalidSentinel = errors.New("invalid frame sentinel")
)

// FramingError reports a candidate window that does not have the shape of a
// frame. It wraps ErrFrameTooShort or ErrInvalidSentinel.
type FramingError struct {
	Err error
	Len int
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing: %v (%d bytes)", e.Err, e.Len)
}

func (e *FramingError) Unwrap() error { return e.Err }

// Kind is the high nibble of the type byte.
type Kind uint8

const (
	KindBroadcast Kind = 0x9
	KindSend      Kind = 0xB
	KindAck       Kind = 0xD
)

func (k Kind) String() string {
	switch k {
	case KindBroadcast:
		return "broadcast"
	case KindSend:
		return "send"
	case KindAck:
		return "ack"
	default:
		return fmt.Sprintf("kind(%#x)", uint8(k))
	}
}

// Address identifies a bus participant: a device-type code and a room.
type Address [2]byte

// Wallpad is the address of the wallpad itself.
var Wallpad = Address{0x01, 0x00}

// Type returns the device-type code.
func (a Address) Type() byte { return a[0] }

// Room returns the room or group index.
func (a Address) Room() byte { return a[1] }

// IsWallpad reports whether the address belongs to the wallpad.
func (a Address) IsWallpad() bool { return a[0] == Wallpad[0] }

func (a Address) String() string {
	return fmt.Sprintf("%02x%02x", a[0], a[1])
}

// Frame is a decoded bus frame. It is a plain value: copies never share
// storage with the buffer it was decoded from.
type Frame struct {
	Header  byte
	Type    byte
	Monitor byte
	Dest    Address
	Src     Address
	Command byte
	Data    [DataSize]byte
}

// Kind returns the frame kind encoded in the high nibble of the type byte.
func (f Frame) Kind() Kind { return Kind(f.Type >> 4) }

// Seq returns the sequence nibble of the type byte.
func (f Frame) Seq() uint8 { return f.Type & 0x0F }

// WithSeq returns a copy of f with the sequence nibble replaced.
func (f Frame) WithSeq(seq uint8) Frame {
	f.Type = f.Type&0xF0 | seq&0x0F
	return f
}

// Peer returns the non-wallpad side of the exchange. ok is false when
// neither side is the wallpad.
func (f Frame) Peer() (Address, bool) {
	switch {
	case f.Dest.IsWallpad():
		return f.Src, true
	case f.Src.IsWallpad():
		return f.Dest, true
	default:
		return Address{}, false
	}
}

func (f Frame) String() string {
	return fmt.Sprintf("%s %s->%s cmd=%02x data=%s",
		f.Kind(), f.Src, f.Dest, f.Command, hex.EncodeToString(f.Data[:]))
}

// Codec encodes and decodes frames using a configured Checksum.
type Codec struct {
	Checksum Checksum
}

// New creates a Codec. A nil checksum selects ModSum.
func New(cs Checksum) Codec {
	if cs == nil {
		cs = ModSum
	}
	return Codec{Checksum: cs}
}

// Encode renders f as a complete frame including its checksum byte.
func (c Codec) Encode(f Frame) []byte {
	buf := make([]byte, FrameSize)
	buf[0], buf[1] = Sentinel[0], Sentinel[1]
	buf[offHeader] = f.Header
	buf[offType] = f.Type
	buf[offMonitor] = f.Monitor
	copy(buf[offDest:], f.Dest[:])
	copy(buf[offSrc:], f.Src[:])
	buf[offCommand] = f.Command
	copy(buf[offData:], f.Data[:])
	buf[ChecksumOffset] = c.checksum().Sum(buf[:ChecksumOffset])
	return buf
}

// Decode parses the first FrameSize bytes of window. It checks shape only;
// use Verify for integrity.
func (c Codec) Decode(window []byte) (Frame, error) {
	return Decode(window)
}

// Verify reports whether window carries a valid checksum byte.
func (c Codec) Verify(window []byte) bool {
	return Verify(window, c.checksum())
}

func (c Codec) checksum() Checksum {
	if c.Checksum == nil {
		return ModSum
	}
	return c.Checksum
}

// Decode parses the first FrameSize bytes of window into a Frame.
func Decode(window []byte) (Frame, error) {
	if len(window) < len(Sentinel) || window[0] != Sentinel[0] || window[1] != Sentinel[1] {
		return Frame{}, &FramingError{Err: ErrInvalidSentinel, Len: len(window)}
	}
	if len(window) < FrameSize {
		return Frame{}, &FramingError{Err: ErrFrameTooShort, Len: len(window)}
	}

	f := Frame{
		Header:  window[offHeader],
		Type:    window[offType],
		Monitor: window[offMonitor],
		Command: window[offCommand],
	}
	copy(f.Dest[:], window[offDest:offDest+2])
	copy(f.Src[:], window[offSrc:offSrc+2])
	copy(f.Data[:], window[offData:offData+DataSize])
	return f, nil
}

// Encode renders f with the default ModSum checksum.
func Encode(f Frame) []byte {
	return New(nil).Encode(f)
}
