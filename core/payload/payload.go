// Package payload decodes the data region of bus frames into device
// attribute sets.
//
// The frame envelope (sentinel, addresses, command, checksum) is handled
// uniformly by codec. What the ten data bytes mean depends on the device
// type of the frame's peer, so each device type has its own Decoder. Device
// types without a decoder fall back to Raw, which exposes the command and
// data bytes as-is.
package payload

import (
	"errors"
	"fmt"

	"github.com/kabili207/wallpad-go/core/codec"
)

// Device type codes (first byte of an address).
const (
	TypeWallpad     = 0x01
	TypeLight       = 0x0E
	TypeGas         = 0x2C
	TypeThermostat  = 0x36
	TypeAircon      = 0x39
	TypeOutlet      = 0x3B
	TypeElevator    = 0x44
	TypeVentilation = 0x48
	TypeMotion      = 0x60
	TypeAirQuality  = 0x98
)

// Command codes shared by several device types.
const (
	CmdState     = 0x00
	CmdOn        = 0x01
	CmdOff       = 0x02
	CmdDetected  = 0x04
	CmdQuery     = 0x3A
	CmdCutoffOn  = 0x65
	CmdCutoffOff = 0x66
)

var (
	// ErrNoPeer is returned for frames where neither side is the wallpad.
	ErrNoPeer = errors.New("frame has no device peer")
	// ErrMalformed is returned when the data bytes are not valid for the
	// device type.
	ErrMalformed = errors.New("malformed payload")
)

// Attributes is a flat set of attribute values. Values are always
// comparable scalars (bool, int, float64 or string).
type Attributes map[string]any

// Equal reports whether a and b hold the same keys and values.
func (a Attributes) Equal(b Attributes) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || v != w {
			return false
		}
	}
	return true
}

// Clone returns a copy of a.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// DeviceID identifies one logical device on the bus.
type DeviceID struct {
	Type  string
	Room  uint8
	Index uint8
}

func (id DeviceID) String() string {
	return fmt.Sprintf("%s_%d_%d", id.Type, id.Room, id.Index)
}

// Update is the attribute set one frame carries for one device.
type Update struct {
	Device     DeviceID
	Attributes Attributes
}

// Decoder turns a validated frame into device updates. A frame that
// carries no state (a query, an unrelated command) yields no updates and no
// error. A non-nil error means the frame is unusable and must not be
// applied.
type Decoder interface {
	Decode(f codec.Frame, peer codec.Address) ([]Update, error)
}

// DecoderFunc adapts a function to a Decoder.
type DecoderFunc func(f codec.Frame, peer codec.Address) ([]Update, error)

func (fn DecoderFunc) Decode(f codec.Frame, peer codec.Address) ([]Update, error) {
	return fn(f, peer)
}

// DecodeError wraps a decoder failure with the frame it came from.
type DecodeError struct {
	Peer    codec.Address
	Command byte
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %s command %02x: %v", e.Peer, e.Command, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DeviceTypeName returns the name used in DeviceIDs for a type code.
func DeviceTypeName(code byte) string {
	switch code {
	case TypeWallpad:
		return "wallpad"
	case TypeLight:
		return "light"
	case TypeGas:
		return "gas"
	case TypeThermostat:
		return "thermostat"
	case TypeAircon:
		return "aircon"
	case TypeOutlet:
		return "outlet"
	case TypeElevator:
		return "elevator"
	case TypeVentilation:
		return "ventilation"
	case TypeMotion:
		return "motion"
	case TypeAirQuality:
		return "air_quality"
	default:
		return fmt.Sprintf("type%02x", code)
	}
}

// Registry maps device type codes to decoders.
type Registry struct {
	decoders   map[byte]Decoder
	broadcasts map[byte]Decoder
	fallback   Decoder
}

// NewRegistry creates an empty registry that falls back to Raw.
func NewRegistry() *Registry {
	return &Registry{
		decoders:   make(map[byte]Decoder),
		broadcasts: make(map[byte]Decoder),
		fallback:   Raw,
	}
}

// DefaultRegistry returns a registry with decoders for every known device
// type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypeLight, SwitchBank)
	r.RegisterBroadcast(TypeLight, LightCutoff)
	r.Register(TypeOutlet, SwitchBank)
	r.Register(TypeThermostat, Thermostat)
	r.Register(TypeAircon, Aircon)
	r.Register(TypeVentilation, Ventilation)
	r.Register(TypeGas, GasValve)
	r.Register(TypeElevator, Elevator)
	r.Register(TypeMotion, Motion)
	r.Register(TypeAirQuality, AirQuality)
	return r
}

// Register sets the decoder for a device type code.
func (r *Registry) Register(code byte, d Decoder) {
	r.decoders[code] = d
}

// RegisterBroadcast sets the decoder for wallpad broadcasts addressed to a
// device type.
func (r *Registry) RegisterBroadcast(code byte, d Decoder) {
	r.broadcasts[code] = d
}

// SetFallback sets the decoder for unregistered types. nil drops frames
// from unregistered types.
func (r *Registry) SetFallback(d Decoder) {
	r.fallback = d
}

// Decode resolves the frame's peer and runs the matching decoder. Frames
// sent by the wallpad describe requested state, not device state, and yield
// no updates unless they are broadcasts with a registered broadcast decoder.
func (r *Registry) Decode(f codec.Frame) ([]Update, error) {
	peer, ok := f.Peer()
	if !ok {
		return nil, &DecodeError{Peer: f.Src, Command: f.Command, Err: ErrNoPeer}
	}
	if peer.IsWallpad() {
		return nil, nil
	}

	var d Decoder
	switch {
	case f.Src.IsWallpad():
		if f.Kind() != codec.KindBroadcast {
			return nil, nil
		}
		d = r.broadcasts[peer.Type()]
	default:
		d, ok = r.decoders[peer.Type()]
		if !ok {
			d = r.fallback
		}
	}
	if d == nil {
		return nil, nil
	}

	updates, err := d.Decode(f, peer)
	if err != nil {
		return nil, &DecodeError{Peer: peer, Command: f.Command, Err: err}
	}
	return updates, nil
}

func id(peer codec.Address, index uint8) DeviceID {
	return DeviceID{Type: DeviceTypeName(peer.Type()), Room: peer.Room(), Index: index}
}
