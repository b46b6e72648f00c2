package payload

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/kabili207/wallpad-go/core/codec"
)

// TypeLightCutoff is the pseudo type name of the whole-house light cutoff.
const TypeLightCutoff = "light_cutoff"

const (
	typeSend      = 0xBC
	typeBroadcast = 0x9C
	enable        = 0x11
	aircondOn     = 0x10
	allRooms      = 0xFF
)

var (
	// ErrUnsupported is returned for a device or attribute that cannot be
	// commanded.
	ErrUnsupported = errors.New("unsupported command")
	// ErrInvalidValue is returned for an attribute value out of range.
	ErrInvalidValue = errors.New("invalid attribute value")
)

// Command is a requested change to one device.
type Command struct {
	Device DeviceID
	Set    Attributes
}

// Request is a command rendered as a bus frame.
type Request struct {
	Frame codec.Frame
	// NoReply is set for frames the bus never answers. They are sent once
	// without correlation.
	NoReply bool
}

// StateLookup returns the last known attributes of a device. Switch banks
// need it because one frame sets all eight circuits.
type StateLookup func(DeviceID) (Attributes, bool)

// ParseDeviceID parses the "type_room_index" form produced by
// DeviceID.String.
func ParseDeviceID(s string) (DeviceID, error) {
	parts := strings.Split(s, "_")
	if len(parts) < 3 {
		return DeviceID{}, fmt.Errorf("device id %q: want type_room_index", s)
	}
	n := len(parts)
	room, err := strconv.ParseUint(parts[n-2], 10, 8)
	if err != nil {
		return DeviceID{}, fmt.Errorf("device id %q: room: %w", s, err)
	}
	index, err := strconv.ParseUint(parts[n-1], 10, 8)
	if err != nil {
		return DeviceID{}, fmt.Errorf("device id %q: index: %w", s, err)
	}
	return DeviceID{Type: strings.Join(parts[:n-2], "_"), Room: uint8(room), Index: uint8(index)}, nil
}

// TypeCode returns the device type code for a type name.
func TypeCode(name string) (byte, bool) {
	for _, code := range []byte{TypeWallpad, TypeLight, TypeGas, TypeThermostat, TypeAircon,
		TypeOutlet, TypeElevator, TypeVentilation, TypeMotion, TypeAirQuality} {
		if DeviceTypeName(code) == name {
			return code, true
		}
	}
	return 0, false
}

// Build renders cmd as a request frame from the wallpad.
func Build(cmd Command, lookup StateLookup) (Request, error) {
	if cmd.Device.Type == TypeLightCutoff {
		return buildCutoff(cmd.Set)
	}
	code, ok := TypeCode(cmd.Device.Type)
	if !ok {
		return Request{}, fmt.Errorf("%w: device type %q", ErrUnsupported, cmd.Device.Type)
	}

	req := Request{Frame: codec.Frame{
		Header: codec.DefaultHeader,
		Type:   typeSend,
		Dest:   codec.Address{code, cmd.Device.Room},
		Src:    codec.Wallpad,
	}}

	var err error
	switch code {
	case TypeLight, TypeOutlet:
		err = buildSwitch(&req.Frame, cmd, lookup)
	case TypeThermostat:
		err = buildThermostat(&req.Frame, cmd.Set)
	case TypeAircon:
		err = buildAircon(&req.Frame, cmd.Set)
	case TypeVentilation:
		err = buildVentilation(&req.Frame, cmd.Set)
	case TypeGas:
		err = buildGas(&req.Frame, cmd.Set)
	case TypeElevator:
		err = buildElevator(&req.Frame, cmd.Set)
		req.NoReply = true
	default:
		err = fmt.Errorf("%w: %s is read-only", ErrUnsupported, cmd.Device.Type)
	}
	if err != nil {
		return Request{}, err
	}
	return req, nil
}

func buildSwitch(f *codec.Frame, cmd Command, lookup StateLookup) error {
	idx := int(cmd.Device.Index)
	if idx < 1 || idx > Circuits {
		return fmt.Errorf("%w: circuit %d", ErrInvalidValue, idx)
	}
	for i := range Circuits {
		circuit := cmd.Device
		circuit.Index = uint8(i + 1)
		if lookup != nil {
			if attrs, ok := lookup(circuit); ok {
				f.Data[i] = switchByte(attrs)
			}
		}
	}

	target := switchByte(nil)
	if on, ok := cmd.Set["on"]; ok {
		b, ok := on.(bool)
		if !ok {
			return fmt.Errorf("%w: on = %v", ErrInvalidValue, on)
		}
		if b {
			target = 0xFF
		}
	}
	if level, ok := cmd.Set["level"]; ok {
		n, err := intValue(level)
		if err != nil || n < 0 || n > 9 {
			return fmt.Errorf("%w: level = %v", ErrInvalidValue, level)
		}
		target = byte(n)
	}
	if _, hasOn := cmd.Set["on"]; !hasOn {
		if _, hasLevel := cmd.Set["level"]; !hasLevel {
			return fmt.Errorf("%w: switch needs on or level", ErrInvalidValue)
		}
	}
	f.Data[idx-1] = target
	return nil
}

// switchByte renders a circuit's attributes as its data byte.
func switchByte(attrs Attributes) byte {
	if on, _ := attrs["on"].(bool); !on {
		return 0x00
	}
	if level, ok := attrs["level"].(int); ok && level >= 1 && level <= 9 {
		return byte(level)
	}
	return 0xFF
}

func buildThermostat(f *codec.Frame, set Attributes) error {
	f.Data[0] = enable
	for k, v := range set {
		switch k {
		case "mode":
			switch v {
			case "heat":
			case "off":
				f.Data[0] = 0x00
			default:
				return fmt.Errorf("%w: mode = %v", ErrInvalidValue, v)
			}
		case "away":
			away, ok := v.(bool)
			if !ok {
				return fmt.Errorf("%w: away = %v", ErrInvalidValue, v)
			}
			if away {
				f.Data[1] = 0x01
			}
		case "target_temp":
			t, err := floatValue(v)
			if err != nil || t < 5 || t > 40 {
				return fmt.Errorf("%w: target_temp = %v", ErrInvalidValue, v)
			}
			f.Data[2] = byte(t)
			if t-math.Floor(t) >= 0.5 {
				f.Data[2] |= 0x80
			}
		default:
			return fmt.Errorf("%w: thermostat attribute %q", ErrUnsupported, k)
		}
	}
	return nil
}

func buildAircon(f *codec.Frame, set Attributes) error {
	f.Data[0] = aircondOn
	for k, v := range set {
		switch k {
		case "mode":
			if v == "off" {
				f.Data[0] = 0x00
				continue
			}
			b, ok := reverse(aircondModes, v)
			if !ok {
				return fmt.Errorf("%w: mode = %v", ErrInvalidValue, v)
			}
			f.Data[1] = b
		case "fan":
			b, ok := reverse(aircondFans, v)
			if !ok {
				return fmt.Errorf("%w: fan = %v", ErrInvalidValue, v)
			}
			f.Data[2] = b
		case "target_temp":
			t, err := floatValue(v)
			if err != nil || t < 16 || t > 32 {
				return fmt.Errorf("%w: target_temp = %v", ErrInvalidValue, v)
			}
			f.Data[5] = byte(t)
		default:
			return fmt.Errorf("%w: aircon attribute %q", ErrUnsupported, k)
		}
	}
	return nil
}

func buildVentilation(f *codec.Frame, set Attributes) error {
	f.Data[0] = enable
	for k, v := range set {
		switch k {
		case "on":
			on, ok := v.(bool)
			if !ok {
				return fmt.Errorf("%w: on = %v", ErrInvalidValue, v)
			}
			if !on {
				f.Data[0] = 0x00
			}
		case "preset":
			b, ok := reverse(ventilationPresets, v)
			if !ok {
				return fmt.Errorf("%w: preset = %v", ErrInvalidValue, v)
			}
			f.Data[1] = b
		case "speed":
			b, ok := reverse(ventilationSpeeds, v)
			if !ok {
				return fmt.Errorf("%w: speed = %v", ErrInvalidValue, v)
			}
			f.Data[2] = b
			if b == 0x00 {
				f.Data[0] = 0x00
			}
		default:
			return fmt.Errorf("%w: ventilation attribute %q", ErrUnsupported, k)
		}
	}
	return nil
}

// buildGas only closes the valve; opening is not possible from the wallpad.
func buildGas(f *codec.Frame, set Attributes) error {
	if open, ok := set["open"].(bool); !ok || open {
		return fmt.Errorf("%w: gas valve can only be closed", ErrUnsupported)
	}
	f.Command = CmdOff
	return nil
}

// buildElevator places a call. The call is sent as if from the elevator
// controller, which is how the wallpad asks for one.
func buildElevator(f *codec.Frame, set Attributes) error {
	if called, ok := set["called"].(bool); !ok || !called {
		return fmt.Errorf("%w: elevator only accepts called=true", ErrUnsupported)
	}
	f.Dest, f.Src = f.Src, f.Dest
	f.Command = CmdOn
	return nil
}

func buildCutoff(set Attributes) (Request, error) {
	on, ok := set["on"].(bool)
	if !ok {
		return Request{}, fmt.Errorf("%w: light cutoff needs on", ErrInvalidValue)
	}
	f := codec.Frame{
		Header:  codec.DefaultHeader,
		Type:    typeBroadcast,
		Dest:    codec.Address{TypeLight, allRooms},
		Src:     codec.Wallpad,
		Command: CmdCutoffOn,
	}
	if !on {
		f.Command = CmdCutoffOff
		for i := range Circuits {
			f.Data[i] = 0xFF
		}
	}
	return Request{Frame: f, NoReply: true}, nil
}

func reverse(m map[byte]string, v any) (byte, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	for b, name := range m {
		if name == s {
			return b, true
		}
	}
	return 0, false
}

// intValue accepts the numeric types JSON and YAML decoding produce.
func intValue(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("%v is not a number", v)
	}
}

func floatValue(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("%v is not a number", v)
	}
}
