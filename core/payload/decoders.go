package payload

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/kabili207/wallpad-go/core/codec"
)

// Circuits is the number of switch circuits in a light or outlet bank.
const Circuits = 8

// Raw exposes the command and data bytes unchanged.
var Raw DecoderFunc = func(f codec.Frame, peer codec.Address) ([]Update, error) {
	return []Update{{
		Device: id(peer, 0),
		Attributes: Attributes{
			"command": int(f.Command),
			"data":    hex.EncodeToString(f.Data[:]),
		},
	}}, nil
}

// SwitchBank decodes the eight circuits of an outlet or light bank. Each
// circuit is its own device (index 1..8). A data byte of 0x00 is off,
// 0xFF fully on and 0x01..0x09 a dimming level.
var SwitchBank DecoderFunc = func(f codec.Frame, peer codec.Address) ([]Update, error) {
	if f.Command != CmdState {
		return nil, nil
	}
	updates := make([]Update, 0, Circuits)
	for i := range Circuits {
		v := f.Data[i]
		attrs := Attributes{"on": v != 0x00}
		if v >= 0x01 && v <= 0x09 {
			attrs["level"] = int(v)
		}
		updates = append(updates, Update{Device: id(peer, uint8(i+1)), Attributes: attrs})
	}
	return updates, nil
}

// LightCutoff decodes the whole-house light cutoff broadcast.
var LightCutoff DecoderFunc = func(f codec.Frame, _ codec.Address) ([]Update, error) {
	switch f.Command {
	case CmdCutoffOn, CmdCutoffOff:
		return []Update{{
			Device:     DeviceID{Type: TypeLightCutoff},
			Attributes: Attributes{"on": f.Command == CmdCutoffOn},
		}}, nil
	}
	return nil, nil
}

// Thermostat decodes a heating zone.
//
//	data[0] high nibble: 1 = heating
//	data[1] low nibble: 1 = away
//	data[2] target temperature (0x80 bit adds 0.5)
//	data[3] hot water temperature
//	data[4] current temperature
//	data[5] heating water temperature
//	data[6] error code
var Thermostat DecoderFunc = func(f codec.Frame, peer codec.Address) ([]Update, error) {
	if f.Command != CmdState {
		return nil, nil
	}
	d := f.Data
	mode := "off"
	if d[0]>>4 == 0x01 {
		mode = "heat"
	}
	return []Update{{
		Device: id(peer, 0),
		Attributes: Attributes{
			"mode":           mode,
			"away":           d[1]&0x0F == 0x01,
			"target_temp":    halfDegrees(d[2]),
			"current_temp":   float64(d[4]),
			"hot_water_temp": int(d[3]),
			"heating_temp":   int(d[5]),
			"error_code":     fmt.Sprintf("%02d", d[6]),
			"problem":        d[6] != 0x00,
		},
	}}, nil
}

func halfDegrees(b byte) float64 {
	t := float64(b & 0x7F)
	if b&0x80 != 0 {
		t += 0.5
	}
	return t
}

var aircondModes = map[byte]string{
	0x00: "cool",
	0x01: "fan_only",
	0x02: "dry",
	0x03: "auto",
}

var aircondFans = map[byte]string{
	0x01: "low",
	0x02: "medium",
	0x03: "high",
}

// Aircon decodes an air conditioner.
var Aircon DecoderFunc = func(f codec.Frame, peer codec.Address) ([]Update, error) {
	if f.Command != CmdState {
		return nil, nil
	}
	d := f.Data
	mode := "off"
	if d[0] == 0x10 {
		m, ok := aircondModes[d[1]]
		if !ok {
			return nil, fmt.Errorf("%w: aircon mode %02x", ErrMalformed, d[1])
		}
		mode = m
	}
	fan, ok := aircondFans[d[2]]
	if !ok {
		fan = "low"
	}
	return []Update{{
		Device: id(peer, 0),
		Attributes: Attributes{
			"mode":         mode,
			"fan":          fan,
			"current_temp": float64(d[4]),
			"target_temp":  float64(d[5]),
		},
	}}, nil
}

var ventilationPresets = map[byte]string{
	0x00: "none",
	0x01: "ventilation",
	0x02: "auto",
	0x03: "bypass",
	0x05: "night",
	0x08: "air_purifier",
}

var ventilationSpeeds = map[byte]string{
	0x00: "off",
	0x40: "low",
	0x80: "medium",
	0xC0: "high",
}

// Ventilation decodes a heat-recovery ventilator.
var Ventilation DecoderFunc = func(f codec.Frame, peer codec.Address) ([]Update, error) {
	if f.Command != CmdState {
		return nil, nil
	}
	d := f.Data
	preset, ok := ventilationPresets[d[1]]
	if !ok {
		preset = "unknown"
	}
	speed, ok := ventilationSpeeds[d[2]]
	if !ok {
		return nil, fmt.Errorf("%w: ventilation speed %02x", ErrMalformed, d[2])
	}
	return []Update{{
		Device: id(peer, 0),
		Attributes: Attributes{
			"on":         d[0]>>4 == 0x01,
			"preset":     preset,
			"speed":      speed,
			"co2":        int(d[4])*100 + int(d[5]),
			"error_code": fmt.Sprintf("%02d", d[6]),
			"problem":    d[6] != 0x00,
		},
	}}, nil
}

// GasValve decodes valve open (0x01) and closed (0x02) reports.
var GasValve DecoderFunc = func(f codec.Frame, peer codec.Address) ([]Update, error) {
	switch f.Command {
	case CmdOn, CmdOff:
		return []Update{{
			Device:     id(peer, 0),
			Attributes: Attributes{"open": f.Command == CmdOn},
		}}, nil
	}
	return nil, nil
}

var elevatorDirections = map[byte]string{
	0x00: "idle",
	0x01: "down",
	0x02: "up",
	0x03: "arrived",
}

// Elevator decodes call state, travel direction and floor.
var Elevator DecoderFunc = func(f codec.Frame, peer codec.Address) ([]Update, error) {
	d := f.Data
	direction, ok := elevatorDirections[d[0]]
	if !ok {
		direction = "unknown"
	}
	called := d[0] == 0x01 || d[0] == 0x02 || (d[0] == 0x00 && f.Kind() == codec.KindAck)
	if d[0] == 0x00 && f.Kind() == codec.KindAck {
		direction = "called"
	}
	return []Update{{
		Device: id(peer, 0),
		Attributes: Attributes{
			"called":    called,
			"direction": direction,
			"floor":     elevatorFloor(d[1], d[2]),
		},
	}}, nil
}

// elevatorFloor renders the floor indicator. Two non-zero bytes are ASCII
// characters; a high nibble of 8 marks a basement level.
func elevatorFloor(a, b byte) string {
	switch {
	case a == 0x00:
		return "unknown"
	case b != 0x00:
		return string([]byte{a, b})
	case a>>4 == 0x08:
		return "B" + strconv.Itoa(int(a&0x0F))
	default:
		return strconv.Itoa(int(a))
	}
}

// Motion decodes motion sensor reports.
var Motion DecoderFunc = func(f codec.Frame, peer codec.Address) ([]Update, error) {
	switch f.Command {
	case CmdState, CmdDetected:
		return []Update{{
			Device:     id(peer, 0),
			Attributes: Attributes{"motion": f.Command == CmdDetected},
		}}, nil
	}
	return nil, nil
}

// AirQuality decodes the air quality sensor.
var AirQuality DecoderFunc = func(f codec.Frame, peer codec.Address) ([]Update, error) {
	if f.Command != CmdState && f.Command != CmdQuery {
		return nil, nil
	}
	d := f.Data
	return []Update{{
		Device: id(peer, 0),
		Attributes: Attributes{
			"pm10":        int(d[0]),
			"pm25":        int(d[1]),
			"co2":         int(d[2])<<8 | int(d[3]),
			"voc":         int(d[4])<<8 | int(d[5]),
			"temperature": int(d[6]),
			"humidity":    int(d[7]),
		},
	}}, nil
}
