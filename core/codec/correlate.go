package codec

import (
	"fmt"
	"strings"
)

// Key correlates an outbound request with the inbound frame that answers it.
type Key struct {
	Device  Address
	Command byte
	Seq     uint8
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%02x/%x", k.Device, k.Command, k.Seq)
}

// Correlator is the strategy used to match responses to requests.
type Correlator interface {
	// RequestKey returns the key under which an outbound frame waits.
	RequestKey(req Frame) Key
	// ResponseKey returns the key an inbound frame resolves. ok is false
	// for frames that cannot answer any request.
	ResponseKey(resp Frame) (key Key, ok bool)
}

// DeviceCommand matches an ack from the addressed device carrying the same
// command code.
type DeviceCommand struct{}

func (DeviceCommand) RequestKey(req Frame) Key {
	return Key{Device: req.Dest, Command: req.Command}
}

func (DeviceCommand) ResponseKey(resp Frame) (Key, bool) {
	if resp.Kind() != KindAck || resp.Src.IsWallpad() {
		return Key{}, false
	}
	return Key{Device: resp.Src, Command: resp.Command}, true
}

// Sequence is DeviceCommand plus the sequence nibble of the type byte, for
// buses that echo the request sequence in the ack.
type Sequence struct{}

func (Sequence) RequestKey(req Frame) Key {
	return Key{Device: req.Dest, Command: req.Command, Seq: req.Seq()}
}

func (Sequence) ResponseKey(resp Frame) (Key, bool) {
	k, ok := DeviceCommand{}.ResponseKey(resp)
	k.Seq = resp.Seq()
	return k, ok
}

// CorrelatorByName resolves a configured correlation strategy.
func CorrelatorByName(name string) (Correlator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "device-command":
		return DeviceCommand{}, nil
	case "sequence":
		return Sequence{}, nil
	default:
		return nil, fmt.Errorf("unknown correlation strategy %q", name)
	}
}
