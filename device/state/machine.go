// Package state holds the last validated attribute set of every device on
// the bus.
//
// A device is known once a validated frame has described it, and becomes
// unknown again when it goes silent for too long or a command addressed to
// it is exhausted. All updates from one frame are committed together, and
// change events are emitted only when something actually differs.
package state

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/kabili207/wallpad-go/core/clock"
	"github.com/kabili207/wallpad-go/core/codec"
	"github.com/kabili207/wallpad-go/core/payload"
	"github.com/kabili207/wallpad-go/internal/syncutil"
)

// sweepInterval is the resolution of the liveness sweep.
const sweepInterval = time.Second

// Decoder turns a validated frame into device updates.
type Decoder interface {
	Decode(f codec.Frame) ([]payload.Update, error)
}

// DeviceState is a copy of one device's tracked state.
type DeviceState struct {
	Device     payload.DeviceID
	Attributes payload.Attributes
	UpdatedAt  time.Time
	Known      bool
}

// Change is a state-change event.
type Change struct {
	Device payload.DeviceID
	// Changed holds the attributes whose value differs from the previous
	// known state. Empty when the device became unknown.
	Changed payload.Attributes
	// Attributes is the complete attribute set after the change.
	Attributes payload.Attributes
	Known      bool
	Time       time.Time
}

// Config configures a Machine.
type Config struct {
	// Decoder defaults to payload.DefaultRegistry().
	Decoder Decoder
	// StaleAfter marks devices unknown when they have not been heard from
	// for this long. Zero disables the sweep.
	StaleAfter time.Duration
	// OnChange, if set, receives every change event outside the lock.
	OnChange func(Change)

	Clock  clock.Clock
	Logger *slog.Logger
}

// Stats counts applied and quarantined frames.
type Stats struct {
	Applied     uint64
	Quarantined uint64
	Changes     uint64
}

type device struct {
	attrs     payload.Attributes
	updatedAt time.Time
	known     bool
}

// Machine tracks device state.
type Machine struct {
	cfg   Config
	clk   clock.Clock
	stamp *clock.Stamper
	log   *slog.Logger

	mu      syncutil.RWMutex
	devices map[payload.DeviceID]*device
	stats   Stats
}

// New creates a state machine.
func New(cfg Config) *Machine {
	if cfg.Decoder == nil {
		cfg.Decoder = payload.DefaultRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	clk := clock.OrReal(cfg.Clock)
	return &Machine{
		cfg:     cfg,
		clk:     clk,
		stamp:   clock.NewStamper(clk),
		log:     cfg.Logger.WithGroup("state"),
		devices: make(map[payload.DeviceID]*device),
	}
}

// Apply decodes a frame that already passed checksum validation and
// commits its updates atomically. A frame that fails to decode is
// quarantined: the error is returned and no device state changes.
func (m *Machine) Apply(f codec.Frame) ([]Change, error) {
	updates, err := m.cfg.Decoder.Decode(f)
	if err != nil {
		m.mu.Lock()
		m.stats.Quarantined++
		m.mu.Unlock()
		m.log.Debug("frame quarantined", "frame", f, "error", err)
		return nil, err
	}
	if len(updates) == 0 {
		return nil, nil
	}

	now := m.stamp.Now()
	var changes []Change

	m.mu.Lock()
	m.stats.Applied++
	for _, u := range updates {
		d, ok := m.devices[u.Device]
		if !ok {
			d = &device{}
			m.devices[u.Device] = d
		}

		changed := diff(d, u.Attributes)
		d.attrs = u.Attributes.Clone()
		d.updatedAt = now
		wasKnown := d.known
		d.known = true

		if wasKnown && len(changed) == 0 {
			continue
		}
		changes = append(changes, Change{
			Device:     u.Device,
			Changed:    changed,
			Attributes: d.attrs.Clone(),
			Known:      true,
			Time:       now,
		})
	}
	m.stats.Changes += uint64(len(changes))
	m.mu.Unlock()

	m.emit(changes)
	return changes, nil
}

// diff returns the attributes in next that differ from d's known state.
// For a device that is not known, every attribute counts as changed.
func diff(d *device, next payload.Attributes) payload.Attributes {
	changed := payload.Attributes{}
	for k, v := range next {
		if prev, ok := d.attrs[k]; !d.known || !ok || prev != v {
			changed[k] = v
		}
	}
	return changed
}

// MarkUnknown moves a device to unknown, keeping its last attributes for
// reference. Returns true if the device was known.
func (m *Machine) MarkUnknown(id payload.DeviceID) bool {
	now := m.stamp.Now()
	m.mu.Lock()
	change, ok := m.markUnknownLocked(id, now)
	m.mu.Unlock()
	if ok {
		m.emit([]Change{change})
	}
	return ok
}

// MarkAddressUnknown moves every device behind a bus address to unknown.
// Returns the number of devices affected.
func (m *Machine) MarkAddressUnknown(addr codec.Address) int {
	typeName := payload.DeviceTypeName(addr.Type())
	now := m.stamp.Now()

	var changes []Change
	m.mu.Lock()
	for id := range m.devices {
		if id.Type != typeName || id.Room != addr.Room() {
			continue
		}
		if c, ok := m.markUnknownLocked(id, now); ok {
			changes = append(changes, c)
		}
	}
	m.mu.Unlock()

	m.emit(changes)
	return len(changes)
}

func (m *Machine) markUnknownLocked(id payload.DeviceID, now time.Time) (Change, bool) {
	d, ok := m.devices[id]
	if !ok || !d.known {
		return Change{}, false
	}
	d.known = false
	m.stats.Changes++
	return Change{
		Device:     id,
		Changed:    payload.Attributes{},
		Attributes: d.attrs.Clone(),
		Known:      false,
		Time:       now,
	}, true
}

// Expire marks devices not updated within staleAfter as unknown. Returns
// the number of devices affected.
func (m *Machine) Expire(staleAfter time.Duration) int {
	if staleAfter <= 0 {
		return 0
	}
	cutoff := m.clk.Now().Add(-staleAfter)
	now := m.stamp.Now()

	var changes []Change
	m.mu.Lock()
	for id, d := range m.devices {
		if d.known && d.updatedAt.Before(cutoff) {
			if c, ok := m.markUnknownLocked(id, now); ok {
				changes = append(changes, c)
			}
		}
	}
	m.mu.Unlock()

	for _, c := range changes {
		m.log.Info("device went stale", "device", c.Device)
	}
	m.emit(changes)
	return len(changes)
}

// Run sweeps for stale devices until ctx ends. It returns immediately when
// StaleAfter is zero.
func (m *Machine) Run(ctx context.Context) error {
	if m.cfg.StaleAfter <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := m.clk.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			m.Expire(m.cfg.StaleAfter)
		}
	}
}

// Get returns a copy of a device's state.
func (m *Machine) Get(id payload.DeviceID) (DeviceState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return DeviceState{}, false
	}
	return DeviceState{
		Device:     id,
		Attributes: d.attrs.Clone(),
		UpdatedAt:  d.updatedAt,
		Known:      d.known,
	}, true
}

// All returns a copy of every tracked device, ordered by ID.
func (m *Machine) All() []DeviceState {
	m.mu.RLock()
	out := make([]DeviceState, 0, len(m.devices))
	for id, d := range m.devices {
		out = append(out, DeviceState{
			Device:     id,
			Attributes: d.attrs.Clone(),
			UpdatedAt:  d.updatedAt,
			Known:      d.known,
		})
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b DeviceState) int {
		return strings.Compare(a.Device.String(), b.Device.String())
	})
	return out
}

// Stats returns a snapshot of the counters.
func (m *Machine) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *Machine) emit(changes []Change) {
	if m.cfg.OnChange == nil {
		return
	}
	for _, c := range changes {
		m.cfg.OnChange(c)
	}
}
