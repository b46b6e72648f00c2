package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kabili207/wallpad-go/core/codec"
	"github.com/kabili207/wallpad-go/core/payload"
)

func lightReport(room byte, circuits ...byte) codec.Frame {
	f := codec.Frame{
		Header:  codec.DefaultHeader,
		Type:    0xDC,
		Dest:    codec.Wallpad,
		Src:     codec.Address{payload.TypeLight, room},
		Command: payload.CmdState,
	}
	copy(f.Data[:], circuits)
	return f
}

func circuit(room, index uint8) payload.DeviceID {
	return payload.DeviceID{Type: "light", Room: room, Index: index}
}

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) add(c Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) get() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

func TestApply_FirstReportIsAllChanged(t *testing.T) {
	rec := &recorder{}
	m := New(Config{OnChange: rec.add})

	changes, err := m.Apply(lightReport(1, 0xFF))
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != payload.Circuits {
		t.Fatalf("got %d changes, want %d", len(changes), payload.Circuits)
	}
	if len(rec.get()) != payload.Circuits {
		t.Errorf("OnChange called %d times", len(rec.get()))
	}

	st, ok := m.Get(circuit(1, 1))
	if !ok || !st.Known || st.Attributes["on"] != true {
		t.Errorf("circuit 1 = %+v", st)
	}
	st, _ = m.Get(circuit(1, 2))
	if st.Attributes["on"] != false {
		t.Errorf("circuit 2 = %+v", st)
	}
}

func TestApply_Deduplicates(t *testing.T) {
	rec := &recorder{}
	m := New(Config{OnChange: rec.add})

	m.Apply(lightReport(1, 0xFF))
	before := len(rec.get())

	changes, err := m.Apply(lightReport(1, 0xFF))
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 0 || len(rec.get()) != before {
		t.Fatalf("identical frame should emit nothing, got %v", changes)
	}

	changes, _ = m.Apply(lightReport(1, 0xFF, 0x03))
	if len(changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(changes))
	}
	c := changes[0]
	if c.Device != circuit(1, 2) {
		t.Errorf("changed device = %v", c.Device)
	}
	if !c.Changed.Equal(payload.Attributes{"on": true, "level": 3}) {
		t.Errorf("Changed = %v", c.Changed)
	}
	if !c.Attributes.Equal(payload.Attributes{"on": true, "level": 3}) {
		t.Errorf("Attributes = %v", c.Attributes)
	}
}

func TestApply_DecodeErrorQuarantines(t *testing.T) {
	rec := &recorder{}
	m := New(Config{OnChange: rec.add})
	m.Apply(lightReport(1, 0xFF))
	before, _ := m.Get(circuit(1, 1))

	bad := lightReport(1, 0x00)
	bad.Dest = codec.Address{payload.TypeOutlet, 1}

	changes, err := m.Apply(bad)
	if !errors.Is(err, payload.ErrNoPeer) {
		t.Fatalf("expected ErrNoPeer, got %v", err)
	}
	if changes != nil {
		t.Errorf("quarantined frame produced changes %v", changes)
	}

	after, _ := m.Get(circuit(1, 1))
	if !after.Attributes.Equal(before.Attributes) || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("quarantined frame mutated state")
	}
	if m.Stats().Quarantined != 1 {
		t.Errorf("Quarantined = %d, want 1", m.Stats().Quarantined)
	}
}

type pairDecoder struct{}

func (pairDecoder) Decode(f codec.Frame) ([]payload.Update, error) {
	return []payload.Update{
		{Device: payload.DeviceID{Type: "a"}, Attributes: payload.Attributes{"v": int(f.Data[0])}},
		{Device: payload.DeviceID{Type: "b"}, Attributes: payload.Attributes{"v": int(f.Data[0])}},
	}, nil
}

func TestApply_CommitsFrameAtomically(t *testing.T) {
	m := New(Config{Decoder: pairDecoder{}})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			all := m.All()
			if len(all) == 2 && all[0].Attributes["v"] != all[1].Attributes["v"] {
				t.Error("observed a partially applied frame")
				return
			}
		}
	}()

	for i := range 200 {
		f := lightReport(1)
		f.Data[0] = byte(i)
		if _, err := m.Apply(f); err != nil {
			t.Fatal(err)
		}
	}
	close(stop)
	wg.Wait()
}

func TestMarkUnknown(t *testing.T) {
	rec := &recorder{}
	m := New(Config{OnChange: rec.add})
	m.Apply(lightReport(1, 0xFF))

	if !m.MarkUnknown(circuit(1, 1)) {
		t.Fatal("MarkUnknown should report a known device")
	}
	if m.MarkUnknown(circuit(1, 1)) {
		t.Error("second MarkUnknown should be a no-op")
	}

	last := rec.get()[len(rec.get())-1]
	if last.Known || last.Device != circuit(1, 1) || len(last.Changed) != 0 {
		t.Errorf("unknown change = %+v", last)
	}

	// The same report brings it back and is a change even though the
	// attributes match the stale ones.
	changes, _ := m.Apply(lightReport(1, 0xFF))
	if len(changes) != 1 || !changes[0].Known || changes[0].Changed["on"] != true {
		t.Fatalf("changes after recovery = %+v", changes)
	}
}

func TestMarkAddressUnknown(t *testing.T) {
	m := New(Config{})
	m.Apply(lightReport(1, 0xFF))
	m.Apply(lightReport(2, 0xFF))

	if n := m.MarkAddressUnknown(codec.Address{payload.TypeLight, 1}); n != payload.Circuits {
		t.Fatalf("marked %d devices, want %d", n, payload.Circuits)
	}
	if st, _ := m.Get(circuit(1, 4)); st.Known {
		t.Error("room 1 circuits should be unknown")
	}
	if st, _ := m.Get(circuit(2, 4)); !st.Known {
		t.Error("room 2 circuits should stay known")
	}
}

func TestExpire(t *testing.T) {
	fc := clockwork.NewFakeClock()
	m := New(Config{Clock: fc})

	m.Apply(lightReport(1, 0xFF))
	fc.Advance(10 * time.Second)
	m.Apply(lightReport(2, 0xFF))
	fc.Advance(10 * time.Second)

	if n := m.Expire(15 * time.Second); n != payload.Circuits {
		t.Fatalf("expired %d devices, want %d", n, payload.Circuits)
	}
	if st, _ := m.Get(circuit(1, 1)); st.Known {
		t.Error("room 1 should be stale")
	}
	if st, _ := m.Get(circuit(2, 1)); !st.Known {
		t.Error("room 2 should still be live")
	}
	if m.Expire(0) != 0 {
		t.Error("zero staleAfter should be a no-op")
	}
}

func TestRun_Sweeps(t *testing.T) {
	fc := clockwork.NewFakeClock()
	unknown := make(chan Change, 16)
	m := New(Config{
		Clock:      fc,
		StaleAfter: 5 * time.Second,
		OnChange: func(c Change) {
			if !c.Known {
				unknown <- c
			}
		},
	})
	m.Apply(lightReport(1, 0xFF))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	if err := fc.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	fc.Advance(6 * time.Second)

	select {
	case c := <-unknown:
		if c.Device.Room != 1 {
			t.Errorf("unexpected device %v", c.Device)
		}
	case <-ctx.Done():
		t.Fatal("sweep did not expire the device")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v", err)
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	m := New(Config{})
	m.Apply(lightReport(1, 0xFF))

	st, _ := m.Get(circuit(1, 1))
	st.Attributes["on"] = false

	again, _ := m.Get(circuit(1, 1))
	if again.Attributes["on"] != true {
		t.Error("mutating a returned state leaked into the machine")
	}
}

func TestChange_TimesIncrease(t *testing.T) {
	fc := clockwork.NewFakeClock()
	rec := &recorder{}
	m := New(Config{Clock: fc, OnChange: rec.add})

	m.Apply(lightReport(1, 0xFF))
	m.Apply(lightReport(1, 0x00))

	changes := rec.get()
	first, last := changes[0].Time, changes[len(changes)-1].Time
	if !last.After(first) {
		t.Errorf("change times did not increase: %v then %v", first, last)
	}
}

func TestAll_Ordered(t *testing.T) {
	m := New(Config{})
	m.Apply(lightReport(2, 0xFF))
	m.Apply(lightReport(1, 0xFF))

	all := m.All()
	if len(all) != 2*payload.Circuits {
		t.Fatalf("All() returned %d devices", len(all))
	}
	if all[0].Device != circuit(1, 1) {
		t.Errorf("first device = %v", all[0].Device)
	}
}
