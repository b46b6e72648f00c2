package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kabili207/wallpad-go/core/codec"
	"github.com/kabili207/wallpad-go/core/payload"
	"github.com/kabili207/wallpad-go/device/dispatch"
	"github.com/kabili207/wallpad-go/device/health"
	"github.com/kabili207/wallpad-go/device/state"
	"github.com/kabili207/wallpad-go/internal/snapshot"
	"github.com/kabili207/wallpad-go/transport"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"
)

// pipeDialer hands the bus side of every dialed net.Pipe to the test.
type pipeDialer struct {
	conns  chan net.Conn
	dials  atomic.Int32
	refuse atomic.Bool
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{conns: make(chan net.Conn, 8)}
}

func (d *pipeDialer) Dial(ctx context.Context) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.dials.Add(1)
	if d.refuse.Load() {
		return nil, errors.New("connection refused")
	}
	client, bus := net.Pipe()
	d.conns <- bus
	return client, nil
}

func (d *pipeDialer) String() string { return "pipe://test" }

func (d *pipeDialer) next(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-d.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not dial")
		return nil
	}
}

type harness struct {
	e       *Engine
	dialer  *pipeDialer
	bus     net.Conn
	changes chan state.Change
	events  chan health.Event
	cancel  context.CancelFunc
	done    chan error
}

func start(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		dialer:  newPipeDialer(),
		changes: make(chan state.Change, 64),
		events:  make(chan health.Event, 256),
		done:    make(chan error, 1),
	}
	cfg := Config{
		Dialer:                   h.dialer,
		IdleGap:                  5 * time.Millisecond,
		MaxIdleWait:              -1,
		ResponseTimeout:          200 * time.Millisecond,
		BackoffBase:              10 * time.Millisecond,
		BackoffCap:               20 * time.Millisecond,
		ChecksumFailureThreshold: 4,
		SocketErrorThreshold:     1,
		ReconnectBase:            10 * time.Millisecond,
		ReconnectCap:             50 * time.Millisecond,
		InjectRate:               rate.Inf,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.e = e
	e.OnStateChange(func(c state.Change) { h.changes <- c })
	e.OnHealthMetric(func(ev health.Event) {
		select {
		case h.events <- ev:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- e.Run(ctx) }()
	t.Cleanup(h.stop)

	h.bus = h.dialer.next(t)
	h.waitEvent(t, health.EventConnected)
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
	}
}

func (h *harness) write(t *testing.T, b []byte) {
	t.Helper()
	h.bus.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := h.bus.Write(b); err != nil {
		t.Fatalf("bus write: %v", err)
	}
}

func (h *harness) readFrame(t *testing.T) []byte {
	t.Helper()
	h.bus.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, codec.FrameSize)
	if _, err := io.ReadFull(h.bus, buf); err != nil {
		t.Fatalf("bus read: %v", err)
	}
	return buf
}

func (h *harness) change(t *testing.T) state.Change {
	t.Helper()
	select {
	case c := <-h.changes:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no state change")
		return state.Change{}
	}
}

func (h *harness) noChange(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case c := <-h.changes:
		t.Fatalf("unexpected state change %+v", c)
	case <-time.After(wait):
	}
}

func (h *harness) waitEvent(t *testing.T, kind health.EventKind) health.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
			return health.Event{}
		}
	}
}

func thermostatReport(room, target byte) codec.Frame {
	f := codec.Frame{
		Header: codec.DefaultHeader,
		Type:   0xDC,
		Dest:   codec.Wallpad,
		Src:    codec.Address{payload.TypeThermostat, room},
	}
	f.Data[0] = 0x11
	f.Data[2] = target
	f.Data[4] = 20
	return f
}

func thermostatRequest(room, target byte) codec.Frame {
	f := codec.Frame{
		Header: codec.DefaultHeader,
		Type:   0xBC,
		Dest:   codec.Address{payload.TypeThermostat, room},
		Src:    codec.Wallpad,
	}
	f.Data[0] = 0x11
	f.Data[2] = target
	return f
}

func TestEngine_BackToBackFrames(t *testing.T) {
	h := start(t, nil)

	stream := append(codec.Encode(thermostatReport(1, 22)), codec.Encode(thermostatReport(2, 24))...)
	h.write(t, stream)

	first, second := h.change(t), h.change(t)
	if first.Device.Room != 1 || second.Device.Room != 2 {
		t.Fatalf("changes for rooms %d and %d, want 1 and 2", first.Device.Room, second.Device.Room)
	}
	if first.Attributes["target_temp"] != 22.0 || second.Attributes["target_temp"] != 24.0 {
		t.Errorf("payloads merged: %v / %v", first.Attributes, second.Attributes)
	}
	h.noChange(t, 50*time.Millisecond)
}

func TestEngine_StalledFragmentDoesNotBlock(t *testing.T) {
	clk := clockwork.NewFakeClock()
	h := start(t, func(c *Config) { c.Clock = clk })

	partial := codec.Encode(thermostatReport(1, 22))[:10]
	h.write(t, partial)

	deadline := time.Now().Add(2 * time.Second)
	for h.e.buf.Len() != len(partial) {
		if time.Now().After(deadline) {
			t.Fatal("fragment never reached the buffer")
		}
		time.Sleep(time.Millisecond)
	}

	clk.Advance(3 * time.Second)
	h.write(t, codec.Encode(thermostatReport(2, 24)))

	c := h.change(t)
	if c.Device.Room != 2 {
		t.Fatalf("change for room %d, want the frame after the fragment", c.Device.Room)
	}
	h.noChange(t, 50*time.Millisecond)
	if _, ok := h.e.Device(payload.DeviceID{Type: "thermostat", Room: 1}); ok {
		t.Error("stale fragment was applied")
	}
	h.waitEvent(t, health.EventFramingError)
}

func TestEngine_TruncatedFragmentBeforeFrame(t *testing.T) {
	h := start(t, nil)

	// The fragment is cut short and the next frame follows well inside the
	// inter-byte timeout, so both land in one candidate window.
	partial := codec.Encode(thermostatReport(1, 22))[:7]
	h.write(t, partial)
	deadline := time.Now().Add(2 * time.Second)
	for h.e.buf.Len() != len(partial) {
		if time.Now().After(deadline) {
			t.Fatal("fragment never reached the buffer")
		}
		time.Sleep(time.Millisecond)
	}
	h.write(t, codec.Encode(thermostatReport(2, 24)))

	c := h.change(t)
	if c.Device.Room != 2 {
		t.Fatalf("change for room %d, want the frame after the fragment", c.Device.Room)
	}
	h.waitEvent(t, health.EventFramingError)
	if got := h.e.Health(); got.ChecksumErrors != 0 || got.ChecksumFailures != 0 {
		t.Errorf("ChecksumErrors = %d, ChecksumFailures = %d, want 0", got.ChecksumErrors, got.ChecksumFailures)
	}
	if h.e.buf.Len() != 0 {
		t.Errorf("buffered after = %d, want 0", h.e.buf.Len())
	}
}

func TestEngine_CorruptedChecksumLeavesStateUnchanged(t *testing.T) {
	h := start(t, nil)

	h.write(t, codec.Encode(thermostatReport(1, 22)))
	h.change(t)
	before, _ := h.e.Device(payload.DeviceID{Type: "thermostat", Room: 1})

	bad := codec.Encode(thermostatReport(1, 30))
	bad[codec.ChecksumOffset] ^= 0xFF
	h.write(t, bad)

	ev := h.waitEvent(t, health.EventChecksumFailure)
	if !errors.Is(ev.Err, codec.ErrChecksumMismatch) {
		t.Errorf("event error = %v", ev.Err)
	}
	h.noChange(t, 50*time.Millisecond)

	after, _ := h.e.Device(payload.DeviceID{Type: "thermostat", Room: 1})
	if !after.Attributes.Equal(before.Attributes) || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("state changed by a corrupted frame: %v -> %v", before, after)
	}
	if got := h.e.Health().ChecksumErrors; got != 1 {
		t.Errorf("ChecksumErrors = %d, want 1", got)
	}
}

func TestEngine_DuplicateFrameEmitsOnce(t *testing.T) {
	h := start(t, nil)
	var frames atomic.Int32
	h.e.OnFrame(func(codec.Frame) { frames.Add(1) })

	raw := codec.Encode(thermostatReport(1, 22))
	h.write(t, raw)
	h.write(t, raw)
	h.change(t)
	h.noChange(t, 50*time.Millisecond)

	if got := h.e.Health().FramesOK; got != 2 {
		t.Errorf("FramesOK = %d, want 2", got)
	}
	if got := frames.Load(); got != 1 {
		t.Errorf("OnFrame calls = %d, want 1", got)
	}
}

func TestEngine_RepeatFilterDisabled(t *testing.T) {
	h := start(t, func(c *Config) { c.RepeatWindow = -1 })
	var frames atomic.Int32
	h.e.OnFrame(func(codec.Frame) { frames.Add(1) })

	raw := codec.Encode(thermostatReport(1, 22))
	h.write(t, raw)
	h.write(t, raw)
	h.change(t)

	deadline := time.Now().Add(2 * time.Second)
	for frames.Load() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("OnFrame calls = %d, want 2", frames.Load())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEngine_SubmitAcknowledged(t *testing.T) {
	h := start(t, nil)

	type outcome struct {
		res dispatch.Result
		err error
	}
	out := make(chan outcome, 1)
	go func() {
		res, err := h.e.SubmitCommand(context.Background(), payload.Command{
			Device: payload.DeviceID{Type: "thermostat", Room: 1},
			Set:    payload.Attributes{"target_temp": 23},
		})
		out <- outcome{res, err}
	}()

	req, err := codec.Decode(h.readFrame(t))
	if err != nil {
		t.Fatal(err)
	}
	if req.Dest != (codec.Address{payload.TypeThermostat, 1}) || req.Data[2] != 23 {
		t.Fatalf("unexpected request %s", req)
	}

	h.write(t, codec.Encode(thermostatReport(1, 23)))

	select {
	case o := <-out:
		if o.err != nil {
			t.Fatalf("SubmitCommand() error = %v", o.err)
		}
		if o.res.Attempts != 1 || o.res.Response.Src != req.Dest {
			t.Errorf("result = %+v", o.res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command never completed")
	}

	if c := h.change(t); c.Attributes["target_temp"] != 23.0 {
		t.Errorf("state after ack = %v", c.Attributes)
	}
}

func TestEngine_ExhaustedCommandMarksDeviceUnknown(t *testing.T) {
	h := start(t, func(c *Config) { c.ResponseTimeout = 30 * time.Millisecond })

	h.write(t, codec.Encode(thermostatReport(3, 22)))
	h.change(t)

	// Swallow the requests without answering.
	go io.Copy(io.Discard, h.bus)

	_, err := h.e.Submit(context.Background(), thermostatRequest(3, 25), dispatch.WithMaxRetries(1))
	var exhausted *dispatch.RetriesExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Submit() error = %v, want RetriesExhaustedError", err)
	}
	if exhausted.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", exhausted.Attempts)
	}

	c := h.change(t)
	if c.Known || c.Device.Room != 3 {
		t.Errorf("change = %+v, want room 3 unknown", c)
	}
}

func TestEngine_ChecksumRunReconnects(t *testing.T) {
	h := start(t, func(c *Config) { c.ChecksumFailureThreshold = 2 })

	for range 2 {
		bad := codec.Encode(thermostatReport(1, 22))
		bad[codec.ChecksumOffset]++
		h.write(t, bad)
	}

	next := h.dialer.next(t)
	ev := h.waitEvent(t, health.EventConnected)
	if ev.Health.Reconnects != 1 || ev.Health.ChecksumFailures != 0 {
		t.Errorf("health after reconnect = %+v", ev.Health)
	}

	next.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := next.Write(codec.Encode(thermostatReport(1, 22))); err != nil {
		t.Fatal(err)
	}
	if c := h.change(t); c.Device.Room != 1 {
		t.Errorf("change = %+v", c)
	}
	if got := h.dialer.dials.Load(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
}

func TestEngine_SocketErrorReconnects(t *testing.T) {
	h := start(t, nil)
	h.bus.Close()

	next := h.dialer.next(t)
	h.waitEvent(t, health.EventSocketError)
	h.waitEvent(t, health.EventConnected)

	next.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := next.Write(codec.Encode(thermostatReport(4, 21))); err != nil {
		t.Fatal(err)
	}
	if c := h.change(t); c.Device.Room != 4 {
		t.Errorf("change = %+v", c)
	}
}

func TestEngine_SendRaw(t *testing.T) {
	h := start(t, nil)
	f := thermostatReport(1, 22)
	full := codec.Encode(f)

	errc := make(chan error, 1)
	go func() { errc <- h.e.SendRaw(context.Background(), full[:codec.FrameSize-1]) }()
	if got := h.readFrame(t); !bytes.Equal(got, full) {
		t.Errorf("wire = % x, want % x", got, full)
	}
	if err := <-errc; err != nil {
		t.Fatalf("SendRaw() error = %v", err)
	}

	bad := bytes.Clone(full)
	bad[codec.ChecksumOffset]++
	if err := h.e.SendRaw(context.Background(), bad); !errors.Is(err, codec.ErrChecksumMismatch) {
		t.Errorf("SendRaw(bad checksum) = %v", err)
	}
	if err := h.e.SendRaw(context.Background(), full[:5]); !errors.Is(err, ErrRawLength) {
		t.Errorf("SendRaw(short) = %v", err)
	}
}

func TestEngine_NoReplyCommand(t *testing.T) {
	h := start(t, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := h.e.SubmitCommand(context.Background(), payload.Command{
			Device: payload.DeviceID{Type: "elevator", Room: 0},
			Set:    payload.Attributes{"called": true},
		})
		errc <- err
	}()

	f, err := codec.Decode(h.readFrame(t))
	if err != nil {
		t.Fatal(err)
	}
	if f.Dest != codec.Wallpad || f.Command != payload.CmdOn {
		t.Errorf("elevator call = %s", f)
	}
	if err := <-errc; err != nil {
		t.Fatalf("SubmitCommand() = %v", err)
	}
	if len(h.e.Pending()) != 0 {
		t.Error("no-reply command was tracked by the dispatcher")
	}
}

func TestEngine_RestoresSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.yaml")
	store := snapshot.New(snapshot.Config{Path: path})
	good := thermostatReport(5, 19)
	store.Record(codec.Encode(good), good)
	corrupt := thermostatReport(6, 19)
	raw := codec.Encode(corrupt)
	raw[codec.ChecksumOffset]++
	store.Record(raw, corrupt)
	if err := store.Save(); err != nil {
		t.Fatal(err)
	}

	restored := snapshot.New(snapshot.Config{Path: path})
	if err := restored.Load(); err != nil {
		t.Fatal(err)
	}

	h := start(t, func(c *Config) { c.Snapshot = restored })

	if c := h.change(t); c.Device.Room != 5 || !c.Known {
		t.Errorf("restored change = %+v", c)
	}
	if _, ok := h.e.Device(payload.DeviceID{Type: "thermostat", Room: 6}); ok {
		t.Error("frame with a bad checksum was restored")
	}
}

func TestEngine_ShutdownStopsGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := start(t, nil)

	h.write(t, codec.Encode(thermostatReport(1, 22)))
	h.change(t)

	h.cancel()
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Run() = %v, want nil after cancellation", err)
		}
		h.done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestEngine_RunTwice(t *testing.T) {
	h := start(t, nil)
	if err := h.e.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Run() = %v", err)
	}
}

func TestEngine_RejectsWhileReconnecting(t *testing.T) {
	h := start(t, func(c *Config) {
		c.ReconnectBase = time.Hour
		c.ReconnectCap = time.Hour
	})

	h.dialer.refuse.Store(true)
	if !h.e.mon.Degrade(health.CauseManual) {
		t.Fatal("Degrade() did not start a reconnection")
	}
	h.waitEvent(t, health.EventConnectFailed)

	_, err := h.e.Submit(context.Background(), thermostatRequest(1, 20))
	var cerr *transport.ConnectionError
	if !errors.As(err, &cerr) || !errors.Is(err, health.ErrReconnecting) {
		t.Fatalf("Submit() while reconnecting = %v, want ConnectionError", err)
	}
	if err := h.e.SendFrame(context.Background(), thermostatRequest(1, 20)); !errors.As(err, &cerr) {
		t.Fatalf("SendFrame() while reconnecting = %v, want ConnectionError", err)
	}
	if len(h.e.Pending()) != 0 {
		t.Error("rejected command was queued")
	}
}

func TestNew_RequiresDialer(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected an error without a dialer")
	}
}
