package serial

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/kabili207/wallpad-go/transport"
	"go.bug.st/serial"
)

type fakePort struct {
	bytes.Buffer
	resets int
	closed bool
}

func (p *fakePort) ResetInputBuffer() error {
	p.resets++
	return nil
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func TestNew_Defaults(t *testing.T) {
	d := New(Config{Port: "/dev/ttyUSB0"})
	if d.cfg.BaudRate != DefaultBaudRate {
		t.Errorf("BaudRate = %d, want %d", d.cfg.BaudRate, DefaultBaudRate)
	}
	if d.cfg.Logger == nil {
		t.Error("Logger should default to slog.Default()")
	}
	if d.String() != "serial:///dev/ttyUSB0" {
		t.Errorf("String() = %q", d.String())
	}
}

func TestMode(t *testing.T) {
	m := New(Config{Port: "x", BaudRate: 19200}).Mode()
	if m.BaudRate != 19200 || m.DataBits != 8 || m.Parity != serial.NoParity || m.StopBits != serial.OneStopBit {
		t.Errorf("unexpected mode %+v", m)
	}
}

func TestDial_MissingPort(t *testing.T) {
	_, err := New(Config{}).Dial(context.Background())
	if !errors.Is(err, transport.ErrConnection) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
}

func TestDial_FlushesInput(t *testing.T) {
	port := &fakePort{}
	var gotName string
	var gotMode *serial.Mode

	d := New(Config{Port: "/dev/ttyS1"})
	d.open = func(name string, mode *serial.Mode) (transport.Conn, error) {
		gotName, gotMode = name, mode
		return port, nil
	}

	conn, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if conn != port {
		t.Error("Dial should return the opened port")
	}
	if gotName != "/dev/ttyS1" || gotMode.BaudRate != DefaultBaudRate {
		t.Errorf("opened %q with %+v", gotName, gotMode)
	}
	if port.resets != 1 {
		t.Errorf("ResetInputBuffer called %d times, want 1", port.resets)
	}
}

func TestDial_OpenError(t *testing.T) {
	d := New(Config{Port: "/dev/missing"})
	cause := errors.New("no such file")
	d.open = func(string, *serial.Mode) (transport.Conn, error) {
		return nil, cause
	}

	_, err := d.Dial(context.Background())
	if !errors.Is(err, transport.ErrConnection) || !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
}

func TestDial_CanceledContext(t *testing.T) {
	d := New(Config{Port: "/dev/ttyS1"})
	d.open = func(string, *serial.Mode) (transport.Conn, error) {
		t.Fatal("open should not be called")
		return nil, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Dial(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
