// Package serial dials a local RS485 adapter.
//
// Wallpad buses run at 9600 baud 8N1. The port is opened fresh on every
// Dial and any bytes the driver buffered before the open are discarded so
// the reassembly buffer starts from a clean stream.
package serial

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kabili207/wallpad-go/transport"
	"go.bug.st/serial"
)

// Compile-time interface check.
var _ transport.Dialer = (*Dialer)(nil)

const (
	// DefaultBaudRate is the baud rate of wallpad RS485 buses.
	DefaultBaudRate = 9600
)

// Config holds the configuration for a serial dialer.
type Config struct {
	// Port is the serial port path (e.g., "/dev/ttyUSB0" or "COM3").
	Port string
	// BaudRate is the serial baud rate. Defaults to 9600.
	BaudRate int
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

type openFunc func(port string, mode *serial.Mode) (transport.Conn, error)

// Dialer opens a serial port.
type Dialer struct {
	cfg  Config
	log  *slog.Logger
	open openFunc
}

// New creates a new serial dialer with the given configuration.
func New(cfg Config) *Dialer {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Dialer{
		cfg:  cfg,
		log:  cfg.Logger.WithGroup("serial"),
		open: openPort,
	}
}

func openPort(port string, mode *serial.Mode) (transport.Conn, error) {
	p, err := serial.Open(port, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Mode returns the line settings used to open the port.
func (d *Dialer) Mode() *serial.Mode {
	return &serial.Mode{
		BaudRate: d.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Dial opens the serial port.
func (d *Dialer) Dial(ctx context.Context) (transport.Conn, error) {
	if d.cfg.Port == "" {
		return nil, transport.NewConnectionError("open", d.String(), errors.New("serial port is required"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := d.open(d.cfg.Port, d.Mode())
	if err != nil {
		return nil, transport.NewConnectionError("open", d.String(), err)
	}

	if r, ok := conn.(interface{ ResetInputBuffer() error }); ok {
		if err := r.ResetInputBuffer(); err != nil {
			d.log.Warn("failed to flush input buffer", "error", err)
		}
	}

	d.log.Info("opened serial port", "port", d.cfg.Port, "baud", d.cfg.BaudRate)
	return conn, nil
}

func (d *Dialer) String() string {
	return "serial://" + d.cfg.Port
}
