// Package tcp dials TCP-to-serial bridges (EW11 style RS485 gateways).
package tcp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/kabili207/wallpad-go/transport"
)

// Compile-time interface check.
var _ transport.Dialer = (*Dialer)(nil)

const (
	// DefaultDialTimeout bounds a single connection attempt.
	DefaultDialTimeout = 5 * time.Second
	// DefaultKeepAlive is the TCP keep-alive period.
	DefaultKeepAlive = 30 * time.Second
)

// Config holds the configuration for a TCP dialer.
type Config struct {
	// Address is the bridge "host:port".
	Address string
	// DialTimeout bounds each attempt. Defaults to 5s.
	DialTimeout time.Duration
	// KeepAlive is the TCP keep-alive period. Defaults to 30s.
	KeepAlive time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Dialer opens TCP connections to a bridge.
type Dialer struct {
	cfg Config
	log *slog.Logger
}

// New creates a TCP dialer with the given configuration.
func New(cfg Config) *Dialer {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dialer{
		cfg: cfg,
		log: cfg.Logger.WithGroup("tcp"),
	}
}

// Dial connects to the bridge.
func (d *Dialer) Dial(ctx context.Context) (transport.Conn, error) {
	if d.cfg.Address == "" {
		return nil, transport.NewConnectionError("dial", d.String(), errors.New("address is required"))
	}

	nd := net.Dialer{
		Timeout:   d.cfg.DialTimeout,
		KeepAlive: d.cfg.KeepAlive,
	}
	conn, err := nd.DialContext(ctx, "tcp", d.cfg.Address)
	if err != nil {
		return nil, transport.NewConnectionError("dial", d.String(), err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		// Frames are tiny; never let Nagle hold one back.
		_ = tc.SetNoDelay(true)
	}

	d.log.Info("connected to bridge", "address", d.cfg.Address)
	return conn, nil
}

func (d *Dialer) String() string {
	return "tcp://" + d.cfg.Address
}
