// Package websocket dials RS485 bridges that expose the bus as a stream of
// binary websocket messages.
package websocket

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kabili207/wallpad-go/transport"
)

// Compile-time interface check.
var _ transport.Dialer = (*Dialer)(nil)

// DefaultHandshakeTimeout bounds the websocket handshake.
const DefaultHandshakeTimeout = 10 * time.Second

// ErrConnectionClosed is returned when reading from a failed connection.
var ErrConnectionClosed = errors.New("websocket connection closed")

// Config holds the configuration for a websocket dialer.
type Config struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Username and Password enable HTTP Basic auth when both are set.
	Username string
	Password string
	// SkipVerify disables TLS certificate verification for wss://.
	SkipVerify bool
	// HandshakeTimeout defaults to 10s.
	HandshakeTimeout time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Dialer opens websocket connections.
type Dialer struct {
	cfg Config
	log *slog.Logger
}

// New creates a websocket dialer with the given configuration.
func New(cfg Config) *Dialer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dialer{
		cfg: cfg,
		log: cfg.Logger.WithGroup("websocket"),
	}
}

// Dial performs the websocket handshake.
func (d *Dialer) Dial(ctx context.Context) (transport.Conn, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return nil, transport.NewConnectionError("dial", d.cfg.URL, fmt.Errorf("invalid URL: %w", err))
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, transport.NewConnectionError("dial", d.cfg.URL,
			fmt.Errorf("unsupported URL scheme %q (use ws:// or wss://)", u.Scheme))
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: d.cfg.HandshakeTimeout,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: d.cfg.SkipVerify,
		}
	}

	headers := http.Header{}
	if d.cfg.Username != "" && d.cfg.Password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(d.cfg.Username + ":" + d.cfg.Password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ws, resp, err := dialer.DialContext(ctx, d.cfg.URL, headers)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("handshake failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, transport.NewConnectionError("dial", d.cfg.URL, err)
	}

	d.log.Info("connected to websocket bridge", "url", d.cfg.URL)
	return &Conn{ws: ws}, nil
}

func (d *Dialer) String() string {
	return d.cfg.URL
}

// Conn adapts a websocket connection to a byte stream. Binary messages are
// concatenated; other message types are skipped. Read must only be called
// from one goroutine, and likewise Write.
type Conn struct {
	ws     *websocket.Conn
	buf    []byte
	off    int
	closed bool
}

func (c *Conn) Read(p []byte) (int, error) {
	if c.closed {
		return 0, ErrConnectionClosed
	}

	if c.off < len(c.buf) {
		n := copy(p, c.buf[c.off:])
		c.off += n
		return n, nil
	}

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.closed = true
			return 0, err
		}
		if messageType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}

		c.buf = data
		n := copy(p, c.buf)
		c.off = n
		return n, nil
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetWriteDeadline bounds subsequent writes.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

func (c *Conn) Close() error {
	return c.ws.Close()
}
