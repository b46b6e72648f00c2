// Package endpoint resolves endpoint URLs to transport dialers.
//
// Supported forms:
//
//	tcp://192.168.0.50:8899
//	serial:///dev/ttyUSB0
//	serial:///dev/ttyUSB0?baud=9600
//	ws://bridge.local/bus
//	wss://bridge.local/bus
package endpoint

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/kabili207/wallpad-go/transport"
	"github.com/kabili207/wallpad-go/transport/serial"
	"github.com/kabili207/wallpad-go/transport/tcp"
	"github.com/kabili207/wallpad-go/transport/websocket"
)

// Options carries transport settings that are not part of the URL.
type Options struct {
	BaudRate    int
	DialTimeout time.Duration
	Username    string
	Password    string
	SkipVerify  bool
	Logger      *slog.Logger
}

// Resolve builds the dialer for endpoint.
func Resolve(endpoint string, opts Options) (transport.Dialer, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint %q: %w", endpoint, err)
	}

	switch u.Scheme {
	case "tcp":
		if u.Host == "" {
			return nil, fmt.Errorf("endpoint %q: missing host", endpoint)
		}
		return tcp.New(tcp.Config{
			Address:     u.Host,
			DialTimeout: opts.DialTimeout,
			Logger:      opts.Logger,
		}), nil

	case "serial":
		port := u.Path
		if port == "" {
			port = u.Opaque
		}
		if port == "" {
			return nil, fmt.Errorf("endpoint %q: missing port", endpoint)
		}
		baud := opts.BaudRate
		if v := u.Query().Get("baud"); v != "" {
			baud, err = strconv.Atoi(v)
			if err != nil || baud <= 0 {
				return nil, fmt.Errorf("endpoint %q: invalid baud %q", endpoint, v)
			}
		}
		return serial.New(serial.Config{
			Port:     port,
			BaudRate: baud,
			Logger:   opts.Logger,
		}), nil

	case "ws", "wss":
		return websocket.New(websocket.Config{
			URL:              endpoint,
			Username:         opts.Username,
			Password:         opts.Password,
			SkipVerify:       opts.SkipVerify,
			HandshakeTimeout: opts.DialTimeout,
			Logger:           opts.Logger,
		}), nil

	case "":
		return nil, fmt.Errorf("endpoint %q: missing scheme (tcp, serial, ws, wss)", endpoint)
	default:
		return nil, fmt.Errorf("endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
}
