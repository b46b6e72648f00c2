package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kabili207/wallpad-go/config"
	"github.com/kabili207/wallpad-go/core/codec"
	"github.com/kabili207/wallpad-go/core/payload"
	"github.com/kabili207/wallpad-go/device/health"
	"github.com/kabili207/wallpad-go/engine"
	"github.com/kabili207/wallpad-go/internal/snapshot"
	"github.com/kabili207/wallpad-go/transport/endpoint"
	"golang.org/x/time/rate"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// newLogger builds the process logger from the log section. Output goes to
// w and, when a log file is configured, to a rotating file.
func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	if cfg.File != "" {
		w = io.MultiWriter(w, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		})
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

// newEngine resolves the endpoint and wires an engine from cfg. The
// returned store is nil when persistence is disabled.
func newEngine(cfg *config.Config, log *slog.Logger) (*engine.Engine, *snapshot.Store, error) {
	if cfg.Transport.Endpoint == "" {
		return nil, nil, fmt.Errorf("no endpoint configured (use --endpoint or transport.endpoint)")
	}
	dialer, err := endpoint.Resolve(cfg.Transport.Endpoint, endpoint.Options{
		BaudRate:    cfg.Transport.BaudRate,
		DialTimeout: cfg.Transport.DialTimeout,
		Username:    cfg.Transport.Username,
		Password:    cfg.Transport.Password,
		SkipVerify:  cfg.Transport.SkipVerify,
		Logger:      log,
	})
	if err != nil {
		return nil, nil, err
	}
	cs, err := codec.ChecksumByName(cfg.Bus.Checksum)
	if err != nil {
		return nil, nil, err
	}
	corr, err := codec.CorrelatorByName(cfg.Bus.Correlation)
	if err != nil {
		return nil, nil, err
	}

	var store *snapshot.Store
	if cfg.Snapshot.Path != "" {
		store = snapshot.New(snapshot.Config{Path: cfg.Snapshot.Path, Logger: log})
	}

	e, err := engine.New(engine.Config{
		Dialer:                   dialer,
		Checksum:                 cs,
		Correlator:               corr,
		InterByteTimeout:         cfg.Bus.InterByteTimeout,
		IdleGap:                  cfg.Bus.IdleGap,
		RepeatWindow:             cfg.Bus.RepeatWindow,
		WriteTimeout:             cfg.Bus.WriteTimeout,
		MaxRetries:               cfg.Dispatch.MaxRetries,
		ResponseTimeout:          cfg.Dispatch.ResponseTimeout,
		BackoffBase:              cfg.Dispatch.BackoffBase,
		BackoffCap:               cfg.Dispatch.BackoffCap,
		MaxPending:               cfg.Dispatch.MaxPending,
		ChecksumFailureThreshold: cfg.Health.ChecksumFailureThreshold,
		SocketErrorThreshold:     cfg.Health.SocketErrorThreshold,
		TimeoutThreshold:         cfg.Health.TimeoutThreshold,
		ReconnectBase:            cfg.Health.ReconnectBase,
		ReconnectCap:             cfg.Health.ReconnectCap,
		StaleAfter:               cfg.State.StaleAfter,
		InjectRate:               rate.Limit(cfg.Inject.Rate),
		InjectBurst:              cfg.Inject.Burst,
		Snapshot:                 store,
		Logger:                   log,
	})
	if err != nil {
		return nil, nil, err
	}
	return e, store, nil
}

// startEngine runs e in the background and waits until the bus is
// connected. The returned channel yields Run's result.
func startEngine(ctx context.Context, e *engine.Engine, timeout time.Duration) (<-chan error, error) {
	connected := make(chan struct{}, 1)
	unsubscribe := e.OnHealthMetric(func(ev health.Event) {
		if ev.Kind == health.EventConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-connected:
		return done, nil
	case err := <-done:
		if err == nil {
			err = ctx.Err()
		}
		return nil, err
	case <-timer.C:
		return done, fmt.Errorf("not connected to %s after %v", e.Endpoint(), timeout)
	}
}

// parseHex accepts hex with optional spaces, colons or a 0x prefix.
func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	s = strings.NewReplacer(" ", "", ":", "", "-", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return b, nil
}

// parseAttributes turns key=value arguments into a command attribute set.
// Booleans and numbers are converted, anything else stays a string.
func parseAttributes(args []string) (payload.Attributes, error) {
	set := make(payload.Attributes, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("attribute %q: want key=value", arg)
		}
		switch {
		case v == "true":
			set[k] = true
		case v == "false":
			set[k] = false
		default:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				set[k] = f
			} else {
				set[k] = v
			}
		}
	}
	return set, nil
}
