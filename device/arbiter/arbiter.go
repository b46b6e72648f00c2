// Package arbiter serializes access to the shared half-duplex bus.
//
// At most one transmission is on the wire at any instant. Callers are
// served in the order they asked, and after every transmission the bus is
// held for an idle gap so devices can turn their line drivers around.
package arbiter

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/kabili207/wallpad-go/core/clock"
	"github.com/kabili207/wallpad-go/internal/syncutil"
	"github.com/kabili207/wallpad-go/transport"
)

const (
	// DefaultIdleGap is the minimum quiet time after each transmission.
	DefaultIdleGap = 200 * time.Millisecond
	// DefaultMaxIdleWait bounds how long a transmission waits for the bus
	// to fall silent before writing anyway.
	DefaultMaxIdleWait = time.Second
	// DefaultWriteTimeout bounds one physical write on media that support
	// write deadlines.
	DefaultWriteTimeout = 2 * time.Second
	// idlePoll is how often the pre-transmit wait rechecks the bus.
	idlePoll = 10 * time.Millisecond
)

// Config holds arbiter configuration.
type Config struct {
	// IdleGap is the post-transmit quiet time. Defaults to 200ms.
	IdleGap time.Duration
	// MaxIdleWait bounds the pre-transmit wait for bus silence.
	// Defaults to 1s. Negative disables the wait.
	MaxIdleWait time.Duration
	// WriteTimeout bounds each write when the medium has SetWriteDeadline.
	// Defaults to 2s. Negative disables the deadline.
	WriteTimeout time.Duration
	// Clock defaults to the real clock.
	Clock clock.Clock
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Stats counts arbiter activity.
type Stats struct {
	Transmissions uint64
	Failures      uint64
	Canceled      uint64
}

// Arbiter grants exclusive, FIFO-ordered transmit access to a medium.
type Arbiter struct {
	cfg Config
	clk clock.Clock
	log *slog.Logger

	mu      syncutil.Mutex
	busy    bool
	waiters []chan struct{}
	medium  io.Writer
	lastRx  time.Time
	stats   Stats
}

// New creates an arbiter.
func New(cfg Config) *Arbiter {
	if cfg.IdleGap <= 0 {
		cfg.IdleGap = DefaultIdleGap
	}
	if cfg.MaxIdleWait == 0 {
		cfg.MaxIdleWait = DefaultMaxIdleWait
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Arbiter{
		cfg: cfg,
		clk: clock.OrReal(cfg.Clock),
		log: cfg.Logger.WithGroup("arbiter"),
	}
}

// SetMedium attaches the writer transmissions go to. Passing nil detaches
// it; subsequent sends fail with a connection error until a new medium is
// attached.
func (a *Arbiter) SetMedium(w io.Writer) {
	a.mu.Lock()
	a.medium = w
	a.mu.Unlock()
}

// NoteActivity records that bytes were just received from the bus.
func (a *Arbiter) NoteActivity() {
	now := a.clk.Now()
	a.mu.Lock()
	a.lastRx = now
	a.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (a *Arbiter) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Acquire blocks until the caller holds the bus. Callers are granted access
// in arrival order. The returned release func must be called exactly once.
func (a *Arbiter) Acquire(ctx context.Context) (release func(), err error) {
	a.mu.Lock()
	if !a.busy && len(a.waiters) == 0 {
		a.busy = true
		a.mu.Unlock()
		return a.releaseOnce(), nil
	}

	ticket := make(chan struct{})
	a.waiters = append(a.waiters, ticket)
	a.mu.Unlock()

	select {
	case <-ticket:
		return a.releaseOnce(), nil
	case <-ctx.Done():
		a.mu.Lock()
		for i, w := range a.waiters {
			if w == ticket {
				a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
				a.stats.Canceled++
				a.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		a.stats.Canceled++
		a.mu.Unlock()
		// Ownership was handed to us concurrently with the cancel; pass it on.
		a.release()
		return nil, ctx.Err()
	}
}

func (a *Arbiter) releaseOnce() func() {
	var done bool
	return func() {
		if done {
			return
		}
		done = true
		a.release()
	}
}

// release hands the bus to the next waiter, or marks it free.
func (a *Arbiter) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.waiters) == 0 {
		a.busy = false
		return
	}
	next := a.waiters[0]
	a.waiters = a.waiters[1:]
	close(next)
}

// writeDeadliner is implemented by net.Conn and the websocket bridge.
type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Send transmits b as one exclusive transmission followed by the idle gap.
// The bus is released even when the write fails. A failed write may still
// have put bytes on the wire, so it is followed by the idle gap too.
func (a *Arbiter) Send(ctx context.Context, b []byte) error {
	release, err := a.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	a.waitQuiet(ctx)

	a.mu.Lock()
	w := a.medium
	a.mu.Unlock()

	if w == nil {
		a.fail()
		return transport.NewConnectionError("write", "", transport.ErrNotConnected)
	}

	if err := a.write(w, b); err != nil {
		a.fail()
		a.log.Debug("transmission failed", "error", err)
		a.clk.Sleep(a.cfg.IdleGap)
		return transport.NewConnectionError("write", "", err)
	}

	a.mu.Lock()
	a.stats.Transmissions++
	a.mu.Unlock()

	a.clk.Sleep(a.cfg.IdleGap)
	return nil
}

// write performs one physical write, bounded by WriteTimeout when the
// medium supports deadlines. Deadlines are wall-clock times.
func (a *Arbiter) write(w io.Writer, b []byte) error {
	if d, ok := w.(writeDeadliner); ok && a.cfg.WriteTimeout > 0 {
		if err := d.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout)); err == nil {
			defer func() { _ = d.SetWriteDeadline(time.Time{}) }()
		}
	}
	_, err := w.Write(b)
	return err
}

func (a *Arbiter) fail() {
	a.mu.Lock()
	a.stats.Failures++
	a.mu.Unlock()
}

// waitQuiet waits, bounded by MaxIdleWait, until no byte has been received
// for at least IdleGap.
func (a *Arbiter) waitQuiet(ctx context.Context) {
	if a.cfg.MaxIdleWait < 0 {
		return
	}
	deadline := a.clk.Now().Add(a.cfg.MaxIdleWait)
	for {
		a.mu.Lock()
		last := a.lastRx
		a.mu.Unlock()

		now := a.clk.Now()
		if last.IsZero() || now.Sub(last) >= a.cfg.IdleGap || !now.Before(deadline) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-a.clk.After(idlePoll):
		}
	}
}
