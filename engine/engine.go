// Package engine runs the wallpad bus protocol end to end.
//
// An Engine owns one bus connection. A reader goroutine feeds received
// bytes through reassembly, checksum validation and decoding into the
// device state machine, and offers every valid frame to the command
// dispatcher for correlation. Outbound commands go through the dispatcher
// and the transmission arbiter. The health monitor watches both paths and
// rebuilds the connection when it degrades.
//
// Collaborators submit commands with Submit or SubmitCommand, inject raw
// frames with SendRaw and subscribe to OnStateChange, OnHealthMetric,
// OnTransition and OnFrame.
package engine

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kabili207/wallpad-go/core/clock"
	"github.com/kabili207/wallpad-go/core/codec"
	"github.com/kabili207/wallpad-go/core/dedupe"
	"github.com/kabili207/wallpad-go/core/payload"
	"github.com/kabili207/wallpad-go/core/reassembly"
	"github.com/kabili207/wallpad-go/device/arbiter"
	"github.com/kabili207/wallpad-go/device/dispatch"
	"github.com/kabili207/wallpad-go/device/health"
	"github.com/kabili207/wallpad-go/device/state"
	"github.com/kabili207/wallpad-go/internal/snapshot"
	"github.com/kabili207/wallpad-go/internal/syncutil"
	"github.com/kabili207/wallpad-go/transport"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// DefaultInjectRate limits raw pass-through sends per second.
	DefaultInjectRate rate.Limit = 2
	// DefaultInjectBurst is the raw pass-through burst size.
	DefaultInjectBurst = 1

	readBufferSize = 256
)

var (
	// ErrAlreadyRunning is returned by Run on an engine that has already
	// been started.
	ErrAlreadyRunning = errors.New("engine already started")
	// ErrRawLength is returned by SendRaw for input that is neither a
	// frame without its checksum byte nor a complete frame.
	ErrRawLength = errors.New("raw frame must be 20 or 21 bytes")
)

// Config configures an Engine. Durations and limits left at zero take the
// defaults of the component they configure.
type Config struct {
	// Dialer opens the bus connection. Required.
	Dialer transport.Dialer
	// Checksum selects the integrity function. Default: codec.ModSum.
	Checksum codec.Checksum
	// Correlator matches responses to commands. Default: codec.DeviceCommand.
	Correlator codec.Correlator
	// Decoder turns frames into device updates. Default:
	// payload.DefaultRegistry().
	Decoder state.Decoder

	InterByteTimeout time.Duration
	IdleGap          time.Duration
	// MaxIdleWait bounds the pre-transmit wait for bus silence. Negative
	// disables it.
	MaxIdleWait time.Duration
	// WriteTimeout bounds each physical write on media with write
	// deadlines. Negative disables it.
	WriteTimeout time.Duration

	// MaxRetries is the command retry bound. Negative selects the default;
	// zero disables retries.
	MaxRetries      int
	ResponseTimeout time.Duration
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	MaxPending      int

	// Failure thresholds. Zero disables a trigger, negative selects the
	// default.
	ChecksumFailureThreshold int
	SocketErrorThreshold     int
	TimeoutThreshold         int
	ReconnectBase            time.Duration
	ReconnectCap             time.Duration

	// StaleAfter marks silent devices unknown. Zero disables it.
	StaleAfter time.Duration

	// RepeatWindow suppresses identical frames seen within the window from
	// OnFrame subscribers and the snapshot. Negative disables it.
	RepeatWindow time.Duration

	// InjectRate and InjectBurst limit SendRaw.
	InjectRate  rate.Limit
	InjectBurst int

	// Snapshot, if set, is replayed on start and fed every applied frame.
	Snapshot *snapshot.Store

	Clock  clock.Clock
	Logger *slog.Logger
}

type transition struct {
	info dispatch.Info
	from dispatch.Status
}

// session is one live connection and its reader.
type session struct {
	conn   transport.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine is the protocol engine.
type Engine struct {
	cfg      Config
	clk      clock.Clock
	log      *slog.Logger
	codec    codec.Codec
	endpoint string

	buf     *reassembly.Buffer
	arb     *arbiter.Arbiter
	disp    *dispatch.Dispatcher
	mon     *health.Monitor
	states  *state.Machine
	limiter *rate.Limiter
	repeats *dedupe.Filter

	stateSubs      listeners[state.Change]
	healthSubs     listeners[health.Event]
	transitionSubs listeners[transition]
	frameSubs      listeners[codec.Frame]

	started atomic.Bool

	mu      syncutil.Mutex
	session *session
}

// New wires the engine components. Nothing touches the bus until Run.
func New(cfg Config) (*Engine, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("engine: a dialer is required")
	}
	if cfg.InjectRate == 0 {
		cfg.InjectRate = DefaultInjectRate
	}
	if cfg.InjectBurst <= 0 {
		cfg.InjectBurst = DefaultInjectBurst
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Engine{
		cfg:      cfg,
		clk:      clock.OrReal(cfg.Clock),
		log:      cfg.Logger.WithGroup("engine"),
		codec:    codec.New(cfg.Checksum),
		endpoint: cfg.Dialer.String(),
		limiter:  rate.NewLimiter(cfg.InjectRate, cfg.InjectBurst),
	}
	if cfg.RepeatWindow >= 0 {
		e.repeats = dedupe.NewWithCapacity(dedupe.DefaultCapacity, cfg.RepeatWindow, e.clk)
	}

	e.buf = reassembly.New(reassembly.Config{
		InterByteTimeout: cfg.InterByteTimeout,
		Clock:            e.clk,
		OnDiscard:        e.onDiscard,
		Logger:           cfg.Logger,
	})
	e.arb = arbiter.New(arbiter.Config{
		IdleGap:      cfg.IdleGap,
		MaxIdleWait:  cfg.MaxIdleWait,
		WriteTimeout: cfg.WriteTimeout,
		Clock:        e.clk,
		Logger:       cfg.Logger,
	})
	e.mon = health.New(health.Config{
		Connect:                  e.connect,
		Reset:                    e.reset,
		ChecksumFailureThreshold: cfg.ChecksumFailureThreshold,
		SocketErrorThreshold:     cfg.SocketErrorThreshold,
		TimeoutThreshold:         cfg.TimeoutThreshold,
		ReconnectBase:            cfg.ReconnectBase,
		ReconnectCap:             cfg.ReconnectCap,
		OnEvent:                  e.healthSubs.emit,
		Endpoint:                 e.endpoint,
		Clock:                    e.clk,
		Logger:                   cfg.Logger,
	})
	e.states = state.New(state.Config{
		Decoder:    cfg.Decoder,
		StaleAfter: cfg.StaleAfter,
		OnChange:   e.stateSubs.emit,
		Clock:      e.clk,
		Logger:     cfg.Logger,
	})
	e.disp = dispatch.New(dispatch.Config{
		Sender:          e.arb,
		Codec:           e.codec,
		Correlator:      cfg.Correlator,
		Gate:            e.mon,
		Observer:        e.mon,
		ResponseTimeout: cfg.ResponseTimeout,
		MaxRetries:      cfg.MaxRetries,
		BackoffBase:     cfg.BackoffBase,
		BackoffCap:      cfg.BackoffCap,
		MaxPending:      cfg.MaxPending,
		OnTransition: func(info dispatch.Info, from dispatch.Status) {
			e.transitionSubs.emit(transition{info: info, from: from})
		},
		OnExhausted: e.onExhausted,
		Clock:       e.clk,
		Logger:      cfg.Logger,
	})
	return e, nil
}

// Run connects and serves the bus until ctx ends. It can be called once.
// It returns nil after a normal shutdown.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	e.restore()
	e.log.Info("engine starting", "endpoint", e.endpoint)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.mon.Run(gctx) })
	g.Go(func() error { return e.states.Run(gctx) })
	g.Go(func() error { return e.sweep(gctx) })
	if e.cfg.Snapshot != nil {
		g.Go(func() error { return e.cfg.Snapshot.Run(gctx) })
	}

	err := g.Wait()
	e.teardown()
	e.disp.Close()
	e.log.Info("engine stopped")

	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Submit transmits a request frame and blocks until it is acknowledged or
// definitively fails. Failures are a *dispatch.RetriesExhaustedError, a
// *transport.ConnectionError, dispatch.ErrCanceled or a context error.
func (e *Engine) Submit(ctx context.Context, f codec.Frame, opts ...dispatch.Option) (dispatch.Result, error) {
	return e.disp.Submit(ctx, f, opts...)
}

// SubmitCommand renders a device command and submits it. Commands the bus
// never answers are sent once through the arbiter without correlation.
func (e *Engine) SubmitCommand(ctx context.Context, cmd payload.Command, opts ...dispatch.Option) (dispatch.Result, error) {
	req, err := payload.Build(cmd, e.knownAttributes)
	if err != nil {
		return dispatch.Result{}, err
	}
	if !req.NoReply {
		return e.disp.Submit(ctx, req.Frame, opts...)
	}

	start := e.clk.Now()
	if err := e.transmit(ctx, req.Frame); err != nil {
		return dispatch.Result{}, err
	}
	return dispatch.Result{
		ID:       uuid.New(),
		Request:  req.Frame,
		Attempts: 1,
		Elapsed:  e.clk.Since(start),
	}, nil
}

// SendRaw injects a frame for diagnostics, bypassing command correlation.
// raw is either the 20 bytes before the checksum, which is then computed,
// or a complete 21-byte frame whose checksum must verify. The frame is
// re-encoded and goes through the arbiter like any other transmission.
// Injection is rate limited.
func (e *Engine) SendRaw(ctx context.Context, raw []byte) error {
	var window []byte
	switch len(raw) {
	case codec.FrameSize - 1:
		window = append(append(make([]byte, 0, codec.FrameSize), raw...), 0)
	case codec.FrameSize:
		if err := codec.Check(raw, e.codec.Checksum); err != nil {
			return err
		}
		window = raw
	default:
		return fmt.Errorf("%w: got %d", ErrRawLength, len(raw))
	}

	f, err := codec.Decode(window)
	if err != nil {
		return err
	}
	return e.SendFrame(ctx, f)
}

// SendFrame injects a frame, rate limited, without correlation.
func (e *Engine) SendFrame(ctx context.Context, f codec.Frame) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	return e.transmit(ctx, f)
}

func (e *Engine) transmit(ctx context.Context, f codec.Frame) error {
	if err := e.mon.Allow(); err != nil {
		return err
	}
	if err := e.arb.Send(ctx, e.codec.Encode(f)); err != nil {
		var cerr *transport.ConnectionError
		if errors.As(err, &cerr) {
			e.mon.ObserveConnectionError(err)
		}
		return err
	}
	e.log.Debug("frame injected", "frame", f)
	return nil
}

// Cancel cancels a submitted command that has not been transmitted yet or
// is waiting to retry.
func (e *Engine) Cancel(id uuid.UUID) bool {
	return e.disp.Cancel(id)
}

// OnStateChange registers a callback for device state changes and returns
// a func that unregisters it. Callbacks run on the reader goroutine and
// must not block.
func (e *Engine) OnStateChange(fn func(state.Change)) func() {
	return e.stateSubs.add(fn)
}

// OnHealthMetric registers a callback for health observations.
func (e *Engine) OnHealthMetric(fn func(health.Event)) func() {
	return e.healthSubs.add(fn)
}

// OnTransition registers a callback for command status changes.
func (e *Engine) OnTransition(fn func(info dispatch.Info, from dispatch.Status)) func() {
	return e.transitionSubs.add(func(t transition) { fn(t.info, t.from) })
}

// OnFrame registers a callback for every frame that passed validation.
func (e *Engine) OnFrame(fn func(codec.Frame)) func() {
	return e.frameSubs.add(fn)
}

// Health returns the current connection health.
func (e *Engine) Health() health.Snapshot { return e.mon.Snapshot() }

// Devices returns every tracked device.
func (e *Engine) Devices() []state.DeviceState { return e.states.All() }

// Device returns one device's state.
func (e *Engine) Device(id payload.DeviceID) (state.DeviceState, bool) { return e.states.Get(id) }

// Pending returns the commands in progress.
func (e *Engine) Pending() []dispatch.Info { return e.disp.Pending() }

// Endpoint names the bus connection.
func (e *Engine) Endpoint() string { return e.endpoint }

func (e *Engine) knownAttributes(id payload.DeviceID) (payload.Attributes, bool) {
	st, ok := e.states.Get(id)
	if !ok || !st.Known {
		return nil, false
	}
	return st.Attributes, true
}

// connect is the health monitor's Connect hook.
func (e *Engine) connect(ctx context.Context) error {
	e.teardown()

	conn, err := e.cfg.Dialer.Dial(ctx)
	if err != nil {
		return err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &session{conn: conn, cancel: cancel, done: make(chan struct{})}

	e.buf.Reset()
	if e.repeats != nil {
		e.repeats.Clear()
	}
	e.mu.Lock()
	e.session = s
	e.mu.Unlock()
	e.arb.SetMedium(conn)

	go e.read(sctx, s)
	e.log.Info("connected", "endpoint", e.endpoint)
	return nil
}

// reset is the health monitor's Reset hook.
func (e *Engine) reset(cause health.Cause) {
	e.log.Warn("resetting connection", "cause", cause)
	e.teardown()
	e.buf.Reset()
}

// teardown closes the current session and waits for its reader to exit.
func (e *Engine) teardown() {
	e.mu.Lock()
	s := e.session
	e.session = nil
	e.mu.Unlock()
	if s == nil {
		return
	}

	e.arb.SetMedium(nil)
	s.cancel()
	if err := s.conn.Close(); err != nil {
		e.log.Debug("close failed", "error", err)
	}
	<-s.done
}

// read feeds the reassembly buffer until the session ends. A read failure
// ends the session, so it always starts a reconnection.
func (e *Engine) read(ctx context.Context, s *session) {
	defer close(s.done)

	chunk := make([]byte, readBufferSize)
	for {
		n, err := s.conn.Read(chunk)
		if n > 0 {
			e.arb.NoteActivity()
			_, _ = e.buf.Write(chunk[:n])
			for candidate := range e.buf.Candidates() {
				if ctx.Err() != nil {
					return
				}
				e.handle(candidate)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.mon.RecordSocketError(transport.NewConnectionError("read", e.endpoint, err))
			e.mon.Degrade(health.CauseSocket)
			return
		}
	}
}

// handle validates one candidate and applies it.
func (e *Engine) handle(raw []byte) {
	if err := codec.Check(raw, e.codec.Checksum); err != nil {
		// Rescan from the next byte; a truncated fragment overrun by the
		// next frame is a framing error, not a corrupted frame.
		truncated := e.buf.Reject()
		var fe *codec.FramingError
		switch {
		case truncated:
			n := bytes.Index(raw[1:], codec.Sentinel[:]) + 1
			e.mon.RecordFramingError(&codec.FramingError{Err: codec.ErrFrameTooShort, Len: n})
		case errors.As(err, &fe):
			e.mon.RecordFramingError(err)
		default:
			e.mon.RecordChecksumFailure(err)
		}
		e.log.Debug("candidate rejected", "raw", hex.EncodeToString(raw), "truncated", truncated, "error", err)
		return
	}
	f, err := codec.Decode(raw)
	if err != nil {
		e.mon.RecordFramingError(err)
		return
	}

	e.mon.RecordFrame()
	repeat := e.repeats != nil && e.repeats.HasSeen(f)
	if repeat {
		e.log.Debug("frame repeated", "frame", f)
	} else {
		e.log.Debug("frame received", "frame", f)
		e.frameSubs.emit(f)
	}
	e.disp.Observe(f)

	if _, err := e.states.Apply(f); err != nil {
		e.mon.RecordDecodeError(err)
		return
	}
	if e.cfg.Snapshot != nil && !repeat && (!f.Src.IsWallpad() || f.Kind() == codec.KindBroadcast) {
		e.cfg.Snapshot.Record(raw, f)
	}
}

// restore replays persisted frames through the same validation as live
// traffic.
func (e *Engine) restore() {
	if e.cfg.Snapshot == nil {
		return
	}
	applied := 0
	for _, raw := range e.cfg.Snapshot.Frames() {
		if err := codec.Check(raw, e.codec.Checksum); err != nil {
			e.log.Warn("skipping invalid snapshot frame", "raw", hex.EncodeToString(raw), "error", err)
			continue
		}
		f, err := codec.Decode(raw)
		if err != nil {
			continue
		}
		if _, err := e.states.Apply(f); err != nil {
			e.log.Warn("skipping undecodable snapshot frame", "frame", f, "error", err)
			continue
		}
		applied++
	}
	e.log.Info("state restored", "frames", applied)
}

// sweep drops stalled fragments even when no new bytes arrive.
func (e *Engine) sweep(ctx context.Context) error {
	ticker := e.clk.NewTicker(e.interByteTimeout())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			e.buf.Expire()
		}
	}
}

func (e *Engine) interByteTimeout() time.Duration {
	if e.cfg.InterByteTimeout > 0 {
		return e.cfg.InterByteTimeout
	}
	return reassembly.DefaultInterByteTimeout
}

func (e *Engine) onDiscard(reason reassembly.DiscardReason, n int) {
	switch reason {
	case reassembly.DiscardStale:
		e.mon.RecordFramingError(&codec.FramingError{Err: codec.ErrFrameTooShort, Len: n})
	case reassembly.DiscardOverflow:
		e.log.Warn("receive buffer overflow", "discarded", n)
	case reassembly.DiscardGarbage:
		e.log.Debug("discarded noise", "bytes", n)
	}
}

func (e *Engine) onExhausted(info dispatch.Info) {
	n := e.states.MarkAddressUnknown(info.Target)
	e.log.Error("command exhausted", "id", info.ID, "target", info.Target,
		"attempts", info.Attempts, "devices_unknown", n)
}
