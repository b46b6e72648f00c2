// Package health tracks link health and drives self-healing reconnection.
//
// The Monitor counts consecutive checksum failures, socket errors and
// command timeouts. When a run reaches its threshold while the link is up,
// the link moves to reconnecting: new commands are rejected, the Reset hook
// clears receive state and the Connect hook is retried with exponential
// backoff until it succeeds. Only one reconnection sequence runs at a time.
package health

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kabili207/wallpad-go/core/backoff"
	"github.com/kabili207/wallpad-go/core/clock"
	"github.com/kabili207/wallpad-go/internal/syncutil"
	"github.com/kabili207/wallpad-go/transport"
	"github.com/looplab/fsm"
)

// Link states.
const (
	StateDisconnected = "disconnected"
	StateConnected    = "connected"
	StateReconnecting = "reconnecting"
)

const (
	eventConnect    = "connect"
	eventDegrade    = "degrade"
	eventRecover    = "recover"
	eventDisconnect = "disconnect"
)

const (
	DefaultChecksumFailureThreshold = 4
	DefaultSocketErrorThreshold     = 1
	DefaultReconnectBase            = time.Second
	DefaultReconnectCap             = 30 * time.Second
)

// ErrReconnecting is wrapped in the ConnectionError returned by Allow while
// a reconnection sequence runs.
var ErrReconnecting = errors.New("reconnecting")

// Config configures a Monitor.
type Config struct {
	// Connect establishes the link. Required. It is retried with backoff
	// until it succeeds or the Run context ends.
	Connect func(ctx context.Context) error
	// Reset tears down the current link and clears receive state before a
	// reconnection. May be nil.
	Reset func(cause Cause)

	// Thresholds for consecutive failures. Zero disables a trigger.
	ChecksumFailureThreshold int
	SocketErrorThreshold     int
	TimeoutThreshold         int

	ReconnectBase time.Duration
	ReconnectCap  time.Duration

	// OnEvent, if set, receives every observation. It is called outside
	// the monitor lock and must not block.
	OnEvent func(Event)

	// Endpoint names the link in errors.
	Endpoint string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Monitor owns the connection health state.
type Monitor struct {
	cfg    Config
	clk    clock.Clock
	log    *slog.Logger
	policy backoff.Policy
	link   *fsm.FSM

	mu      syncutil.Mutex
	health  Snapshot
	trigger chan Cause
}

// New creates a Monitor. Negative thresholds are replaced by defaults.
func New(cfg Config) *Monitor {
	if cfg.ChecksumFailureThreshold < 0 {
		cfg.ChecksumFailureThreshold = DefaultChecksumFailureThreshold
	}
	if cfg.SocketErrorThreshold < 0 {
		cfg.SocketErrorThreshold = DefaultSocketErrorThreshold
	}
	if cfg.TimeoutThreshold < 0 {
		cfg.TimeoutThreshold = 0
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = DefaultReconnectBase
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = DefaultReconnectCap
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Monitor{
		cfg:     cfg,
		clk:     clock.OrReal(cfg.Clock),
		log:     cfg.Logger.WithGroup("health"),
		policy:  backoff.Policy{Base: cfg.ReconnectBase, Cap: cfg.ReconnectCap},
		trigger: make(chan Cause, 1),
	}
	m.link = fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: eventConnect, Src: []string{StateDisconnected}, Dst: StateConnected},
			{Name: eventDegrade, Src: []string{StateConnected}, Dst: StateReconnecting},
			{Name: eventRecover, Src: []string{StateReconnecting}, Dst: StateConnected},
			{Name: eventDisconnect, Src: []string{StateConnected, StateReconnecting}, Dst: StateDisconnected},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.log.Info("link state changed", "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)
	m.health.State = StateDisconnected
	return m
}

// State returns the current link state.
func (m *Monitor) State() string {
	return m.link.Current()
}

// Snapshot returns a copy of the health counters.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// Allow returns nil while the link is up, and a *transport.ConnectionError
// otherwise.
func (m *Monitor) Allow() error {
	switch m.link.Current() {
	case StateConnected:
		return nil
	case StateReconnecting:
		return transport.NewConnectionError("send", m.cfg.Endpoint, ErrReconnecting)
	default:
		return transport.NewConnectionError("send", m.cfg.Endpoint, transport.ErrNotConnected)
	}
}

// RecordFrame notes a frame that passed checksum and decode.
func (m *Monitor) RecordFrame() {
	m.mu.Lock()
	m.health.ChecksumFailures = 0
	m.health.SocketErrors = 0
	m.health.FramesOK++
	m.health.LastFrameAt = m.clk.Now()
	ev := m.eventLocked(EventFrame, CauseNone, nil)
	m.mu.Unlock()
	m.emit(ev)
}

// RecordChecksumFailure notes a candidate that failed its integrity check.
func (m *Monitor) RecordChecksumFailure(err error) {
	m.mu.Lock()
	m.health.ChecksumFailures++
	m.health.ChecksumErrors++
	run := m.health.ChecksumFailures
	ev := m.eventLocked(EventChecksumFailure, CauseNone, err)
	m.mu.Unlock()
	m.emit(ev)
	m.log.Debug("checksum failure", "consecutive", run, "error", err)

	m.checkThreshold(run, m.cfg.ChecksumFailureThreshold, CauseChecksum)
}

// RecordFramingError notes a malformed candidate. Framing errors are counted
// but never trigger a reconnection.
func (m *Monitor) RecordFramingError(err error) {
	m.mu.Lock()
	m.health.FramingErrors++
	ev := m.eventLocked(EventFramingError, CauseNone, err)
	m.mu.Unlock()
	m.emit(ev)
}

// RecordDecodeError notes a frame that passed its checksum but was
// quarantined by its decoder. The link itself is healthy, so this never
// triggers a reconnection.
func (m *Monitor) RecordDecodeError(err error) {
	m.mu.Lock()
	m.health.DecodeErrors++
	ev := m.eventLocked(EventDecodeError, CauseNone, err)
	m.mu.Unlock()
	m.emit(ev)
}

// RecordSocketError notes a transport failure.
func (m *Monitor) RecordSocketError(err error) {
	m.mu.Lock()
	m.health.SocketErrors++
	m.health.SocketTotal++
	run := m.health.SocketErrors
	ev := m.eventLocked(EventSocketError, CauseNone, err)
	m.mu.Unlock()
	m.emit(ev)
	m.log.Warn("socket error", "consecutive", run, "error", err)

	m.checkThreshold(run, m.cfg.SocketErrorThreshold, CauseSocket)
}

// ObserveTimeout records a command attempt that timed out.
func (m *Monitor) ObserveTimeout() {
	m.mu.Lock()
	m.health.Timeouts++
	m.health.TimeoutsTotal++
	run := m.health.Timeouts
	ev := m.eventLocked(EventTimeout, CauseNone, nil)
	m.mu.Unlock()
	m.emit(ev)

	m.checkThreshold(run, m.cfg.TimeoutThreshold, CauseTimeout)
}

// ObserveConnectionError records a failed transmission.
func (m *Monitor) ObserveConnectionError(err error) {
	m.RecordSocketError(err)
}

// ObserveResponse records a command that got its response.
func (m *Monitor) ObserveResponse() {
	m.mu.Lock()
	m.health.Timeouts = 0
	m.mu.Unlock()
}

// Degrade starts a reconnection sequence unless one is already running.
// Returns true if this call started it.
func (m *Monitor) Degrade(cause Cause) bool {
	m.mu.Lock()
	if !m.link.Can(eventDegrade) {
		m.mu.Unlock()
		return false
	}
	if err := m.link.Event(context.Background(), eventDegrade); err != nil {
		m.mu.Unlock()
		m.log.Error("degrade transition failed", "error", err)
		return false
	}
	m.health.State = StateReconnecting
	ev := m.eventLocked(EventDegraded, cause, nil)
	m.mu.Unlock()

	m.log.Warn("link degraded, reconnecting", "cause", cause)
	m.emit(ev)

	select {
	case m.trigger <- cause:
	default:
	}
	return true
}

func (m *Monitor) checkThreshold(run, threshold int, cause Cause) {
	if threshold > 0 && run >= threshold {
		m.Degrade(cause)
	}
}

// Run connects and then supervises the link until ctx ends. It returns
// ctx.Err().
func (m *Monitor) Run(ctx context.Context) error {
	defer m.shutdown()

	if err := m.connect(ctx, eventConnect); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cause := <-m.trigger:
			if m.cfg.Reset != nil {
				m.cfg.Reset(cause)
			}
			if err := m.connect(ctx, eventRecover); err != nil {
				return err
			}
		}
	}
}

// connect calls the Connect hook until it succeeds, then fires event.
func (m *Monitor) connect(ctx context.Context, event string) error {
	for attempt := 1; ; attempt++ {
		m.emitNow(EventConnectAttempt, nil)

		err := m.cfg.Connect(ctx)
		if err == nil {
			m.up(event)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := m.policy.Delay(attempt)
		m.mu.Lock()
		m.health.Backoff = delay
		ev := m.eventLocked(EventConnectFailed, CauseNone, err)
		m.mu.Unlock()
		m.emit(ev)
		m.log.Warn("connect failed", "attempt", attempt, "retry_in", delay, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clk.After(delay):
		}
	}
}

func (m *Monitor) up(event string) {
	m.mu.Lock()
	if err := m.link.Event(context.Background(), event); err != nil {
		m.log.Error("connect transition failed", "event", event, "error", err)
	}
	if event == eventRecover {
		m.health.Reconnects++
	}
	m.health.State = m.link.Current()
	m.health.ChecksumFailures = 0
	m.health.SocketErrors = 0
	m.health.Timeouts = 0
	m.health.Backoff = 0
	ev := m.eventLocked(EventConnected, CauseNone, nil)
	m.mu.Unlock()
	m.emit(ev)
}

func (m *Monitor) shutdown() {
	m.mu.Lock()
	if m.link.Can(eventDisconnect) {
		_ = m.link.Event(context.Background(), eventDisconnect)
	}
	m.health.State = m.link.Current()
	ev := m.eventLocked(EventDisconnected, CauseNone, nil)
	m.mu.Unlock()
	m.emit(ev)
}

func (m *Monitor) eventLocked(kind EventKind, cause Cause, err error) Event {
	return Event{
		Kind:   kind,
		Cause:  cause,
		Err:    err,
		Time:   m.clk.Now(),
		Health: m.health,
	}
}

func (m *Monitor) emitNow(kind EventKind, err error) {
	m.mu.Lock()
	ev := m.eventLocked(kind, CauseNone, err)
	m.mu.Unlock()
	m.emit(ev)
}

func (m *Monitor) emit(ev Event) {
	if m.cfg.OnEvent != nil {
		m.cfg.OnEvent(ev)
	}
}
