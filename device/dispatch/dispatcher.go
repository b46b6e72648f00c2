// Package dispatch delivers outbound commands with correlation, timeouts and
// bounded retries.
//
// Each command request runs its own lifecycle (see Status): it is
// transmitted through a Sender, then waits for a correlated response frame
// or a timeout. Failed attempts are retried after an exponentially growing
// delay until the retry bound is reached. The Sender is only held for the
// physical write; the response wait happens outside it, so a slow device
// never blocks other transmissions.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kabili207/wallpad-go/core/backoff"
	"github.com/kabili207/wallpad-go/core/clock"
	"github.com/kabili207/wallpad-go/core/codec"
	"github.com/kabili207/wallpad-go/internal/syncutil"
	"github.com/kabili207/wallpad-go/transport"
)

const (
	// DefaultResponseTimeout is how long an attempt waits for its response.
	DefaultResponseTimeout = time.Second
	// DefaultMaxRetries is the number of retries after the first attempt
	// (total attempts = 1 + MaxRetries).
	DefaultMaxRetries = 3
	// DefaultBackoffBase is the delay before the first retry.
	DefaultBackoffBase = 150 * time.Millisecond
	// DefaultBackoffCap bounds the retry delay.
	DefaultBackoffCap = 2 * time.Second
	// DefaultMaxPending bounds the number of active requests.
	DefaultMaxPending = 64
)

// Sender transmits raw frame bytes on the bus.
type Sender interface {
	Send(ctx context.Context, b []byte) error
}

// Gate admits or rejects transmissions. It returns a *transport.ConnectionError
// while the link is down.
type Gate interface {
	Allow() error
}

// Observer receives dispatch outcomes that matter for link health.
type Observer interface {
	ObserveTimeout()
	ObserveConnectionError(err error)
	ObserveResponse()
}

// Config configures a Dispatcher.
type Config struct {
	// Sender carries transmissions. Required.
	Sender Sender
	// Codec encodes request frames. The zero value uses the mod-256 sum.
	Codec codec.Codec
	// Correlator matches responses to requests. Defaults to DeviceCommand.
	Correlator codec.Correlator
	// Gate, if set, is consulted before every attempt.
	Gate Gate
	// Observer, if set, is told about timeouts, connection errors and
	// responses.
	Observer Observer

	ResponseTimeout time.Duration
	// MaxRetries is the retry bound. Negative means DefaultMaxRetries;
	// zero disables retries.
	MaxRetries int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxPending  int

	// OnTransition, if set, is called after every status change, outside
	// the dispatcher lock.
	OnTransition func(info Info, from Status)
	// OnExhausted, if set, is called when a request reaches Exhausted.
	OnExhausted func(info Info)

	Clock  clock.Clock
	Logger *slog.Logger
}

// Option adjusts a single request.
type Option func(*Request)

// WithMaxRetries overrides the retry bound for one request.
func WithMaxRetries(n int) Option {
	return func(r *Request) {
		if n >= 0 {
			r.maxRetries = n
		}
	}
}

// WithID sets the request ID instead of generating one.
func WithID(id uuid.UUID) Option {
	return func(r *Request) { r.id = id }
}

// Info is a point-in-time view of a request.
type Info struct {
	ID         uuid.UUID
	Target     codec.Address
	Key        codec.Key
	Frame      codec.Frame
	Status     Status
	Retries    int
	MaxRetries int
	Attempts   int
	Backoff    time.Duration
	CreatedAt  time.Time
}

// Result is the outcome of an acknowledged request.
type Result struct {
	ID       uuid.UUID
	Request  codec.Frame
	Response codec.Frame
	Attempts int
	Elapsed  time.Duration
}

// Request is a command owned by the dispatcher until it reaches a terminal
// status.
type Request struct {
	id         uuid.UUID
	frame      codec.Frame
	key        codec.Key
	createdAt  time.Time
	maxRetries int

	// guarded by Dispatcher.mu
	status   Status
	retries  int
	attempts int
	backoff  time.Duration
	waiting  bool
	canceled bool

	ctx    context.Context
	cancel context.CancelFunc
	resp   chan codec.Frame
	done   chan struct{}
	result Result
	err    error
}

// ID returns the request identifier.
func (r *Request) ID() uuid.UUID { return r.id }

// Done is closed when the request reaches a terminal status.
func (r *Request) Done() <-chan struct{} { return r.done }

// Wait blocks until the request finishes or ctx is done.
func (r *Request) Wait(ctx context.Context) (Result, error) {
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Dispatcher runs command requests.
type Dispatcher struct {
	cfg    Config
	clk    clock.Clock
	log    *slog.Logger
	policy backoff.Policy
	corr   codec.Correlator

	mu       syncutil.Mutex
	requests map[uuid.UUID]*Request
	waiting  map[codec.Key][]*Request
	seq      uint8
	closed   bool
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.Correlator == nil {
		cfg.Correlator = codec.DeviceCommand{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		clk:      clock.OrReal(cfg.Clock),
		log:      cfg.Logger.WithGroup("dispatch"),
		policy:   backoff.Policy{Base: cfg.BackoffBase, Cap: cfg.BackoffCap},
		corr:     cfg.Correlator,
		requests: make(map[uuid.UUID]*Request),
		waiting:  make(map[codec.Key][]*Request),
	}
}

// Submit sends f and blocks until it is acknowledged or definitively fails.
// Only a *RetriesExhaustedError, a *transport.ConnectionError, ErrCanceled
// or a context error are returned.
func (d *Dispatcher) Submit(ctx context.Context, f codec.Frame, opts ...Option) (Result, error) {
	r, err := d.Start(ctx, f, opts...)
	if err != nil {
		return Result{}, err
	}
	return r.Wait(ctx)
}

// Start registers a request and runs it in the background. It fails
// immediately with a *transport.ConnectionError when the gate is closed,
// rather than queueing behind an outage.
func (d *Dispatcher) Start(ctx context.Context, f codec.Frame, opts ...Option) (*Request, error) {
	if d.cfg.Gate != nil {
		if err := d.cfg.Gate.Allow(); err != nil {
			return nil, err
		}
	}

	r := &Request{
		frame:      f,
		createdAt:  d.clk.Now(),
		maxRetries: d.cfg.MaxRetries,
		status:     StatusPending,
		resp:       make(chan codec.Frame, 1),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.id == uuid.Nil {
		r.id = uuid.New()
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	if len(d.requests) >= d.cfg.MaxPending {
		d.mu.Unlock()
		return nil, ErrQueueFull
	}
	if _, ok := d.corr.(codec.Sequence); ok {
		d.seq = (d.seq + 1) & 0x0F
		r.frame = r.frame.WithSeq(d.seq)
	}
	r.key = d.corr.RequestKey(r.frame)
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	d.requests[r.id] = r
	d.mu.Unlock()

	// The caller's cancellation cancels the request before its next attempt.
	stop := context.AfterFunc(ctx, func() { d.Cancel(r.id) })

	d.log.Debug("command accepted", "id", r.id, "key", r.key, "max_retries", r.maxRetries)
	go func() {
		defer stop()
		d.run(r)
	}()
	return r, nil
}

// Cancel cancels a request that is pending or waiting out a retry delay.
// An attempt already in flight runs to completion first, and if it is
// acknowledged the request still succeeds. Returns false if the request is
// unknown or already finished.
func (d *Dispatcher) Cancel(id uuid.UUID) bool {
	d.mu.Lock()
	r, ok := d.requests[id]
	if !ok || r.canceled || r.status.Terminal() {
		d.mu.Unlock()
		return false
	}
	r.canceled = true
	d.mu.Unlock()

	r.cancel()
	return true
}

// Observe offers an inbound frame to the requests awaiting a response.
// Returns true if it resolved one.
func (d *Dispatcher) Observe(f codec.Frame) bool {
	key, ok := d.corr.ResponseKey(f)
	if !ok {
		return false
	}

	d.mu.Lock()
	queue := d.waiting[key]
	if len(queue) == 0 {
		d.mu.Unlock()
		return false
	}
	r := queue[0]
	d.unwaitLocked(r)
	d.mu.Unlock()

	select {
	case r.resp <- f:
	default:
	}
	return true
}

// Pending returns a snapshot of all active requests.
func (d *Dispatcher) Pending() []Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Info, 0, len(d.requests))
	for _, r := range d.requests {
		out = append(out, r.infoLocked())
	}
	return out
}

// PendingCount returns the number of active requests.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

// Close rejects new requests and cancels those not in flight.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	ids := make([]uuid.UUID, 0, len(d.requests))
	for id := range d.requests {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		d.Cancel(id)
	}
}

func (r *Request) infoLocked() Info {
	return Info{
		ID:         r.id,
		Target:     r.frame.Dest,
		Key:        r.key,
		Frame:      r.frame,
		Status:     r.status,
		Retries:    r.retries,
		MaxRetries: r.maxRetries,
		Attempts:   r.attempts,
		Backoff:    r.backoff,
		CreatedAt:  r.createdAt,
	}
}

// transition moves r to next. It panics on a move the lifecycle does not
// allow; that is a dispatcher bug, never an input error.
func (d *Dispatcher) transition(r *Request, next Status) {
	d.mu.Lock()
	from := r.status
	if !from.CanTransition(next) {
		d.mu.Unlock()
		panic("dispatch: invalid transition " + from.String() + " -> " + next.String())
	}
	r.status = next
	info := r.infoLocked()
	d.mu.Unlock()

	d.log.Debug("command transition", "id", r.id, "from", from, "to", next, "retries", info.Retries)
	if d.cfg.OnTransition != nil {
		d.cfg.OnTransition(info, from)
	}
}

func (d *Dispatcher) run(r *Request) {
	encoded := d.cfg.Codec.Encode(r.frame)
	var lastErr error

	for {
		d.mu.Lock()
		canceled := r.canceled
		d.mu.Unlock()
		if canceled {
			d.transition(r, StatusCanceled)
			d.finish(r, Result{}, ErrCanceled)
			return
		}

		d.transition(r, StatusInFlight)
		resp, err := d.attempt(r, encoded)
		if err == nil {
			d.transition(r, StatusAcked)
			d.finish(r, Result{
				ID:       r.id,
				Request:  r.frame,
				Response: resp,
				Attempts: r.attempts,
				Elapsed:  d.clk.Since(r.createdAt),
			}, nil)
			return
		}
		lastErr = err

		d.mu.Lock()
		canceled = r.canceled
		exhausted := !canceled && r.retries >= r.maxRetries
		if !canceled && !exhausted {
			r.retries++
			r.backoff = d.policy.Delay(r.retries)
		}
		delay := r.backoff
		d.mu.Unlock()

		if exhausted {
			d.transition(r, StatusExhausted)
			exErr := &RetriesExhaustedError{
				ID:       r.id,
				Target:   r.frame.Dest,
				Attempts: r.attempts,
				Last:     lastErr,
			}
			d.log.Error("command failed", "id", r.id, "key", r.key, "attempts", r.attempts, "error", lastErr)
			if d.cfg.OnExhausted != nil {
				d.mu.Lock()
				info := r.infoLocked()
				d.mu.Unlock()
				d.cfg.OnExhausted(info)
			}
			d.finish(r, Result{}, exErr)
			return
		}

		d.transition(r, StatusRetry)
		if canceled {
			continue
		}
		d.log.Debug("retrying command", "id", r.id, "retry", r.retries, "delay", delay, "error", err)

		select {
		case <-d.clk.After(delay):
		case <-r.ctx.Done():
		}
	}
}

// attempt performs one transmission and waits for its response.
func (d *Dispatcher) attempt(r *Request, encoded []byte) (codec.Frame, error) {
	if d.cfg.Gate != nil {
		if err := d.cfg.Gate.Allow(); err != nil {
			return codec.Frame{}, err
		}
	}

	// Register before transmitting so a fast response is not missed.
	d.mu.Lock()
	d.waiting[r.key] = append(d.waiting[r.key], r)
	r.waiting = true
	d.mu.Unlock()

	err := d.cfg.Sender.Send(r.ctx, encoded)
	if err != nil {
		d.mu.Lock()
		d.unwaitLocked(r)
		d.mu.Unlock()

		var ce *transport.ConnectionError
		if errors.As(err, &ce) {
			d.mu.Lock()
			r.attempts++
			d.mu.Unlock()
			if d.cfg.Observer != nil {
				d.cfg.Observer.ObserveConnectionError(err)
			}
		}
		return codec.Frame{}, err
	}

	d.mu.Lock()
	r.attempts++
	attempt := r.attempts
	d.mu.Unlock()

	select {
	case resp := <-r.resp:
		if d.cfg.Observer != nil {
			d.cfg.Observer.ObserveResponse()
		}
		return resp, nil
	case <-d.clk.After(d.cfg.ResponseTimeout):
	}

	d.mu.Lock()
	d.unwaitLocked(r)
	d.mu.Unlock()

	// The response may have raced the timer.
	select {
	case resp := <-r.resp:
		if d.cfg.Observer != nil {
			d.cfg.Observer.ObserveResponse()
		}
		return resp, nil
	default:
	}

	if d.cfg.Observer != nil {
		d.cfg.Observer.ObserveTimeout()
	}
	return codec.Frame{}, &CommandTimeoutError{
		ID:      r.id,
		Key:     r.key,
		Attempt: attempt,
		Timeout: d.cfg.ResponseTimeout,
	}
}

func (d *Dispatcher) unwaitLocked(r *Request) {
	if !r.waiting {
		return
	}
	r.waiting = false
	queue := d.waiting[r.key]
	for i, w := range queue {
		if w == r {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(d.waiting, r.key)
	} else {
		d.waiting[r.key] = queue
	}
}

func (d *Dispatcher) finish(r *Request, res Result, err error) {
	d.mu.Lock()
	delete(d.requests, r.id)
	d.unwaitLocked(r)
	d.mu.Unlock()

	r.cancel()
	r.result = res
	r.err = err
	close(r.done)
}
