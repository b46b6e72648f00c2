// Package mqtt bridges the engine to a host automation platform over MQTT.
//
// Device state is published retained on "{prefix}/{device-id}/state",
// connection health on "{prefix}/health" and bridge availability on
// "{prefix}/status". Commands are accepted as JSON attribute sets on
// "{prefix}/{device-id}/set" and their outcome is published on
// "{prefix}/{device-id}/result".
//
// Engine callbacks run on the bus reader, so state and health are queued
// and published by a goroutine the Bridge owns. Only the latest payload
// per topic is kept while the broker is slow.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/kabili207/wallpad-go/core/clock"
	"github.com/kabili207/wallpad-go/core/payload"
	"github.com/kabili207/wallpad-go/device/dispatch"
	"github.com/kabili207/wallpad-go/device/health"
	"github.com/kabili207/wallpad-go/device/state"
	"github.com/kabili207/wallpad-go/internal/syncutil"
	"github.com/kabili207/wallpad-go/transport"
)

const (
	// DefaultTopicPrefix is the default topic prefix.
	DefaultTopicPrefix = "wallpad"
	// DefaultCommandTimeout bounds one command submitted from MQTT.
	DefaultCommandTimeout = 10 * time.Second
	// DefaultHealthInterval throttles health publications caused by
	// per-frame observations. Link state changes are always published.
	DefaultHealthInterval = 5 * time.Second

	publishTimeout = 10 * time.Second
	connectTimeout = 30 * time.Second
)

// Engine is the part of the protocol engine the bridge drives.
type Engine interface {
	OnStateChange(fn func(state.Change)) func()
	OnHealthMetric(fn func(health.Event)) func()
	SubmitCommand(ctx context.Context, cmd payload.Command, opts ...dispatch.Option) (dispatch.Result, error)
}

// client is the subset of paho.Client the bridge uses.
type client interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload any) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// Config holds the configuration for a Bridge.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, a random one is generated.
	ClientID string
	// TopicPrefix is the topic prefix (default: "wallpad").
	TopicPrefix string
	// QoS for every publication and subscription.
	QoS byte

	CommandTimeout time.Duration
	HealthInterval time.Duration

	Clock clock.Clock
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// StatePayload is published on a device's state topic.
type StatePayload struct {
	Device     string             `json:"device"`
	Known      bool               `json:"known"`
	Attributes payload.Attributes `json:"attributes"`
	Changed    []string           `json:"changed,omitempty"`
	Time       time.Time          `json:"time"`
}

// HealthPayload is published on the health topic.
type HealthPayload struct {
	State            string    `json:"state"`
	Event            string    `json:"event"`
	Cause            string    `json:"cause,omitempty"`
	ChecksumFailures int       `json:"checksum_failures"`
	SocketErrors     int       `json:"socket_errors"`
	Timeouts         int       `json:"timeouts"`
	BackoffSeconds   float64   `json:"backoff_seconds"`
	Reconnects       uint64    `json:"reconnects"`
	FramesOK         uint64    `json:"frames_ok"`
	ChecksumErrors   uint64    `json:"checksum_errors"`
	FramingErrors    uint64    `json:"framing_errors"`
	DecodeErrors     uint64    `json:"decode_errors"`
	LastFrameAt      time.Time `json:"last_frame_at,omitzero"`
}

// ResultPayload is published on a device's result topic.
type ResultPayload struct {
	ID        string  `json:"id,omitempty"`
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
	Attempts  int     `json:"attempts,omitempty"`
	ElapsedMS float64 `json:"elapsed_ms,omitempty"`
}

// Bridge connects an Engine to an MQTT broker.
type Bridge struct {
	cfg    Config
	engine Engine
	clk    clock.Clock
	log    *slog.Logger

	newClient func(*paho.ClientOptions) client

	mu           syncutil.RWMutex
	client       client
	connected    bool
	ctx          context.Context
	stateHandler func(transport.Event)
	lastHealth   time.Time
	unsubscribe  []func()

	out  *outbox
	stop chan struct{}
	done chan struct{}
}

// New creates a bridge for e.
func New(cfg Config, e Engine) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Bridge{
		cfg:    cfg,
		engine: e,
		clk:    clock.OrReal(cfg.Clock),
		log:    cfg.Logger.WithGroup("mqtt"),
		out:    newOutbox(),
		newClient: func(opts *paho.ClientOptions) client {
			return paho.NewClient(opts)
		},
	}
}

// Start connects to the broker and subscribes to engine events. Commands
// received later run under ctx.
func (b *Bridge) Start(ctx context.Context) error {
	if b.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}

	clientID := b.cfg.ClientID
	if clientID == "" {
		clientID = "wallpad-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetMaxReconnectInterval(2*time.Minute).
		SetKeepAlive(60*time.Second).
		SetPingTimeout(10*time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetWill(b.statusTopic(), "offline", b.cfg.QoS, true).
		SetOnConnectHandler(b.onConnected).
		SetConnectionLostHandler(b.onConnectionLost).
		SetReconnectingHandler(b.onReconnecting)

	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
	}
	if b.cfg.Password != "" {
		opts.SetPassword(b.cfg.Password)
	}
	if b.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	c := b.newClient(opts)
	stop, done := make(chan struct{}), make(chan struct{})
	b.mu.Lock()
	b.client = c
	b.ctx = ctx
	b.stop, b.done = stop, done
	b.mu.Unlock()
	go b.drain(stop, done)

	b.unsubscribe = append(b.unsubscribe,
		b.engine.OnStateChange(b.publishState),
		b.engine.OnHealthMetric(b.publishHealth),
	)

	token := c.Connect()
	var err error
	if !token.WaitTimeout(connectTimeout) {
		err = errors.New("connection timeout")
	} else if token.Error() != nil {
		err = fmt.Errorf("connecting to broker: %w", token.Error())
	}
	if err != nil {
		_ = b.Stop()
	}
	return err
}

// Stop publishes the offline status and disconnects.
func (b *Bridge) Stop() error {
	for _, fn := range b.unsubscribe {
		fn()
	}
	b.unsubscribe = nil

	b.mu.Lock()
	c := b.client
	b.connected = false
	stop, done := b.stop, b.done
	b.stop, b.done = nil, nil
	b.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	if c != nil {
		if c.IsConnected() {
			c.Publish(b.statusTopic(), b.cfg.QoS, true, "offline").WaitTimeout(time.Second)
		}
		c.Disconnect(1000)
	}
	return nil
}

// IsConnected returns true if the bridge is connected to the broker.
func (b *Bridge) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected && b.client != nil && b.client.IsConnected()
}

// SetStateHandler sets the callback for broker connection changes.
func (b *Bridge) SetStateHandler(fn func(transport.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stateHandler = fn
}

func (b *Bridge) topic(parts ...string) string {
	return b.cfg.TopicPrefix + "/" + strings.Join(parts, "/")
}

func (b *Bridge) statusTopic() string { return b.topic("status") }

func (b *Bridge) publish(topic string, retained bool, v any) error {
	b.mu.RLock()
	c := b.client
	b.mu.RUnlock()
	if c == nil || !b.IsConnected() {
		return errors.New("not connected")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", topic, err)
	}
	token := c.Publish(topic, b.cfg.QoS, retained, data)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("timeout publishing to MQTT")
	}
	return token.Error()
}

func (b *Bridge) publishState(c state.Change) {
	msg := StatePayload{
		Device:     c.Device.String(),
		Known:      c.Known,
		Attributes: c.Attributes,
		Changed:    slices.Sorted(maps.Keys(c.Changed)),
		Time:       c.Time,
	}
	b.out.put(b.topic(c.Device.String(), "state"), msg)
}

func (b *Bridge) publishHealth(ev health.Event) {
	switch ev.Kind {
	case health.EventDegraded, health.EventConnectFailed, health.EventConnected, health.EventDisconnected:
	default:
		now := b.clk.Now()
		b.mu.Lock()
		if now.Sub(b.lastHealth) < b.cfg.HealthInterval {
			b.mu.Unlock()
			return
		}
		b.lastHealth = now
		b.mu.Unlock()
	}

	h := ev.Health
	msg := HealthPayload{
		State:            h.State,
		Event:            ev.Kind.String(),
		ChecksumFailures: h.ChecksumFailures,
		SocketErrors:     h.SocketErrors,
		Timeouts:         h.Timeouts,
		BackoffSeconds:   h.Backoff.Seconds(),
		Reconnects:       h.Reconnects,
		FramesOK:         h.FramesOK,
		ChecksumErrors:   h.ChecksumErrors,
		FramingErrors:    h.FramingErrors,
		DecodeErrors:     h.DecodeErrors,
		LastFrameAt:      h.LastFrameAt,
	}
	if ev.Cause != health.CauseNone {
		msg.Cause = ev.Cause.String()
	}
	b.out.put(b.topic("health"), msg)
}

// drain publishes queued retained payloads until stop is closed.
func (b *Bridge) drain(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-b.out.wake:
		}
		for {
			select {
			case <-stop:
				return
			default:
			}
			topic, v, ok := b.out.take()
			if !ok {
				break
			}
			if err := b.publish(topic, true, v); err != nil {
				b.log.Debug("not published", "topic", topic, "error", err)
			}
		}
	}
}

// outbox holds the latest payload per topic, in first-queued order.
// put never blocks.
type outbox struct {
	mu      syncutil.Mutex
	pending map[string]any
	order   []string
	wake    chan struct{}
}

func newOutbox() *outbox {
	return &outbox{
		pending: make(map[string]any),
		wake:    make(chan struct{}, 1),
	}
}

func (o *outbox) put(topic string, v any) {
	o.mu.Lock()
	if _, ok := o.pending[topic]; !ok {
		o.order = append(o.order, topic)
	}
	o.pending[topic] = v
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) take() (string, any, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.order) == 0 {
		return "", nil, false
	}
	topic := o.order[0]
	o.order = o.order[1:]
	v := o.pending[topic]
	delete(o.pending, topic)
	return topic, v, true
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.order)
}

func (b *Bridge) subscribe(c client) {
	topic := b.topic("+", "set")
	c.Subscribe(topic, b.cfg.QoS, b.handleMessage)
	b.log.Debug("subscribed to command topic", "topic", topic)
}

// handleMessage parses "{prefix}/{device-id}/set" and runs the command.
func (b *Bridge) handleMessage(_ paho.Client, message paho.Message) {
	rest, ok := strings.CutPrefix(message.Topic(), b.cfg.TopicPrefix+"/")
	if !ok {
		return
	}
	deviceID, ok := strings.CutSuffix(rest, "/set")
	if !ok {
		return
	}

	id, err := payload.ParseDeviceID(deviceID)
	if err != nil {
		b.log.Debug("ignoring command for bad device id", "topic", message.Topic(), "error", err)
		return
	}

	var set payload.Attributes
	if err := json.Unmarshal(message.Payload(), &set); err != nil {
		b.publishResult(deviceID, ResultPayload{Status: "rejected", Error: err.Error()})
		return
	}

	b.mu.RLock()
	ctx := b.ctx
	b.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}
	go b.run(ctx, payload.Command{Device: id, Set: set})
}

func (b *Bridge) run(ctx context.Context, cmd payload.Command) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.CommandTimeout)
	defer cancel()

	res, err := b.engine.SubmitCommand(ctx, cmd)
	out := ResultPayload{
		Status:    "acked",
		Attempts:  res.Attempts,
		ElapsedMS: float64(res.Elapsed) / float64(time.Millisecond),
	}
	if res.ID != uuid.Nil {
		out.ID = res.ID.String()
	}
	if err != nil {
		out.Status = "failed"
		out.Error = err.Error()
		var exhausted *dispatch.RetriesExhaustedError
		if errors.As(err, &exhausted) {
			out.Attempts = exhausted.Attempts
		}
		if errors.Is(err, payload.ErrUnsupported) || errors.Is(err, payload.ErrInvalidValue) {
			out.Status = "rejected"
		}
		b.log.Warn("command failed", "device", cmd.Device, "error", err)
	}
	b.publishResult(cmd.Device.String(), out)
}

func (b *Bridge) publishResult(deviceID string, res ResultPayload) {
	if err := b.publish(b.topic(deviceID, "result"), false, res); err != nil {
		b.log.Debug("result not published", "device", deviceID, "error", err)
	}
}

func (b *Bridge) onConnected(_ paho.Client) {
	b.mu.Lock()
	b.connected = true
	c := b.client
	handler := b.stateHandler
	b.mu.Unlock()

	if c != nil {
		b.subscribe(c)
		c.Publish(b.statusTopic(), b.cfg.QoS, true, "online")
	}
	b.log.Info("connected to MQTT broker", "broker", b.cfg.Broker)

	if handler != nil {
		handler(transport.EventConnected)
	}
}

func (b *Bridge) onConnectionLost(_ paho.Client, err error) {
	b.mu.Lock()
	b.connected = false
	handler := b.stateHandler
	b.mu.Unlock()

	b.log.Error("MQTT connection lost", "error", err)

	if handler != nil {
		handler(transport.EventDisconnected)
	}
}

func (b *Bridge) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	b.mu.RLock()
	handler := b.stateHandler
	b.mu.RUnlock()

	b.log.Info("reconnecting to MQTT broker")

	if handler != nil {
		handler(transport.EventReconnecting)
	}
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	s := make([]byte, n)
	for i := range s {
		s[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(s)
}
