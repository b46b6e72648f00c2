// Package api serves engine status and commands over HTTP.
//
// Routes, relative to the configured prefix:
//
//	GET    /health                 connection health
//	GET    /devices                all tracked devices
//	GET    /devices/{id}           one device
//	POST   /devices/{id}/command   set attributes, waits for the acknowledgement
//	GET    /commands               commands in flight
//	DELETE /commands/{id}          cancel a command
//	POST   /raw                    inject a raw frame
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/kabili207/wallpad-go/core/payload"
	"github.com/kabili207/wallpad-go/device/dispatch"
	"github.com/kabili207/wallpad-go/device/health"
	"github.com/kabili207/wallpad-go/device/state"
	"github.com/kabili207/wallpad-go/transport"
)

const (
	// DefaultPrefix is the default route prefix.
	DefaultPrefix = "/api"
	// DefaultMetricsPath is where the metrics handler is mounted.
	DefaultMetricsPath = "/metrics"
	// DefaultTimeout bounds one request, including command retries.
	DefaultTimeout = 30 * time.Second

	maxBodySize = 4096
)

// Engine is the part of the protocol engine the API exposes.
type Engine interface {
	Health() health.Snapshot
	Devices() []state.DeviceState
	Device(id payload.DeviceID) (state.DeviceState, bool)
	Pending() []dispatch.Info
	Endpoint() string
	SubmitCommand(ctx context.Context, cmd payload.Command, opts ...dispatch.Option) (dispatch.Result, error)
	SendRaw(ctx context.Context, raw []byte) error
	Cancel(id uuid.UUID) bool
}

// Config configures the HTTP handler.
type Config struct {
	Engine Engine
	// Metrics, if set, is mounted at MetricsPath.
	Metrics     http.Handler
	MetricsPath string
	Prefix      string
	Timeout     time.Duration
	Logger      *slog.Logger
}

// Device is the JSON form of a tracked device.
type Device struct {
	ID         string             `json:"id"`
	Known      bool               `json:"known"`
	Attributes payload.Attributes `json:"attributes"`
	UpdatedAt  time.Time          `json:"updated_at,omitzero"`
}

// Health is the JSON form of the connection health.
type Health struct {
	Endpoint         string    `json:"endpoint"`
	State            string    `json:"state"`
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

// Command is the JSON form of a command in flight.
type Command struct {
	ID         string    `json:"id"`
	Target     string    `json:"target"`
	Status     string    `json:"status"`
	Frame      string    `json:"frame"`
	Attempts   int       `json:"attempts"`
	Retries    int       `json:"retries"`
	MaxRetries int       `json:"max_retries"`
	CreatedAt  time.Time `json:"created_at"`
}

// Result is the JSON form of an acknowledged command.
type Result struct {
	ID        string  `json:"id"`
	Request   string  `json:"request"`
	Response  string  `json:"response,omitempty"`
	Attempts  int     `json:"attempts"`
	ElapsedMS float64 `json:"elapsed_ms"`
}

type rawRequest struct {
	Frame string `json:"frame"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type server struct {
	engine Engine
	log    *slog.Logger
}

// New returns the HTTP handler for cfg.
func New(cfg Config) http.Handler {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = DefaultMetricsPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &server{engine: cfg.Engine, log: cfg.Logger.WithGroup("api")}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if cfg.Metrics != nil {
		r.Handle(cfg.MetricsPath, cfg.Metrics)
	}

	r.Route(cfg.Prefix, func(r chi.Router) {
		r.Use(middleware.NoCache)
		r.Use(middleware.Timeout(cfg.Timeout))
		r.Get("/health", s.handleHealth)
		r.Get("/devices", s.handleDevices)
		r.Get("/devices/{id}", s.handleDevice)
		r.Post("/devices/{id}/command", s.handleCommand)
		r.Get("/commands", s.handleCommands)
		r.Delete("/commands/{id}", s.handleCancel)
		r.Post("/raw", s.handleRaw)
	})
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.engine.Health()
	writeJSON(w, http.StatusOK, Health{
		Endpoint:         s.engine.Endpoint(),
		State:            h.State,
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
	})
}

func toDevice(d state.DeviceState) Device {
	return Device{ID: d.Device.String(), Known: d.Known, Attributes: d.Attributes, UpdatedAt: d.UpdatedAt}
}

func (s *server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.engine.Devices()
	out := make([]Device, 0, len(devices))
	for _, d := range devices {
		out = append(out, toDevice(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleDevice(w http.ResponseWriter, r *http.Request) {
	id, err := payload.ParseDeviceID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	d, ok := s.engine.Device(id)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown device"))
		return
	}
	writeJSON(w, http.StatusOK, toDevice(d))
}

func (s *server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id, err := payload.ParseDeviceID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var set payload.Attributes
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&set); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.engine.SubmitCommand(r.Context(), payload.Command{Device: id, Set: set})
	if err != nil {
		s.log.Warn("command failed", "device", id, "error", err)
		writeError(w, statusFor(err), err)
		return
	}
	out := Result{
		ID:        res.ID.String(),
		Request:   res.Request.String(),
		Attempts:  res.Attempts,
		ElapsedMS: float64(res.Elapsed) / float64(time.Millisecond),
	}
	if res.Response.Type != 0 {
		out.Response = res.Response.String()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleCommands(w http.ResponseWriter, _ *http.Request) {
	pending := s.engine.Pending()
	out := make([]Command, 0, len(pending))
	for _, info := range pending {
		out = append(out, Command{
			ID:         info.ID.String(),
			Target:     info.Target.String(),
			Status:     info.Status.String(),
			Frame:      info.Frame.String(),
			Attempts:   info.Attempts,
			Retries:    info.Retries,
			MaxRetries: info.MaxRetries,
			CreatedAt:  info.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !s.engine.Cancel(id) {
		writeError(w, http.StatusConflict, errors.New("command is not cancelable"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRaw(w http.ResponseWriter, r *http.Request) {
	var req rawRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	raw, err := decodeHex(req.Frame)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.SendRaw(r.Context(), raw); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var exhausted *dispatch.RetriesExhaustedError
	switch {
	case errors.Is(err, payload.ErrUnsupported), errors.Is(err, payload.ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, transport.ErrConnection):
		return http.StatusServiceUnavailable
	case errors.As(err, &exhausted), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, dispatch.ErrCanceled), errors.Is(err, context.Canceled):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// decodeHex accepts hex with optional spaces or colons.
func decodeHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "").Replace(strings.TrimSpace(s))
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("frame: %w", err)
	}
	return b, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
