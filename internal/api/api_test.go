package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kabili207/wallpad-go/core/codec"
	"github.com/kabili207/wallpad-go/core/payload"
	"github.com/kabili207/wallpad-go/device/dispatch"
	"github.com/kabili207/wallpad-go/device/health"
	"github.com/kabili207/wallpad-go/device/state"
	"github.com/kabili207/wallpad-go/transport"
)

var (
	light     = payload.DeviceID{Type: "light", Room: 1, Index: 1}
	pendingID = uuid.MustParse("6f1c8a2e-4b1d-4c55-9a3e-2f0d7c9b1a10")
)

type fakeEngine struct {
	mu       sync.Mutex
	commands []payload.Command
	raw      [][]byte
	canceled []uuid.UUID
	err      error
}

func (e *fakeEngine) Health() health.Snapshot {
	return health.Snapshot{State: "connected", FramesOK: 12, Reconnects: 1}
}

func (e *fakeEngine) Devices() []state.DeviceState {
	return []state.DeviceState{
		{Device: light, Known: true, Attributes: payload.Attributes{"on": true}},
		{Device: payload.DeviceID{Type: "gas", Room: 1}, Known: false},
	}
}

func (e *fakeEngine) Device(id payload.DeviceID) (state.DeviceState, bool) {
	for _, d := range e.Devices() {
		if d.Device == id {
			return d, true
		}
	}
	return state.DeviceState{}, false
}

func (e *fakeEngine) Pending() []dispatch.Info {
	return []dispatch.Info{{ID: pendingID, Target: codec.Address{0x0E, 0x01}, Status: dispatch.StatusRetry, Attempts: 2, MaxRetries: 3}}
}

func (e *fakeEngine) Endpoint() string { return "tcp://bus:8899" }

func (e *fakeEngine) SubmitCommand(_ context.Context, cmd payload.Command, _ ...dispatch.Option) (dispatch.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands = append(e.commands, cmd)
	if e.err != nil {
		return dispatch.Result{}, e.err
	}
	return dispatch.Result{
		ID:       pendingID,
		Request:  codec.Frame{Type: 0xBC, Dest: codec.Address{0x0E, 0x01}, Src: codec.Wallpad},
		Response: codec.Frame{Type: 0xDC, Dest: codec.Wallpad, Src: codec.Address{0x0E, 0x01}},
		Attempts: 1,
		Elapsed:  30 * time.Millisecond,
	}, nil
}

func (e *fakeEngine) SendRaw(_ context.Context, raw []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.raw = append(e.raw, raw)
	return e.err
}

func (e *fakeEngine) Cancel(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.canceled = append(e.canceled, id)
	return id == pendingID
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	h := New(Config{Engine: &fakeEngine{}})
	rec := do(t, h, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[Health](t, rec)
	if got.State != "connected" || got.FramesOK != 12 || got.Endpoint != "tcp://bus:8899" {
		t.Errorf("health = %+v", got)
	}
	if rec.Header().Get("Cache-Control") == "" {
		t.Error("expected no-cache headers")
	}
}

func TestDevices(t *testing.T) {
	h := New(Config{Engine: &fakeEngine{}})

	devices := decode[[]Device](t, do(t, h, http.MethodGet, "/api/devices", ""))
	if len(devices) != 2 || devices[0].ID != "light_1_1" || !devices[0].Known {
		t.Errorf("devices = %+v", devices)
	}

	rec := do(t, h, http.MethodGet, "/api/devices/light_1_1", "")
	if d := decode[Device](t, rec); rec.Code != http.StatusOK || d.Attributes["on"] != true {
		t.Errorf("device = %d %+v", rec.Code, d)
	}

	if rec := do(t, h, http.MethodGet, "/api/devices/light_9_9", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown device status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/devices/bogus", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d", rec.Code)
	}
}

func TestCommand(t *testing.T) {
	e := &fakeEngine{}
	h := New(Config{Engine: e})

	rec := do(t, h, http.MethodPost, "/api/devices/light_1_1/command", `{"on":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	res := decode[Result](t, rec)
	if res.ID != pendingID.String() || res.Attempts != 1 || res.Response == "" {
		t.Errorf("result = %+v", res)
	}
	if len(e.commands) != 1 || e.commands[0].Device != light || e.commands[0].Set["on"] != false {
		t.Errorf("commands = %+v", e.commands)
	}

	if rec := do(t, h, http.MethodPost, "/api/devices/light_1_1/command", `{on`); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", rec.Code)
	}
}

func TestCommand_ErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unsupported", payload.ErrUnsupported, http.StatusBadRequest},
		{"invalid", payload.ErrInvalidValue, http.StatusBadRequest},
		{"queue full", dispatch.ErrQueueFull, http.StatusTooManyRequests},
		{"reconnecting", transport.NewConnectionError("send", "tcp://bus", errors.New("reconnecting")), http.StatusServiceUnavailable},
		{"exhausted", &dispatch.RetriesExhaustedError{Attempts: 4, Last: dispatch.ErrCommandTimeout}, http.StatusGatewayTimeout},
		{"canceled", dispatch.ErrCanceled, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(Config{Engine: &fakeEngine{err: tt.err}})
			rec := do(t, h, http.MethodPost, "/api/devices/light_1_1/command", `{"on":true}`)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if decode[errorResponse](t, rec).Error == "" {
				t.Error("expected error message")
			}
		})
	}
}

func TestCommandsAndCancel(t *testing.T) {
	e := &fakeEngine{}
	h := New(Config{Engine: e})

	cmds := decode[[]Command](t, do(t, h, http.MethodGet, "/api/commands", ""))
	if len(cmds) != 1 || cmds[0].Status != dispatch.StatusRetry.String() || cmds[0].Target != (codec.Address{0x0E, 0x01}).String() {
		t.Errorf("commands = %+v", cmds)
	}

	if rec := do(t, h, http.MethodDelete, "/api/commands/"+pendingID.String(), ""); rec.Code != http.StatusNoContent {
		t.Errorf("cancel status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/commands/"+uuid.NewString(), ""); rec.Code != http.StatusConflict {
		t.Errorf("cancel unknown status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/commands/not-a-uuid", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("cancel bad id status = %d", rec.Code)
	}
}

func TestRaw(t *testing.T) {
	e := &fakeEngine{}
	h := New(Config{Engine: e, Prefix: "/v1"})

	rec := do(t, h, http.MethodPost, "/v1/raw", `{"frame":"aa 55 30 bc"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	if len(e.raw) != 1 || len(e.raw[0]) != 4 || e.raw[0][0] != 0xAA {
		t.Errorf("raw = %x", e.raw)
	}

	if rec := do(t, h, http.MethodPost, "/v1/raw", `{"frame":"zz"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad hex status = %d", rec.Code)
	}
}

func TestMetricsMounted(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("wallpad_frames_total 1\n"))
	})
	h := New(Config{Engine: &fakeEngine{}, Metrics: metrics})

	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "wallpad_frames_total") {
		t.Errorf("metrics = %d %q", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodGet, "/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d", rec.Code)
	}
}
