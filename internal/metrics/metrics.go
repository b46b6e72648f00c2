// Package metrics exports bus health and command outcomes to Prometheus.
package metrics

import (
	"net/http"

	"github.com/kabili207/wallpad-go/device/dispatch"
	"github.com/kabili207/wallpad-go/device/health"
	"github.com/kabili207/wallpad-go/device/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wallpad"

// NewRegistry creates a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// BusMetrics are the engine's collectors.
type BusMetrics struct {
	Frames        *prometheus.CounterVec // labels: result=ok|checksum|framing|decode
	Timeouts      prometheus.Counter
	SocketErrors  prometheus.Counter
	Reconnects    *prometheus.CounterVec // labels: cause
	ConnectFailed prometheus.Counter
	Connected     prometheus.Gauge
	Backoff       prometheus.Gauge
	LastFrame     prometheus.Gauge
	Commands      *prometheus.CounterVec // labels: status=acked|exhausted|canceled
	Retries       prometheus.Counter
	StateChanges  *prometheus.CounterVec // labels: type
}

// NewBusMetrics registers and returns the engine collectors.
func NewBusMetrics(reg prometheus.Registerer) *BusMetrics {
	m := &BusMetrics{
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Received frame candidates by validation result.",
		}, []string{"result"}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_timeouts_total",
			Help:      "Command attempts that saw no correlated response.",
		}),
		SocketErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_errors_total",
			Help:      "Transport read and write failures.",
		}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnection sequences by cause.",
		}, []string{"cause"}),
		ConnectFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Failed dial attempts.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the bus link is up.",
		}),
		Backoff: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconnect_backoff_seconds",
			Help:      "Delay before the next connection attempt.",
		}),
		LastFrame: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_frame_timestamp_seconds",
			Help:      "Unix time of the last validated frame.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Finished command requests by terminal status.",
		}, []string{"status"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_retries_total",
			Help:      "Scheduled command retries.",
		}),
		StateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_changes_total",
			Help:      "Emitted device state changes by device type.",
		}, []string{"type"}),
	}
	reg.MustRegister(m.Frames, m.Timeouts, m.SocketErrors, m.Reconnects, m.ConnectFailed,
		m.Connected, m.Backoff, m.LastFrame, m.Commands, m.Retries, m.StateChanges)
	return m
}

// RegisterDevices adds a gauge of known and total tracked devices computed
// at scrape time.
func RegisterDevices(reg prometheus.Registerer, devices func() (known, total int)) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_known",
			Help:      "Devices with a validated attribute set.",
		}, func() float64 {
			k, _ := devices()
			return float64(k)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_tracked",
			Help:      "Devices ever seen on the bus.",
		}, func() float64 {
			_, t := devices()
			return float64(t)
		}),
	)
}

// ObserveHealth folds one health event into the collectors.
func (m *BusMetrics) ObserveHealth(ev health.Event) {
	switch ev.Kind {
	case health.EventFrame:
		m.Frames.WithLabelValues("ok").Inc()
		if !ev.Health.LastFrameAt.IsZero() {
			m.LastFrame.Set(float64(ev.Health.LastFrameAt.UnixMilli()) / 1000)
		}
	case health.EventChecksumFailure:
		m.Frames.WithLabelValues("checksum").Inc()
	case health.EventFramingError:
		m.Frames.WithLabelValues("framing").Inc()
	case health.EventDecodeError:
		m.Frames.WithLabelValues("decode").Inc()
	case health.EventTimeout:
		m.Timeouts.Inc()
	case health.EventSocketError:
		m.SocketErrors.Inc()
	case health.EventDegraded:
		m.Reconnects.WithLabelValues(ev.Cause.String()).Inc()
		m.Connected.Set(0)
	case health.EventConnectFailed:
		m.ConnectFailed.Inc()
		m.Backoff.Set(ev.Health.Backoff.Seconds())
	case health.EventConnected:
		m.Connected.Set(1)
		m.Backoff.Set(0)
	case health.EventDisconnected:
		m.Connected.Set(0)
	}
}

// ObserveTransition counts retries and terminal command outcomes.
func (m *BusMetrics) ObserveTransition(info dispatch.Info, _ dispatch.Status) {
	switch info.Status {
	case dispatch.StatusRetry:
		m.Retries.Inc()
	case dispatch.StatusAcked, dispatch.StatusExhausted, dispatch.StatusCanceled:
		m.Commands.WithLabelValues(info.Status.String()).Inc()
	}
}

// ObserveChange counts an emitted state change.
func (m *BusMetrics) ObserveChange(c state.Change) {
	m.StateChanges.WithLabelValues(c.Device.Type).Inc()
}
