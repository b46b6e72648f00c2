package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kabili207/wallpad-go/config"
	"github.com/kabili207/wallpad-go/internal/api"
	"github.com/kabili207/wallpad-go/internal/metrics"
	"github.com/kabili207/wallpad-go/transport"
	"github.com/kabili207/wallpad-go/transport/mqtt"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine with the MQTT bridge and HTTP API",
	Long: `Connect to the bus and keep running until interrupted.

Device state is published to MQTT when a broker is configured. When an
HTTP listen address is configured, Prometheus metrics and the status API
are served there. Device state survives restarts when a snapshot file is
configured.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	e, _, err := newEngine(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	m := metrics.NewBusMetrics(reg)
	e.OnHealthMetric(m.ObserveHealth)
	e.OnTransition(m.ObserveTransition)
	e.OnStateChange(m.ObserveChange)
	metrics.RegisterDevices(reg, func() (known, total int) {
		devices := e.Devices()
		for _, d := range devices {
			if d.Known {
				known++
			}
		}
		return known, len(devices)
	})

	g, ctx := errgroup.WithContext(ctx)

	if cfg.MQTT.Broker != "" {
		bridge := newBridge(cfg.MQTT, e, log)
		if err := bridge.Start(ctx); err != nil {
			return err
		}
		defer bridge.Stop()
	}

	if cfg.HTTP.Listen != "" {
		h := api.New(api.Config{
			Engine:      e,
			Metrics:     metrics.Handler(reg),
			MetricsPath: cfg.HTTP.MetricsPath,
			Prefix:      cfg.HTTP.APIPrefix,
			Logger:      log,
		})
		g.Go(func() error {
			return serveHTTP(ctx, cfg.HTTP.Listen, h)
		})
	}

	g.Go(func() error {
		return e.Run(ctx)
	})

	log.Info("wallpad running", "endpoint", e.Endpoint())
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newBridge(cfg config.MQTTConfig, e mqtt.Engine, log *slog.Logger) *mqtt.Bridge {
	bridge := mqtt.New(mqtt.Config{
		Broker:      cfg.Broker,
		Username:    cfg.Username,
		Password:    cfg.Password,
		UseTLS:      strings.HasPrefix(cfg.Broker, "ssl://") || strings.HasPrefix(cfg.Broker, "tls://"),
		ClientID:    cfg.ClientID,
		TopicPrefix: cfg.TopicPrefix,
		QoS:         cfg.QoS,
		Logger:      log,
	}, e)
	bridge.SetStateHandler(func(ev transport.Event) {
		log.Debug("mqtt link", "event", ev)
	})
	return bridge
}

func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
