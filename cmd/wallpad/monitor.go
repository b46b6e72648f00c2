package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/kabili207/wallpad-go/core/codec"
	"github.com/kabili207/wallpad-go/device/health"
	"github.com/kabili207/wallpad-go/device/state"
	"github.com/spf13/cobra"
)

var (
	monitorFrames bool
	monitorHealth bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Print bus traffic and device state changes",
	Long: `Connect to the bus and print every state change as it is decoded.

With --frames every valid frame is printed as well, and with --health
every health observation (checksum failures, timeouts, reconnects).
Press Ctrl+C to exit.`,
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().BoolVarP(&monitorFrames, "frames", "f", false, "Print every valid frame")
	monitorCmd.Flags().BoolVar(&monitorHealth, "health", false, "Print health events")
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, _ []string) error {
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

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Wallpad - Bus Monitor\n")
	fmt.Fprintf(out, "Endpoint: %s\n", e.Endpoint())
	fmt.Fprintf(out, "Press Ctrl+C to exit\n\n")

	e.OnStateChange(func(c state.Change) { printChange(out, c) })
	if monitorFrames {
		e.OnFrame(func(f codec.Frame) { printFrame(out, f) })
	}
	e.OnHealthMetric(func(ev health.Event) {
		switch ev.Kind {
		case health.EventFrame:
			return
		case health.EventConnected, health.EventDisconnected, health.EventDegraded, health.EventConnectFailed:
		default:
			if !monitorHealth {
				return
			}
		}
		printHealth(out, ev)
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := e.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func stamp(t time.Time) string { return t.Format("15:04:05.000") }

func printFrame(w io.Writer, f codec.Frame) {
	fmt.Fprintf(w, "%s [FRAME] %s\n", stamp(time.Now()), f)
}

func printChange(w io.Writer, c state.Change) {
	if !c.Known {
		fmt.Fprintf(w, "%s [STATE] %s unknown\n", stamp(c.Time), c.Device)
		return
	}
	fmt.Fprintf(w, "%s [STATE] %s %s\n", stamp(c.Time), c.Device, formatAttributes(c.Changed))
}

func printHealth(w io.Writer, ev health.Event) {
	line := fmt.Sprintf("%s [%s] %s", stamp(ev.Time), strings.ToUpper(ev.Kind.String()), ev.Health.State)
	if ev.Cause != health.CauseNone {
		line += " cause=" + ev.Cause.String()
	}
	if ev.Err != nil {
		line += " error=" + ev.Err.Error()
	}
	fmt.Fprintln(w, line)
}

// formatAttributes renders attributes as sorted key=value pairs.
func formatAttributes(attrs map[string]any) string {
	parts := make([]string, 0, len(attrs))
	for _, k := range slices.Sorted(maps.Keys(attrs)) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, attrs[k]))
	}
	return strings.Join(parts, " ")
}
