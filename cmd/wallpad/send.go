package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kabili207/wallpad-go/core/codec"
	"github.com/kabili207/wallpad-go/core/payload"
	"github.com/kabili207/wallpad-go/engine"
	"github.com/spf13/cobra"
)

var connectTimeout time.Duration

var sendCmd = &cobra.Command{
	Use:   "send <hex>",
	Short: "Inject one raw frame onto the bus",
	Long: `Send a raw frame. Give either the 20 bytes before the checksum, in
which case the checksum is appended, or a complete 21-byte frame whose
checksum must already be valid.

Example:
  wallpad send aa5530bc000e01010000ff000000000000000000`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

var commandCmd = &cobra.Command{
	Use:   "command <device-id> <key=value>...",
	Short: "Set device attributes and wait for the acknowledgement",
	Long: `Build the command frame for a device and send it with retries.

Examples:
  wallpad command light_1_2 on=true
  wallpad command thermostat_1_1 mode=heat target_temp=23.5
  wallpad command gas_1_0 open=false`,
	Args: cobra.MinimumNArgs(2),
	RunE: runCommand,
}

func init() {
	for _, c := range []*cobra.Command{sendCmd, commandCmd} {
		c.Flags().DurationVar(&connectTimeout, "connect-timeout", 10*time.Second, "How long to wait for the bus connection")
		rootCmd.AddCommand(c)
	}
}

// withEngine connects an engine, runs fn and shuts the engine down.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *engine.Engine) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	// One-shot commands do not touch the persisted state.
	cfg.Snapshot.Path = ""
	e, _, err := newEngine(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	done, err := startEngine(ctx, e, connectTimeout)
	if err != nil {
		return err
	}

	err = fn(ctx, e)
	cancel()
	if runErr := <-done; err == nil {
		err = runErr
	}
	return err
}

func runSend(cmd *cobra.Command, args []string) error {
	raw, err := parseHex(args[0])
	if err != nil {
		return err
	}
	return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
		if err := e.SendRaw(ctx, raw); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent %x\n", raw)
		return nil
	})
}

func runCommand(cmd *cobra.Command, args []string) error {
	id, err := payload.ParseDeviceID(args[0])
	if err != nil {
		return err
	}
	set, err := parseAttributes(args[1:])
	if err != nil {
		return err
	}
	return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
		res, err := e.SubmitCommand(ctx, payload.Command{Device: id, Set: set})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if res.Response == (codec.Frame{}) {
			fmt.Fprintf(out, "%s: sent %s (no reply expected)\n", id, res.Request)
			return nil
		}
		fmt.Fprintf(out, "%s: acknowledged after %d attempt(s) in %v\n", id, res.Attempts, res.Elapsed.Round(time.Millisecond))
		fmt.Fprintf(out, "  response %s\n", res.Response)
		return nil
	})
}
