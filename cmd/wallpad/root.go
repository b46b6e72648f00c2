package main

import (
	"github.com/kabili207/wallpad-go/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "wallpad",
	Short: "Wallpad bus protocol engine",
	Long: `Wallpad - talks to the devices on a home wallpad RS485 bus.

Frames are read from a serial port, a TCP serial bridge or a WebSocket
bridge. Device state is tracked from the bus traffic and commands are
retried until the device acknowledges them.

Endpoints:
  Serial:    --endpoint serial:///dev/ttyUSB0?baud=9600
  TCP:       --endpoint tcp://192.168.0.50:8899
  WebSocket: --endpoint ws://bridge.local/bus

Every setting can also come from wallpad.yaml or a WALLPAD_ environment
variable, e.g. WALLPAD_MQTT_BROKER=tcp://localhost:1883.`,
	SilenceUsage: true,
}

// flagKeys maps persistent flags to configuration keys.
var flagKeys = map[string]string{
	"endpoint":       "transport.endpoint",
	"baud":           "transport.baud_rate",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"log-file":       "log.file",
	"mqtt-broker":    "mqtt.broker",
	"http-listen":    "http.listen",
	"snapshot":       "snapshot.path",
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Configuration file (default: ./wallpad.yaml or /etc/wallpad/wallpad.yaml)")
	flags.StringP("endpoint", "e", "", "Bus endpoint URL")
	flags.IntP("baud", "b", 9600, "Serial baud rate")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (text, json)")
	flags.String("log-file", "", "Also write logs to this file, rotated by size")
	flags.String("mqtt-broker", "", "MQTT broker URL; empty disables the bridge")
	flags.String("http-listen", "", "HTTP listen address for metrics and the API; empty disables it")
	flags.String("snapshot", "", "State snapshot file; empty disables persistence")
}

// loadConfig reads the configuration with flags that were set on the
// command line taking precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(configPath, func(v *viper.Viper) error {
		return bindFlags(v, cmd.Flags())
	})
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}
