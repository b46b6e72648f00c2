// Command wallpad bridges a Kocom-style RS485 wallpad bus to MQTT.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
