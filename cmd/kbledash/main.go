// kbledash reads an ANT BMS and a Kelly motor controller over BLE bridges,
// merges their telemetry with GPS and serves it to a dashboard.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
