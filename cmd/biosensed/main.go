// Command biosensed runs a biometric headband session: live previews over
// WebSocket and MQTT, guided recordings to EDF, and a terminal monitor.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
