package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sodovaya/kbledash/internal/server"
)

var (
	configPath string
	logLevel   string
	demoMode   bool
)

var rootCmd = &cobra.Command{
	Use:   "kbledash",
	Short: "E-bike telemetry from an ANT BMS and a Kelly controller",
	Long: `kbledash talks to an ANT BMS and a Kelly KLS motor controller through
BLE bridges, merges speed, battery and GPS data, and publishes snapshots to a
WebSocket dashboard and optionally to MQTT.

Each peripheral uses one of three transports:
  sim:       built-in simulator
  serial:    BLE-UART bridge dongle (port_path, baud_rate)
  websocket: BLE gateway (url, username)

Gateway passwords are read from BMS_PASSWORD / CONTROLLER_PASSWORD, or
prompted interactively when a username is configured without one.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/kbledash/config.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&demoMode, "demo", false, "Use the simulated BMS, controller and GPS")
}

// loadConfig reads the config file and builds the logger it describes.
func loadConfig() (*server.Config, *logrus.Logger) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	cfg := server.LoadConfig(configPath, log)

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if demoMode {
		cfg.BMS.Transport = "sim"
		cfg.Controller.Transport = "sim"
		cfg.GPS.Type = "demo"
	}
	setupLogger(log, cfg.Logging)
	return cfg, log
}

func setupLogger(log *logrus.Logger, cfg server.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
}
