package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/sodovaya/kbledash/internal/telemetry"
)

// Config holds all dashboard configuration.
type Config struct {
	mu sync.RWMutex

	// Peripherals
	BMS        BMSConfig        `yaml:"bms" json:"bms"`
	Controller ControllerConfig `yaml:"controller" json:"controller"`
	GPS        GPSConfig        `yaml:"gps" json:"gps"`

	// Speed / battery conversions
	Vehicle VehicleConfig `yaml:"vehicle" json:"vehicle"`

	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	MQTT      MQTTConfig      `yaml:"mqtt" json:"mqtt"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Server    ServerConfig    `yaml:"server" json:"server"`

	path string // file path for save/load
}

// LinkConfig selects and configures the transport for one peripheral.
type LinkConfig struct {
	Transport     string `yaml:"transport" json:"transport"` // "sim", "serial" or "websocket"
	PortPath      string `yaml:"port_path" json:"portPath"`  // serial bridge, e.g. /dev/ttyUSB0
	BaudRate      int    `yaml:"baud_rate" json:"baudRate"`
	URL           string `yaml:"url" json:"url"` // ws:// or wss:// gateway
	Username      string `yaml:"username" json:"username"`
	Password      string `yaml:"-" json:"-"` // env only
	SkipSSLVerify bool   `yaml:"skip_ssl_verify" json:"skipSslVerify"`
}

type BMSConfig struct {
	LinkConfig      `yaml:",inline"`
	PollInterval    time.Duration `yaml:"poll_interval" json:"pollInterval"`
	ResponseTimeout time.Duration `yaml:"response_timeout" json:"responseTimeout"`
}

type ControllerConfig struct {
	LinkConfig        `yaml:",inline"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval" json:"keepaliveInterval"`
	CommandGap        time.Duration `yaml:"command_gap" json:"commandGap"`
}

type GPSConfig struct {
	Type     string `yaml:"type" json:"type"`          // "nmea", "demo" or "disabled"
	PortPath string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyGPS
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// VehicleConfig holds the wheel size, battery range and selected gear.
type VehicleConfig struct {
	WheelDiameterInch float64 `yaml:"wheel_diameter_inch" json:"wheelDiameterInch"`
	VoltageMin        float64 `yaml:"voltage_min" json:"voltageMin"` // 0% battery
	VoltageMax        float64 `yaml:"voltage_max" json:"voltageMax"` // 100% battery
	Gear              int     `yaml:"gear" json:"gear"`              // 0 Eco, 1 Drive, 2 Sport
}

type TelemetryConfig struct {
	PublishInterval time.Duration `yaml:"publish_interval" json:"publishInterval"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Broker   string `yaml:"broker" json:"broker"` // tcp://host:1883
	ClientID string `yaml:"client_id" json:"clientId"`
	Topic    string `yaml:"topic" json:"topic"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"-" json:"-"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // text or json
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BMS: BMSConfig{
			LinkConfig: LinkConfig{
				Transport: "sim",
				PortPath:  "/dev/ttyBMS",
				BaudRate:  115200,
			},
			PollInterval:    500 * time.Millisecond,
			ResponseTimeout: 2 * time.Second,
		},
		Controller: ControllerConfig{
			LinkConfig: LinkConfig{
				Transport: "sim",
				PortPath:  "/dev/ttyKelly",
				BaudRate:  115200,
			},
			KeepAliveInterval: 100 * time.Millisecond,
			CommandGap:        50 * time.Millisecond,
		},
		GPS: GPSConfig{
			Type:     "demo",
			PortPath: "/dev/ttyGPS",
			BaudRate: 9600,
		},
		Vehicle: VehicleConfig{
			WheelDiameterInch: 29,
			VoltageMin:        39,
			VoltageMax:        55,
			Gear:              1,
		},
		Telemetry: TelemetryConfig{
			PublishInterval: 300 * time.Millisecond,
		},
		MQTT: MQTTConfig{
			Enabled:  false,
			Broker:   "tcp://localhost:1883",
			ClientID: "kbledash",
			Topic:    "kbledash/telemetry",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string, log logrus.FieldLogger) *Config {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "config")

	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Infof("no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warnf("error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Infof("loaded from %s", path)
	}

	// .env next to the config, then in CWD
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep, log)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string, log logrus.FieldLogger) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Debugf("loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
func (c *Config) applyEnvOverrides() {
	applyLinkEnv("BMS", &c.BMS.LinkConfig)
	applyLinkEnv("CONTROLLER", &c.Controller.LinkConfig)

	if v := os.Getenv("GPS_TYPE"); v != "" {
		c.GPS.Type = v
	}
	if v := os.Getenv("GPS_PORT"); v != "" {
		c.GPS.PortPath = v
	}
	if v := os.Getenv("WHEEL_DIAMETER_INCH"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.Vehicle.WheelDiameterInch = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("MQTT_ENABLED"); v != "" {
		c.MQTT.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// applyLinkEnv applies <PREFIX>_TRANSPORT, _PORT, _BAUD, _URL and _PASSWORD.
func applyLinkEnv(prefix string, l *LinkConfig) {
	if v := os.Getenv(prefix + "_TRANSPORT"); v != "" {
		l.Transport = v
	}
	if v := os.Getenv(prefix + "_PORT"); v != "" {
		l.PortPath = v
	}
	if v := os.Getenv(prefix + "_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			l.BaudRate = n
		}
	}
	if v := os.Getenv(prefix + "_URL"); v != "" {
		l.URL = v
	}
	if v := os.Getenv(prefix + "_PASSWORD"); v != "" {
		l.Password = v
	}
}

// Validate reports the first setting the engine cannot run with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validate()
}

func (c *Config) validate() error {
	for name, l := range map[string]LinkConfig{"bms": c.BMS.LinkConfig, "controller": c.Controller.LinkConfig} {
		switch l.Transport {
		case "sim", "serial", "websocket":
		default:
			return fmt.Errorf("%s.transport %q: want sim, serial or websocket", name, l.Transport)
		}
	}
	switch {
	case c.BMS.PollInterval <= 0 || c.Controller.KeepAliveInterval <= 0 || c.Telemetry.PublishInterval <= 0:
		return fmt.Errorf("poll, keep-alive and publish intervals must be positive")
	case c.Vehicle.WheelDiameterInch <= 0:
		return fmt.Errorf("vehicle.wheel_diameter_inch must be positive, got %v", c.Vehicle.WheelDiameterInch)
	case c.Vehicle.VoltageMax <= c.Vehicle.VoltageMin:
		return fmt.Errorf("vehicle.voltage_max (%v) must exceed voltage_min (%v)", c.Vehicle.VoltageMax, c.Vehicle.VoltageMin)
	}
	return nil
}

// VehicleParams returns the conversion parameters for the orchestrator.
func (c *Config) VehicleParams() telemetry.Vehicle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return telemetry.Vehicle{
		WheelDiameterInch: c.Vehicle.WheelDiameterInch,
		VoltageMin:        c.Vehicle.VoltageMin,
		VoltageMax:        c.Vehicle.VoltageMax,
	}
}

// VehicleSnapshot returns a copy of the vehicle section.
func (c *Config) VehicleSnapshot() VehicleConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Vehicle
}

// SetGear records the selected gear so it survives a restart via Save.
func (c *Config) SetGear(gear int) {
	c.mu.Lock()
	c.Vehicle.Gear = gear
	c.mu.Unlock()
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config: no file path")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. A patch that leaves the config invalid is
// rejected and nothing changes.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}
	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}

	// Decode into a scratch copy so a bad patch leaves c untouched
	next := &Config{
		BMS:        c.BMS,
		Controller: c.Controller,
		MQTT:       c.MQTT,
	}
	if err := json.Unmarshal(merged, next); err != nil {
		return fmt.Errorf("apply patch: %w", err)
	}
	if err := next.validate(); err != nil {
		return err
	}

	c.BMS, c.Controller, c.GPS = next.BMS, next.Controller, next.GPS
	c.Vehicle, c.Telemetry, c.MQTT = next.Vehicle, next.Telemetry, next.MQTT
	c.Logging, c.Server = next.Logging, next.Server
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
