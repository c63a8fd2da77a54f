package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.BMS.PollInterval != 500*time.Millisecond || cfg.BMS.ResponseTimeout != 2*time.Second {
		t.Errorf("bms timings = %v / %v", cfg.BMS.PollInterval, cfg.BMS.ResponseTimeout)
	}
	if cfg.Controller.KeepAliveInterval != 100*time.Millisecond || cfg.Controller.CommandGap != 50*time.Millisecond {
		t.Errorf("controller timings = %v / %v", cfg.Controller.KeepAliveInterval, cfg.Controller.CommandGap)
	}
	if cfg.Telemetry.PublishInterval != 300*time.Millisecond {
		t.Errorf("publish interval = %v", cfg.Telemetry.PublishInterval)
	}
	if v := cfg.Vehicle; v.WheelDiameterInch != 29 || v.VoltageMin != 39 || v.VoltageMax != 55 {
		t.Errorf("vehicle = %+v", v)
	}
}

func TestLoadConfig_YAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlDoc := `
bms:
  transport: serial
  port_path: /dev/ttyUSB3
  poll_interval: 750ms
controller:
  transport: websocket
  url: ws://gateway.local/kelly
vehicle:
  wheel_diameter_inch: 10
  gear: 2
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("# comment\nLISTEN_ADDR=\":9090\"\nCONTROLLER_PASSWORD=hunter2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WHEEL_DIAMETER_INCH", "12.5")
	t.Setenv("LISTEN_ADDR", "")
	t.Setenv("CONTROLLER_PASSWORD", "")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := LoadConfig(path, nil)

	if cfg.BMS.Transport != "serial" || cfg.BMS.PortPath != "/dev/ttyUSB3" || cfg.BMS.PollInterval != 750*time.Millisecond {
		t.Errorf("bms = %+v", cfg.BMS)
	}
	if cfg.BMS.ResponseTimeout != 2*time.Second {
		t.Errorf("unset response_timeout = %v, want default", cfg.BMS.ResponseTimeout)
	}
	if cfg.Controller.Transport != "websocket" || cfg.Controller.URL != "ws://gateway.local/kelly" {
		t.Errorf("controller = %+v", cfg.Controller)
	}
	if cfg.Vehicle.WheelDiameterInch != 12.5 {
		t.Errorf("wheel = %v, want env override 12.5", cfg.Vehicle.WheelDiameterInch)
	}
	if cfg.Vehicle.Gear != 2 {
		t.Errorf("gear = %d", cfg.Vehicle.Gear)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen = %q, want value from .env", cfg.Server.ListenAddr)
	}
	if cfg.Controller.Password != "hunter2" {
		t.Errorf("controller password not taken from .env")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
}

func TestLoadConfig_BadYAMLFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("bms: [not, a, map"), 0644)
	cfg := LoadConfig(path, nil)
	if cfg.BMS.Transport != "sim" {
		t.Errorf("transport = %q, want default", cfg.BMS.Transport)
	}
}

func TestUpdateFromJSON(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Controller.Password = "keep-me"

	if err := cfg.UpdateFromJSON([]byte(`{"vehicle":{"wheelDiameterInch":11},"bms":{"portPath":"/dev/rfcomm0"}}`)); err != nil {
		t.Fatalf("UpdateFromJSON() error: %v", err)
	}
	if cfg.Vehicle.WheelDiameterInch != 11 || cfg.Vehicle.VoltageMax != 55 {
		t.Errorf("vehicle = %+v, want merged", cfg.Vehicle)
	}
	if cfg.BMS.PortPath != "/dev/rfcomm0" || cfg.BMS.Transport != "sim" || cfg.BMS.PollInterval != 500*time.Millisecond {
		t.Errorf("bms = %+v, want merged", cfg.BMS)
	}
	if cfg.Controller.Password != "keep-me" {
		t.Error("patch dropped the env-only password")
	}

	for _, bad := range []string{
		`{"vehicle":{"voltageMax":10}}`,
		`{"bms":{"transport":"bluetooth"}}`,
		`{"vehicle":{"wheelDiameterInch":0}}`,
		`not json`,
	} {
		if err := cfg.UpdateFromJSON([]byte(bad)); err == nil {
			t.Errorf("UpdateFromJSON(%s) accepted", bad)
		}
	}
	if cfg.Vehicle.VoltageMax != 55 || cfg.BMS.Transport != "sim" || cfg.Vehicle.WheelDiameterInch != 11 {
		t.Errorf("rejected patch changed config: %+v %+v", cfg.Vehicle, cfg.BMS)
	}
}

func TestDeepMerge(t *testing.T) {
	dst := map[string]interface{}{
		"a": map[string]interface{}{"x": 1.0, "y": 2.0},
		"b": "keep",
	}
	deepMerge(dst, map[string]interface{}{
		"a": map[string]interface{}{"y": 3.0},
		"c": true,
	})
	a := dst["a"].(map[string]interface{})
	if a["x"] != 1.0 || a["y"] != 3.0 || dst["b"] != "keep" || dst["c"] != true {
		t.Errorf("deepMerge result = %v", dst)
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.path = path
	cfg.SetGear(0)
	cfg.Vehicle.WheelDiameterInch = 8.5
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded := LoadConfig(path, nil)
	if loaded.Vehicle.Gear != 0 || loaded.Vehicle.WheelDiameterInch != 8.5 {
		t.Errorf("reloaded vehicle = %+v", loaded.Vehicle)
	}
	if loaded.BMS.PollInterval != 500*time.Millisecond {
		t.Errorf("reloaded poll interval = %v", loaded.BMS.PollInterval)
	}
}
