package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/sodovaya/kbledash/internal/ant"
	"github.com/sodovaya/kbledash/internal/link"
	"github.com/sodovaya/kbledash/internal/telemetry"
)

type fakeDash struct {
	mu      sync.Mutex
	latest  *telemetry.Snapshot
	gear    int
	vehicle telemetry.Vehicle
	resets  int
}

func (d *fakeDash) Latest() *telemetry.Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latest
}

func (d *fakeDash) SetGear(g int) {
	d.mu.Lock()
	d.gear = g
	d.mu.Unlock()
}

func (d *fakeDash) Gear() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gear
}

func (d *fakeDash) SetVehicle(v telemetry.Vehicle) {
	d.mu.Lock()
	d.vehicle = v
	d.mu.Unlock()
}

func (d *fakeDash) ResetTrip() {
	d.mu.Lock()
	d.resets++
	d.mu.Unlock()
}

type fakeBMS struct {
	mu        sync.Mutex
	info      *ant.DeviceInfo
	err       error
	switched  []string
	switchErr error
}

func (b *fakeBMS) FetchDeviceInfo(context.Context) (*ant.DeviceInfo, error) { return b.info, b.err }

func (b *fakeBMS) SetSwitch(_ context.Context, name string, enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.switchErr != nil {
		return b.switchErr
	}
	b.switched = append(b.switched, fmt.Sprintf("%s=%v", name, enabled))
	return nil
}

func newTestServer(t *testing.T, bms BMSControl) (*Server, *fakeDash, *httptest.Server) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	dash := &fakeDash{gear: 1}
	web := fstest.MapFS{"index.html": {Data: []byte("<html>kbledash</html>")}}
	s := New(DefaultConfig(), dash, bms, web, log)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, dash, ts
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data)
}

func TestSwitchAPI(t *testing.T) {
	bms := &fakeBMS{}
	_, _, ts := newTestServer(t, bms)

	code, _ := do(t, http.MethodPost, ts.URL+"/api/bms/switch", `{"name":"discharge","enabled":false}`)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	bms.mu.Lock()
	switched := append([]string(nil), bms.switched...)
	bms.mu.Unlock()
	if len(switched) != 1 || switched[0] != "discharge=false" {
		t.Errorf("switched = %v", switched)
	}

	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("bms: switch lights: %w", ant.ErrUnknownSwitch), http.StatusBadRequest},
		{link.ErrNotConnected, http.StatusServiceUnavailable},
		{fmt.Errorf("bms: switch: %w", link.ErrResponseTimeout), http.StatusGatewayTimeout},
		{link.ErrWriteRejected, http.StatusBadGateway},
	}
	for _, tt := range tests {
		bms.mu.Lock()
		bms.switchErr = tt.err
		bms.mu.Unlock()
		if code, _ := do(t, http.MethodPost, ts.URL+"/api/bms/switch", `{"name":"charge","enabled":true}`); code != tt.want {
			t.Errorf("error %v -> %d, want %d", tt.err, code, tt.want)
		}
	}

	if code, _ := do(t, http.MethodGet, ts.URL+"/api/bms/switch", ""); code != http.StatusMethodNotAllowed {
		t.Errorf("GET switch = %d", code)
	}
	if code, _ := do(t, http.MethodPost, ts.URL+"/api/bms/switch", "{"); code != http.StatusBadRequest {
		t.Errorf("malformed body = %d", code)
	}
}

func TestSwitchAPI_NoBMS(t *testing.T) {
	_, _, ts := newTestServer(t, nil)
	if code, _ := do(t, http.MethodPost, ts.URL+"/api/bms/switch", `{"name":"charge"}`); code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestDeviceInfoAPI(t *testing.T) {
	bms := &fakeBMS{info: &ant.DeviceInfo{Manufacturer: "ANT", Model: "ANT-HW_16S", HWVersion: "HW_16S", SWVersion: "2.1"}}
	_, _, ts := newTestServer(t, bms)

	code, body := do(t, http.MethodGet, ts.URL+"/api/bms/device-info", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d: %s", code, body)
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["manufacturer"] != "ANT" || got["displayVersion"] != "MIDWAY_16S" {
		t.Errorf("device info = %v", got)
	}
}

func TestGearAndTripAPI(t *testing.T) {
	s, dash, ts := newTestServer(t, nil)

	if code, _ := do(t, http.MethodPost, ts.URL+"/api/gear", `{"gear":2}`); code != http.StatusOK {
		t.Fatalf("set gear status = %d", code)
	}
	if dash.Gear() != 2 || s.cfg.VehicleSnapshot().Gear != 2 {
		t.Errorf("gear = %d / cfg %d", dash.Gear(), s.cfg.VehicleSnapshot().Gear)
	}
	_, body := do(t, http.MethodGet, ts.URL+"/api/gear", "")
	if !strings.Contains(body, `"label":"Sport"`) {
		t.Errorf("GET gear = %s", body)
	}
	if code, _ := do(t, http.MethodPost, ts.URL+"/api/gear", `{"gear":7}`); code != http.StatusBadRequest {
		t.Errorf("out-of-range gear = %d", code)
	}

	if code, _ := do(t, http.MethodPost, ts.URL+"/api/odo/reset-trip", ""); code != http.StatusOK {
		t.Errorf("reset-trip = %d", code)
	}
	dash.mu.Lock()
	resets := dash.resets
	dash.mu.Unlock()
	if resets != 1 {
		t.Errorf("resets = %d, want 1", resets)
	}
}

func TestConfigAPI(t *testing.T) {
	_, dash, ts := newTestServer(t, nil)

	code, body := do(t, http.MethodGet, ts.URL+"/api/config", "")
	if code != http.StatusOK || !strings.Contains(body, `"wheelDiameterInch":29`) {
		t.Fatalf("GET config = %d %s", code, body)
	}
	if strings.Contains(body, "password") || strings.Contains(body, "Password") {
		t.Error("config JSON leaks a password field")
	}

	if code, _ := do(t, http.MethodPost, ts.URL+"/api/config", `{"vehicle":{"wheelDiameterInch":10,"gear":0}}`); code != http.StatusOK {
		t.Fatalf("POST config = %d", code)
	}
	dash.mu.Lock()
	vehicle := dash.vehicle
	dash.mu.Unlock()
	if vehicle.WheelDiameterInch != 10 || dash.Gear() != 0 {
		t.Errorf("orchestrator not updated: %+v gear %d", vehicle, dash.Gear())
	}
	if code, _ := do(t, http.MethodPost, ts.URL+"/api/config", `{"vehicle":{"voltageMin":80}}`); code != http.StatusBadRequest {
		t.Errorf("invalid patch = %d", code)
	}
}

func TestSnapshotAPI(t *testing.T) {
	_, dash, ts := newTestServer(t, nil)

	if code, _ := do(t, http.MethodGet, ts.URL+"/api/snapshot", ""); code != http.StatusServiceUnavailable {
		t.Errorf("before first publish = %d", code)
	}
	dash.mu.Lock()
	dash.latest = &telemetry.Snapshot{State: "connected", Speed: 21.5}
	dash.mu.Unlock()
	code, body := do(t, http.MethodGet, ts.URL+"/api/snapshot", "")
	if code != http.StatusOK || !strings.Contains(body, `"speed":21.5`) {
		t.Errorf("snapshot = %d %s", code, body)
	}
}

func TestStaticAndHealth(t *testing.T) {
	_, _, ts := newTestServer(t, nil)
	if code, body := do(t, http.MethodGet, ts.URL+"/", ""); code != http.StatusOK || !strings.Contains(body, "kbledash") {
		t.Errorf("index = %d %q", code, body)
	}
	if code, _ := do(t, http.MethodGet, ts.URL+"/health", ""); code != http.StatusOK {
		t.Errorf("health = %d", code)
	}
	if code, body := do(t, http.MethodGet, ts.URL+"/metrics", ""); code != http.StatusOK || !strings.Contains(body, "go_goroutines") {
		t.Errorf("metrics = %d", code)
	}
}

func TestWebSocketBroadcast(t *testing.T) {
	s, _, ts := newTestServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hello Frame
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Vehicle == nil || hello.Vehicle.WheelDiameterInch != 29 {
		t.Errorf("hello = %+v", hello)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Publish(telemetry.Snapshot{State: "bms only", Battery: 77, Stamp: 42}); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if f.Telemetry == nil || f.Telemetry.Battery != 77 || f.Stamp != 42 {
		t.Errorf("frame = %+v", f)
	}
}
