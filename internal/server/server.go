// Package server exposes the telemetry engine over HTTP: a WebSocket feed of
// snapshots, a small control API for the BMS and trip state, the embedded
// dashboard page and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/sodovaya/kbledash/internal/ant"
	"github.com/sodovaya/kbledash/internal/link"
	"github.com/sodovaya/kbledash/internal/metrics"
	"github.com/sodovaya/kbledash/internal/telemetry"
)

// BMSControl is the BMS command surface used by the API.
type BMSControl interface {
	FetchDeviceInfo(ctx context.Context) (*ant.DeviceInfo, error)
	SetSwitch(ctx context.Context, name string, enabled bool) error
}

// Dashboard is the orchestrator state the API reads and adjusts.
type Dashboard interface {
	Latest() *telemetry.Snapshot
	SetGear(gear int)
	Gear() int
	SetVehicle(v telemetry.Vehicle)
	ResetTrip()
}

// Server broadcasts snapshots to WebSocket clients and serves the API.
// It implements telemetry.Sink.
type Server struct {
	cfg   *Config
	dash  Dashboard
	bms   BMSControl
	webFS fs.FS
	log   logrus.FieldLogger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Telemetry *telemetry.Snapshot `json:"telemetry,omitempty"`
	Vehicle   *VehicleConfig      `json:"vehicle,omitempty"`
	Stamp     int64               `json:"stamp"` // Unix ms
}

// New creates a new Server. bms may be nil when no BMS is configured.
func New(cfg *Config, dash Dashboard, bms BMSControl, webFS fs.FS, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		cfg:     cfg,
		dash:    dash,
		bms:     bms,
		webFS:   webFS,
		log:     log.WithField("component", "server"),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/gear", s.handleGear)
	mux.HandleFunc("/api/odo/reset-trip", s.handleResetTrip)
	mux.HandleFunc("/api/bms/switch", s.handleSwitch)
	mux.HandleFunc("/api/bms/device-info", s.handleDeviceInfo)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

// Run serves HTTP until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.cfg.mu.RLock()
	addr := s.cfg.Server.ListenAddr
	s.cfg.mu.RUnlock()

	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Infof("listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Name implements telemetry.Sink.
func (s *Server) Name() string { return "ws" }

// Publish implements telemetry.Sink by broadcasting snap to every client.
func (s *Server) Publish(snap telemetry.Snapshot) error {
	return s.broadcast(Frame{Telemetry: &snap, Stamp: snap.Stamp})
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("ws upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Initial frame: vehicle settings plus the latest snapshot, if any
	vehicle := s.cfg.VehicleSnapshot()
	hello := Frame{Vehicle: &vehicle, Telemetry: s.dash.Latest(), Stamp: time.Now().UnixMilli()}
	if data, err := json.Marshal(hello); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Infof("ws client connected (%d total)", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine; the dashboard never sends, this only notices the close
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			s.log.Infof("ws client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) broadcast(frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
	return nil
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warnf("config save failed: %v", err)
		}
		s.dash.SetVehicle(s.cfg.VehicleParams())
		vehicle := s.cfg.VehicleSnapshot()
		s.dash.SetGear(vehicle.Gear)
		s.broadcast(Frame{Vehicle: &vehicle, Stamp: time.Now().UnixMilli()})
		writeOK(w)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.dash.Latest()
	if snap == nil {
		http.Error(w, "no telemetry yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type gearRequest struct {
	Gear int `json:"gear"`
}

func (s *Server) handleGear(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g := s.dash.Gear()
		writeJSON(w, http.StatusOK, map[string]interface{}{"gear": g, "label": telemetry.GearLabel(g)})

	case http.MethodPost:
		var req gearRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Gear < 0 || req.Gear > 2 {
			http.Error(w, "gear must be 0, 1 or 2", http.StatusBadRequest)
			return
		}
		s.dash.SetGear(req.Gear)
		s.cfg.SetGear(req.Gear)
		if err := s.cfg.Save(); err != nil {
			s.log.Debugf("config save failed: %v", err)
		}
		writeOK(w)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleResetTrip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.dash.ResetTrip()
	writeOK(w)
}

type switchRequest struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.bms == nil {
		http.Error(w, "no BMS configured", http.StatusNotFound)
		return
	}
	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if err := s.bms.SetSwitch(r.Context(), req.Name, req.Enabled); err != nil {
		s.log.Warnf("switch %s=%v failed: %v", req.Name, req.Enabled, err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	s.log.Infof("switch %s set to %v", req.Name, req.Enabled)
	writeOK(w)
}

type deviceInfoResponse struct {
	*ant.DeviceInfo
	DisplayVersion string `json:"displayVersion"`
}

func (s *Server) handleDeviceInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.bms == nil {
		http.Error(w, "no BMS configured", http.StatusNotFound)
		return
	}
	info, err := s.bms.FetchDeviceInfo(r.Context())
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, deviceInfoResponse{DeviceInfo: info, DisplayVersion: ant.DisplayVersion(info.HWVersion)})
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ant.ErrUnknownSwitch):
		return http.StatusBadRequest
	case errors.Is(err, link.ErrNotConnected), errors.Is(err, link.ErrDisconnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, link.ErrResponseTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, link.ErrProtocolMisuse):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
