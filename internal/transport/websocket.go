package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/sodovaya/kbledash/internal/link"
)

// WebSocketConfig holds configuration for a BLE gateway link.
type WebSocketConfig struct {
	URL           string `yaml:"url" json:"url"`
	Username      string `yaml:"username" json:"username"`
	Password      string `yaml:"-" json:"-"`
	SkipSSLVerify bool   `yaml:"skip_ssl_verify" json:"skipSslVerify"`

	Logger logrus.FieldLogger `yaml:"-" json:"-"`
}

// WebSocket talks to a BLE-to-WebSocket gateway that relays one peripheral:
// each binary message received is one notification, each binary message
// sent is one characteristic write.
type WebSocket struct {
	cfg WebSocketConfig
	log logrus.FieldLogger

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	closing bool
}

// NewWebSocket creates a closed gateway link.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &WebSocket{cfg: cfg, log: cfg.Logger.WithField("component", "gateway")}
}

func (w *WebSocket) Name() string { return "gateway " + w.cfg.URL }

// Open dials the gateway and starts delivering binary messages to h.
func (w *WebSocket) Open(ctx context.Context, h link.Handler) error {
	u, err := url.Parse(w.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: w.cfg.SkipSSLVerify}
	}

	headers := http.Header{}
	if w.cfg.Username != "" && w.cfg.Password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(w.cfg.Username + ":" + w.cfg.Password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conn, resp, err := dialer.DialContext(ctx, w.cfg.URL, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("gateway connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("gateway connection failed: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.closing = false
	w.mu.Unlock()

	w.log.Infof("connected to %s", w.cfg.URL)
	go w.readLoop(conn, h)
	return nil
}

func (w *WebSocket) readLoop(conn *websocket.Conn, h link.Handler) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			expected := w.closing || w.conn != conn
			w.mu.Unlock()
			if !expected && h.OnDisconnect != nil {
				h.OnDisconnect(err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		h.OnBytes(data)
	}
}

// Write sends p as one binary message.
func (w *WebSocket) Write(p []byte) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return link.ErrNotConnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, p)
}

// Close closes the gateway connection.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.closing = true
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
