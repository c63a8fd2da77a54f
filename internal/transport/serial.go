// Package transport provides the byte links the protocol sessions run on:
// a serial BLE-UART bridge, a WebSocket BLE gateway client, and simulated
// peripherals for demo mode and tests.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/sodovaya/kbledash/internal/link"
)

// Splitter re-cuts a byte stream into protocol units before delivery.
type Splitter interface {
	Split(chunk []byte) [][]byte
}

// SerialConfig holds configuration for a serial bridge link.
type SerialConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`

	// Splitter, if set, regroups read chunks into packets.
	Splitter Splitter           `yaml:"-" json:"-"`
	Logger   logrus.FieldLogger `yaml:"-" json:"-"`
}

// Serial is a BLE-UART bridge dongle: the peripheral's notify characteristic
// arrives as serial reads and writes go straight to the write characteristic.
type Serial struct {
	cfg SerialConfig
	log logrus.FieldLogger

	mu      sync.Mutex
	port    serial.Port
	closing bool
}

// NewSerial creates a closed serial link.
func NewSerial(cfg SerialConfig) *Serial {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Serial{cfg: cfg, log: cfg.Logger.WithField("component", "serial")}
}

func (s *Serial) Name() string { return "serial " + s.cfg.PortPath }

// Open opens the port and starts delivering reads to h.
func (s *Serial) Open(_ context.Context, h link.Handler) error {
	mode := &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.cfg.PortPath, mode)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.cfg.PortPath, err)
	}
	if err := port.SetReadTimeout(200 * time.Millisecond); err != nil {
		port.Close()
		return fmt.Errorf("set read timeout on %s: %w", s.cfg.PortPath, err)
	}

	s.mu.Lock()
	s.port = port
	s.closing = false
	s.mu.Unlock()

	s.log.Infof("opened %s at %d baud", s.cfg.PortPath, s.cfg.BaudRate)
	go s.readLoop(port, h)
	return nil
}

func (s *Serial) readLoop(port serial.Port, h link.Handler) {
	buf := make([]byte, 256)
	for {
		n, err := port.Read(buf)
		if err != nil {
			s.mu.Lock()
			expected := s.closing || s.port != port
			s.mu.Unlock()
			if !expected && h.OnDisconnect != nil {
				h.OnDisconnect(fmt.Errorf("read %s: %w", s.cfg.PortPath, err))
			}
			return
		}
		if n == 0 {
			continue // read timeout
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])

		if s.cfg.Splitter == nil {
			h.OnBytes(chunk)
			continue
		}
		for _, pkt := range s.cfg.Splitter.Split(chunk) {
			h.OnBytes(pkt)
		}
	}
}

// Write sends p to the bridge.
func (s *Serial) Write(p []byte) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return link.ErrNotConnected
	}
	_, err := port.Write(p)
	return err
}

// Close closes the port; the read loop exits without reporting a disconnect.
func (s *Serial) Close() error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.closing = true
	s.mu.Unlock()
	if port == nil {
		return nil
	}
	return port.Close()
}
