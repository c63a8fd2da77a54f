package kelly

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sodovaya/kbledash/internal/link"
	"github.com/sodovaya/kbledash/internal/metrics"
)

const defaultCommandGap = 50 * time.Millisecond

// SessionConfig holds controller session parameters.
type SessionConfig struct {
	// CommandGap is the pause between the A and B queries. Zero uses 50ms.
	CommandGap time.Duration
	Logger     logrus.FieldLogger
}

// Session keeps the running decoded state of one controller connection.
// Outbound queries are fire-and-forget; inbound packets are decoded as they
// arrive, so HandleNotification may run concurrently with SendQueries.
type Session struct {
	transport link.Transport
	gap       time.Duration
	log       logrus.FieldLogger

	writeMu sync.Mutex

	mu      sync.RWMutex
	state   link.State
	epoch   uint64 // bumped per Open; drops from older links are ignored
	data    State
	updated time.Time
}

// NewSession creates a disconnected controller session on t.
func NewSession(t link.Transport, cfg SessionConfig) *Session {
	if cfg.CommandGap <= 0 {
		cfg.CommandGap = defaultCommandGap
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Session{
		transport: t,
		gap:       cfg.CommandGap,
		log:       cfg.Logger.WithField("component", "controller"),
	}
}

func (s *Session) Name() string { return "Kelly controller (" + s.transport.Name() + ")" }

// State returns the connection state.
func (s *Session) State() link.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsConnected reports whether the link is up.
func (s *Session) IsConnected() bool { return s.State() == link.StateReady }

// Connect opens the transport; a no-op when already connected.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != link.StateDisconnected {
		st := s.state
		s.mu.Unlock()
		if st == link.StateReady {
			return nil
		}
		return fmt.Errorf("controller: connect already in progress")
	}
	s.state = link.StateConnecting
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	err := s.transport.Open(ctx, link.Handler{
		OnBytes:      s.HandleNotification,
		OnDisconnect: func(err error) { s.handleDisconnect(epoch, err) },
	})

	s.mu.Lock()
	if err != nil {
		s.state = link.StateDisconnected
		s.mu.Unlock()
		metrics.ConnectAttempts.WithLabelValues(metrics.DeviceController, "error").Inc()
		return fmt.Errorf("controller: connect %s: %w", s.transport.Name(), err)
	}
	if s.state != link.StateConnecting {
		// Dropped or closed before Open returned
		s.mu.Unlock()
		metrics.ConnectAttempts.WithLabelValues(metrics.DeviceController, "error").Inc()
		s.transport.Close()
		return fmt.Errorf("controller: connect %s: %w", s.transport.Name(), link.ErrDisconnected)
	}
	s.state = link.StateReady
	s.mu.Unlock()

	metrics.ConnectAttempts.WithLabelValues(metrics.DeviceController, "ok").Inc()
	metrics.LinkUp.WithLabelValues(metrics.DeviceController).Set(1)
	s.log.Infof("connected via %s", s.transport.Name())
	return nil
}

// Close tears the link down. The last decoded state is kept.
func (s *Session) Close() error {
	s.mu.Lock()
	s.state = link.StateDisconnected
	s.mu.Unlock()
	metrics.LinkUp.WithLabelValues(metrics.DeviceController).Set(0)
	return s.transport.Close()
}

func (s *Session) handleDisconnect(epoch uint64, err error) {
	s.mu.Lock()
	if epoch != s.epoch || s.state == link.StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = link.StateDisconnected
	s.mu.Unlock()

	metrics.LinkUp.WithLabelValues(metrics.DeviceController).Set(0)
	s.log.Warnf("link dropped: %v", err)
}

// HandleNotification decodes one notification. Rejected packets are
// dropped and the previous state stays in place.
func (s *Session) HandleNotification(chunk []byte) {
	metrics.BytesReceived.WithLabelValues(metrics.DeviceController).Add(float64(len(chunk)))

	s.mu.Lock()
	next, err := Decode(chunk, s.data)
	if err == nil {
		s.data = next
		s.updated = time.Now()
	}
	s.mu.Unlock()

	tag := "unknown"
	if len(chunk) > 0 && (chunk[0] == TypeA || chunk[0] == TypeB) {
		tag = fmt.Sprintf("0x%02X", chunk[0])
	}
	if err != nil {
		metrics.PacketsDecoded.WithLabelValues(tag, "rejected").Inc()
		s.log.Debugf("dropped packet % X: %v", chunk, err)
		return
	}
	metrics.PacketsDecoded.WithLabelValues(tag, "ok").Inc()
}

// Snapshot returns a consistent copy of the decoded state and the time of
// the last accepted packet (zero if none yet).
func (s *Session) Snapshot() (State, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data, s.updated
}

// SendQueries writes the A then B query, CommandGap apart.
func (s *Session) SendQueries(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for i, cmd := range [][]byte{QueryA, QueryB} {
		if !s.IsConnected() {
			return link.ErrNotConnected
		}
		if err := s.transport.Write(cmd); err != nil {
			return fmt.Errorf("controller: %w: %v", link.ErrWriteRejected, err)
		}
		if i == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.gap):
			}
		}
	}
	return nil
}
