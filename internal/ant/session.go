package ant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sodovaya/kbledash/internal/link"
	"github.com/sodovaya/kbledash/internal/metrics"
)

// ErrUnknownSwitch is returned by SetSwitch for a name outside the switch table.
var ErrUnknownSwitch = errors.New("ant: unknown switch")

// Command parameters.
const (
	statusAddress     uint16 = 0x0000
	statusValue       uint8  = 0xBE
	deviceInfoAddress uint16 = 0x026C
	deviceInfoValue   uint8  = 0x20
)

const defaultTimeout = 2 * time.Second

// switchRegisters maps a switch name to its (on, off) register addresses.
var switchRegisters = map[string][2]uint16{
	"charge":    {0x0006, 0x0004},
	"discharge": {0x0003, 0x0001},
	"balance":   {0x000D, 0x000E},
	"buzzer":    {0x001E, 0x001F},
}

// SwitchNames lists the switches accepted by SetSwitch.
func SwitchNames() []string {
	return []string{"charge", "discharge", "balance", "buzzer"}
}

// SwitchForAddress reverses the switch table: it reports which switch a
// WriteRegister address controls and whether it turns it on.
func SwitchForAddress(addr uint16) (name string, on bool, ok bool) {
	for n, regs := range switchRegisters {
		switch addr {
		case regs[0]:
			return n, true, true
		case regs[1]:
			return n, false, true
		}
	}
	return "", false, false
}

// SessionConfig holds BMS session parameters.
type SessionConfig struct {
	// ResponseTimeout bounds each command/response exchange. Zero uses 2s.
	ResponseTimeout time.Duration
	Logger          logrus.FieldLogger
}

// Session drives one ANT BMS over a Transport:
// Disconnected -> Connecting -> Ready -> Disconnected.
type Session struct {
	transport link.Transport
	corr      *link.Correlator[Frame]
	timeout   time.Duration
	log       logrus.FieldLogger

	// exMu serializes high-level exchanges so concurrent callers take turns
	// instead of tripping the correlator's single-flight check.
	exMu sync.Mutex

	mu    sync.Mutex
	state link.State
	epoch uint64 // bumped per Open; drops from older links are ignored
	reasm Reassembler
	cells []uint16
}

// NewSession creates a disconnected BMS session on t.
func NewSession(t link.Transport, cfg SessionConfig) *Session {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Session{
		transport: t,
		corr:      link.NewCorrelator[Frame](t),
		timeout:   cfg.ResponseTimeout,
		log:       cfg.Logger.WithField("component", "bms"),
	}
}

func (s *Session) Name() string { return "ANT BMS (" + s.transport.Name() + ")" }

// State returns the current connection state.
func (s *Session) State() link.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the session is Ready.
func (s *Session) IsConnected() bool { return s.State() == link.StateReady }

// Connect opens the transport and enables notification delivery.
// It is a no-op when already Ready.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case link.StateReady:
		s.mu.Unlock()
		return nil
	case link.StateConnecting:
		s.mu.Unlock()
		return fmt.Errorf("bms: connect already in progress")
	}
	s.state = link.StateConnecting
	s.epoch++
	epoch := s.epoch
	s.reasm.Reset()
	s.mu.Unlock()

	err := s.transport.Open(ctx, link.Handler{
		OnBytes:      s.HandleNotification,
		OnDisconnect: func(err error) { s.handleDisconnect(epoch, err) },
	})

	s.mu.Lock()
	if err != nil {
		s.state = link.StateDisconnected
		s.mu.Unlock()
		metrics.ConnectAttempts.WithLabelValues(metrics.DeviceBMS, "error").Inc()
		return fmt.Errorf("bms: connect %s: %w", s.transport.Name(), err)
	}
	if s.state != link.StateConnecting {
		// Dropped or closed before Open returned
		s.mu.Unlock()
		metrics.ConnectAttempts.WithLabelValues(metrics.DeviceBMS, "error").Inc()
		s.transport.Close()
		return fmt.Errorf("bms: connect %s: %w", s.transport.Name(), link.ErrDisconnected)
	}
	s.state = link.StateReady
	s.corr.SetConnected(true)
	s.mu.Unlock()

	metrics.ConnectAttempts.WithLabelValues(metrics.DeviceBMS, "ok").Inc()
	metrics.LinkUp.WithLabelValues(metrics.DeviceBMS).Set(1)
	s.log.Infof("connected via %s", s.transport.Name())
	return nil
}

// Close tears the link down and fails any pending request immediately.
func (s *Session) Close() error {
	s.corr.Fail(link.ErrDisconnected)
	s.mu.Lock()
	s.state = link.StateDisconnected
	s.reasm.Reset()
	s.mu.Unlock()
	metrics.LinkUp.WithLabelValues(metrics.DeviceBMS).Set(0)
	return s.transport.Close()
}

func (s *Session) handleDisconnect(epoch uint64, err error) {
	s.mu.Lock()
	if epoch != s.epoch || s.state == link.StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = link.StateDisconnected
	s.reasm.Reset()
	s.corr.Fail(link.ErrDisconnected)
	s.mu.Unlock()

	metrics.LinkUp.WithLabelValues(metrics.DeviceBMS).Set(0)
	s.log.Warnf("link dropped: %v", err)
}

// HandleNotification feeds one inbound chunk through the reassembler and
// resolves the pending request with each validated frame.
func (s *Session) HandleNotification(chunk []byte) {
	metrics.BytesReceived.WithLabelValues(metrics.DeviceBMS).Add(float64(len(chunk)))

	s.mu.Lock()
	res := s.reasm.Feed(chunk)
	s.mu.Unlock()

	if res.Desynced > 0 {
		metrics.FramesDiscarded.WithLabelValues("desync").Add(float64(res.Desynced))
		s.log.Debugf("dropped %d bytes hunting for frame header", res.Desynced)
	}
	if res.Invalid > 0 {
		metrics.FramesDiscarded.WithLabelValues("invalid").Add(float64(res.Invalid))
		s.log.Debugf("discarded %d invalid frame(s)", res.Invalid)
	}
	for _, f := range res.Frames {
		metrics.FramesDecoded.WithLabelValues(f.Function.String()).Inc()
		if !s.corr.Resolve(f) {
			metrics.FramesDiscarded.WithLabelValues("unsolicited").Inc()
			s.log.Debugf("unsolicited %s frame dropped", f.Function)
		}
	}
}

// exchange sends a command and waits for the next validated frame that
// answers fn. Other frames, such as a late reply to a timed-out request,
// are dropped as unsolicited.
func (s *Session) exchange(ctx context.Context, fn Function, addr uint16, value uint8) (Frame, error) {
	s.exMu.Lock()
	defer s.exMu.Unlock()

	p, err := s.corr.SendMatching(EncodeCommand(fn, addr, value), func(f Frame) bool {
		return f.Function.Answers(fn)
	})
	if err != nil {
		return Frame{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return p.Await(ctx)
}

// FetchStatus requests and decodes one status sample.
func (s *Session) FetchStatus(ctx context.Context) (*Sample, error) {
	f, err := s.exchange(ctx, FuncStatus, statusAddress, statusValue)
	if err != nil {
		return nil, fmt.Errorf("bms: status: %w", err)
	}
	sample, err := DecodeStatus(f)
	if err != nil {
		return nil, fmt.Errorf("bms: status: %w", err)
	}
	s.mu.Lock()
	s.cells = sample.CellVoltages
	s.mu.Unlock()
	return sample, nil
}

// CellVoltages returns the cell voltages (mV) from the last status sample.
func (s *Session) CellVoltages() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint16(nil), s.cells...)
}

// FetchDeviceInfo requests the hardware and software version strings.
func (s *Session) FetchDeviceInfo(ctx context.Context) (*DeviceInfo, error) {
	f, err := s.exchange(ctx, FuncDeviceInfo, deviceInfoAddress, deviceInfoValue)
	if err != nil {
		return nil, fmt.Errorf("bms: device info: %w", err)
	}
	info, err := DecodeDeviceInfo(f)
	if err != nil {
		return nil, fmt.Errorf("bms: device info: %w", err)
	}
	return info, nil
}

// SetSwitch writes the on or off register of the named switch. The BMS
// answers with a frame whose arrival is the acknowledgment.
func (s *Session) SetSwitch(ctx context.Context, name string, enabled bool) error {
	regs, ok := switchRegisters[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSwitch, name)
	}
	addr := regs[1]
	if enabled {
		addr = regs[0]
	}
	if _, err := s.exchange(ctx, FuncWriteRegister, addr, 0); err != nil {
		return fmt.Errorf("bms: set %s=%t: %w", name, enabled, err)
	}
	s.log.Infof("switch %s set to %t", name, enabled)
	return nil
}
