package gps

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// ErrNotConnected is returned by Read before Connect succeeds.
var ErrNotConnected = errors.New("gps: not connected")

const knotsToKmh = 1.852

// NMEAConfig holds configuration for the NMEA GPS provider.
type NMEAConfig struct {
	PortPath string
	BaudRate int
	Logger   logrus.FieldLogger
}

// NMEAProvider reads RMC and GGA sentences from a UART GPS receiver.
type NMEAProvider struct {
	portPath string
	baudRate int
	log      logrus.FieldLogger

	mu      sync.Mutex
	port    serial.Port
	scanner *bufio.Scanner
	last    Data
}

// NewNMEA creates a new NMEA GPS provider.
func NewNMEA(cfg NMEAConfig) *NMEAProvider {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &NMEAProvider{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
		log:      cfg.Logger.WithField("component", "gps"),
	}
}

func (n *NMEAProvider) Name() string { return "NMEA GPS " + n.portPath }

func (n *NMEAProvider) Connect() error {
	mode := &serial.Mode{
		BaudRate: n.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(n.portPath, mode)
	if err != nil {
		return fmt.Errorf("gps: failed to open %s: %w", n.portPath, err)
	}
	port.SetReadTimeout(200 * time.Millisecond)

	n.mu.Lock()
	n.port = port
	n.scanner = bufio.NewScanner(port)
	n.mu.Unlock()
	n.log.Infof("connected to %s at %d baud", n.portPath, n.baudRate)
	return nil
}

func (n *NMEAProvider) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.port == nil {
		return nil
	}
	err := n.port.Close()
	n.port, n.scanner = nil, nil
	return err
}

// Read consumes sentences until both RMC and GGA were seen, or 20 lines
// went by, and returns the merged fix.
func (n *NMEAProvider) Read() (*Data, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.scanner == nil {
		return nil, ErrNotConnected
	}

	var gotRMC, gotGGA bool
	for i := 0; i < 20 && !(gotRMC && gotGGA); i++ {
		if !n.scanner.Scan() {
			break
		}
		switch Apply(&n.last, strings.TrimSpace(n.scanner.Text())) {
		case "RMC":
			gotRMC = true
		case "GGA":
			gotGGA = true
		}
	}

	fix := n.last
	return &fix, nil
}

// Apply parses one sentence into d and returns its type ("RMC", "GGA"), or
// "" when the line is not a checksummed RMC/GGA sentence.
func Apply(d *Data, line string) string {
	if !strings.HasPrefix(line, "$") || !ValidChecksum(line) {
		return ""
	}
	parts := splitNMEA(line)
	if len(parts[0]) != 5 {
		return ""
	}
	switch parts[0][2:] {
	case "RMC":
		if applyRMC(d, parts) {
			return "RMC"
		}
	case "GGA":
		if applyGGA(d, parts) {
			return "GGA"
		}
	}
	return ""
}

// $GPRMC,hhmmss.ss,A,llll.ll,a,yyyyy.yy,a,x.x,x.x,ddmmyy,x.x,a*hh
func applyRMC(d *Data, parts []string) bool {
	if len(parts) < 10 {
		return false
	}
	d.Timestamp = parts[1]
	d.Valid = parts[2] == "A"
	if !d.Valid {
		d.Speed = 0
		return true
	}
	d.Latitude = parseNMEACoord(parts[3], parts[4])
	d.Longitude = parseNMEACoord(parts[5], parts[6])
	if spd, err := strconv.ParseFloat(parts[7], 64); err == nil {
		d.Speed = spd * knotsToKmh
	}
	if hdg, err := strconv.ParseFloat(parts[8], 64); err == nil {
		d.Heading = hdg
	}
	return true
}

// $GPGGA,hhmmss.ss,llll.ll,a,yyyyy.yy,a,x,xx,x.x,x.x,M,x.x,M,x.x,xxxx*hh
func applyGGA(d *Data, parts []string) bool {
	if len(parts) < 11 {
		return false
	}
	if fix, err := strconv.Atoi(parts[6]); err == nil {
		d.FixQuality = fix
	}
	if sats, err := strconv.Atoi(parts[7]); err == nil {
		d.Satellites = sats
	}
	return true
}

// splitNMEA strips the leading $ and the checksum suffix, then splits fields.
func splitNMEA(line string) []string {
	if idx := strings.Index(line, "*"); idx >= 0 {
		line = line[:idx]
	}
	return strings.Split(strings.TrimPrefix(line, "$"), ",")
}

// parseNMEACoord converts NMEA ddmm.mmmm format to decimal degrees.
func parseNMEACoord(raw, dir string) float64 {
	if raw == "" || dir == "" {
		return 0
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	deg := math.Floor(val / 100)
	result := deg + (val-deg*100)/60
	if dir == "S" || dir == "W" {
		result = -result
	}
	return result
}

// ValidChecksum checks the XOR checksum after '*'.
func ValidChecksum(line string) bool {
	idx := strings.Index(line, "*")
	if idx < 1 || idx+3 > len(line) {
		return false
	}
	var calc byte
	for i := 1; i < idx; i++ {
		calc ^= line[i]
	}
	expected, err := strconv.ParseUint(line[idx+1:idx+3], 16, 8)
	if err != nil {
		return false
	}
	return byte(expected) == calc
}
