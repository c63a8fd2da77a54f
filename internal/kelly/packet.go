// Package kelly decodes the Kelly motor controller's 19-byte telemetry
// packets and keeps the merged controller state for one connection.
package kelly

import (
	"errors"
	"fmt"

	"github.com/sodovaya/kbledash/internal/checksum"
)

const (
	// PacketSize is the length of both packet variants.
	PacketSize = 19

	TypeA byte = 0x3A // throttle, switches, voltage, temperatures, direction
	TypeB byte = 0x3B // motor speed, phase current
)

// ErrDecodeRejected marks a packet with the wrong length, an unknown tag, or
// a bad checksum. The caller keeps its previous state.
var ErrDecodeRejected = errors.New("kelly: packet rejected")

// State accumulates the latest A and B packet fields. Each packet type
// replaces only its own fields.
type State struct {
	// Packet A
	Throttle              int `json:"throttle"`
	BrakePedal            int `json:"brakePedal"`
	SwitchBrake           int `json:"switchBrake"`
	SwitchForward         int `json:"switchForward"`
	SwitchFoot            int `json:"switchFoot"`
	SwitchReverse         int `json:"switchReverse"`
	HallA                 int `json:"hallA"`
	HallB                 int `json:"hallB"`
	HallC                 int `json:"hallC"`
	BatteryVoltage        int `json:"batteryVoltage"` // raw byte, volts
	TemperatureMotor      int `json:"temperatureMotor"`
	TemperatureController int `json:"temperatureController"`
	DirectionSetting      int `json:"directionSetting"`
	DirectionActual       int `json:"directionActual"`

	// Packet B
	MotorSpeed   int `json:"motorSpeed"`   // rpm
	PhaseCurrent int `json:"phaseCurrent"` // A
}

// Decode verifies packet and folds its fields into prior. On rejection prior
// is returned unchanged together with an error wrapping ErrDecodeRejected.
func Decode(packet []byte, prior State) (State, error) {
	if len(packet) == 0 {
		return prior, fmt.Errorf("%w: empty", ErrDecodeRejected)
	}
	switch packet[0] {
	case TypeA:
		if err := verify(packet, TypeA); err != nil {
			return prior, err
		}
		return unpackA(packet, prior), nil
	case TypeB:
		if err := verify(packet, TypeB); err != nil {
			return prior, err
		}
		return unpackB(packet, prior), nil
	default:
		return prior, fmt.Errorf("%w: unknown tag 0x%02X", ErrDecodeRejected, packet[0])
	}
}

func verify(packet []byte, tag byte) error {
	if len(packet) != PacketSize {
		return fmt.Errorf("%w: 0x%02X packet is %d bytes, want %d", ErrDecodeRejected, tag, len(packet), PacketSize)
	}
	if packet[0] != tag {
		return fmt.Errorf("%w: tag 0x%02X, want 0x%02X", ErrDecodeRejected, packet[0], tag)
	}
	if sum := checksum.Additive(packet[:PacketSize-1]); sum != packet[PacketSize-1] {
		return fmt.Errorf("%w: checksum 0x%02X, computed 0x%02X", ErrDecodeRejected, packet[PacketSize-1], sum)
	}
	return nil
}

func unpackA(raw []byte, s State) State {
	s.Throttle = int(raw[2])
	s.BrakePedal = int(raw[3])
	s.SwitchBrake = int(raw[4])
	s.SwitchForward = int(raw[5])
	s.SwitchFoot = int(raw[6])
	s.SwitchReverse = int(raw[7])
	s.HallA = int(raw[8])
	s.HallB = int(raw[9])
	s.HallC = int(raw[10])
	s.BatteryVoltage = int(raw[11])
	s.TemperatureMotor = int(raw[12])
	s.TemperatureController = int(raw[13])
	s.DirectionSetting = int(raw[14])
	s.DirectionActual = int(raw[15])
	return s
}

// unpackB combines hi*255+lo; the controller uses base 255, not 256.
func unpackB(raw []byte, s State) State {
	s.MotorSpeed = int(raw[4])*255 + int(raw[5])
	s.PhaseCurrent = int(raw[6])*255 + int(raw[7])
	return s
}

// Seal fills in the trailing checksum of a 19-byte packet.
func Seal(packet []byte) []byte {
	if len(packet) == PacketSize {
		packet[PacketSize-1] = checksum.Additive(packet[:PacketSize-1])
	}
	return packet
}

// Query commands sent to make the controller emit A and B packets.
var (
	QueryA = []byte{TypeA, 0x00, TypeA}
	QueryB = []byte{TypeB, 0x00, TypeB}
)
