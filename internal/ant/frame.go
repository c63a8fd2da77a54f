// Package ant implements the ANT BMS protocol: command encoding, frame
// validation, stream reassembly of BLE notifications, and the request/response
// session that fetches status samples and device info and toggles switches.
package ant

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sodovaya/kbledash/internal/checksum"
)

// Function is the command/response function byte.
type Function byte

const (
	FuncStatus        Function = 0x01
	FuncDeviceInfo    Function = 0x02
	FuncWriteRegister Function = 0x51
)

func (f Function) String() string {
	switch f {
	case FuncStatus:
		return "status"
	case FuncDeviceInfo:
		return "device-info"
	case FuncWriteRegister:
		return "write-register"
	default:
		return fmt.Sprintf("func(0x%02X)", byte(f))
	}
}

// Answers reports whether a frame with function f is the reply to a command
// with function cmd. Replies echo the command byte, Status and DeviceInfo
// replies optionally with bit 0x10 set.
func (f Function) Answers(cmd Function) bool {
	if f == cmd {
		return true
	}
	return cmd != FuncWriteRegister && f == cmd|0x10
}

// Wire constants
const (
	HeaderByte0  = 0x7E
	HeaderByte1  = 0xA1
	TrailerByte0 = 0xAA
	TrailerByte1 = 0x55

	headerSize  = 6 // header(2) + func(1) + addr(2) + value/length(1)
	footerSize  = 4 // crc(2) + trailer(2)
	lengthIndex = 5

	// MinFrameSize is a frame with an empty payload.
	MinFrameSize = headerSize + footerSize
	// MaxFrameSize is a frame with the largest declarable payload.
	MaxFrameSize = headerSize + 0xFF + footerSize
)

var (
	// ErrFrameInvalid marks a candidate frame with a bad header, trailer,
	// length or CRC. It never leaves the stream layer.
	ErrFrameInvalid = errors.New("ant: invalid frame")
	// ErrShortFrame is returned when a valid frame is too short for the
	// layout its function implies.
	ErrShortFrame = errors.New("ant: frame too short for layout")
)

// Frame is a validated ANT protocol frame.
type Frame struct {
	Function Function
	Address  uint16
	Payload  []byte
	CRC      uint16
}

// EncodeCommand builds an outbound command: header, function, address
// (little-endian), value, CRC-16 over bytes 1..5, trailer.
func EncodeCommand(fn Function, addr uint16, value uint8) []byte {
	cmd := make([]byte, 0, MinFrameSize)
	cmd = append(cmd, HeaderByte0, HeaderByte1, byte(fn))
	cmd = binary.LittleEndian.AppendUint16(cmd, addr)
	cmd = append(cmd, value)
	crc := checksum.CRC16Bytes(cmd[1:])
	cmd = append(cmd, crc[0], crc[1])
	return append(cmd, TrailerByte0, TrailerByte1)
}

// Bytes serializes the frame to wire format. The length byte is derived from
// the payload and the CRC is recomputed, so Bytes always yields a frame that
// ParseFrame accepts.
func (f Frame) Bytes() []byte {
	out := make([]byte, 0, headerSize+len(f.Payload)+footerSize)
	out = append(out, HeaderByte0, HeaderByte1, byte(f.Function))
	out = binary.LittleEndian.AppendUint16(out, f.Address)
	out = append(out, byte(len(f.Payload)))
	out = append(out, f.Payload...)
	crc := checksum.CRC16Bytes(out[1:])
	out = append(out, crc[0], crc[1])
	return append(out, TrailerByte0, TrailerByte1)
}

// NewFrame creates a frame with its CRC filled in.
func NewFrame(fn Function, addr uint16, payload []byte) Frame {
	f := Frame{Function: fn, Address: addr, Payload: payload}
	raw := f.Bytes()
	f.CRC = binary.LittleEndian.Uint16(raw[len(raw)-footerSize:])
	return f
}

// ParseFrame validates a candidate already cut to its declared length and
// returns the typed frame. Every failure wraps ErrFrameInvalid.
func ParseFrame(raw []byte) (Frame, error) {
	if len(raw) < MinFrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameInvalid, len(raw))
	}
	if raw[0] != HeaderByte0 || raw[1] != HeaderByte1 {
		return Frame{}, fmt.Errorf("%w: header % X", ErrFrameInvalid, raw[:2])
	}
	if want := headerSize + int(raw[lengthIndex]) + footerSize; len(raw) != want {
		return Frame{}, fmt.Errorf("%w: length %d, declared %d", ErrFrameInvalid, len(raw), want)
	}

	n := len(raw)
	if raw[n-2] != TrailerByte0 || raw[n-1] != TrailerByte1 {
		return Frame{}, fmt.Errorf("%w: trailer % X", ErrFrameInvalid, raw[n-2:])
	}

	got := binary.LittleEndian.Uint16(raw[n-footerSize:])
	calc := checksum.CRC16(raw[1 : n-footerSize])
	if got != calc {
		return Frame{}, fmt.Errorf("%w: CRC mismatch: expected 0x%04X, got 0x%04X", ErrFrameInvalid, calc, got)
	}

	payload := make([]byte, n-MinFrameSize)
	copy(payload, raw[headerSize:n-footerSize])
	return Frame{
		Function: Function(raw[2]),
		Address:  binary.LittleEndian.Uint16(raw[3:5]),
		Payload:  payload,
		CRC:      got,
	}, nil
}

// declaredSize returns the full frame size announced by a buffered header.
func declaredSize(buf []byte) int {
	return headerSize + int(buf[lengthIndex]) + footerSize
}

// ParseCommand validates a 10-byte command built by EncodeCommand and
// returns its fields. Errors wrap ErrFrameInvalid.
func ParseCommand(raw []byte) (fn Function, addr uint16, value uint8, err error) {
	if len(raw) != MinFrameSize {
		return 0, 0, 0, fmt.Errorf("%w: command is %d bytes", ErrFrameInvalid, len(raw))
	}
	if raw[0] != HeaderByte0 || raw[1] != HeaderByte1 || raw[8] != TrailerByte0 || raw[9] != TrailerByte1 {
		return 0, 0, 0, fmt.Errorf("%w: command framing % X", ErrFrameInvalid, raw)
	}
	if got, calc := binary.LittleEndian.Uint16(raw[6:8]), checksum.CRC16(raw[1:6]); got != calc {
		return 0, 0, 0, fmt.Errorf("%w: command CRC 0x%04X, computed 0x%04X", ErrFrameInvalid, got, calc)
	}
	return Function(raw[2]), binary.LittleEndian.Uint16(raw[3:5]), raw[5], nil
}
