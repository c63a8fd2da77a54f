package ant

import (
	"encoding/binary"
	"math"
)

// EncodeStatus lays s out as a Status response frame, the inverse of
// DecodeStatus. NaN temperatures are written as TempAbsent. Used by the
// simulated BMS.
func EncodeStatus(s *Sample) Frame {
	raw := make([]byte, statusSize(len(s.Temperatures), len(s.CellVoltages)))
	raw[statusTempCountIndex] = byte(len(s.Temperatures))
	raw[statusCellCountIndex] = byte(len(s.CellVoltages))

	off := statusCellsOffset
	put16 := func(v uint16) {
		binary.LittleEndian.PutUint16(raw[off:], v)
		off += 2
	}
	put32 := func(v uint32) {
		binary.LittleEndian.PutUint32(raw[off:], v)
		off += 4
	}

	for _, c := range s.CellVoltages {
		put16(c)
	}
	for _, t := range s.Temperatures {
		if math.IsNaN(t) {
			put16(TempAbsent)
		} else {
			put16(uint16(t))
		}
	}
	put16(uint16(s.MOSTemperature))
	put16(uint16(s.MOSTemperature)) // balancer
	put16(uint16(math.Round(s.Voltage * 100)))
	put16(uint16(int16(math.Round(s.Current * 10))))
	put16(uint16(s.SOC))
	put16(100) // state of health
	if s.Switches["discharge"] {
		raw[off] = 1
	}
	if s.Switches["charge"] {
		raw[off+1] = 1
	}
	off += 4
	put32(uint32(math.Round(s.Capacity * 1e6)))
	put32(uint32(math.Round(s.Charge * 1e6)))
	put32(uint32(math.Round(s.CycleCapacity * 1e3)))

	return NewFrame(FuncStatus, 0x0000, raw[headerSize:])
}

// EncodeDeviceInfo builds a DeviceInfo response carrying hw and sw, each
// NUL-padded or truncated to 16 bytes.
func EncodeDeviceInfo(hw, sw string) Frame {
	payload := make([]byte, 2*deviceInfoFieldLen)
	copy(payload[:deviceInfoFieldLen], hw)
	copy(payload[deviceInfoFieldLen:], sw)
	return NewFrame(FuncDeviceInfo, deviceInfoAddress, payload)
}
