package ant

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

const (
	statusTempCountIndex = 8
	statusCellCountIndex = 9
	statusCellsOffset    = 34

	// TempAbsent is the raw reading reported for a disconnected sensor.
	TempAbsent = 65496

	deviceInfoHWStart  = 6
	deviceInfoSWStart  = 22
	deviceInfoFieldLen = 16
)

// Sample is one decoded Status response. It is immutable once built.
type Sample struct {
	Voltage        float64         `json:"voltage"`        // V
	Current        float64         `json:"current"`        // A, negative while discharging
	Charge         float64         `json:"charge"`         // Ah
	Capacity       float64         `json:"capacity"`       // Ah
	CycleCapacity  float64         `json:"cycleCapacity"`  // Ah
	SOC            int             `json:"soc"`            // %
	Temperatures   []float64       `json:"temperatures"`   // °C, NaN for an absent sensor
	MOSTemperature int             `json:"mosTemperature"` // °C
	Switches       map[string]bool `json:"switches"`
	CellVoltages   []uint16        `json:"cellVoltages"` // mV
}

// DeviceInfo is a decoded DeviceInfo response.
type DeviceInfo struct {
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	HWVersion    string `json:"hwVersion"`
	SWVersion    string `json:"swVersion"`
	Name         string `json:"name,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
}

// statusReader walks a Status frame with little-endian accessors.
type statusReader struct {
	raw []byte
	off int
}

func (r *statusReader) u8() byte {
	v := r.raw[r.off]
	r.off++
	return v
}

func (r *statusReader) u16() uint16 {
	v := binary.LittleEndian.Uint16(r.raw[r.off:])
	r.off += 2
	return v
}

func (r *statusReader) i16() int16 { return int16(r.u16()) }

func (r *statusReader) u32() uint32 {
	v := binary.LittleEndian.Uint32(r.raw[r.off:])
	r.off += 4
	return v
}

func (r *statusReader) skip(n int) { r.off += n }

// statusSize is the number of frame bytes the Status layout touches for the
// given sensor and cell counts.
func statusSize(temps, cells int) int {
	// cells, temps, MOS, balancer, voltage, current, soc, soh,
	// dsg, chg, balance, reserved, capacity, charge, cycle charge
	return statusCellsOffset + cells*2 + temps*2 + 2 + 2 + 2 + 2 + 2 + 2 + 1 + 1 + 1 + 1 + 4 + 4 + 4
}

// DecodeStatus decodes a Status response. Offsets are relative to the
// start of the wire frame, matching the BMS documentation.
func DecodeStatus(f Frame) (*Sample, error) {
	raw := f.Bytes()
	if len(raw) <= statusCellCountIndex {
		return nil, fmt.Errorf("%w: status frame is %d bytes", ErrShortFrame, len(raw))
	}
	numTemp := int(raw[statusTempCountIndex])
	numCell := int(raw[statusCellCountIndex])
	if need := statusSize(numTemp, numCell); len(raw) < need {
		return nil, fmt.Errorf("%w: status frame is %d bytes, layout needs %d (%d cells, %d sensors)",
			ErrShortFrame, len(raw), need, numCell, numTemp)
	}

	r := &statusReader{raw: raw, off: statusCellsOffset}
	s := &Sample{
		CellVoltages: make([]uint16, numCell),
		Temperatures: make([]float64, numTemp),
	}
	for i := range s.CellVoltages {
		s.CellVoltages[i] = r.u16()
	}
	for i := range s.Temperatures {
		s.Temperatures[i] = DecodeTemperature(r.u16())
	}
	s.MOSTemperature = int(r.u16())
	r.skip(2) // balancer temperature
	s.Voltage = float64(r.u16()) * 0.01
	s.Current = float64(r.i16()) * 0.1
	s.SOC = int(r.u16())
	r.skip(2) // state of health
	dsg := r.u8()
	chg := r.u8()
	r.skip(2) // balance state, reserved
	s.Capacity = float64(r.u32()) * 0.000001
	s.Charge = float64(r.u32()) * 0.000001
	s.CycleCapacity = float64(r.u32()) * 0.001
	s.Switches = map[string]bool{
		"discharge": dsg == 1,
		"charge":    chg == 1,
	}
	return s, nil
}

// DecodeTemperature maps a raw sensor reading to °C; TempAbsent becomes NaN.
func DecodeTemperature(raw uint16) float64 {
	if raw == TempAbsent {
		return math.NaN()
	}
	return float64(raw)
}

// DecodeDeviceInfo decodes the hardware and software version strings.
func DecodeDeviceInfo(f Frame) (*DeviceInfo, error) {
	raw := f.Bytes()
	end := deviceInfoSWStart + deviceInfoFieldLen
	if len(raw) < end {
		return nil, fmt.Errorf("%w: device info frame is %d bytes, need %d", ErrShortFrame, len(raw), end)
	}
	hw := trimField(raw[deviceInfoHWStart : deviceInfoHWStart+deviceInfoFieldLen])
	sw := trimField(raw[deviceInfoSWStart:end])
	return &DeviceInfo{
		Manufacturer: "ANT",
		Model:        "ANT-" + hw,
		HWVersion:    hw,
		SWVersion:    sw,
	}, nil
}

// trimField strips NUL padding, spaces and control characters from both ends.
func trimField(b []byte) string {
	return strings.TrimFunc(string(b), func(r rune) bool { return r <= ' ' })
}

// DisplayVersion rewrites the vendor "HW_" prefix for display; empty yields "N/A".
func DisplayVersion(v string) string {
	if v == "" {
		return "N/A"
	}
	if strings.HasPrefix(v, "HW_") {
		return strings.Replace(v, "HW_", "MIDWAY_", 1)
	}
	return v
}
