// Package telemetry merges BMS, controller and GPS readings into the
// published dashboard snapshot and drives the polling cadences behind it.
package telemetry

import (
	"math"

	"github.com/sodovaya/kbledash/internal/ant"
	"github.com/sodovaya/kbledash/internal/gps"
	"github.com/sodovaya/kbledash/internal/kelly"
	"github.com/sodovaya/kbledash/internal/link"
)

// Snapshot is the JSON structure forwarded to every sink.
type Snapshot struct {
	State       string  `json:"state"`       // connection label, see StateLabel
	Speed       float64 `json:"speed"`       // km/h from motor rpm
	Battery     int     `json:"battery"`     // %
	Voltage     float64 `json:"voltage"`     // V
	Amperage    float64 `json:"amperage"`    // A
	Temperature int     `json:"temperature"` // controller °C
	Trip        float64 `json:"trip"`        // km
	Odometer    float64 `json:"odometer"`    // km
	Gear        int     `json:"gear"`
	GearLabel   string  `json:"gearLabel"`
	GPSSpeed    float64 `json:"gpsSpeed"` // km/h

	Cells    []uint16        `json:"cells,omitempty"` // mV
	Switches map[string]bool `json:"switches,omitempty"`

	Stamp int64 `json:"stamp"` // Unix ms
}

// Vehicle holds the conversion parameters taken from configuration.
type Vehicle struct {
	WheelDiameterInch float64
	VoltageMin        float64
	VoltageMax        float64
}

// Inputs are the latest cached readings merged into one snapshot. Any of
// the pointers may be nil when that source has produced nothing yet.
type Inputs struct {
	BMS        *ant.Sample
	Controller *kelly.State
	Fix        *gps.Data

	BMSState        link.State
	ControllerState link.State

	Gear      int
	Trip      float64
	Odometer  float64
	StampUnix int64
}

// InchesToMeters converts a wheel diameter.
func InchesToMeters(in float64) float64 { return in * 0.0254 }

// RPMToSpeed converts wheel rpm to km/h for a wheel of diameterM meters.
func RPMToSpeed(rpm int, diameterM float64) float64 {
	return float64(rpm) * math.Pi * diameterM * 60 / 1000
}

// Percentage maps v linearly onto 0..100 between lo and hi, clamped.
func Percentage(v, lo, hi float64) int {
	if hi <= lo {
		return 0
	}
	p := (v - lo) / (hi - lo) * 100
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return int(math.Round(p))
}

// GearLabel returns the display name for a gear setting.
func GearLabel(gear int) string {
	switch gear {
	case 0:
		return "Eco"
	case 1:
		return "Drive"
	case 2:
		return "Sport"
	default:
		return "unk"
	}
}

// StateLabel summarizes both links for display.
func StateLabel(bms, ctrl link.State) string {
	switch {
	case bms == link.StateReady && ctrl == link.StateReady:
		return "connected"
	case bms == link.StateReady:
		return "bms only"
	case ctrl == link.StateReady:
		return "controller only"
	case bms == link.StateConnecting || ctrl == link.StateConnecting:
		return "connecting"
	default:
		return "disconnected"
	}
}

// Merge builds a snapshot from in. BMS values win over the controller's
// coarser battery byte and phase current when a sample is available.
func Merge(in Inputs, v Vehicle) Snapshot {
	snap := Snapshot{
		State:     StateLabel(in.BMSState, in.ControllerState),
		Gear:      in.Gear,
		GearLabel: GearLabel(in.Gear),
		Trip:      math.Round(in.Trip*10) / 10,
		Odometer:  math.Round(in.Odometer*10) / 10,
		Stamp:     in.StampUnix,
	}

	if c := in.Controller; c != nil {
		snap.Speed = RPMToSpeed(c.MotorSpeed, InchesToMeters(v.WheelDiameterInch))
		snap.Temperature = c.TemperatureController
		snap.Voltage = float64(c.BatteryVoltage)
		snap.Amperage = float64(c.PhaseCurrent)
		snap.Battery = Percentage(snap.Voltage, v.VoltageMin, v.VoltageMax)
	}

	if b := in.BMS; b != nil {
		snap.Voltage = b.Voltage
		snap.Amperage = b.Current
		snap.Battery = b.SOC
		snap.Cells = b.CellVoltages
		snap.Switches = b.Switches
	}

	if f := in.Fix; f != nil && f.Valid {
		snap.GPSSpeed = f.Speed
	}
	return snap
}
