// Package gps supplies the externally measured ground speed and position
// shown next to the controller-derived speed.
package gps

// Provider is the interface for GPS data sources.
type Provider interface {
	Name() string
	Connect() error
	Close() error
	// Read returns the latest fix. It may block briefly.
	Read() (*Data, error)
}

// Data holds a single GPS fix.
type Data struct {
	Valid      bool    `json:"valid"`
	Latitude   float64 `json:"latitude"`  // decimal degrees
	Longitude  float64 `json:"longitude"` // decimal degrees
	Speed      float64 `json:"speed"`     // km/h
	Heading    float64 `json:"heading"`   // degrees true
	Satellites int     `json:"satellites"`
	FixQuality int     `json:"fixQuality"` // 0=none, 1=GPS, 2=DGPS
	Timestamp  string  `json:"timestamp"`  // UTC hhmmss.ss
}
