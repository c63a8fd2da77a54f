package gps

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// DemoGPS simulates a scooter riding laps around a city block.
type DemoGPS struct {
	mu sync.Mutex
	t  float64
}

func NewDemoGPS() *DemoGPS { return &DemoGPS{} }

func (d *DemoGPS) Name() string   { return "Demo GPS (Simulated)" }
func (d *DemoGPS) Connect() error { return nil }
func (d *DemoGPS) Close() error   { return nil }

func (d *DemoGPS) Read() (*Data, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.t += 0.1

	const (
		centerLat = 55.7558
		centerLon = 37.6173
		radius    = 0.003 // ~300 m
	)

	return &Data{
		Valid:      true,
		Latitude:   centerLat + radius*math.Sin(d.t*0.02),
		Longitude:  centerLon + radius*math.Cos(d.t*0.02),
		Speed:      20 + 8*math.Sin(d.t*0.3) + rand.Float64()*2,
		Heading:    math.Mod(d.t*2, 360),
		Satellites: 11,
		FixQuality: 1,
		Timestamp:  time.Now().UTC().Format("150405.00"),
	}, nil
}
