package telemetry

import (
	"math"
	"sync"

	"github.com/sodovaya/kbledash/internal/gps"
)

const (
	glitchKm      = 0.5   // jumps over 500 m per tick are ignored
	minMovementKm = 0.002 // ~2 m
)

// Odometer accumulates distance from successive GPS fixes.
type Odometer struct {
	mu        sync.Mutex
	total     float64 // km
	trip      float64 // km, resettable
	lastLat   float64
	lastLon   float64
	lastValid bool
}

// Update folds a fix into the totals. Invalid fixes are ignored.
func (o *Odometer) Update(fix *gps.Data) {
	if fix == nil || !fix.Valid {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.lastValid {
		// First valid fix only seeds the position
		o.lastLat, o.lastLon = fix.Latitude, fix.Longitude
		o.lastValid = true
		return
	}

	dist := haversineKm(o.lastLat, o.lastLon, fix.Latitude, fix.Longitude)
	if dist > glitchKm {
		o.lastLat, o.lastLon = fix.Latitude, fix.Longitude
		return
	}
	if dist > minMovementKm {
		o.total += dist
		o.trip += dist
		o.lastLat, o.lastLon = fix.Latitude, fix.Longitude
	}
}

// Read returns the total and trip distance in km.
func (o *Odometer) Read() (total, trip float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.total, o.trip
}

// ResetTrip zeroes the trip distance.
func (o *Odometer) ResetTrip() {
	o.mu.Lock()
	o.trip = 0
	o.mu.Unlock()
}

// haversineKm calculates the great-circle distance between two lat/lon points.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371.0 // Earth radius km
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
