// Package sunsignal wraps github.com/sixdouglas/suncalc, grounded on the
// teacher's scheduler/server.go SunInfo panel (GetTimes/GetPosition) and
// sun/example/main.go. It is informational only: the Auto mode evaluator
// gates solely on pv_surplus_W per spec.md §4.5.3. The driver computes an
// Info each tick and keeps it beside the last tick result; neither the
// HTTP status payload nor the logs include it.
package sunsignal

import (
	"math"
	"time"

	"github.com/sixdouglas/suncalc"
)

// Info is a point-in-time solar reading for a configured location.
type Info struct {
	SolarAngleDeg float64
	Sunrise       time.Time
	Sunset        time.Time
	AboveHorizon  bool
}

// Source computes Info for a fixed latitude/longitude.
type Source struct {
	Latitude  float64
	Longitude float64
}

// New creates a Source for the given coordinates.
func New(lat, lon float64) *Source {
	return &Source{Latitude: lat, Longitude: lon}
}

// At returns the solar position/times for instant now.
func (s *Source) At(now time.Time) Info {
	pos := suncalc.GetPosition(now, s.Latitude, s.Longitude)
	times := suncalc.GetTimes(now, s.Latitude, s.Longitude)
	angle := pos.Altitude * 180 / math.Pi
	return Info{
		SolarAngleDeg: angle,
		Sunrise:       times["sunrise"],
		Sunset:        times["sunset"],
		AboveHorizon:  angle > 0,
	}
}
