// Package sun computes the site's daylight window. The reference system kept
// a precomputed 365-day sunrise/sunset table; an astronomical library does
// the same job without the table.
package sun

import (
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/sixdouglas/suncalc"

	"github.com/opencbp/opencbp/pkg/types"
)

// Locator returns daylight windows for a fixed site.
type Locator struct {
	latitude  float64
	longitude float64
}

// Configured sets up the locator based on flags.
func Configured() *Locator {
	l := &Locator{}
	lat := lflag.Float64("site-latitude", 37.7749, "Site latitude in degrees")
	lon := lflag.Float64("site-longitude", -122.4194, "Site longitude in degrees")

	lflag.Do(func() {
		l.latitude = *lat
		l.longitude = *lon
	})

	return l
}

// New returns a locator for the given coordinates.
func New(latitude, longitude float64) *Locator {
	return &Locator{latitude: latitude, longitude: longitude}
}

// Validate checks the configuration.
func (l *Locator) Validate() error {
	if l.latitude < -90 || l.latitude > 90 {
		return fmt.Errorf("site-latitude must be in [-90,90], got %v", l.latitude)
	}
	if l.longitude < -180 || l.longitude > 180 {
		return fmt.Errorf("site-longitude must be in [-180,180], got %v", l.longitude)
	}
	return nil
}

// Window returns the sunrise/sunset window for the given day.
func (l *Locator) Window(day time.Time) types.SunWindow {
	times := suncalc.GetTimes(day, l.latitude, l.longitude)
	return types.SunWindow{
		Sunrise: times[suncalc.Sunrise].Value,
		Sunset:  times[suncalc.Sunset].Value,
	}
}

// IsDaylight reports whether the given time falls inside its day's window.
func (l *Locator) IsDaylight(t time.Time) bool {
	w := l.Window(t)
	return !t.Before(w.Sunrise) && !t.After(w.Sunset)
}
