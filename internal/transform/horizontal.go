package transform

import (
	"math"
	"time"
)

// Observer is a site on the ground.
type Observer struct {
	LatDeg     float64 // geodetic latitude, north positive
	LonDeg     float64 // longitude, east positive
	ElevationM float64 // metres above the WGS-84 ellipsoid
}

// NewObserver creates an Observer from geodetic coordinates.
func NewObserver(latDeg, lonDeg, elevationM float64) Observer {
	return Observer{LatDeg: latDeg, LonDeg: lonDeg, ElevationM: elevationM}
}

// Horizontal holds altitude and azimuth in degrees.
type Horizontal struct {
	AltDeg float64 // 0 = horizon, 90 = zenith
	AzDeg  float64 // 0 = North, clockwise
}

// ToHorizontal converts J2000 right ascension and declination (degrees) to
// altitude/azimuth for obs at time t.
func ToHorizontal(raDeg, decDeg float64, t time.Time, obs Observer) Horizontal {
	const rad = math.Pi / 180.0

	ha := LocalSiderealTime(t, obs.LonDeg) - raDeg*rad
	dec := decDeg * rad
	lat := obs.LatDeg * rad

	sinDec, cosDec := math.Sincos(dec)
	sinLat, cosLat := math.Sincos(lat)
	sinHA, cosHA := math.Sincos(ha)

	sinAlt := sinDec*sinLat + cosDec*cosLat*cosHA
	alt := math.Asin(math.Max(-1, math.Min(1, sinAlt)))

	az := math.Atan2(-sinHA*cosDec, cosLat*sinDec-sinLat*cosDec*cosHA)
	if az < 0 {
		az += 2 * math.Pi
	}

	return Horizontal{
		AltDeg: alt / rad,
		AzDeg:  az / rad,
	}
}

// HourAngle returns the local hour angle of raDeg in hours, (-12, 12].
func HourAngle(raDeg float64, t time.Time, obs Observer) float64 {
	ha := (LocalSiderealTime(t, obs.LonDeg)*180.0/math.Pi - raDeg) / 15.0
	ha = math.Mod(ha, 24)
	if ha > 12 {
		ha -= 24
	} else if ha <= -12 {
		ha += 24
	}
	return ha
}
