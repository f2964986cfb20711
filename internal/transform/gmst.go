// Package transform converts equatorial sky coordinates to an observer's
// horizon frame for display.
//
// Method: hour angle from local mean sidereal time, then the standard
// spherical rotation. Precession, nutation, aberration and refraction are
// ignored; the ephemeris provider already returns apparent-enough J2000
// coordinates for a human-readable Alt/Az readout.
package transform

import (
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

// j2000 is the Julian Date of the J2000.0 epoch (January 1, 2000, 12:00:00 TT).
const j2000 = 2451545.0

// JulianDate converts a time.Time (UTC) to Julian Date.
// Uses the standard astronomical algorithm valid for dates after March 1, 4801 BC.
func JulianDate(t time.Time) float64 {
	t = t.UTC()
	y := float64(t.Year())
	m := float64(t.Month())
	d := float64(t.Day())
	h := float64(t.Hour())
	min := float64(t.Minute())
	s := float64(t.Second()) + float64(t.Nanosecond())/1e9

	// Treat Jan/Feb as months 13/14 of the previous year.
	if m <= 2 {
		y -= 1
		m += 12
	}

	A := math.Floor(y / 100)
	B := 2 - A + math.Floor(A/4)

	jd := math.Floor(365.25*(y+4716)) + math.Floor(30.6001*(m+1)) + d + B - 1524.5
	jd += (h + min/60.0 + s/3600.0) / 24.0

	return jd
}

// TimeFromJulianDate is the inverse of JulianDate, rounded to the microsecond.
func TimeFromJulianDate(jd float64) time.Time {
	const unixEpochJD = 2440587.5
	us := math.Round((jd - unixEpochJD) * 86400e6)
	return time.UnixMicro(int64(us)).UTC()
}

// GMST returns Greenwich Mean Sidereal Time in radians, [0, 2π).
// Delegates the IAU-82 polynomial to go-satellite, fed with a
// sub-second Julian Date.
func GMST(t time.Time) float64 {
	g := satellite.ThetaG_JD(JulianDate(t))
	g = math.Mod(g, 2*math.Pi)
	if g < 0 {
		g += 2 * math.Pi
	}
	return g
}

// LocalSiderealTime returns local mean sidereal time in radians, [0, 2π),
// for an east-positive longitude in degrees.
func LocalSiderealTime(t time.Time, lonDeg float64) float64 {
	lst := math.Mod(GMST(t)+lonDeg*math.Pi/180.0, 2*math.Pi)
	if lst < 0 {
		lst += 2 * math.Pi
	}
	return lst
}
