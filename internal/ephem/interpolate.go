package ephem

import (
	"math"
	"time"
)

// Interpolate blends lo and hi linearly at time t. The fractional position is
// clamped to [0, 1]; RA and Dec are blended independently.
func Interpolate(lo, hi Sample, t time.Time) Sample {
	p := Fraction(lo, hi, t)
	return Sample{
		Time: t,
		RA:   lo.RA*(1-p) + hi.RA*p,
		Dec:  lo.Dec*(1-p) + hi.Dec*p,
	}
}

// Fraction returns (t - lo.Time) / (hi.Time - lo.Time) clamped to [0, 1].
func Fraction(lo, hi Sample, t time.Time) float64 {
	span := hi.Time.Sub(lo.Time)
	if span <= 0 {
		return 0
	}
	p := float64(t.Sub(lo.Time)) / float64(span)
	return math.Max(0, math.Min(1, p))
}

// UnwrapRA rewrites ra in place so that consecutive values never jump by more
// than 180 degrees. A target crossing 0h keeps increasing past 360 (or going
// below 0) instead of jumping back.
func UnwrapRA(ra []float64) {
	for i := 1; i < len(ra); i++ {
		d := ra[i] - ra[i-1]
		for d > 180 {
			ra[i] -= 360
			d -= 360
		}
		for d < -180 {
			ra[i] += 360
			d += 360
		}
	}
}

// NormalizeRA folds an RA in degrees into [0, 360).
func NormalizeRA(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}
