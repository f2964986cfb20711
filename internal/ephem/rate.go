package ephem

import "math"

// arcsecPerDegree converts degrees to arcseconds.
const arcsecPerDegree = 3600.0

// Rate is the first-order angular rate across a bracket, per axis, in deg/s.
// Constant over the whole bracket.
type Rate struct {
	RA  float64
	Dec float64
}

// EstimateRate computes per-axis rates between two samples. A degenerate
// bracket (zero or negative span) yields a zero rate.
func EstimateRate(lo, hi Sample) Rate {
	dt := hi.Time.Sub(lo.Time).Seconds()
	if dt <= 0 {
		return Rate{}
	}
	return Rate{
		RA:  (hi.RA - lo.RA) / dt,
		Dec: (hi.Dec - lo.Dec) / dt,
	}
}

// DegPerSec returns the combined rate (Euclidean norm of both axes).
func (r Rate) DegPerSec() float64 {
	return math.Hypot(r.RA, r.Dec)
}

// ArcsecPerSec returns the combined rate in arcseconds per second.
func (r Rate) ArcsecPerSec() float64 {
	return r.DegPerSec() * arcsecPerDegree
}
