package ephem

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2023, 8, 1, 0, 0, 0, 0, time.UTC)

// evenWindow builds n samples spaced by step, RA rising 0.01 deg per step.
func evenWindow(t *testing.T, n int, step time.Duration) *Window {
	t.Helper()
	samples := make([]Sample, n)
	for i := range samples {
		samples[i] = Sample{
			Time: t0.Add(time.Duration(i) * step),
			RA:   10 + 0.01*float64(i),
			Dec:  5 - 0.002*float64(i),
		}
	}
	w, err := NewWindow(samples)
	require.NoError(t, err)
	return w
}

func TestNewWindowValidation(t *testing.T) {
	tests := []struct {
		name    string
		samples []Sample
		wantErr error
	}{
		{
			name:    "empty",
			samples: nil,
			wantErr: ErrTooFewSamples,
		},
		{
			name:    "single sample",
			samples: []Sample{{Time: t0}},
			wantErr: ErrTooFewSamples,
		},
		{
			name:    "duplicate timestamps",
			samples: []Sample{{Time: t0}, {Time: t0}},
			wantErr: ErrUnordered,
		},
		{
			name:    "decreasing timestamps",
			samples: []Sample{{Time: t0.Add(time.Second)}, {Time: t0}},
			wantErr: ErrUnordered,
		},
		{
			name:    "valid pair",
			samples: []Sample{{Time: t0}, {Time: t0.Add(15 * time.Second)}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewWindow(tt.samples)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, w)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, len(tt.samples), w.Len())
		})
	}
}

func TestNewWindowCopiesInput(t *testing.T) {
	samples := []Sample{{Time: t0, RA: 1}, {Time: t0.Add(time.Second), RA: 2}}
	w, err := NewWindow(samples)
	require.NoError(t, err)

	samples[0].RA = 99
	assert.Equal(t, 1.0, w.At(0).RA, "window must not alias caller's slice")

	out := w.Samples()
	out[1].RA = 99
	assert.Equal(t, 2.0, w.At(1).RA, "Samples must return a copy")
}

func TestBracketErrors(t *testing.T) {
	w := evenWindow(t, 4, 15*time.Second)

	_, _, err := w.Bracket(t0.Add(-time.Millisecond))
	require.ErrorIs(t, err, ErrStaleWindow)
	var stale *StaleWindowError
	require.True(t, errors.As(err, &stale))
	assert.True(t, stale.Start.Equal(t0))
	assert.Contains(t, err.Error(), "precedes window")

	_, _, err = w.Bracket(w.End())
	require.ErrorIs(t, err, ErrWindowExhausted)

	_, _, err = w.Bracket(w.End().Add(time.Hour))
	require.ErrorIs(t, err, ErrWindowExhausted)
}

func TestBracketExactTimestamps(t *testing.T) {
	w := evenWindow(t, 5, 15*time.Second)

	// A query exactly on sample i (i < last) returns (i, i+1).
	for i := 0; i < w.Len()-1; i++ {
		lo, hi, err := w.Bracket(w.At(i).Time)
		require.NoError(t, err)
		assert.Equal(t, w.At(i), lo)
		assert.Equal(t, w.At(i+1), hi)
	}
}

// TestBracketProperty checks lo.Time <= t < hi.Time and adjacency for random
// windows and random query times.
func TestBracketProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 200; trial++ {
		n := 2 + rng.Intn(60)
		samples := make([]Sample, n)
		ts := t0
		for i := range samples {
			ts = ts.Add(time.Duration(1+rng.Intn(30_000)) * time.Millisecond)
			samples[i] = Sample{Time: ts, RA: rng.Float64() * 360, Dec: rng.Float64()*180 - 90}
		}
		w, err := NewWindow(samples)
		require.NoError(t, err)

		span := w.End().Sub(w.Start())
		for q := 0; q < 50; q++ {
			qt := w.Start().Add(time.Duration(rng.Int63n(int64(span))))
			lo, hi, err := w.Bracket(qt)
			require.NoError(t, err)
			assert.False(t, qt.Before(lo.Time), "lo after query")
			assert.True(t, qt.Before(hi.Time), "hi not after query")

			idx := sortIndex(samples, lo)
			require.GreaterOrEqual(t, idx, 0)
			require.Less(t, idx+1, n)
			assert.Equal(t, samples[idx+1], hi, "bracket must be adjacent")
		}
	}
}

func sortIndex(samples []Sample, s Sample) int {
	for i := range samples {
		if samples[i] == s {
			return i
		}
	}
	return -1
}

func TestNearExhaustion(t *testing.T) {
	w := evenWindow(t, 4, 15*time.Second) // ends at t0+45s
	interval := 15 * time.Second

	assert.False(t, w.NearExhaustion(t0.Add(29*time.Second), interval))
	assert.True(t, w.NearExhaustion(t0.Add(30*time.Second), interval))
	assert.True(t, w.NearExhaustion(t0.Add(2*time.Minute), interval))
}

func TestLastAndCovers(t *testing.T) {
	w := evenWindow(t, 3, 10*time.Second)
	lo, hi := w.Last()
	assert.Equal(t, w.At(1), lo)
	assert.Equal(t, w.At(2), hi)

	assert.True(t, w.Covers(t0))
	assert.False(t, w.Covers(w.End()))
	assert.False(t, w.Covers(t0.Add(-time.Nanosecond)))
}

func TestInterpolateEndpoints(t *testing.T) {
	lo := Sample{Time: t0, RA: 10, Dec: 5}
	hi := Sample{Time: t0.Add(15 * time.Second), RA: 10.01, Dec: 4.5}

	at := Interpolate(lo, hi, lo.Time)
	assert.Equal(t, lo.RA, at.RA)
	assert.Equal(t, lo.Dec, at.Dec)

	near := Interpolate(lo, hi, hi.Time.Add(-time.Nanosecond))
	assert.InDelta(t, hi.RA, near.RA, 1e-9)
	assert.InDelta(t, hi.Dec, near.Dec, 1e-9)

	// Clamped outside the bracket.
	before := Interpolate(lo, hi, lo.Time.Add(-time.Minute))
	assert.Equal(t, lo.RA, before.RA)
	after := Interpolate(lo, hi, hi.Time.Add(time.Minute))
	assert.Equal(t, hi.RA, after.RA)
	assert.Equal(t, hi.Dec, after.Dec)
}

func TestInterpolateMonotonic(t *testing.T) {
	rising := [2]Sample{{Time: t0, RA: 100, Dec: -20}, {Time: t0.Add(time.Minute), RA: 101, Dec: -19}}
	falling := [2]Sample{{Time: t0, RA: 101, Dec: -19}, {Time: t0.Add(time.Minute), RA: 100, Dec: -20}}

	prevR := Interpolate(rising[0], rising[1], t0)
	prevF := Interpolate(falling[0], falling[1], t0)
	for ms := 100; ms <= 60_000; ms += 100 {
		ts := t0.Add(time.Duration(ms) * time.Millisecond)
		r := Interpolate(rising[0], rising[1], ts)
		f := Interpolate(falling[0], falling[1], ts)
		assert.GreaterOrEqual(t, r.RA, prevR.RA)
		assert.GreaterOrEqual(t, r.Dec, prevR.Dec)
		assert.LessOrEqual(t, f.RA, prevF.RA)
		assert.LessOrEqual(t, f.Dec, prevF.Dec)
		prevR, prevF = r, f
	}
}

func TestMidpointScenario(t *testing.T) {
	w, err := NewWindow([]Sample{
		{Time: t0, RA: 10, Dec: 5},
		{Time: t0.Add(15 * time.Second), RA: 10.01, Dec: 5},
	})
	require.NoError(t, err)

	q := t0.Add(7500 * time.Millisecond)
	lo, hi, err := w.Bracket(q)
	require.NoError(t, err)

	pos := Interpolate(lo, hi, q)
	assert.InDelta(t, 10.005, pos.RA, 1e-9)
	assert.InDelta(t, 5.0, pos.Dec, 1e-12)

	rate := EstimateRate(lo, hi)
	assert.InDelta(t, 2.4, rate.ArcsecPerSec(), 1e-6)
}

func TestEstimateRate(t *testing.T) {
	lo := Sample{Time: t0, RA: 10, Dec: 5}
	hi := Sample{Time: t0.Add(15 * time.Second), RA: 10.01, Dec: 5}

	r := EstimateRate(lo, hi)
	assert.InDelta(t, 0.000667, r.RA, 1e-6)
	assert.Equal(t, 0.0, r.Dec)
	assert.InDelta(t, 2.4, r.ArcsecPerSec(), 1e-9)

	// Both axes contribute via the Euclidean norm.
	hi.Dec = 5 + 0.0075
	r = EstimateRate(lo, hi)
	assert.InDelta(t, math.Hypot(0.01, 0.0075)/15*3600, r.ArcsecPerSec(), 1e-9)

	assert.Equal(t, Rate{}, EstimateRate(lo, lo), "degenerate bracket yields zero rate")
}

func TestUnwrapAndNormalizeRA(t *testing.T) {
	ra := []float64{359.8, 359.9, 0.0, 0.1}
	UnwrapRA(ra)
	assert.InDeltaSlice(t, []float64{359.8, 359.9, 360.0, 360.1}, ra, 1e-9)

	down := []float64{0.1, 0.0, 359.9}
	UnwrapRA(down)
	assert.InDeltaSlice(t, []float64{0.1, 0.0, -0.1}, down, 1e-9)

	assert.InDelta(t, 0.1, NormalizeRA(360.1), 1e-9)
	assert.InDelta(t, 359.9, NormalizeRA(-0.1), 1e-9)
	assert.Equal(t, 0.0, NormalizeRA(720))
}
