// Package ephem holds ephemeris windows: immutable, time-ordered batches of
// sky coordinates for a moving target, plus the bracket search, linear
// interpolation and rate estimate the tracking loop runs every tick.
//
// Coordinates are J2000 right ascension and declination in degrees. Nothing in
// this package folds RA into [0, 360); a window must carry a continuous
// (unwrapped) RA sequence, see UnwrapRA.
package ephem

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrWindowExhausted is returned by Bracket when the query time is at or
	// past the last sample. Expected in normal operation; triggers a refill.
	ErrWindowExhausted = errors.New("ephemeris window exhausted")

	// ErrStaleWindow is returned by Bracket when the query time precedes the
	// first sample. Indicates a sequencing bug, never clamped.
	ErrStaleWindow = errors.New("ephemeris window is stale")

	// ErrTooFewSamples is returned by NewWindow for fewer than 2 samples.
	ErrTooFewSamples = errors.New("ephemeris window needs at least 2 samples")

	// ErrUnordered is returned by NewWindow when timestamps are not strictly increasing.
	ErrUnordered = errors.New("ephemeris samples must be strictly increasing in time")
)

// Sample is a single ephemeris point.
type Sample struct {
	Time time.Time
	RA   float64 // degrees, J2000
	Dec  float64 // degrees, J2000
}

// StaleWindowError carries the context needed to diagnose a query that
// precedes the active window.
type StaleWindowError struct {
	Query time.Time
	Start time.Time
	End   time.Time
}

func (e *StaleWindowError) Error() string {
	return fmt.Sprintf("query %s precedes window [%s, %s] by %s",
		e.Query.UTC().Format(time.RFC3339Nano),
		e.Start.UTC().Format(time.RFC3339Nano),
		e.End.UTC().Format(time.RFC3339Nano),
		e.Start.Sub(e.Query),
	)
}

// Is reports ErrStaleWindow as a match so callers can use errors.Is.
func (e *StaleWindowError) Is(target error) bool {
	return target == ErrStaleWindow
}

// Window is an immutable, strictly time-ordered sequence of samples.
// Safe for concurrent reads.
type Window struct {
	samples []Sample
}

// NewWindow validates and copies samples into a Window.
func NewWindow(samples []Sample) (*Window, error) {
	if len(samples) < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrTooFewSamples, len(samples))
	}
	for i := 1; i < len(samples); i++ {
		if !samples[i].Time.After(samples[i-1].Time) {
			return nil, fmt.Errorf("%w: sample %d at %s does not follow %s", ErrUnordered, i,
				samples[i].Time.UTC().Format(time.RFC3339Nano),
				samples[i-1].Time.UTC().Format(time.RFC3339Nano))
		}
	}
	owned := make([]Sample, len(samples))
	copy(owned, samples)
	return &Window{samples: owned}, nil
}

// Len returns the number of samples.
func (w *Window) Len() int { return len(w.samples) }

// At returns the i-th sample.
func (w *Window) At(i int) Sample { return w.samples[i] }

// Start returns the timestamp of the first sample.
func (w *Window) Start() time.Time { return w.samples[0].Time }

// End returns the timestamp of the last sample.
func (w *Window) End() time.Time { return w.samples[len(w.samples)-1].Time }

// Samples returns a copy of the samples.
func (w *Window) Samples() []Sample {
	out := make([]Sample, len(w.samples))
	copy(out, w.samples)
	return out
}

// Bracket returns the adjacent pair (lo, hi) with lo.Time <= t < hi.Time.
// Binary search, O(log n).
func (w *Window) Bracket(t time.Time) (lo, hi Sample, err error) {
	if t.Before(w.Start()) {
		return Sample{}, Sample{}, &StaleWindowError{Query: t, Start: w.Start(), End: w.End()}
	}
	if !t.Before(w.End()) {
		return Sample{}, Sample{}, ErrWindowExhausted
	}

	// First index whose timestamp is strictly after t. Guaranteed in [1, n-1].
	i := sort.Search(len(w.samples), func(i int) bool {
		return w.samples[i].Time.After(t)
	})
	return w.samples[i-1], w.samples[i], nil
}

// Last returns the final bracket of the window. Used to hold position once
// the window is exhausted.
func (w *Window) Last() (lo, hi Sample) {
	n := len(w.samples)
	return w.samples[n-2], w.samples[n-1]
}

// NearExhaustion reports whether t is within one interval of the last sample
// (or already past it).
func (w *Window) NearExhaustion(t time.Time, interval time.Duration) bool {
	return !t.Before(w.End().Add(-interval))
}

// Covers reports whether t lies inside [Start, End).
func (w *Window) Covers(t time.Time) bool {
	return !t.Before(w.Start()) && t.Before(w.End())
}
