// Package tracking keeps a pointing device locked onto a moving target. It
// owns the real-time loop, the background refill of ephemeris windows and the
// throttled status reporting.
package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/void4/ephemeritrack/internal/ephem"
)

var (
	// ErrProviderUnavailable means the ephemeris service could not be reached
	// or answered with an error. Refills back off and retry.
	ErrProviderUnavailable = errors.New("ephemeris provider unavailable")

	// ErrEmptyResult means the provider answered but returned fewer than two
	// usable samples.
	ErrEmptyResult = errors.New("ephemeris provider returned too few samples")

	// ErrTrackingStalled means the active window ran out and no replacement
	// arrived within the staleness bound.
	ErrTrackingStalled = errors.New("tracking stalled: ephemeris window exhausted beyond staleness bound")
)

// RefillRequest describes the window a source should produce.
type RefillRequest struct {
	TargetID    string
	CenterID    string
	Start       time.Time
	SampleCount int
	Interval    time.Duration
}

// Epochs returns the SampleCount sample times starting at Start.
func (r RefillRequest) Epochs() []time.Time {
	if r.SampleCount <= 0 {
		return nil
	}
	epochs := make([]time.Time, r.SampleCount)
	for i := range epochs {
		epochs[i] = r.Start.Add(time.Duration(i) * r.Interval)
	}
	return epochs
}

// End returns the time of the last requested sample.
func (r RefillRequest) End() time.Time {
	if r.SampleCount <= 0 {
		return r.Start
	}
	return r.Start.Add(time.Duration(r.SampleCount-1) * r.Interval)
}

// WindowSource produces ephemeris windows. Fetch is called from a background
// goroutine while the loop keeps reading the previous window, so
// implementations must not share mutable state with returned windows.
type WindowSource interface {
	Fetch(ctx context.Context, req RefillRequest) (*ephem.Window, error)
}

// WindowSourceFunc adapts a function to WindowSource.
type WindowSourceFunc func(ctx context.Context, req RefillRequest) (*ephem.Window, error)

func (f WindowSourceFunc) Fetch(ctx context.Context, req RefillRequest) (*ephem.Window, error) {
	return f(ctx, req)
}
