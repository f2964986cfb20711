package tracking

import (
	"time"

	"golang.org/x/time/rate"
)

// Throttle passes at most one event per interval. The first event always
// passes. Time is supplied by the caller, so the loop's clock drives it.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle creates a Throttle. A non-positive interval lets every event
// through.
func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		return &Throttle{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Allow reports whether an event at now may proceed.
func (t *Throttle) Allow(now time.Time) bool {
	return t.limiter.AllowN(now, 1)
}
