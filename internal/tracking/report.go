package tracking

import (
	"time"

	"github.com/void4/ephemeritrack/internal/mount"
)

// Report is one throttled status snapshot of the loop.
type Report struct {
	Time     time.Time `json:"time"`
	TargetID string    `json:"target_id"`

	RADeg   float64 `json:"ra_deg"` // normalized to [0,360)
	RAHours float64 `json:"ra_hours"`
	DecDeg  float64 `json:"dec_deg"`
	AltDeg  float64 `json:"alt_deg"`
	AzDeg   float64 `json:"az_deg"`

	// HourAngle is the local hour angle in hours, (-12, 12].
	HourAngle float64 `json:"hour_angle_hours"`

	RateArcsec float64 `json:"rate_arcsec_per_sec"`

	// Held is true while the window is exhausted and the final sample is
	// being held.
	Held      bool      `json:"held"`
	WindowEnd time.Time `json:"window_end"`

	Mount               *mount.Status `json:"mount,omitempty"`
	PointingErrorArcsec float64       `json:"pointing_error_arcsec,omitempty"`
}

// Reporter receives throttled reports. Report is called on the loop
// goroutine and must not block.
type Reporter interface {
	Report(Report)
}
