// Package mount talks to the pointing device. The tracking loop only sees the
// Mount interface; PWI4 drives a PlaneWave mount over its local HTTP API and
// DryRun stands in when commands are disabled.
package mount

import (
	"context"
	"errors"
	"math"
)

// ErrDeviceUnavailable is returned when the mount cannot be reached or
// refuses to connect. Fatal for the tracking loop.
var ErrDeviceUnavailable = errors.New("pointing device unavailable")

// Mount is the pointing-device collaborator.
type Mount interface {
	Connect(ctx context.Context) (Status, error)
	Status(ctx context.Context) (Status, error)
	EnableTracking(ctx context.Context) error
	DisableTracking(ctx context.Context) error
	// Goto sets a standing J2000 target. It does not wait for the slew.
	Goto(ctx context.Context, raHours, decDeg float64) error
	Stop(ctx context.Context) error
	Park(ctx context.Context) error
}

// Status is a snapshot of the mount as reported by the device.
type Status struct {
	Connected       bool    `json:"connected"`
	Tracking        bool    `json:"tracking"`
	Slewing         bool    `json:"slewing"`
	RAHours         float64 `json:"ra_hours"`
	DecDeg          float64 `json:"dec_deg"`
	Axis0DistArcsec float64 `json:"axis0_dist_arcsec"`
	Axis1DistArcsec float64 `json:"axis1_dist_arcsec"`
}

// PointingErrorArcsec combines both axis distances to target.
func (s Status) PointingErrorArcsec() float64 {
	return math.Hypot(s.Axis0DistArcsec, s.Axis1DistArcsec)
}
