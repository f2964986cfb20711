package mount

import (
	"context"
	"log/slog"
	"sync"
)

// DryRun is a Mount that never moves hardware. It records the commands it
// receives, which makes it the stand-in device for tests and for the daemon
// when command mode is off.
type DryRun struct {
	mu       sync.Mutex
	status   Status
	gotos    int
	stops    int
	parked   bool
	logger   *slog.Logger
	loggedGo bool
}

// NewDryRun creates a DryRun mount.
func NewDryRun(logger *slog.Logger) *DryRun {
	return &DryRun{logger: logger.With("component", "mount", "mode", "dry_run")}
}

func (d *DryRun) Connect(ctx context.Context) (Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status.Connected = true
	d.logger.Info("dry-run mount connected")
	return d.status, nil
}

func (d *DryRun) Status(ctx context.Context) (Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status, nil
}

func (d *DryRun) EnableTracking(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status.Tracking = true
	return nil
}

func (d *DryRun) DisableTracking(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status.Tracking = false
	return nil
}

func (d *DryRun) Goto(ctx context.Context, raHours, decDeg float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status.RAHours = raHours
	d.status.DecDeg = decDeg
	d.gotos++
	if !d.loggedGo {
		d.loggedGo = true
		d.logger.Debug("dry-run goto", "ra_hours", raHours, "dec_deg", decDeg)
	}
	return nil
}

func (d *DryRun) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status.Slewing = false
	d.stops++
	return nil
}

func (d *DryRun) Park(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parked = true
	d.status.Tracking = false
	return nil
}

// Gotos returns the number of goto commands received.
func (d *DryRun) Gotos() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gotos
}

// Stops returns the number of stop commands received.
func (d *DryRun) Stops() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}

// Parked reports whether Park was called.
func (d *DryRun) Parked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.parked
}
