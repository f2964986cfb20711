// Package display renders tracking reports as human-readable status lines.
package display

import (
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/void4/ephemeritrack/internal/tracking"
)

// cursorUpClear moves the cursor up one line and clears it.
const cursorUpClear = "\033[A\033[2K"

// Console writes two lines per report: the target line and, when the mount
// reported status, the device line.
type Console struct {
	mu      sync.Mutex
	w       io.Writer
	inPlace bool
	written int // lines written by the previous report
}

// NewConsole creates a Console. With inPlace set each report overwrites the
// previous one using ANSI cursor movement, for interactive terminals.
func NewConsole(w io.Writer, inPlace bool) *Console {
	return &Console{w: w, inPlace: inPlace}
}

// Report implements tracking.Reporter.
func (c *Console) Report(r tracking.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	if c.inPlace {
		b.WriteString(strings.Repeat(cursorUpClear, c.written))
	}

	lines := Lines(r)
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	io.WriteString(c.w, b.String())
	c.written = len(lines)
}

// Lines formats r without writing it.
func Lines(r tracking.Report) []string {
	held := ""
	if r.Held {
		held = " HELD"
	}
	target := fmt.Sprintf("%s RA: %s (%.5fh) DEC: %s HA: %+.4fh ALT: %.4f° AZ: %.4f° RATE: %.4f''/s%s",
		r.Time.UTC().Format(time.DateTime+".000"),
		HMS(r.RAHours), r.RAHours,
		DMS(r.DecDeg),
		r.HourAngle,
		r.AltDeg, r.AzDeg,
		r.RateArcsec,
		held,
	)
	if r.Mount == nil {
		return []string{target}
	}

	m := r.Mount
	device := fmt.Sprintf("Actual RA: %.5f hours;  Actual Dec: %.4f degs, Axis0 dist: %.1f arcsec, Axis1 dist: %.1f arcsec, error: %.1f arcsec",
		m.RAHours, m.DecDeg, m.Axis0DistArcsec, m.Axis1DistArcsec, r.PointingErrorArcsec)
	return []string{target, device}
}

// HMS formats hours as 00h00m00.00s.
func HMS(hours float64) string {
	h, m, s := sexagesimal(math.Abs(hours), 100)
	sign := ""
	if hours < 0 {
		sign = "-"
	}
	return fmt.Sprintf("%s%02dh%02dm%05.2fs", sign, h, m, s)
}

// DMS formats degrees as +00°00'00.0".
func DMS(deg float64) string {
	d, m, s := sexagesimal(math.Abs(deg), 10)
	sign := "+"
	if deg < 0 {
		sign = "-"
	}
	return fmt.Sprintf("%s%02d°%02d'%04.1f\"", sign, d, m, s)
}

// sexagesimal splits v into whole units, minutes and seconds, rounding to
// 1/scale of a second first so the carry reaches minutes and units.
func sexagesimal(v float64, scale int64) (whole, minutes int, seconds float64) {
	ticks := int64(math.Round(v * 3600 * float64(scale)))
	perMinute := 60 * scale
	whole = int(ticks / (60 * perMinute))
	ticks %= 60 * perMinute
	minutes = int(ticks / perMinute)
	seconds = float64(ticks%perMinute) / float64(scale)
	return whole, minutes, seconds
}
