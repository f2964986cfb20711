package horizons

import (
	"bufio"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/void4/ephemeritrack/internal/ephem"
	"github.com/void4/ephemeritrack/internal/tracking"
	"github.com/void4/ephemeritrack/internal/transform"
)

const (
	markerStart = "$$SOE"
	markerEnd   = "$$EOE"
)

var dateLayouts = []string{
	"2006-Jan-02 15:04:05.000",
	"2006-Jan-02 15:04:05",
	"2006-Jan-02 15:04",
}

// ParseObserverTable extracts (time, RA, Dec) rows from the text result of
// a CSV observer ephemeris with QUANTITIES=1 and ANG_FORMAT=DEG. Rows look
// like:
//
//	2023-Aug-01 00:00:00.000, , , 123.4567890, -12.3456789,
//
// Malformed rows are skipped with a warning log. RA is unwrapped so the
// sequence stays continuous across 0/360.
func ParseObserverTable(result string, logger *slog.Logger) ([]ephem.Sample, error) {
	start := strings.Index(result, markerStart)
	end := strings.Index(result, markerEnd)
	if start < 0 || end < 0 || end < start {
		return nil, fmt.Errorf("%w: no ephemeris table in result", tracking.ErrEmptyResult)
	}

	var samples []ephem.Sample
	scanner := bufio.NewScanner(strings.NewReader(result[start+len(markerStart) : end]))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		s, err := parseRow(line)
		if err != nil {
			logger.Warn("skipping malformed ephemeris row", "row", line, "error", err)
			continue
		}
		samples = append(samples, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ephemeris table: %w", err)
	}

	ra := make([]float64, len(samples))
	for i := range samples {
		ra[i] = samples[i].RA
	}
	ephem.UnwrapRA(ra)
	for i := range samples {
		samples[i].RA = ra[i]
	}
	return samples, nil
}

func parseRow(line string) (ephem.Sample, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 5 {
		return ephem.Sample{}, fmt.Errorf("expected at least 5 columns, got %d", len(fields))
	}

	t, err := parseDate(strings.TrimSpace(fields[0]))
	if err != nil {
		return ephem.Sample{}, err
	}
	ra, err := strconv.ParseFloat(strings.TrimSpace(fields[3]), 64)
	if err != nil {
		return ephem.Sample{}, fmt.Errorf("invalid RA %q: %w", fields[3], err)
	}
	dec, err := strconv.ParseFloat(strings.TrimSpace(fields[4]), 64)
	if err != nil {
		return ephem.Sample{}, fmt.Errorf("invalid Dec %q: %w", fields[4], err)
	}
	if dec < -90 || dec > 90 {
		return ephem.Sample{}, fmt.Errorf("Dec %.6f out of range", dec)
	}
	return ephem.Sample{Time: t, RA: ra, Dec: dec}, nil
}

// parseDate reads a Horizons calendar date, or a Julian date when the
// table was produced with CAL_FORMAT='JD'. Dates before the Gregorian
// switch carry a "b" (BC) prefix and are rejected.
func parseDate(s string) (time.Time, error) {
	if jd, err := strconv.ParseFloat(s, 64); err == nil {
		if jd <= 0 {
			return time.Time{}, fmt.Errorf("invalid Julian date %q", s)
		}
		return transform.TimeFromJulianDate(jd), nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}
