package mount

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultPWI4URL = "http://localhost:8220"

	// maxStatusBytes caps a single PWI4 response body.
	maxStatusBytes = 1 << 20
)

// PWI4 drives a PlaneWave mount through the PWI4 HTTP API. Every PWI4
// endpoint answers with the full status as key=value lines.
type PWI4 struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewPWI4 creates a PWI4 client. An empty baseURL uses http://localhost:8220.
func NewPWI4(baseURL string, timeout time.Duration, logger *slog.Logger) *PWI4 {
	if baseURL == "" {
		baseURL = defaultPWI4URL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PWI4{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("component", "mount"),
	}
}

// Connect connects the mount if it is not already connected.
func (p *PWI4) Connect(ctx context.Context) (Status, error) {
	ctx, span := otel.Tracer("ephemeritrack/mount").Start(ctx, "pwi4.connect")
	defer span.End()

	s, err := p.Status(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Status{}, err
	}
	p.logger.Info("mount status", "connected", s.Connected, "ra_hours", s.RAHours, "dec_deg", s.DecDeg)

	if !s.Connected {
		p.logger.Info("connecting to mount")
		s, err = p.call(ctx, "/mount/connect", nil)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return Status{}, err
		}
	}
	span.SetAttributes(attribute.Bool("mount.connected", s.Connected))
	if !s.Connected {
		span.SetStatus(codes.Error, "mount did not connect")
		return s, fmt.Errorf("%w: mount reports is_connected=false after connect", ErrDeviceUnavailable)
	}
	return s, nil
}

// Status reads the current mount status.
func (p *PWI4) Status(ctx context.Context) (Status, error) {
	return p.call(ctx, "/status", nil)
}

// EnableTracking turns sidereal tracking on.
func (p *PWI4) EnableTracking(ctx context.Context) error {
	_, err := p.call(ctx, "/mount/tracking_on", nil)
	return err
}

// DisableTracking turns tracking off.
func (p *PWI4) DisableTracking(ctx context.Context) error {
	_, err := p.call(ctx, "/mount/tracking_off", nil)
	return err
}

// Goto sets a J2000 target. PWI4 returns immediately; the slew continues
// in the background.
func (p *PWI4) Goto(ctx context.Context, raHours, decDeg float64) error {
	q := url.Values{}
	q.Set("ra_hours", strconv.FormatFloat(raHours, 'f', 8, 64))
	q.Set("dec_degs", strconv.FormatFloat(decDeg, 'f', 8, 64))
	_, err := p.call(ctx, "/mount/goto_ra_dec_j2000", q)
	return err
}

// Stop halts any motion.
func (p *PWI4) Stop(ctx context.Context) error {
	_, err := p.call(ctx, "/mount/stop", nil)
	return err
}

// Park sends the mount to its park position.
func (p *PWI4) Park(ctx context.Context) error {
	_, err := p.call(ctx, "/mount/park", nil)
	return err
}

// call performs a GET against path and parses the returned status.
func (p *PWI4) call(ctx context.Context, path string, q url.Values) (Status, error) {
	u := p.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Status{}, fmt.Errorf("creating request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Status{}, fmt.Errorf("%w: %s: unexpected status code %d: %s",
			ErrDeviceUnavailable, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	s, err := parseStatus(io.LimitReader(resp.Body, maxStatusBytes))
	if err != nil {
		return Status{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// parseStatus reads PWI4 key=value status lines. Unknown keys are ignored.
func parseStatus(r io.Reader) (Status, error) {
	var s Status
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}

		var err error
		switch key {
		case "mount.is_connected":
			s.Connected, err = strconv.ParseBool(value)
		case "mount.is_tracking":
			s.Tracking, err = strconv.ParseBool(value)
		case "mount.is_slewing":
			s.Slewing, err = strconv.ParseBool(value)
		case "mount.ra_j2000_hours":
			s.RAHours, err = strconv.ParseFloat(value, 64)
		case "mount.dec_j2000_degs":
			s.DecDeg, err = strconv.ParseFloat(value, 64)
		case "mount.axis0.dist_to_target_arcsec":
			s.Axis0DistArcsec, err = strconv.ParseFloat(value, 64)
		case "mount.axis1.dist_to_target_arcsec":
			s.Axis1DistArcsec, err = strconv.ParseFloat(value, 64)
		}
		if err != nil {
			return Status{}, fmt.Errorf("parsing status field %s=%q: %w", key, value, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return Status{}, fmt.Errorf("reading status: %w", err)
	}
	return s, nil
}
