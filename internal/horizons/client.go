// Package horizons fetches observer ephemerides from the JPL Horizons API
// and turns them into tracking windows.
package horizons

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/void4/ephemeritrack/internal/ephem"
	"github.com/void4/ephemeritrack/internal/tracking"
	"github.com/void4/ephemeritrack/internal/transform"
)

const (
	defaultAPIURL = "https://ssd.jpl.nasa.gov/api/horizons.api"

	// APIVersion is the Horizons API version the parser was written against.
	APIVersion = "1.2"

	// maxResponseBytes caps a single API response body.
	maxResponseBytes = 8 << 20
)

// ClientConfig configures a Client.
type ClientConfig struct {
	URL     string
	Timeout time.Duration
}

// Client is a tracking.WindowSource backed by the Horizons API.
// Safe for concurrent use.
type Client struct {
	apiURL     string
	httpClient *http.Client
	archive    *Archive
	logger     *slog.Logger
}

// NewClient creates a Client. archive may be nil.
func NewClient(config ClientConfig, archive *Archive, logger *slog.Logger) *Client {
	if config.URL == "" {
		config.URL = defaultAPIURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Client{
		apiURL: config.URL,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		archive: archive,
		logger:  logger.With("component", "horizons"),
	}
}

// Fetch requests one sample per epoch of req and returns them as a window.
// Transport, HTTP and API errors wrap tracking.ErrProviderUnavailable; fewer
// than two rows wrap tracking.ErrEmptyResult.
func (c *Client) Fetch(ctx context.Context, req tracking.RefillRequest) (*ephem.Window, error) {
	ctx, span := otel.Tracer("ephemeritrack/horizons").Start(ctx, "horizons.fetch")
	defer span.End()
	span.SetAttributes(
		attribute.String("horizons.target", req.TargetID),
		attribute.String("horizons.center", req.CenterID),
		attribute.Int("horizons.samples", req.SampleCount),
	)

	w, err := c.fetch(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("horizons.rows", w.Len()))

	if c.archive != nil {
		if err := c.archive.Save(w, time.Now()); err != nil {
			c.logger.Warn("archiving window failed", "error", err)
		}
	}
	return w, nil
}

func (c *Client) fetch(ctx context.Context, req tracking.RefillRequest) (*ephem.Window, error) {
	epochs := req.Epochs()
	if len(epochs) < 2 {
		return nil, fmt.Errorf("%w: request needs at least 2 epochs, got %d", tracking.ErrEmptyResult, len(epochs))
	}

	u := c.apiURL + "?" + buildQuery(req.TargetID, req.CenterID, epochs)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tracking.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response body: %v", tracking.ErrProviderUnavailable, err)
	}
	if len(body) > maxResponseBytes {
		return nil, fmt.Errorf("%w: response exceeds %d byte limit", tracking.ErrProviderUnavailable, maxResponseBytes)
	}

	// Horizons reports request errors as JSON with a non-200 status, so the
	// envelope is checked before the status code.
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: non-JSON response (status %d)", tracking.ErrProviderUnavailable, resp.StatusCode)
	}
	env := gjson.ParseBytes(body)
	if msg := env.Get("error"); msg.Exists() {
		return nil, fmt.Errorf("%w: api error: %s", tracking.ErrProviderUnavailable, strings.TrimSpace(msg.String()))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status code %d", tracking.ErrProviderUnavailable, resp.StatusCode)
	}

	if v := env.Get("signature.version").String(); v != APIVersion {
		c.logger.Warn("unexpected Horizons API version", "version", v, "expected", APIVersion)
	}

	result := env.Get("result")
	if !result.Exists() {
		return nil, fmt.Errorf("%w: response has no result field", tracking.ErrProviderUnavailable)
	}

	samples, err := ParseObserverTable(result.String(), c.logger)
	if err != nil {
		return nil, err
	}
	if len(samples) < 2 {
		return nil, fmt.Errorf("%w: %d rows for target %s", tracking.ErrEmptyResult, len(samples), req.TargetID)
	}

	w, err := ephem.NewWindow(samples)
	if err != nil {
		if errors.Is(err, ephem.ErrTooFewSamples) {
			return nil, fmt.Errorf("%w: %v", tracking.ErrEmptyResult, err)
		}
		return nil, fmt.Errorf("%w: %v", tracking.ErrProviderUnavailable, err)
	}

	c.logger.Debug("ephemeris fetched",
		"target", req.TargetID,
		"rows", w.Len(),
		"start", w.Start().UTC().Format(time.RFC3339),
		"end", w.End().UTC().Format(time.RFC3339),
	)
	return w, nil
}

// buildQuery encodes an observer-table request for an explicit epoch list.
// Horizons expects string parameters wrapped in single quotes.
func buildQuery(target, center string, epochs []time.Time) string {
	jds := make([]string, len(epochs))
	for i, e := range epochs {
		jds[i] = "'" + strconv.FormatFloat(transform.JulianDate(e), 'f', 9, 64) + "'"
	}

	q := url.Values{}
	q.Set("format", "json")
	q.Set("COMMAND", quote(target))
	q.Set("OBJ_DATA", "'NO'")
	q.Set("MAKE_EPHEM", "'YES'")
	q.Set("EPHEM_TYPE", "'OBSERVER'")
	q.Set("CENTER", quote(center))
	q.Set("TLIST", strings.Join(jds, " "))
	q.Set("TLIST_TYPE", "'JD'")
	q.Set("QUANTITIES", "'1'")
	q.Set("ANG_FORMAT", "'DEG'")
	q.Set("CSV_FORMAT", "'YES'")
	q.Set("TIME_DIGITS", "'FRACSEC'")
	q.Set("EXTRA_PREC", "'YES'")
	return q.Encode()
}

func quote(s string) string {
	return "'" + strings.Trim(s, "'") + "'"
}
