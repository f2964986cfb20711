package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ephemeritrack_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ephemeritrack_http_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ephemeritrack_ticks_total",
		Help: "Tracking loop ticks executed.",
	})

	tickOverrunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ephemeritrack_tick_overruns_total",
		Help: "Ticks whose work took longer than the tick interval.",
	})

	tickDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ephemeritrack_tick_duration_seconds",
		Help:    "Time spent in one tracking loop tick.",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
	})

	trackingState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ephemeritrack_tracking_state",
		Help: "Tracking loop state (0=uninitialized, 1=connecting, 2=tracking, 3=stopped, 4=failed).",
	})

	refillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ephemeritrack_window_refills_total",
			Help: "Ephemeris window refill attempts by outcome.",
		},
		[]string{"outcome"},
	)

	fetchDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ephemeritrack_window_fetch_duration_seconds",
		Help:    "Duration of ephemeris provider fetches.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	windowEndTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ephemeritrack_window_end_timestamp_seconds",
		Help: "Unix time of the last sample in the active window.",
	})

	positionHeld = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ephemeritrack_position_held",
		Help: "1 while the active window is exhausted and the last position is held.",
	})

	rateArcsec = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ephemeritrack_target_rate_arcsec_per_second",
		Help: "Combined angular rate of the target.",
	})

	pointingErrorArcsec = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ephemeritrack_pointing_error_arcsec",
		Help: "Residual pointing error reported by the mount.",
	})

	mountErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ephemeritrack_mount_errors_total",
			Help: "Failed mount commands by command.",
		},
		[]string{"command"},
	)

	streamsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ephemeritrack_status_streams_active",
		Help: "Open status SSE streams.",
	})

	streamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ephemeritrack_status_stream_errors_total",
			Help: "Status stream errors by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpDurationSeconds,
		ticksTotal,
		tickOverrunsTotal,
		tickDurationSeconds,
		trackingState,
		refillsTotal,
		fetchDurationSeconds,
		windowEndTimestamp,
		positionHeld,
		rateArcsec,
		pointingErrorArcsec,
		mountErrorsTotal,
		streamsActive,
		streamErrorsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTick records one loop tick and whether it overran its budget.
func ObserveTick(d, budget time.Duration) {
	ticksTotal.Inc()
	tickDurationSeconds.Observe(d.Seconds())
	if d > budget {
		tickOverrunsTotal.Inc()
	}
}

// SetTrackingState publishes the loop state as its ordinal.
func SetTrackingState(state int) {
	trackingState.Set(float64(state))
}

// IncRefill counts a refill outcome: requested, succeeded, failed.
func IncRefill(outcome string) {
	refillsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetchDuration records a provider round trip.
func ObserveFetchDuration(d time.Duration) {
	fetchDurationSeconds.Observe(d.Seconds())
}

// SetWindowEnd publishes the end of the active window.
func SetWindowEnd(t time.Time) {
	windowEndTimestamp.Set(float64(t.Unix()))
}

// SetPositionHeld toggles the held-position gauge.
func SetPositionHeld(held bool) {
	if held {
		positionHeld.Set(1)
		return
	}
	positionHeld.Set(0)
}

// SetRate publishes the target rate in arcsec/s.
func SetRate(arcsecPerSec float64) {
	rateArcsec.Set(arcsecPerSec)
}

// SetPointingError publishes the mount's residual pointing error.
func SetPointingError(arcsec float64) {
	pointingErrorArcsec.Set(arcsec)
}

// IncMountError counts a failed mount command.
func IncMountError(command string) {
	mountErrorsTotal.WithLabelValues(command).Inc()
}

// IncStreamsActive / DecStreamsActive track open SSE streams.
func IncStreamsActive() { streamsActive.Inc() }
func DecStreamsActive() { streamsActive.Dec() }

// IncStreamErrors counts stream errors by reason.
func IncStreamErrors(reason string) {
	streamErrorsTotal.WithLabelValues(reason).Inc()
}

// knownRoutes are the only path labels recorded; everything else is "other"
// so scanners cannot blow up label cardinality.
var knownRoutes = map[string]bool{
	"/":                     true,
	"/healthz":              true,
	"/readyz":               true,
	"/metrics":              true,
	"/api/v1/status":        true,
	"/api/v1/stream/status": true,
}

func normalizeRoute(path string) string {
	if knownRoutes[path] {
		return path
	}
	return "other"
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer so SSE works through the middleware.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request count and duration for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		code := strconv.Itoa(rw.statusCode)
		route := normalizeRoute(r.URL.Path)

		httpRequestsTotal.WithLabelValues(route, r.Method, code).Inc()
		httpDurationSeconds.WithLabelValues(route, r.Method).Observe(duration)
	})
}
