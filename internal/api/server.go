// Package api serves the read-only status surface: probes, metrics, the
// latest tracking report and the SSE report stream.
package api

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/void4/ephemeritrack/internal/auth"
	"github.com/void4/ephemeritrack/internal/health"
	"github.com/void4/ephemeritrack/internal/metrics"
	"github.com/void4/ephemeritrack/internal/tracking"
)

// StatusProvider is the part of the tracking loop the API reads.
type StatusProvider interface {
	State() tracking.State
	Latest() *tracking.Report
	RefillStats() tracking.CoordinatorStats
}

// Server holds the HTTP server and its dependencies.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	State  string                    `json:"state"`
	Report *tracking.Report          `json:"report"`
	Refill tracking.CoordinatorStats `json:"refill"`
}

// NewServer creates a configured HTTP server. stream may be nil to disable
// the SSE endpoint. static, if non-nil, must contain index.html, which is
// served at /; otherwise / returns a JSON index.
func NewServer(addr string, logger *slog.Logger, authCfg auth.Config, status StatusProvider, stream http.HandlerFunc, static fs.FS) *Server {
	mux := http.NewServeMux()

	if static != nil {
		mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
			http.ServeFileFS(w, r, static, "index.html")
		})
	} else {
		mux.HandleFunc("GET /{$}", indexHandler(status))
	}
	mux.HandleFunc("GET /healthz", health.Healthz)
	mux.HandleFunc("GET /readyz", health.Readyz(readiness(status)))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /api/v1/status", statusHandler(status))
	if stream != nil {
		mux.HandleFunc("GET /api/v1/stream/status", stream)
	}

	// Middleware chain: metrics -> logging -> auth -> mux.
	var handler http.Handler = mux
	handler = auth.Middleware(authCfg)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = metrics.Middleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
	}
}

// HTTPServer returns the underlying *http.Server for external control (e.g. shutdown).
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func readiness(status StatusProvider) func() error {
	return func() error {
		if st := status.State(); st != tracking.StateTracking {
			return fmt.Errorf("tracking state %s", st)
		}
		return nil
	}
}

func indexHandler(status StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"service": "ephemeritrack",
			"state":   status.State().String(),
			"status":  "/api/v1/status",
			"stream":  "/api/v1/stream/status",
		})
	}
}

func statusHandler(status StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, StatusResponse{
			State:  status.State().String(),
			Report: status.Latest(),
			Refill: status.RefillStats(),
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// probePath returns true for health/readiness probe paths that should not log at INFO.
func probePath(path string) bool {
	return path == "/healthz" || path == "/readyz"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush keeps the SSE handler's http.Flusher assertion working.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(sr, r)

			duration := time.Since(start)
			level := slog.LevelInfo
			if probePath(r.URL.Path) {
				level = slog.LevelDebug
			}

			logger.Log(r.Context(), level, "request",
				"component", "api",
				"method", r.Method,
				"path", r.URL.Path,
				"status", strconv.Itoa(sr.statusCode),
				"duration_ms", duration.Milliseconds(),
				"remote_ip", r.RemoteAddr,
			)
		})
	}
}
