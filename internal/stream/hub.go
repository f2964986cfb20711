// Package stream serves tracking reports as Server-Sent Events. Clients
// connect via GET /api/v1/stream/status and receive every throttled report
// the loop produces.
//
// SSE message format:
//
//	event: status
//	data: {"time":"2023-08-01T00:00:07.5Z","target_id":"-158","ra_deg":10.005,...}
//
// The most recent report, if any, is sent immediately on connect. Keep-alive
// comments (:\n\n) are sent every KeepaliveInterval without traffic.
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/void4/ephemeritrack/internal/httputil"
	"github.com/void4/ephemeritrack/internal/metrics"
	"github.com/void4/ephemeritrack/internal/tracking"
)

// Config holds streaming limits.
type Config struct {
	MaxConcurrentPerIP int           // default 10
	MaxConcurrent      int           // default 256
	KeepaliveInterval  time.Duration // default 30s
	Buffer             int           // reports queued per subscriber, default 16
	TrustProxy         bool
}

func (c *Config) setDefaults() {
	if c.MaxConcurrentPerIP <= 0 {
		c.MaxConcurrentPerIP = 10
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 16
	}
}

// Hub fans reports out to connected SSE clients. It implements
// tracking.Reporter; Report never blocks, and a subscriber whose buffer is
// full misses that report.
type Hub struct {
	config  Config
	limiter *streamLimiter
	logger  *slog.Logger

	mu     sync.Mutex
	subs   map[chan tracking.Report]struct{}
	latest atomic.Pointer[tracking.Report]

	done      chan struct{}
	closeOnce sync.Once
}

// NewHub creates a Hub.
func NewHub(config Config, logger *slog.Logger) *Hub {
	config.setDefaults()
	return &Hub{
		config:  config,
		limiter: newStreamLimiter(config.MaxConcurrentPerIP, config.MaxConcurrent),
		logger:  logger.With("component", "stream"),
		subs:    make(map[chan tracking.Report]struct{}),
		done:    make(chan struct{}),
	}
}

// Report implements tracking.Reporter.
func (h *Hub) Report(r tracking.Report) {
	h.latest.Store(&r)

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- r:
		default:
			metrics.IncStreamErrors("dropped")
		}
	}
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every client. http.Server.Shutdown does not cancel
// in-flight handlers, so streams must be ended explicitly.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) subscribe() chan tracking.Report {
	ch := make(chan tracking.Report, h.config.Buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan tracking.Report) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// HandleStatus serves the SSE report stream.
// GET /api/v1/stream/status
func (h *Hub) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ip := httputil.ClientIP(r, h.config.TrustProxy)
	if !h.limiter.acquire(ip) {
		metrics.IncStreamErrors("rate_limit")
		h.logger.Warn("stream rate limit exceeded",
			"remote_ip", ip,
			"current_count", h.limiter.count(ip),
		)
		writeError(w, http.StatusTooManyRequests, "too many concurrent streams", "30")
		return
	}
	defer h.limiter.release(ip)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "")
		return
	}

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	metrics.IncStreamsActive()
	startTime := time.Now()
	h.logger.Info("stream connected",
		"remote_ip", ip,
		"user_agent", r.Header.Get("User-Agent"),
	)
	defer func() {
		metrics.DecStreamsActive()
		h.logger.Info("stream disconnected",
			"remote_ip", ip,
			"duration_seconds", int(time.Since(startTime).Seconds()),
		)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Clear the server-wide WriteTimeout for this connection.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline", "error", err)
	}

	c := &client{w: w, flusher: flusher, rc: rc, ip: ip, logger: h.logger}

	// Jittered reconnect delay (3-7s) spreads clients out after a restart.
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", 3000+rand.IntN(4000)); err != nil {
		return
	}
	flusher.Flush()

	if latest := h.latest.Load(); latest != nil {
		if err := c.sendEvent("status", latest); err != nil {
			metrics.IncStreamErrors("send_error")
			h.logger.Warn("stream send error", "remote_ip", ip, "error", err)
			return
		}
	}

	keepalive := time.NewTicker(h.config.KeepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case rep := <-ch:
			if err := c.sendEvent("status", rep); err != nil {
				metrics.IncStreamErrors("send_error")
				h.logger.Warn("stream send error", "remote_ip", ip, "error", err)
				return
			}
			keepalive.Reset(h.config.KeepaliveInterval)
		case <-keepalive.C:
			if err := c.sendKeepalive(); err != nil {
				metrics.IncStreamErrors("send_error")
				h.logger.Warn("stream keepalive error", "remote_ip", ip, "error", err)
				return
			}
		}
	}
}

func writeError(w http.ResponseWriter, code int, msg, retryAfter string) {
	w.Header().Set("Content-Type", "application/json")
	if retryAfter != "" {
		w.Header().Set("Retry-After", retryAfter)
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
