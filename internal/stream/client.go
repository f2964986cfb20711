package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const writeDeadline = 30 * time.Second

// client manages a single SSE connection's writes.
type client struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
	ip      string
	logger  *slog.Logger

	messagesSent int64
}

// sendEvent marshals v and writes it as a named SSE event:
//
//	event: <name>\ndata: {json}\n\n
func (c *client) sendEvent(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}

	// Long-lived connection: extend the deadline per write.
	if err := c.rc.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		c.logger.Debug("could not set write deadline", "error", err)
	}

	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	c.flusher.Flush()
	c.messagesSent++
	return nil
}

// sendKeepalive writes an SSE comment line.
func (c *client) sendKeepalive() error {
	if err := c.rc.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		c.logger.Debug("could not set write deadline", "error", err)
	}
	if _, err := fmt.Fprint(c.w, ":\n\n"); err != nil {
		return fmt.Errorf("keepalive write: %w", err)
	}
	c.flusher.Flush()
	return nil
}
