package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/void4/ephemeritrack/internal/mount"
)

func TestPark(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	m := mount.NewDryRun(logger)

	if err := park(context.Background(), m, logger); err != nil {
		t.Fatalf("park: %v", err)
	}
	if !m.Parked() {
		t.Error("mount should be parked")
	}
	s, _ := m.Status(context.Background())
	if s.Tracking {
		t.Error("tracking should be off")
	}
}
