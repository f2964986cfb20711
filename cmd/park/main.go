// Command park connects to the mount, turns tracking off and parks it.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/void4/ephemeritrack/internal/config"
	"github.com/void4/ephemeritrack/internal/mount"
)

func main() {
	configPath := flag.String("config", os.Getenv("EPHEMERITRACK_CONFIG"), "path to YAML config file")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall deadline for the park sequence")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "park")

	cfg, err := config.Load(*configPath, logger)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := park(ctx, mount.NewPWI4(cfg.Mount.URL, cfg.Mount.Timeout, logger), logger); err != nil {
		logger.Error("park failed", "error", err)
		os.Exit(1)
	}
}

func park(ctx context.Context, m mount.Mount, logger *slog.Logger) error {
	s, err := m.Connect(ctx)
	if err != nil {
		return err
	}
	logger.Info("mount connected", "ra_hours", s.RAHours, "dec_deg", s.DecDeg, "tracking", s.Tracking)

	if err := m.DisableTracking(ctx); err != nil {
		return err
	}
	if err := m.Park(ctx); err != nil {
		return err
	}
	logger.Info("mount parked")
	return nil
}
