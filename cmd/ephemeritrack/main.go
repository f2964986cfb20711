package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/void4/ephemeritrack/internal/api"
	"github.com/void4/ephemeritrack/internal/auth"
	"github.com/void4/ephemeritrack/internal/config"
	"github.com/void4/ephemeritrack/internal/display"
	"github.com/void4/ephemeritrack/internal/ephem"
	"github.com/void4/ephemeritrack/internal/horizons"
	"github.com/void4/ephemeritrack/internal/mount"
	"github.com/void4/ephemeritrack/internal/stream"
	"github.com/void4/ephemeritrack/internal/tracing"
	"github.com/void4/ephemeritrack/internal/tracking"
	"github.com/void4/ephemeritrack/internal/transform"
	"github.com/void4/ephemeritrack/web"
)

func main() {
	configPath := flag.String("config", os.Getenv("EPHEMERITRACK_CONFIG"), "path to YAML config file")
	flag.Parse()

	boot := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg, err := config.Load(*configPath, boot)
	if err != nil {
		boot.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log).With("session_id", uuid.NewString())
	os.Exit(run(cfg, logger))
}

func run(cfg *config.Config, logger *slog.Logger) int {
	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Error("tracing init failed", "error", err)
		return 1
	}
	defer tracing.Shutdown(shutdownTracing, logger)

	var m mount.Mount
	if cfg.Tracking.CommandMode {
		m = mount.NewPWI4(cfg.Mount.URL, cfg.Mount.Timeout, logger)
	} else {
		m = mount.NewDryRun(logger)
	}

	var archive *horizons.Archive
	if cfg.Horizons.ArchiveEnabled {
		archive = horizons.NewArchive(cfg.Horizons.ArchiveDir, cfg.Horizons.ArchiveMaxFiles)
	}
	source := horizons.NewClient(horizons.ClientConfig{
		URL:     cfg.Horizons.URL,
		Timeout: cfg.Horizons.Timeout,
	}, archive, logger)

	var reporters []tracking.Reporter
	if cfg.Log.Console {
		inPlace := isatty.IsTerminal(os.Stderr.Fd())
		reporters = append(reporters, display.NewConsole(os.Stderr, inPlace))
	}

	var hub *stream.Hub
	if cfg.HTTP.Enabled {
		hub = stream.NewHub(stream.Config{
			MaxConcurrentPerIP: cfg.HTTP.MaxStreamsPerIP,
			KeepaliveInterval:  cfg.HTTP.KeepaliveInterval,
			Buffer:             cfg.HTTP.StreamBuffer,
			TrustProxy:         cfg.HTTP.TrustProxy,
		}, logger)
		reporters = append(reporters, hub)
	}

	opts := []tracking.Option{tracking.WithReporters(reporters...)}
	if w := loadArchivedWindow(archive, logger); w != nil {
		opts = append(opts, tracking.WithInitialWindow(w))
	}

	loop := tracking.NewLoop(trackingConfig(cfg), m, source, logger, opts...)

	var srv *api.Server
	if cfg.HTTP.Enabled {
		srv = api.NewServer(cfg.HTTP.Addr, logger, auth.Config{
			Enabled: cfg.Auth.Enabled,
			Token:   cfg.Auth.Token,
		}, loop, hub.HandleStatus, web.Content)

		go func() {
			logger.Info("starting server", "addr", cfg.HTTP.Addr, "auth_enabled", cfg.Auth.Enabled)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server listen error", "error", err)
				stop()
			}
		}()
	}

	logger.Info("ephemeritrack starting",
		"target", cfg.Target.ID,
		"target_name", cfg.Target.Name,
		"center", cfg.Target.Center,
		"command_mode", cfg.Tracking.CommandMode,
		"interval_seconds", cfg.Tracking.Interval.Seconds(),
		"sample_count", cfg.Tracking.SampleCount,
	)

	runErr := loop.Run(ctx)

	if srv != nil {
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.HTTPServer().Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}

	if runErr != nil {
		logger.Error("tracking ended with error", "error", runErr, "state", loop.State().String())
		return 1
	}
	logger.Info("ephemeritrack stopped")
	return 0
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func trackingConfig(cfg *config.Config) tracking.Config {
	t := cfg.Tracking
	return tracking.Config{
		TargetID:        cfg.Target.ID,
		CenterID:        cfg.Target.Center,
		Interval:        t.Interval,
		SampleCount:     t.SampleCount,
		TickInterval:    t.TickInterval,
		DisplayInterval: t.DisplayInterval,
		MaxStaleness:    t.EffectiveMaxStaleness(),
		CommandMode:     t.CommandMode,
		ParkOnStop:      t.ParkOnStop,
		Observer:        transform.NewObserver(cfg.Location.Latitude, cfg.Location.Longitude, cfg.Location.Elevation),
		FetchTimeout:    t.FetchTimeout,
		BackoffInitial:  t.BackoffInitial,
		BackoffMax:      t.BackoffMax,
		BackoffJitter:   t.BackoffJitter,
		PrimeAttempts:   t.PrimeAttempts,
	}
}

// loadArchivedWindow returns the newest archived window, or nil. The loop
// decides whether it still covers the current time.
func loadArchivedWindow(archive *horizons.Archive, logger *slog.Logger) *ephem.Window {
	if archive == nil {
		return nil
	}
	w, ts, err := archive.LoadLatest()
	if err != nil {
		if !errors.Is(err, horizons.ErrNoArchive) {
			logger.Warn("failed to load archived window", "error", err)
		}
		return nil
	}
	logger.Info("loaded archived window",
		"saved_at", ts.UTC().Format(time.RFC3339),
		"samples", w.Len(),
		"window_end", w.End().UTC().Format(time.RFC3339),
	)
	return w
}
