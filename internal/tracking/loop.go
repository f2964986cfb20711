package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/void4/ephemeritrack/internal/ephem"
	"github.com/void4/ephemeritrack/internal/metrics"
	"github.com/void4/ephemeritrack/internal/mount"
	"github.com/void4/ephemeritrack/internal/transform"
)

// State is the tracking loop lifecycle position.
type State int32

const (
	StateUninitialized State = iota
	StateConnecting
	StateTracking
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateTracking:
		return "tracking"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// shutdownTimeout bounds the device commands issued after the loop ends.
const shutdownTimeout = 10 * time.Second

// Config holds loop configuration.
type Config struct {
	TargetID    string
	CenterID    string
	Interval    time.Duration // sample spacing and refill lead time
	SampleCount int

	TickInterval    time.Duration // default 10ms
	DisplayInterval time.Duration // default 1s
	MaxStaleness    time.Duration // default 3x Interval

	// CommandMode drives the device every tick. Off means dry-run: the
	// loop still connects and reports but never issues goto commands.
	CommandMode bool
	ParkOnStop  bool

	Observer transform.Observer

	FetchTimeout   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffJitter  float64
	PrimeAttempts  uint
}

func (c *Config) setDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Millisecond
	}
	if c.DisplayInterval <= 0 {
		c.DisplayInterval = time.Second
	}
	if c.MaxStaleness <= 0 {
		c.MaxStaleness = 3 * c.Interval
	}
}

// Clock supplies the loop's notion of now.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Option configures a Loop.
type Option func(*Loop)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(l *Loop) { l.clock = c }
}

// WithReporters registers receivers for throttled reports.
func WithReporters(r ...Reporter) Option {
	return func(l *Loop) { l.reporters = append(l.reporters, r...) }
}

// WithInitialWindow offers a previously saved window. It is used only if it
// still covers the start time; otherwise the loop fetches a fresh one.
func WithInitialWindow(w *ephem.Window) Option {
	return func(l *Loop) { l.seed = w }
}

// Loop is the real-time tracking control loop.
type Loop struct {
	config    Config
	mount     mount.Mount
	coord     *Coordinator
	clock     Clock
	reporters []Reporter
	seed      *ephem.Window
	logger    *slog.Logger

	state  atomic.Int32
	latest atomic.Pointer[Report]

	// Owned by the loop goroutine.
	active      *ephem.Window
	throttle    *Throttle
	errThrottle *Throttle
	held        bool
	connected   bool
}

// NewLoop creates a tracking loop that drives m from windows produced by source.
func NewLoop(config Config, m mount.Mount, source WindowSource, logger *slog.Logger, opts ...Option) *Loop {
	config.setDefaults()

	l := &Loop{
		config: config,
		mount:  m,
		clock:  systemClock{},
		logger: logger.With("component", "tracking"),
		coord: NewCoordinator(source, CoordinatorConfig{
			TargetID:       config.TargetID,
			CenterID:       config.CenterID,
			Interval:       config.Interval,
			SampleCount:    config.SampleCount,
			FetchTimeout:   config.FetchTimeout,
			BackoffInitial: config.BackoffInitial,
			BackoffMax:     config.BackoffMax,
			BackoffJitter:  config.BackoffJitter,
			PrimeAttempts:  config.PrimeAttempts,
		}, logger),
		throttle:    NewThrottle(config.DisplayInterval),
		errThrottle: NewThrottle(5 * time.Second),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.setState(StateUninitialized)
	return l
}

// State returns the lifecycle state. Safe for concurrent use.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Latest returns the most recent report, or nil before the first one.
// Safe for concurrent use.
func (l *Loop) Latest() *Report {
	return l.latest.Load()
}

// RefillStats returns the prefetch counters. Safe for concurrent use.
func (l *Loop) RefillStats() CoordinatorStats {
	return l.coord.Stats()
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
	metrics.SetTrackingState(int(s))
}

// Run connects the device, obtains the first window and ticks until ctx is
// cancelled (returns nil, state Stopped) or a fatal error occurs (returns
// the error, state Failed). The background fetch is cancelled and awaited
// before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	if l.State() != StateUninitialized {
		return fmt.Errorf("tracking loop already started (state %s)", l.State())
	}

	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer func() {
		cancelFetch()
		l.coord.Wait()
	}()

	if err := l.connect(ctx); err != nil {
		return l.fail(ctx, err)
	}

	w, err := l.initialWindow(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return l.stop(ctx)
		}
		return l.fail(ctx, err)
	}
	l.promote(w)
	l.setState(StateTracking)
	l.logger.Info("tracking started",
		"target", l.config.TargetID,
		"center", l.config.CenterID,
		"command_mode", l.config.CommandMode,
		"tick_ms", l.config.TickInterval.Milliseconds(),
		"max_staleness_s", l.config.MaxStaleness.Seconds(),
	)

	ticker := time.NewTicker(l.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return l.stop(ctx)
		case <-ticker.C:
			start := time.Now()
			err := l.tick(fetchCtx, l.clock.Now())
			metrics.ObserveTick(time.Since(start), l.config.TickInterval)
			if err != nil {
				return l.fail(ctx, err)
			}
		}
	}
}

func (l *Loop) connect(ctx context.Context) error {
	l.setState(StateConnecting)

	s, err := l.mount.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connecting mount: %w", err)
	}
	l.connected = true
	l.logger.Info("mount connected", "ra_hours", s.RAHours, "dec_deg", s.DecDeg, "tracking", s.Tracking)

	if err := l.mount.EnableTracking(ctx); err != nil {
		return fmt.Errorf("enabling tracking: %w", err)
	}
	return nil
}

func (l *Loop) initialWindow(ctx context.Context) (*ephem.Window, error) {
	now := l.clock.Now()
	if l.seed != nil && l.seed.Covers(now) && !l.seed.NearExhaustion(now, l.config.Interval) {
		l.logger.Info("resuming from saved window",
			"window_start", l.seed.Start().UTC().Format(time.RFC3339),
			"window_end", l.seed.End().UTC().Format(time.RFC3339),
		)
		return l.seed, nil
	}
	return l.coord.Prime(ctx, now)
}

func (l *Loop) promote(w *ephem.Window) {
	l.active = w
	metrics.SetWindowEnd(w.End())
}

// tick runs one control cycle at now.
func (l *Loop) tick(ctx context.Context, now time.Time) error {
	if w := l.coord.Poll(now); w != nil {
		l.promote(w)
	}

	if l.active.NearExhaustion(now, l.config.Interval) {
		l.coord.Request(ctx, now)
	}

	pos, rate, err := l.resolve(now)
	if err != nil {
		return err
	}

	if l.config.CommandMode {
		raHours := ephem.NormalizeRA(pos.RA) / 15
		if err := l.mount.Goto(ctx, raHours, pos.Dec); err != nil {
			metrics.IncMountError("goto")
			if l.errThrottle.Allow(now) {
				l.logger.Warn("goto failed", "error", err)
			}
		}
	}

	if l.throttle.Allow(now) {
		l.report(ctx, now, pos, rate)
	}
	return nil
}

// resolve interpolates the active window at now. An exhausted window holds
// its final sample until the staleness bound is exceeded.
func (l *Loop) resolve(now time.Time) (ephem.Sample, ephem.Rate, error) {
	lo, hi, err := l.active.Bracket(now)
	switch {
	case err == nil:
		l.setHeld(false)
	case errors.Is(err, ephem.ErrWindowExhausted):
		if over := now.Sub(l.active.End()); over > l.config.MaxStaleness {
			return ephem.Sample{}, ephem.Rate{}, fmt.Errorf("%w: window ended %s ago (bound %s), refill: %+v",
				ErrTrackingStalled, over.Truncate(time.Millisecond), l.config.MaxStaleness, l.coord.Stats())
		}
		lo, hi = l.active.Last()
		l.setHeld(true)
	default:
		return ephem.Sample{}, ephem.Rate{}, fmt.Errorf("bracket: %w", err)
	}

	return ephem.Interpolate(lo, hi, now), ephem.EstimateRate(lo, hi), nil
}

func (l *Loop) setHeld(held bool) {
	if held == l.held {
		return
	}
	l.held = held
	metrics.SetPositionHeld(held)
	if held {
		l.logger.Warn("ephemeris window exhausted, holding last position",
			"window_end", l.active.End().UTC().Format(time.RFC3339),
			"refill_state", l.coord.State().String(),
		)
	} else {
		l.logger.Info("tracking resumed on fresh window")
	}
}

func (l *Loop) report(ctx context.Context, now time.Time, pos ephem.Sample, rate ephem.Rate) {
	ra := ephem.NormalizeRA(pos.RA)
	hz := transform.ToHorizontal(ra, pos.Dec, now, l.config.Observer)

	r := &Report{
		Time:       now.UTC(),
		TargetID:   l.config.TargetID,
		RADeg:      ra,
		RAHours:    ra / 15,
		DecDeg:     pos.Dec,
		AltDeg:     hz.AltDeg,
		AzDeg:      hz.AzDeg,
		HourAngle:  transform.HourAngle(ra, now, l.config.Observer),
		RateArcsec: rate.ArcsecPerSec(),
		Held:       l.held,
		WindowEnd:  l.active.End().UTC(),
	}
	metrics.SetRate(r.RateArcsec)

	if l.config.CommandMode {
		s, err := l.mount.Status(ctx)
		if err != nil {
			metrics.IncMountError("status")
			l.logger.Warn("mount status failed", "error", err)
		} else {
			r.Mount = &s
			r.PointingErrorArcsec = s.PointingErrorArcsec()
			metrics.SetPointingError(r.PointingErrorArcsec)
		}
	}

	l.latest.Store(r)
	for _, rep := range l.reporters {
		rep.Report(*r)
	}
}

// stop is the graceful shutdown path.
func (l *Loop) stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if l.connected {
		if err := l.mount.DisableTracking(ctx); err != nil {
			l.logger.Warn("disabling tracking on shutdown failed", "error", err)
		}
		if l.config.ParkOnStop {
			if err := l.mount.Park(ctx); err != nil {
				l.logger.Warn("parking on shutdown failed", "error", err)
			} else {
				l.logger.Info("mount parked")
			}
		}
	}

	l.setState(StateStopped)
	l.logger.Info("tracking stopped")
	return nil
}

// fail is the fatal path: halt any slew, one attempt to disable tracking,
// then Failed. No device commands follow.
func (l *Loop) fail(ctx context.Context, cause error) error {
	l.logger.Error("tracking failed", "error", cause, "state", l.State().String())

	if l.connected {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := l.mount.Stop(ctx); err != nil {
			l.logger.Warn("stopping mount after failure failed", "error", err)
		}
		if err := l.mount.DisableTracking(ctx); err != nil {
			l.logger.Warn("disabling tracking after failure failed", "error", err)
		}
	}

	l.setState(StateFailed)
	return cause
}
