package tracking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/void4/ephemeritrack/internal/ephem"
	"github.com/void4/ephemeritrack/internal/mount"
	"github.com/void4/ephemeritrack/internal/transform"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// reportLog collects reports handed to the loop's reporters.
type reportLog struct {
	mu      sync.Mutex
	reports []Report
}

func (r *reportLog) Report(rep Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
}

func (r *reportLog) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

// failingMount refuses to connect.
type failingMount struct{ *mount.DryRun }

func (failingMount) Connect(ctx context.Context) (mount.Status, error) {
	return mount.Status{}, mount.ErrDeviceUnavailable
}

func failingSource() WindowSource {
	return WindowSourceFunc(func(ctx context.Context, req RefillRequest) (*ephem.Window, error) {
		return nil, ErrProviderUnavailable
	})
}

func testConfig() Config {
	return Config{
		TargetID:        "-158",
		CenterID:        "X07",
		Interval:        15 * time.Second,
		SampleCount:     60,
		TickInterval:    10 * time.Millisecond,
		DisplayInterval: time.Second,
		MaxStaleness:    45 * time.Second,
		CommandMode:     true,
		Observer:        transform.NewObserver(-30.52630901637761, -70.85329602458852, 1710),
		BackoffInitial:  15 * time.Second,
		BackoffMax:      15 * time.Second,
		PrimeAttempts:   1,
	}
}

// newTestLoop returns a loop already in the tracking state on w, driven by
// a manual clock.
func newTestLoop(t *testing.T, cfg Config, src WindowSource, m mount.Mount, w *ephem.Window, opts ...Option) (*Loop, *manualClock) {
	t.Helper()
	clock := &manualClock{now: w.Start()}
	l := NewLoop(cfg, m, src, testLogger, append([]Option{WithClock(clock)}, opts...)...)
	l.promote(w)
	l.setState(StateTracking)
	t.Cleanup(l.coord.Wait)
	return l, clock
}

// tickAt advances the clock, runs one tick and lets any fetch it started
// finish, so the next tick sees the result.
func tickAt(l *Loop, clock *manualClock, now time.Time) error {
	clock.Set(now)
	err := l.tick(context.Background(), now)
	l.coord.Wait()
	return err
}

func twoSampleWindow(t *testing.T) *ephem.Window {
	t.Helper()
	w, err := ephem.NewWindow([]ephem.Sample{
		{Time: t0, RA: 10, Dec: 5},
		{Time: t0.Add(15 * time.Second), RA: 10.01, Dec: 5},
	})
	require.NoError(t, err)
	return w
}

func TestMidpointScenario(t *testing.T) {
	dry := mount.NewDryRun(testLogger)
	reports := &reportLog{}
	l, clock := newTestLoop(t, testConfig(), failingSource(), dry, twoSampleWindow(t), WithReporters(reports))

	require.NoError(t, tickAt(l, clock, t0.Add(7500*time.Millisecond)))

	r := l.Latest()
	require.NotNil(t, r)
	assert.InDelta(t, 10.005, r.RADeg, 1e-9)
	assert.InDelta(t, 5.0, r.DecDeg, 1e-9)
	assert.InDelta(t, 10.005/15, r.RAHours, 1e-9)
	assert.InDelta(t, 2.4, r.RateArcsec, 0.001)
	assert.InDelta(t, transform.HourAngle(10.005, t0.Add(7500*time.Millisecond), testConfig().Observer), r.HourAngle, 1e-9)
	assert.False(t, r.Held)
	assert.Equal(t, 1, reports.Len())

	// The goto carried the interpolated position in hours.
	s, err := dry.Status(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 10.005/15, s.RAHours, 1e-9)
	assert.InDelta(t, 5.0, s.DecDeg, 1e-9)
	require.NotNil(t, r.Mount)
}

func TestDryRunModeIssuesNoGoto(t *testing.T) {
	cfg := testConfig()
	cfg.CommandMode = false
	dry := mount.NewDryRun(testLogger)
	l, clock := newTestLoop(t, cfg, failingSource(), dry, twoSampleWindow(t))

	require.NoError(t, tickAt(l, clock, t0.Add(time.Second)))
	assert.Zero(t, dry.Gotos())
	require.NotNil(t, l.Latest())
	assert.Nil(t, l.Latest().Mount, "no device status without command mode")
}

func TestSingleRefillPerExhaustionEpisode(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	src := WindowSourceFunc(func(ctx context.Context, req RefillRequest) (*ephem.Window, error) {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return linearWindow(req)
	})
	l, clock := newTestLoop(t, testConfig(), src, mount.NewDryRun(testLogger), twoSampleWindow(t))

	// Tick well past the end while the fetch is blocked. tickAt would wait
	// for the fetch, so drive tick directly here.
	for ms := 0; ms < 30000; ms += 10 {
		now := t0.Add(time.Duration(ms) * time.Millisecond)
		clock.Set(now)
		require.NoError(t, l.tick(context.Background(), now))
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, CoordinatorFetching, l.coord.State())
	require.True(t, l.Latest().Held)

	close(release)
	l.coord.Wait()

	now := t0.Add(30 * time.Second)
	require.NoError(t, tickAt(l, clock, now))
	assert.False(t, l.Latest().Held, "fresh window promoted")
	assert.True(t, l.active.Covers(now))
	assert.Equal(t, int32(1), calls.Load(), "fresh window is not near exhaustion")
}

func TestRefillWindowCoversNow(t *testing.T) {
	var got RefillRequest
	src := WindowSourceFunc(func(ctx context.Context, req RefillRequest) (*ephem.Window, error) {
		got = req
		return linearWindow(req)
	})
	l, clock := newTestLoop(t, testConfig(), src, mount.NewDryRun(testLogger), twoSampleWindow(t))

	now := t0.Add(7*time.Second + 250*time.Millisecond)
	require.NoError(t, tickAt(l, clock, now))
	assert.False(t, got.Start.After(now.Add(-got.Interval)))

	require.NoError(t, tickAt(l, clock, now.Add(10*time.Millisecond)))
	assert.Equal(t, got.Start, l.active.Start(), "refilled window promoted")
	_, _, err := l.active.Bracket(now)
	assert.NoError(t, err)
}

func TestTrackingStalledAfterStalenessBound(t *testing.T) {
	var calls atomic.Int32
	src := WindowSourceFunc(func(ctx context.Context, req RefillRequest) (*ephem.Window, error) {
		calls.Add(1)
		return nil, ErrProviderUnavailable
	})
	l, clock := newTestLoop(t, testConfig(), src, mount.NewDryRun(testLogger), twoSampleWindow(t))

	// Window ends at t0+15s; bound is 45s, so t0+60s still holds.
	for s := 0; s <= 60; s++ {
		err := tickAt(l, clock, t0.Add(time.Duration(s)*time.Second))
		require.NoError(t, err, "tick at +%ds", s)
	}
	assert.True(t, l.Latest().Held)
	assert.InDelta(t, 10.01, l.Latest().RADeg, 1e-9, "holds the final sample")

	err := tickAt(l, clock, t0.Add(61*time.Second))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTrackingStalled), "got %v", err)

	// Attempts at +0, +16, +32 and +48 (backoff 15s after each failed poll).
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, int64(4), l.RefillStats().Failures)
}

func TestStaleWindowIsFatal(t *testing.T) {
	l, clock := newTestLoop(t, testConfig(), failingSource(), mount.NewDryRun(testLogger), twoSampleWindow(t))

	err := tickAt(l, clock, t0.Add(-time.Second))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ephem.ErrStaleWindow))

	var stale *ephem.StaleWindowError
	require.True(t, errors.As(err, &stale))
	assert.Equal(t, t0, stale.Start)
}

func TestStatusThrottledIndependentOfTicks(t *testing.T) {
	w, err := linearWindow(RefillRequest{Start: t0, SampleCount: 60, Interval: 15 * time.Second})
	require.NoError(t, err)

	dry := mount.NewDryRun(testLogger)
	reports := &reportLog{}
	l, clock := newTestLoop(t, testConfig(), failingSource(), dry, w, WithReporters(reports))

	// 3s at 100 Hz.
	for ms := 0; ms < 3000; ms += 10 {
		require.NoError(t, tickAt(l, clock, t0.Add(time.Duration(ms)*time.Millisecond)))
	}
	assert.Equal(t, 300, dry.Gotos(), "goto every tick")
	assert.Equal(t, 3, reports.Len(), "one report per display interval")
}

func TestRunDeviceUnavailable(t *testing.T) {
	m := failingMount{mount.NewDryRun(testLogger)}
	l := NewLoop(testConfig(), m, failingSource(), testLogger)

	err := l.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, mount.ErrDeviceUnavailable))
	assert.Equal(t, StateFailed, l.State())
}

func TestRunFailsWithoutInitialWindow(t *testing.T) {
	dry := mount.NewDryRun(testLogger)
	l := NewLoop(testConfig(), dry, failingSource(), testLogger)

	err := l.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
	assert.Equal(t, StateFailed, l.State())

	s, _ := dry.Status(context.Background())
	assert.False(t, s.Tracking, "tracking disabled after failure")
	assert.Equal(t, 1, dry.Stops(), "mount halted once after failure")
}

func TestRunGracefulStop(t *testing.T) {
	now := time.Now()
	w, err := linearWindow(RefillRequest{Start: now.Add(-time.Minute), SampleCount: 60, Interval: 15 * time.Second})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.ParkOnStop = true
	dry := mount.NewDryRun(testLogger)
	reports := &reportLog{}
	l := NewLoop(cfg, dry, failingSource(), testLogger, WithInitialWindow(w), WithReporters(reports))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool {
		return l.State() == StateTracking && reports.Len() > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Positive(t, dry.Gotos())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	assert.Equal(t, StateStopped, l.State())
	assert.True(t, dry.Parked())
	s, _ := dry.Status(context.Background())
	assert.False(t, s.Tracking)
}

func TestRunRejectsSecondStart(t *testing.T) {
	m := failingMount{mount.NewDryRun(testLogger)}
	l := NewLoop(testConfig(), m, failingSource(), testLogger)
	_ = l.Run(context.Background())

	err := l.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
}

func TestThrottle(t *testing.T) {
	th := NewThrottle(time.Second)
	assert.True(t, th.Allow(t0), "first event passes")
	assert.False(t, th.Allow(t0.Add(10*time.Millisecond)))
	assert.False(t, th.Allow(t0.Add(999*time.Millisecond)))
	assert.True(t, th.Allow(t0.Add(time.Second)))
	assert.False(t, th.Allow(t0.Add(1500*time.Millisecond)))

	open := NewThrottle(0)
	for i := 0; i < 10; i++ {
		assert.True(t, open.Allow(t0))
	}
}
