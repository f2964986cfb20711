package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/void4/ephemeritrack/internal/ephem"
	"github.com/void4/ephemeritrack/internal/metrics"
)

// CoordinatorState is the refill state machine position.
type CoordinatorState int32

const (
	CoordinatorIdle CoordinatorState = iota
	CoordinatorFetching
	CoordinatorReady
)

func (s CoordinatorState) String() string {
	switch s {
	case CoordinatorIdle:
		return "idle"
	case CoordinatorFetching:
		return "fetching"
	case CoordinatorReady:
		return "ready"
	default:
		return fmt.Sprintf("CoordinatorState(%d)", int32(s))
	}
}

// MinSampleCount is the smallest window that, after the one-interval
// backdate, still ends more than one interval past the request time.
const MinSampleCount = 4

// CoordinatorConfig controls refill requests and retry pacing.
type CoordinatorConfig struct {
	TargetID    string
	CenterID    string
	Interval    time.Duration // sample spacing and backdate offset
	SampleCount int           // raised to MinSampleCount if smaller

	FetchTimeout   time.Duration // per-attempt provider deadline (0 = none)
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffJitter  float64 // randomization factor in [0,1)

	PrimeAttempts uint // bounded retries for the startup fetch
}

// CoordinatorStats is a snapshot of refill counters.
type CoordinatorStats struct {
	State               string    `json:"state"`
	Attempts            int64     `json:"attempts"`
	Failures            int64     `json:"failures"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	NextAttempt         time.Time `json:"next_attempt,omitzero"`
}

type fetchResult struct {
	req     RefillRequest
	window  *ephem.Window
	err     error
	elapsed time.Duration
}

// Coordinator refills the ephemeris window in the background.
//
// Request and Poll must be called from a single goroutine (the tracking loop).
// The fetch goroutine writes its result into a one-element handoff slot
// exactly once; Poll swaps it out exactly once. Only Poll returns the state
// machine to Idle, so at most one fetch is in flight at any time.
type Coordinator struct {
	source WindowSource
	config CoordinatorConfig
	logger *slog.Logger

	state atomic.Int32
	slot  atomic.Pointer[fetchResult]
	wg    sync.WaitGroup

	// Owned by the loop goroutine.
	backoff     *backoff.ExponentialBackOff
	nextAttempt time.Time

	attempts    atomic.Int64
	failures    atomic.Int64
	consecutive atomic.Int64

	statsMu             sync.Mutex
	lastErr             string
	nextAttemptSnapshot time.Time
}

// NewCoordinator creates a Coordinator in the Idle state.
func NewCoordinator(source WindowSource, config CoordinatorConfig, logger *slog.Logger) *Coordinator {
	if config.SampleCount < MinSampleCount {
		config.SampleCount = MinSampleCount
	}
	if config.BackoffInitial <= 0 {
		config.BackoffInitial = config.Interval
	}
	if config.BackoffMax < config.BackoffInitial {
		config.BackoffMax = config.BackoffInitial
	}
	if config.PrimeAttempts == 0 {
		config.PrimeAttempts = 5
	}

	return &Coordinator{
		source:  source,
		config:  config,
		logger:  logger.With("component", "prefetch"),
		backoff: newBackOff(config),
	}
}

func newBackOff(config CoordinatorConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.BackoffInitial
	b.MaxInterval = config.BackoffMax
	b.RandomizationFactor = config.BackoffJitter
	b.Reset()
	return b
}

// State returns the current state.
func (c *Coordinator) State() CoordinatorState {
	return CoordinatorState(c.state.Load())
}

// NewRequest builds the refill request for a loop running at now. Start is
// backdated one interval and truncated to the second, so the new window's
// first bracket already covers now.
func (c *Coordinator) NewRequest(now time.Time) RefillRequest {
	return RefillRequest{
		TargetID:    c.config.TargetID,
		CenterID:    c.config.CenterID,
		Start:       now.Add(-c.config.Interval).Truncate(time.Second),
		SampleCount: c.config.SampleCount,
		Interval:    c.config.Interval,
	}
}

// Request starts a background fetch if the coordinator is Idle and outside
// its backoff gate. It reports whether a fetch was started; repeated calls
// while a fetch is in flight or awaiting Poll are no-ops.
func (c *Coordinator) Request(ctx context.Context, now time.Time) bool {
	if now.Before(c.nextAttempt) {
		return false
	}
	if !c.state.CompareAndSwap(int32(CoordinatorIdle), int32(CoordinatorFetching)) {
		return false
	}

	req := c.NewRequest(now)
	c.attempts.Add(1)
	metrics.IncRefill("requested")
	c.logger.Info("refill requested",
		"start", req.Start.UTC().Format(time.RFC3339),
		"end", req.End().UTC().Format(time.RFC3339),
		"samples", req.SampleCount,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res := c.fetch(ctx, req)
		// Ready is published before the slot so Poll never sees a result
		// while the state still reads Fetching.
		c.state.Store(int32(CoordinatorReady))
		c.slot.Store(res)
	}()
	return true
}

func (c *Coordinator) fetch(ctx context.Context, req RefillRequest) *fetchResult {
	if c.config.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.FetchTimeout)
		defer cancel()
	}

	start := time.Now()
	w, err := c.source.Fetch(ctx, req)
	elapsed := time.Since(start)
	metrics.ObserveFetchDuration(elapsed)

	if err == nil && w == nil {
		err = ErrEmptyResult
	}
	return &fetchResult{req: req, window: w, err: err, elapsed: elapsed}
}

// Poll hands over a completed fetch. It returns the new window on success
// and nil when nothing is ready or the fetch failed. A failure schedules the
// next allowed Request using exponential backoff.
func (c *Coordinator) Poll(now time.Time) *ephem.Window {
	res := c.slot.Swap(nil)
	if res == nil {
		return nil
	}
	defer c.state.Store(int32(CoordinatorIdle))

	if res.err != nil {
		c.recordFailure(now, res.err)
		c.logger.Warn("refill failed",
			"error", res.err,
			"elapsed_ms", res.elapsed.Milliseconds(),
			"consecutive_failures", c.consecutive.Load(),
			"next_attempt", c.nextAttempt.UTC().Format(time.RFC3339),
		)
		return nil
	}

	c.recordSuccess()
	c.logger.Info("refill ready",
		"window_start", res.window.Start().UTC().Format(time.RFC3339),
		"window_end", res.window.End().UTC().Format(time.RFC3339),
		"samples", res.window.Len(),
		"elapsed_ms", res.elapsed.Milliseconds(),
	)
	return res.window
}

func (c *Coordinator) recordFailure(now time.Time, err error) {
	c.failures.Add(1)
	c.consecutive.Add(1)
	metrics.IncRefill("failed")

	c.nextAttempt = now.Add(c.backoff.NextBackOff())

	c.statsMu.Lock()
	c.lastErr = err.Error()
	c.nextAttemptSnapshot = c.nextAttempt
	c.statsMu.Unlock()
}

func (c *Coordinator) recordSuccess() {
	c.consecutive.Store(0)
	metrics.IncRefill("succeeded")

	c.backoff.Reset()
	c.nextAttempt = time.Time{}

	c.statsMu.Lock()
	c.lastErr = ""
	c.nextAttemptSnapshot = time.Time{}
	c.statsMu.Unlock()
}

// Prime fetches the first window synchronously, retrying with backoff up to
// PrimeAttempts times. It runs before the loop starts ticking, so blocking
// here is acceptable.
func (c *Coordinator) Prime(ctx context.Context, now time.Time) (*ephem.Window, error) {
	req := c.NewRequest(now)

	op := func() (*ephem.Window, error) {
		c.attempts.Add(1)
		metrics.IncRefill("requested")
		res := c.fetch(ctx, req)
		if res.err != nil {
			c.failures.Add(1)
			metrics.IncRefill("failed")
			if errors.Is(res.err, context.Canceled) {
				return nil, backoff.Permanent(res.err)
			}
			return nil, res.err
		}
		metrics.IncRefill("succeeded")
		return res.window, nil
	}

	notify := func(err error, next time.Duration) {
		c.logger.Warn("initial fetch failed, retrying",
			"error", err,
			"retry_in_ms", next.Milliseconds(),
		)
	}

	w, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(newBackOff(c.config)),
		backoff.WithMaxTries(c.config.PrimeAttempts),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return nil, fmt.Errorf("initial window: %w", err)
	}
	return w, nil
}

// Wait blocks until any in-flight fetch goroutine has returned. Cancel the
// context passed to Request first to abandon a slow fetch.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Stats returns a snapshot of the refill counters. Safe for concurrent use.
func (c *Coordinator) Stats() CoordinatorStats {
	c.statsMu.Lock()
	lastErr, next := c.lastErr, c.nextAttemptSnapshot
	c.statsMu.Unlock()

	return CoordinatorStats{
		State:               c.State().String(),
		Attempts:            c.attempts.Load(),
		Failures:            c.failures.Load(),
		ConsecutiveFailures: c.consecutive.Load(),
		LastError:           lastErr,
		NextAttempt:         next,
	}
}
