package bench

import (
	"context"
	"time"
)

const (
	DefaultInterval     = 200 * time.Millisecond
	DefaultMinIntervals = 10
	DefaultMaxIntervals = 25
	DefaultMinRuntime   = 5 * time.Second
	DefaultMaxRuntime   = 20 * time.Second
	DefaultMaxVariance  = 0.08
)

// Stopper is the cancellation signal a Watch controls.
type Stopper interface {
	Set()
	Done() <-chan struct{}
}

// StopReason records why a watch ended.
type StopReason string

const (
	StopMaxRuntime StopReason = "max_runtime"
	StopConverged  StopReason = "converged"
	StopCancelled  StopReason = "cancelled"
	StopExternal   StopReason = "external"
)

// WatchOptions configures Watch. Zero fields take the package defaults,
// except MinRuntime which may legitimately be zero.
type WatchOptions struct {
	Interval      time.Duration
	MinRuntime    time.Duration
	MaxRuntime    time.Duration
	MinIntervals  int
	MaxIntervals  int
	MaxVariance   float64
	EMA           bool
	ProgressEvery time.Duration
	OnProgress    func(Interval)
	Now           func() time.Time
	// Running reports how long the measured run has been going, usually
	// Runner.RunningTime. When nil, Watch times from its own start.
	Running func() time.Duration
}

// Report is what a watch observed.
type Report struct {
	Intervals []Interval
	SpeedMbps float64
	Reason    StopReason
}

func withDefaults(opts WatchOptions) WatchOptions {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxRuntime <= 0 {
		opts.MaxRuntime = DefaultMaxRuntime
	}
	if opts.MinIntervals <= 0 {
		opts.MinIntervals = DefaultMinIntervals
	}
	if opts.MaxIntervals <= 0 {
		opts.MaxIntervals = DefaultMaxIntervals
	}
	if opts.MaxVariance <= 0 {
		opts.MaxVariance = DefaultMaxVariance
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return opts
}

// Watch samples measure every interval and sets stopper once the run has
// gone on long enough: past MaxRuntime, or past MinRuntime with the short
// and long speeds within MaxVariance of each other. It also returns when
// ctx ends (setting stopper) or when someone else sets stopper. A
// speedtest.CancelToken works as the stopper, zero value included.
func Watch(ctx context.Context, opts WatchOptions, measure func() int64, stopper Stopper) Report {
	opts = withDefaults(opts)
	sampler := NewSampler(opts.MinIntervals, opts.MaxIntervals, opts.EMA)

	start := opts.Now()
	lastProgress := start
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	var reason StopReason
loop:
	for {
		select {
		case <-ctx.Done():
			stopper.Set()
			reason = StopCancelled
			break loop
		case <-stopper.Done():
			reason = StopExternal
			break loop
		case <-ticker.C:
		}

		now := opts.Now()
		running := now.Sub(start)
		if opts.Running != nil {
			running = opts.Running()
		}
		iv := sampler.Add(running, measure())

		if opts.OnProgress != nil && opts.ProgressEvery > 0 && now.Sub(lastProgress) >= opts.ProgressEvery {
			lastProgress = now
			opts.OnProgress(iv)
		}

		if running > opts.MaxRuntime {
			stopper.Set()
			reason = StopMaxRuntime
			break loop
		}
		if running >= opts.MinRuntime && iv.ShortMbps > 0 && iv.LongMbps > 0 &&
			Variance(iv.ShortMbps, iv.LongMbps) <= opts.MaxVariance {
			stopper.Set()
			reason = StopConverged
			break loop
		}
	}

	last := sampler.Last()
	if opts.OnProgress != nil && opts.ProgressEvery > 0 {
		opts.OnProgress(last)
	}
	return Report{
		Intervals: sampler.Intervals(),
		SpeedMbps: last.LongMbps,
		Reason:    reason,
	}
}
