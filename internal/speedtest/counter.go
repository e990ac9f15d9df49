package speedtest

import "sync/atomic"

// Counter accumulates bytes moved by all workers of a run.
// Workers only ever add deltas, never store absolute values.
type Counter struct {
	n atomic.Int64
}

// AddDelta adds n bytes. Non-positive values are ignored so the total
// never decreases.
func (c *Counter) AddDelta(n int64) {
	if n <= 0 {
		return
	}
	c.n.Add(n)
}

// Snapshot returns the current total.
func (c *Counter) Snapshot() int64 {
	return c.n.Load()
}

// Reset zeroes the counter. Only the runner calls it, before workers start.
func (c *Counter) Reset() {
	c.n.Store(0)
}

// attemptTracker converts cumulative per-attempt progress into deltas.
// It is owned by a single worker and needs no locking.
type attemptTracker struct {
	last int64
}

// advance returns the positive increase of cumulative over the last
// value seen for this attempt, or 0 for repeated or smaller reports.
func (a *attemptTracker) advance(cumulative int64) int64 {
	if cumulative <= a.last {
		return 0
	}
	delta := cumulative - a.last
	a.last = cumulative
	return delta
}
