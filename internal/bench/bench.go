package bench

import (
	"math"
	"sync"
	"time"

	"github.com/sheerbytes/speedflux/internal/speedtest"
)

// Interval is one sample of a running transfer.
type Interval struct {
	RunningTime time.Duration
	Bytes       int64
	ShortMbps   float64
	LongMbps    float64
}

// Sampler turns cumulative byte samples into short and long window speeds.
// Speeds are simple averages over the last MinIntervals/MaxIntervals
// samples, or exponential moving averages when EMA is set.
type Sampler struct {
	mu           sync.Mutex
	minIntervals int
	maxIntervals int
	ema          bool
	intervals    []Interval
}

// NewSampler returns a sampler seeded with an all-zero interval.
func NewSampler(minIntervals, maxIntervals int, ema bool) *Sampler {
	return &Sampler{
		minIntervals: minIntervals,
		maxIntervals: maxIntervals,
		ema:          ema,
		intervals:    []Interval{{}},
	}
}

// Add records a sample and returns the computed interval.
func (s *Sampler) Add(running time.Duration, bytes int64) Interval {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.intervals[len(s.intervals)-1]
	s.intervals = append(s.intervals, Interval{RunningTime: running, Bytes: bytes})
	cur := &s.intervals[len(s.intervals)-1]
	if s.ema {
		cur.ShortMbps = s.emaLocked(prev.ShortMbps, s.minIntervals)
		cur.LongMbps = s.emaLocked(prev.LongMbps, s.maxIntervals)
	} else {
		cur.ShortMbps = s.averageLocked(s.minIntervals)
		cur.LongMbps = s.averageLocked(s.maxIntervals)
	}
	return *cur
}

// Last returns the most recent interval.
func (s *Sampler) Last() Interval {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intervals[len(s.intervals)-1]
}

// Intervals returns a copy of every interval, sentinel included.
func (s *Sampler) Intervals() []Interval {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Interval, len(s.intervals))
	copy(out, s.intervals)
	return out
}

func (s *Sampler) averageLocked(n int) float64 {
	if n <= 0 || len(s.intervals) == 0 {
		return 0
	}
	end := len(s.intervals) - 1
	start := end - n
	if start < 0 {
		start = 0
	}
	a, b := s.intervals[start], s.intervals[end]
	return speedtest.ToMegabits(b.Bytes-a.Bytes, b.RunningTime-a.RunningTime)
}

func (s *Sampler) emaLocked(prev float64, n int) float64 {
	if n <= 0 {
		return 0
	}
	alpha := 2.0 / float64(n+1)
	return s.averageLocked(1)*alpha + prev*(1-alpha)
}

// Variance is the relative difference between two speeds, in [0, 1].
func Variance(a, b float64) float64 {
	hi := math.Max(a, b)
	if hi <= 0 {
		return 0
	}
	return math.Abs(a-b) / hi
}
