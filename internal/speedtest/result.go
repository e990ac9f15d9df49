package speedtest

import "time"

// Result is the immutable record of one run.
type Result struct {
	RunID     string
	Direction Direction
	Workers   int

	StartTime time.Time
	EndTime   time.Time
	Bytes     int64

	RequestsStarted int64
	RequestsEnded   int64
	// RequestsFailed counts attempts that returned an error or could not
	// be created. Failures are retried and never change Status.
	RequestsFailed int64

	Status Status
}

// Elapsed returns EndTime - StartTime.
func (r Result) Elapsed() time.Duration {
	d := r.EndTime.Sub(r.StartTime)
	if d < 0 {
		return 0
	}
	return d
}

// Megabits returns the average rate in megabits per second.
func (r Result) Megabits() float64 {
	return ToMegabits(r.Bytes, r.Elapsed())
}

// ToMegabits converts a byte count over a duration to megabits per second.
func ToMegabits(bytes int64, d time.Duration) float64 {
	us := d.Microseconds()
	if bytes <= 0 || us <= 0 {
		return 0
	}
	return float64(bytes*8) / float64(us)
}
