package speedtest

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Direction selects which way bytes flow during a run.
type Direction string

const (
	Download Direction = "download"
	Upload   Direction = "upload"
)

// ParseDirection accepts "download"/"down" and "upload"/"up".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "download", "down", "":
		return Download, nil
	case "upload", "up":
		return Upload, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// Params are the per-attempt values handed to a Request.
type Params struct {
	Worker   int
	Size     int64
	IssuedAt time.Time
	RunID    string
}

// ProgressFunc receives the cumulative byte count of the current attempt.
// A true return means the run has been cancelled; a Request may use it to
// wind the attempt down early but is not required to.
type ProgressFunc func(cumulative int64) (stop bool)

// Request is one reusable outbound transfer owned by a single worker.
type Request interface {
	SetParams(p Params)
	SetProgress(fn ProgressFunc)
	// Issue performs one request/response cycle. It blocks only the
	// calling goroutine.
	Issue(ctx context.Context) error
	// Reset clears per-attempt state so the next attempt starts clean.
	Reset()
}

// RequestFactory builds the Request used by the given worker.
type RequestFactory func(worker int) (Request, error)
