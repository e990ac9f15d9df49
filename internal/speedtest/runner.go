package speedtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidConfig is wrapped by every error New returns.
var ErrInvalidConfig = errors.New("invalid runner config")

// Clock supplies run timestamps. The default uses time.Now, whose
// monotonic reading is unaffected by wall-clock adjustments.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config configures a Runner. It must not change once a run has started.
type Config struct {
	Parallelism int
	TargetBytes int64
	Factory     RequestFactory
	Direction   Direction
	Clock       Clock
	Logger      *slog.Logger
}

// Runner drives Parallelism concurrent workers against a request factory
// and aggregates the bytes they move.
type Runner struct {
	cfg    Config
	logger *slog.Logger

	// one run at a time; the counters below are reset by each run
	runMu    sync.Mutex
	bytes    Counter
	started  atomic.Int64
	ended    atomic.Int64
	failed   atomic.Int64
	runStart atomic.Pointer[time.Time]
}

// New validates cfg and returns a Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Parallelism < 1 {
		return nil, fmt.Errorf("%w: parallelism must be at least 1, got %d", ErrInvalidConfig, cfg.Parallelism)
	}
	if cfg.TargetBytes < 0 {
		return nil, fmt.Errorf("%w: target bytes must not be negative, got %d", ErrInvalidConfig, cfg.TargetBytes)
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("%w: request factory is required", ErrInvalidConfig)
	}
	if cfg.Direction == "" {
		cfg.Direction = Download
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{
		cfg:    cfg,
		logger: logger.With("direction", string(cfg.Direction)),
	}, nil
}

// BytesTransferred returns the live byte total of the current or last run.
// It is safe to call from a controller while Run is in progress.
func (r *Runner) BytesTransferred() int64 {
	return r.bytes.Snapshot()
}

// RunningTime returns the time since the current run started.
func (r *Runner) RunningTime() time.Duration {
	start := r.runStart.Load()
	if start == nil {
		return 0
	}
	return r.cfg.Clock.Now().Sub(*start)
}

// Run executes a transfer run until token is set and all workers exit.
func (r *Runner) Run(token *CancelToken) Result {
	return r.RunContext(context.Background(), token)
}

// RunContext is Run with a context. Cancelling ctx sets the token, and ctx
// is handed to every request so the request capability can bound its own
// network calls.
func (r *Runner) RunContext(ctx context.Context, token *CancelToken) Result {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	runID := uuid.NewString()
	start := r.cfg.Clock.Now()
	r.bytes.Reset()
	r.started.Store(0)
	r.ended.Store(0)
	r.failed.Store(0)

	if token == nil {
		r.logger.Error("transfer run rejected", "run_id", runID, "error", "cancel token is nil")
		return r.result(runID, start, start, NewStatus(CodeFailedPrecondition, "cancel token is nil"))
	}

	stop := context.AfterFunc(ctx, token.Set)
	defer stop()

	r.runStart.Store(&start)
	defer r.runStart.Store(nil)

	r.logger.Debug("transfer run starting",
		"run_id", runID,
		"workers", r.cfg.Parallelism,
		"target_bytes", r.cfg.TargetBytes,
	)

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Parallelism; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r.work(ctx, worker, runID, token)
		}(i)
	}
	wg.Wait()

	end := r.cfg.Clock.Now()
	if end.Before(start) {
		end = start
	}
	res := r.result(runID, start, end, StatusOK)
	r.logger.Debug("transfer run finished",
		"run_id", runID,
		"bytes", res.Bytes,
		"elapsed", res.Elapsed(),
		"requests", res.RequestsEnded,
		"failed", res.RequestsFailed,
	)
	return res
}

// work is the attempt loop of a single worker. A request that implements
// io.Closer is closed when the loop ends.
func (r *Runner) work(ctx context.Context, worker int, runID string, token *CancelToken) {
	var req Request
	defer func() {
		if c, ok := req.(io.Closer); ok {
			if err := c.Close(); err != nil {
				r.logger.Debug("request close failed", "worker", worker, "error", err)
			}
		}
	}()
	for !token.IsSet() {
		if req == nil {
			created, err := r.cfg.Factory(worker)
			if err != nil || created == nil {
				r.failed.Add(1)
				r.logger.Debug("request factory failed", "worker", worker, "error", err)
				// No backoff, but let the other workers run.
				runtime.Gosched()
				continue
			}
			req = created
		}

		var tracker attemptTracker
		req.SetParams(Params{
			Worker:   worker,
			Size:     r.cfg.TargetBytes,
			IssuedAt: r.cfg.Clock.Now(),
			RunID:    runID,
		})
		req.SetProgress(func(cumulative int64) bool {
			r.bytes.AddDelta(tracker.advance(cumulative))
			return token.IsSet()
		})

		r.started.Add(1)
		err := req.Issue(ctx)
		r.ended.Add(1)
		if err != nil {
			r.failed.Add(1)
			r.logger.Debug("transfer attempt failed", "worker", worker, "error", err)
		}
		req.Reset()
	}
}

func (r *Runner) result(runID string, start, end time.Time, status Status) Result {
	return Result{
		RunID:           runID,
		Direction:       r.cfg.Direction,
		Workers:         r.cfg.Parallelism,
		StartTime:       start,
		EndTime:         end,
		Bytes:           r.bytes.Snapshot(),
		RequestsStarted: r.started.Load(),
		RequestsEnded:   r.ended.Load(),
		RequestsFailed:  r.failed.Load(),
		Status:          status,
	}
}
