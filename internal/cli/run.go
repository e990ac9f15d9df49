package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sheerbytes/speedflux/internal/bench"
	"github.com/sheerbytes/speedflux/internal/config"
	"github.com/sheerbytes/speedflux/internal/httpreq"
	"github.com/sheerbytes/speedflux/internal/ping"
	"github.com/sheerbytes/speedflux/internal/quicreq"
	"github.com/sheerbytes/speedflux/internal/speedtest"
	"github.com/sheerbytes/speedflux/internal/transport"
	"github.com/sheerbytes/speedflux/internal/wsreq"
)

// runTransfer measures one direction against the chosen endpoint and
// prints the summary line.
func (a *app) runTransfer(ctx context.Context, out io.Writer, dir speedtest.Direction) error {
	ep, err := a.prepare(ctx)
	if err != nil {
		return err
	}
	return a.measure(ctx, out, ep, dir)
}

// runAll measures each direction in turn against one endpoint, printing a
// summary line per direction. A cancelled context skips what is left.
func (a *app) runAll(ctx context.Context, out io.Writer, dirs []speedtest.Direction) error {
	ep, err := a.prepare(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, dir := range dirs {
		if ctx.Err() != nil {
			break
		}
		if err := a.measure(ctx, out, ep, dir); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dir, err))
		}
	}
	return errors.Join(errs...)
}

// prepare picks the endpoint and overlays the run tuning it publishes.
// Settings given by flag, environment or config file keep their values.
func (a *app) prepare(ctx context.Context) (config.Endpoint, error) {
	a.ensureLogger()
	ep, err := a.pickEndpoint(ctx)
	if err != nil {
		return ep, err
	}
	if !a.cfg.FetchConfig || ep.URL == "" {
		return ep, nil
	}
	rc, err := httpreq.FetchRunConfig(ctx, httpreq.NewClient(a.cfg.Timeout, 1), ep.URL)
	if err != nil {
		a.logger.Warn("server config unavailable, using local settings", "endpoint", ep.Name, "error", err)
		return ep, nil
	}
	next := a.cfg
	if err := next.ApplyRunConfig(rc); err != nil {
		a.logger.Warn("server config rejected, using local settings", "endpoint", ep.Name, "error", err)
		return ep, nil
	}
	a.cfg = next
	if a.cfg.Location != "" {
		a.logger.Info("server location", "endpoint", ep.Name, "location", a.cfg.Location)
	}
	return ep, nil
}

// measure runs one direction against ep and prints its summary line.
func (a *app) measure(ctx context.Context, out io.Writer, ep config.Endpoint, dir speedtest.Direction) error {
	upload := dir == speedtest.Upload
	workers := a.cfg.Workers(upload)

	factory, cleanup, err := a.buildFactory(ctx, ep, dir, workers)
	if err != nil {
		return err
	}
	defer cleanup()

	runner, err := speedtest.New(speedtest.Config{
		Parallelism: workers,
		TargetBytes: a.cfg.TargetBytes(upload),
		Factory:     factory,
		Direction:   dir,
		Logger:      a.logger,
	})
	if err != nil {
		return err
	}

	a.logger.Info("run starting",
		"direction", string(dir),
		"endpoint", ep.Name,
		"protocol", a.cfg.Protocol,
		"workers", workers,
	)

	token := speedtest.NewCancelToken()
	var (
		wg     sync.WaitGroup
		report bench.Report
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		opts := a.watchOptions()
		opts.Running = runner.RunningTime
		report = bench.Watch(ctx, opts, runner.BytesTransferred, token)
	}()
	res := runner.RunContext(ctx, token)
	token.Set()
	wg.Wait()

	fmt.Fprintln(out, bench.SummaryLine(ep.Name, res, report))
	return res.Status.Err()
}

func (a *app) watchOptions() bench.WatchOptions {
	return bench.WatchOptions{
		Interval:      a.cfg.Interval,
		MinRuntime:    a.cfg.MinRuntime,
		MaxRuntime:    a.cfg.MaxRuntime,
		MinIntervals:  a.cfg.MinIntervals,
		MaxIntervals:  a.cfg.MaxIntervals,
		MaxVariance:   a.cfg.MaxVariance,
		EMA:           a.cfg.EMA,
		ProgressEvery: time.Second,
		OnProgress: func(iv bench.Interval) {
			a.logger.Debug("interval",
				"running", iv.RunningTime.Round(time.Millisecond),
				"bytes", iv.Bytes,
				"short", transport.FormatMbps(iv.ShortMbps),
				"long", transport.FormatMbps(iv.LongMbps),
			)
		},
	}
}

// pickEndpoint returns the only endpoint, or the nearest one when asked.
func (a *app) pickEndpoint(ctx context.Context) (config.Endpoint, error) {
	eps := a.cfg.Endpoints
	if len(eps) == 0 {
		return config.Endpoint{}, fmt.Errorf("no endpoints configured")
	}
	if !a.cfg.Nearest || len(eps) == 1 {
		return eps[0], nil
	}
	best, err := ping.Nearest(ctx, targets(eps), a.pingOptions())
	if err != nil {
		return config.Endpoint{}, fmt.Errorf("pick nearest endpoint: %w", err)
	}
	a.logger.Info("nearest endpoint", "endpoint", best.Target.Name, "rtt_min", best.Stats.Min)
	for _, ep := range eps {
		if ep.Name == best.Target.Name {
			return ep, nil
		}
	}
	return eps[0], nil
}

func (a *app) buildFactory(ctx context.Context, ep config.Endpoint, dir speedtest.Direction, workers int) (speedtest.RequestFactory, func(), error) {
	noop := func() {}
	switch a.cfg.Protocol {
	case config.ProtocolQUIC:
		conn, err := quicreq.Connect(ctx, ep.QUIC, transport.QUICWindows{MaxStreams: workers * 2}, a.logger)
		if err != nil {
			return nil, noop, err
		}
		return quicreq.NewFactory(conn, dir, a.logger), func() { _ = conn.Close() }, nil
	case config.ProtocolWS:
		f, err := wsreq.NewFactory(ep.URL, dir, a.logger)
		return f, noop, err
	default:
		f, err := httpreq.NewFactory(httpreq.FactoryOptions{
			BaseURL:         ep.URL,
			Direction:       dir,
			Timeout:         a.cfg.Timeout,
			MaxConnsPerHost: workers,
			Logger:          a.logger,
		})
		return f, noop, err
	}
}

func (a *app) pingOptions() ping.Options {
	return ping.Options{Attempts: a.cfg.PingAttempts, Timeout: a.cfg.PingTimeout}
}

// runPing prints one line per endpoint.
func (a *app) runPing(ctx context.Context, out io.Writer) error {
	a.ensureLogger()
	results := ping.ProbeAll(ctx, targets(a.cfg.Endpoints), a.pingOptions())
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(out, "PING %s: addr=%s error=%v\n", r.Target.Name, r.Target.Addr, r.Err)
			continue
		}
		fmt.Fprintf(out, "PING %s: addr=%s min=%s avg=%s max=%s loss=%.0f%%\n",
			r.Target.Name,
			r.Target.Addr,
			r.Stats.Min.Round(time.Microsecond),
			r.Stats.Avg.Round(time.Microsecond),
			r.Stats.Max.Round(time.Microsecond),
			r.Stats.Loss()*100,
		)
	}
	if failed == len(results) {
		return fmt.Errorf("no endpoint answered")
	}
	return nil
}

func targets(eps []config.Endpoint) []ping.Target {
	out := make([]ping.Target, len(eps))
	for i, ep := range eps {
		out[i] = ping.Target{Name: ep.Name, Addr: ep.Probe}
	}
	return out
}
