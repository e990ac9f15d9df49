// Package httpreq implements transfer attempts as plain HTTP requests:
// downloads are GETs of {base}/download and uploads are POSTs of a zero
// payload to {base}/upload.
package httpreq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sheerbytes/speedflux/internal/bufpool"
	"github.com/sheerbytes/speedflux/internal/speedtest"
	"github.com/sheerbytes/speedflux/internal/transfer"
	"github.com/sheerbytes/speedflux/pkg/protocol"
)

var _ speedtest.Request = (*Request)(nil)

// FactoryOptions configure NewFactory.
type FactoryOptions struct {
	BaseURL   string
	Direction speedtest.Direction
	// Client is shared by every request. When nil a client is built from
	// Timeout and MaxConnsPerHost.
	Client          *http.Client
	Timeout         time.Duration
	MaxConnsPerHost int
	Logger          *slog.Logger
}

// NewClient returns an http.Client whose transport keeps enough idle
// connections for every worker.
func NewClient(timeout time.Duration, maxConnsPerHost int) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if maxConnsPerHost > 0 {
		tr.MaxIdleConnsPerHost = maxConnsPerHost
		tr.MaxIdleConns = maxConnsPerHost * 2
	}
	// Payloads are already incompressible zeros; skip gzip negotiation.
	tr.DisableCompression = true
	return &http.Client{Transport: tr, Timeout: timeout}
}

// ParseBaseURL normalises an endpoint, adding http:// when no scheme is given.
func ParseBaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty base URL")
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base URL %q has no host", raw)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u, nil
}

// FetchRunConfig reads the run tuning a server publishes at {base}/config.
// A nil client uses http.DefaultClient.
func FetchRunConfig(ctx context.Context, client *http.Client, base string) (protocol.RunConfig, error) {
	var rc protocol.RunConfig
	u, err := ParseBaseURL(base)
	if err != nil {
		return rc, err
	}
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String()+"/config", nil)
	if err != nil {
		return rc, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return rc, fmt.Errorf("fetch run config: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return rc, fmt.Errorf("fetch run config: %w", err)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&rc); err != nil {
		return rc, fmt.Errorf("decode run config: %w", err)
	}
	return rc, nil
}

// NewFactory validates opts and returns a factory of HTTP requests.
func NewFactory(opts FactoryOptions) (speedtest.RequestFactory, error) {
	base, err := ParseBaseURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	client := opts.Client
	if client == nil {
		client = NewClient(opts.Timeout, opts.MaxConnsPerHost)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return func(worker int) (speedtest.Request, error) {
		return &Request{
			client:    client,
			base:      base,
			direction: opts.Direction,
			logger:    logger.With("worker", worker),
		}, nil
	}, nil
}

// Request is one worker's reusable HTTP transfer.
type Request struct {
	client    *http.Client
	base      *url.URL
	direction speedtest.Direction
	logger    *slog.Logger

	params   speedtest.Params
	progress speedtest.ProgressFunc
}

func (r *Request) SetParams(p speedtest.Params)          { r.params = p }
func (r *Request) SetProgress(fn speedtest.ProgressFunc) { r.progress = fn }

func (r *Request) Reset() {
	r.params = speedtest.Params{}
	r.progress = nil
}

// Issue performs one GET or POST.
func (r *Request) Issue(ctx context.Context) error {
	if r.direction == speedtest.Upload {
		return r.upload(ctx)
	}
	return r.download(ctx)
}

// URL returns the attempt URL for the current params.
func (r *Request) URL() string {
	u := *r.base
	q := url.Values{}
	q.Set("i", strconv.Itoa(r.params.Worker))
	q.Set("time", strconv.FormatInt(r.params.IssuedAt.UnixMicro(), 10))
	if r.params.RunID != "" {
		q.Set("run", r.params.RunID)
	}
	if r.direction == speedtest.Upload {
		u.Path += "/upload"
	} else {
		u.Path += "/download"
		q.Set("size", strconv.FormatInt(r.params.Size, 10))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (r *Request) download(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	buf := bufpool.Default.Get()
	defer bufpool.Default.Put(buf)
	_, err = transfer.Receive(resp.Body, r.params.Size, *buf, transfer.Progress(r.progress))
	if errors.Is(err, transfer.ErrStopped) {
		return nil
	}
	return err
}

func (r *Request) upload(ctx context.Context) error {
	body := &countingReader{
		r:        io.LimitReader(zeroReader{}, r.params.Size),
		progress: r.progress,
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.ContentLength = r.params.Size
	req.Header.Set("Content-Type", "application/octet-stream")
	// net/http only sends Expect when asked to; make sure nobody asked.
	req.Header.Del("Expect")

	resp, err := r.client.Do(req)
	if body.stopped.Load() {
		if resp != nil {
			resp.Body.Close()
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return nil
}

// checkStatus turns a non-2xx response into an error, decoding the server's
// protocol.Error body when there is one.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var perr protocol.Error
	if json.Unmarshal(body, &perr) == nil && perr.Code != "" {
		return fmt.Errorf("server returned %d: %w", resp.StatusCode, &perr)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// countingReader reports cumulative reads to a progress callback and ends
// the body early once the callback asks to stop.
type countingReader struct {
	r        io.Reader
	n        int64
	progress speedtest.ProgressFunc
	stopped  atomic.Bool
}

func (c *countingReader) Read(p []byte) (int, error) {
	if c.stopped.Load() {
		return 0, transfer.ErrStopped
	}
	n, err := c.r.Read(p)
	c.n += int64(n)
	if n > 0 && c.progress != nil && c.progress(c.n) {
		c.stopped.Store(true)
	}
	return n, err
}
