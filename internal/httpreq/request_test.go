package httpreq

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/speedflux/internal/speedtest"
	"github.com/sheerbytes/speedflux/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	queries  []map[string]string
	uploaded int64
	expect   []string
}

func newTestServer(t *testing.T) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /download", func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		size, err := strconv.ParseInt(r.URL.Query().Get("size"), 10, 64)
		if err != nil || size < 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(protocol.Error{Code: "INVALID_ARGUMENT", Message: "bad size"})
			return
		}
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		io.CopyN(w, zeroReader{}, size)
	})
	mux.HandleFunc("POST /upload", func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		n, _ := io.Copy(io.Discard, r.Body)
		rec.mu.Lock()
		rec.uploaded += n
		rec.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, rec
}

func (rec *recorder) record(r *http.Request) {
	q := map[string]string{}
	for k := range r.URL.Query() {
		q[k] = r.URL.Query().Get(k)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.queries = append(rec.queries, q)
	rec.expect = append(rec.expect, r.Header.Get("Expect"))
}

func newRequest(t *testing.T, base string, dir speedtest.Direction) speedtest.Request {
	t.Helper()
	factory, err := NewFactory(FactoryOptions{BaseURL: base, Direction: dir, Timeout: 5 * time.Second})
	require.NoError(t, err)
	req, err := factory(2)
	require.NoError(t, err)
	return req
}

func TestParseBaseURL(t *testing.T) {
	u, err := ParseBaseURL("example.com:8080/speed/")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com:8080/speed", u.String())

	u, err = ParseBaseURL("https://example.com")
	require.NoError(t, err)
	assert.Equal(t, "https", u.Scheme)

	_, err = ParseBaseURL("  ")
	assert.Error(t, err)
}

func TestFetchRunConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/config", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"locationName":"Oslo","numConcurrentDownloads":4,"maxTransferRunTime":9000,"averageType":"EXPONENTIAL"}`)
	}))
	defer srv.Close()

	rc, err := FetchRunConfig(context.Background(), srv.Client(), srv.URL+"/api/")
	require.NoError(t, err)
	assert.Equal(t, "Oslo", rc.LocationName)
	assert.Equal(t, 4, rc.NumDownloads)
	assert.Equal(t, 9*time.Second, protocol.Duration(rc.MaxTransferMillis))
	assert.Equal(t, protocol.AverageExponential, rc.AverageType)
}

func TestFetchRunConfigErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing/config" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, "not json")
	}))
	defer srv.Close()

	_, err := FetchRunConfig(context.Background(), nil, srv.URL+"/missing")
	assert.ErrorContains(t, err, "404")

	_, err = FetchRunConfig(context.Background(), nil, srv.URL)
	assert.ErrorContains(t, err, "decode run config")

	_, err = FetchRunConfig(context.Background(), nil, "")
	assert.Error(t, err)
}

func TestDownloadCountsBody(t *testing.T) {
	srv, rec := newTestServer(t)
	req := newRequest(t, srv.URL, speedtest.Download)

	issued := time.UnixMicro(1_700_000_000_000_000)
	req.SetParams(speedtest.Params{Worker: 2, Size: 300_000, IssuedAt: issued, RunID: "abc"})
	var last int64
	req.SetProgress(func(c int64) bool {
		assert.Greater(t, c, last)
		last = c
		return false
	})

	require.NoError(t, req.Issue(context.Background()))
	assert.Equal(t, int64(300_000), last)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.queries, 1)
	assert.Equal(t, map[string]string{
		"i":    "2",
		"size": "300000",
		"time": "1700000000000000",
		"run":  "abc",
	}, rec.queries[0])
}

func TestUploadSendsZeroPayloadWithoutExpect(t *testing.T) {
	srv, rec := newTestServer(t)
	req := newRequest(t, srv.URL, speedtest.Upload)

	req.SetParams(speedtest.Params{Worker: 2, Size: 250_000, IssuedAt: time.Now()})
	var last int64
	req.SetProgress(func(c int64) bool {
		last = c
		return false
	})

	require.NoError(t, req.Issue(context.Background()))
	assert.Equal(t, int64(250_000), last)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, int64(250_000), rec.uploaded)
	assert.Equal(t, []string{""}, rec.expect)
	_, hasSize := rec.queries[0]["size"]
	assert.False(t, hasSize)
}

func TestNon2xxIsError(t *testing.T) {
	srv, _ := newTestServer(t)
	req := newRequest(t, srv.URL, speedtest.Download)
	req.SetParams(speedtest.Params{Size: -1, IssuedAt: time.Now()})

	err := req.Issue(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "INVALID_ARGUMENT", perr.Code)
}

func TestDownloadStopsEarly(t *testing.T) {
	srv, _ := newTestServer(t)
	req := newRequest(t, srv.URL, speedtest.Download)
	req.SetParams(speedtest.Params{Size: 50 << 20, IssuedAt: time.Now()})
	var last int64
	req.SetProgress(func(c int64) bool {
		last = c
		return c >= 256*1024
	})

	require.NoError(t, req.Issue(context.Background()))
	assert.Less(t, last, int64(50<<20))
}

func TestResetClearsAttemptState(t *testing.T) {
	r := &Request{}
	r.SetParams(speedtest.Params{Worker: 1, Size: 10})
	r.SetProgress(func(int64) bool { return false })
	r.Reset()
	assert.Equal(t, speedtest.Params{}, r.params)
	assert.Nil(t, r.progress)
}

func TestRunnerAgainstHTTPServer(t *testing.T) {
	srv, _ := newTestServer(t)
	factory, err := NewFactory(FactoryOptions{BaseURL: srv.URL, Direction: speedtest.Download, MaxConnsPerHost: 4})
	require.NoError(t, err)

	r, err := speedtest.New(speedtest.Config{Parallelism: 4, TargetBytes: 100_000, Factory: factory})
	require.NoError(t, err)

	token := speedtest.NewCancelToken()
	go func() {
		for r.BytesTransferred() < 2_000_000 {
			time.Sleep(time.Millisecond)
		}
		token.Set()
	}()
	res := r.Run(token)

	require.True(t, res.Status.OK())
	assert.GreaterOrEqual(t, res.Bytes, int64(2_000_000))
	assert.Zero(t, res.RequestsFailed)
}
