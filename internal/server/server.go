// Package server is the speedflux endpoint: HTTP download/upload, the
// WebSocket channel, the QUIC listener and the STUN probe responder.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sheerbytes/speedflux/internal/bufpool"
	"github.com/sheerbytes/speedflux/internal/quicreq"
	"github.com/sheerbytes/speedflux/internal/transfer"
	"github.com/sheerbytes/speedflux/internal/wsreq"
	"github.com/sheerbytes/speedflux/pkg/protocol"
)

// Options configure a Server.
type Options struct {
	// MaxSize caps a single transfer. Zero means no cap.
	MaxSize     int64
	RatePerSec  float64
	RateBurst   int
	IdleTimeout time.Duration
	// RunConfig is published at GET /config.
	RunConfig protocol.RunConfig
	Logger    *slog.Logger
}

// Stats are cumulative server counters.
type Stats struct {
	Requests  int64
	Rejected  int64
	Failed    int64
	BytesSent int64
	BytesRecv int64
}

// Server serves transfer attempts over every protocol.
type Server struct {
	opts    Options
	logger  *slog.Logger
	limiter *ipLimiter
	mux     *http.ServeMux

	requests  atomic.Int64
	rejected  atomic.Int64
	failed    atomic.Int64
	bytesSent atomic.Int64
	bytesRecv atomic.Int64
}

// New builds a Server and its routes.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		opts:    opts,
		logger:  logger,
		limiter: newIPLimiter(opts.RatePerSec, opts.RateBurst),
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /config", s.handleConfig)
	s.mux.HandleFunc("GET /download", s.handleDownload)
	s.mux.HandleFunc("POST /upload", s.handleUpload)
	s.mux.Handle("/ws", wsreq.Handler(wsreq.HandlerOptions{
		MaxSize:     opts.MaxSize,
		IdleTimeout: opts.IdleTimeout,
		Allow:       s.allowRequest,
		Observe:     s.observe,
		Logger:      logger,
	}))
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// QUICOptions returns the options for quicreq.Serve and ServeListener.
func (s *Server) QUICOptions() quicreq.ServeOptions {
	return quicreq.ServeOptions{
		MaxSize: s.opts.MaxSize,
		Allow: func(conn transfer.Conn) bool {
			return s.allow(hostOf(conn.RemoteAddr().String()))
		},
		Observe: s.observe,
		Logger:  s.logger,
	}
}

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	return Stats{
		Requests:  s.requests.Load(),
		Rejected:  s.rejected.Load(),
		Failed:    s.failed.Load(),
		BytesSent: s.bytesSent.Load(),
		BytesRecv: s.bytesRecv.Load(),
	}
}

func (s *Server) allow(ip string) bool {
	if s.limiter.Allow(ip) {
		return true
	}
	s.rejected.Add(1)
	return false
}

func (s *Server) allowRequest(r *http.Request) bool {
	return s.allow(clientIP(r))
}

func (s *Server) observe(h protocol.TransferHeader, n int64, err error) {
	s.requests.Add(1)
	if h.Op == protocol.OpDownload {
		s.bytesSent.Add(n)
	} else {
		s.bytesRecv.Add(n)
	}
	if err != nil {
		s.failed.Add(1)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(s.opts.RunConfig); err != nil {
		s.logger.Debug("write run config failed", "error", err)
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	h, err := headerFromQuery(r, protocol.OpDownload)
	if err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	if !s.allowRequest(r) {
		sendError(w, http.StatusTooManyRequests, "UNAVAILABLE", "rate limit exceeded")
		return
	}
	if s.opts.MaxSize > 0 && h.Size > s.opts.MaxSize {
		sendError(w, http.StatusRequestEntityTooLarge, "INVALID_ARGUMENT", "size exceeds server limit")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(h.Size, 10))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	buf := bufpool.Default.Get()
	defer bufpool.Default.Put(buf)
	n, err := transfer.Send(w, h.Size, *buf, nil)
	s.observe(h, n, err)
	if err != nil {
		s.logger.Debug("download aborted", "worker", h.Worker, "run_id", h.RunID, "bytes", n, "error", err)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	h, err := headerFromQuery(r, protocol.OpUpload)
	if err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	if !s.allowRequest(r) {
		sendError(w, http.StatusTooManyRequests, "UNAVAILABLE", "rate limit exceeded")
		return
	}
	body := r.Body
	if s.opts.MaxSize > 0 {
		body = http.MaxBytesReader(w, r.Body, s.opts.MaxSize)
	}

	buf := bufpool.Default.Get()
	defer bufpool.Default.Put(buf)
	n, err := io.CopyBuffer(io.Discard, body, *buf)
	s.observe(h, n, err)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendError(w, http.StatusRequestEntityTooLarge, "INVALID_ARGUMENT", "upload exceeds server limit")
			return
		}
		s.logger.Debug("upload aborted", "worker", h.Worker, "run_id", h.RunID, "bytes", n, "error", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(protocol.Control{Type: protocol.TypeDone, Bytes: n})
}

// headerFromQuery reads the i, size, time and run parameters. Only
// downloads require size.
func headerFromQuery(r *http.Request, op string) (protocol.TransferHeader, error) {
	q := r.URL.Query()
	h := protocol.NewHeader(op, 0, 0, 0, q.Get("run"))
	var err error
	if v := q.Get("i"); v != "" {
		if h.Worker, err = strconv.Atoi(v); err != nil {
			return h, fmt.Errorf("invalid i %q", v)
		}
	}
	if v := q.Get("time"); v != "" {
		if h.IssuedAt, err = strconv.ParseInt(v, 10, 64); err != nil {
			return h, fmt.Errorf("invalid time %q", v)
		}
	}
	if op == protocol.OpDownload {
		v := q.Get("size")
		if v == "" {
			return h, errors.New("missing size")
		}
		if h.Size, err = strconv.ParseInt(v, 10, 64); err != nil {
			return h, fmt.Errorf("invalid size %q", v)
		}
	}
	return h, h.ValidateBasic()
}

func sendError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(protocol.Error{Code: code, Message: message})
}
