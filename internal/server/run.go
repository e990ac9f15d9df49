package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sheerbytes/speedflux/internal/config"
	"github.com/sheerbytes/speedflux/internal/ping"
	"github.com/sheerbytes/speedflux/internal/quicreq"
	"github.com/sheerbytes/speedflux/internal/quictransport"
)

const shutdownTimeout = 5 * time.Second

// Run serves cfg until ctx ends. The HTTP listener is mandatory; QUIC and
// the STUN responder start only when their addresses are set.
func Run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	s := New(Options{
		MaxSize:     cfg.MaxSize,
		RatePerSec:  cfg.RatePerSec,
		RateBurst:   cfg.RateBurst,
		IdleTimeout: cfg.IdleTimeout,
		RunConfig:   cfg.RunConfig(),
		Logger:      logger,
	})

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	return s.Serve(ctx, ln, cfg)
}

// Serve runs every configured listener on top of an existing HTTP listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, cfg config.ServerConfig) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		if err == nil {
			return
		}
		errOnce.Do(func() { firstErr = err })
		cancel()
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logger.Info("HTTP listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fail(fmt.Errorf("http: %w", err))
		}
	}()

	if cfg.QUICAddr != "" {
		qln, err := quictransport.Listen(cfg.QUICAddr, quictransport.ListenOptions{UDPBuffer: cfg.UDPBuffer}, s.logger)
		if err != nil {
			fail(fmt.Errorf("quic: %w", err))
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer qln.Close()
				fail(quicreq.ServeListener(ctx, qln, s.QUICOptions()))
			}()
		}
	}

	if cfg.ProbeAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ping.ListenAndServe(ctx, cfg.ProbeAddr, s.logger); err != nil {
				fail(fmt.Errorf("probe: %w", err))
			}
		}()
	}

	<-ctx.Done()
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP shutdown incomplete", "error", err)
		srv.Close()
	}
	wg.Wait()

	st := s.Stats()
	s.logger.Info("server stopped",
		"requests", st.Requests,
		"rejected", st.Rejected,
		"failed", st.Failed,
		"bytes_sent", st.BytesSent,
		"bytes_recv", st.BytesRecv,
	)
	return firstErr
}
