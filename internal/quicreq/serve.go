package quicreq

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/sheerbytes/speedflux/internal/bufpool"
	"github.com/sheerbytes/speedflux/internal/transfer"
	"github.com/sheerbytes/speedflux/internal/transferquic"
	"github.com/sheerbytes/speedflux/pkg/protocol"
)

// ErrSizeLimit is reported when a header asks for more than MaxSize bytes.
var ErrSizeLimit = errors.New("requested size exceeds server limit")

// ServeOptions configure the server half.
type ServeOptions struct {
	// MaxSize caps the bytes a single attempt may move. Zero means no cap.
	MaxSize int64
	// Allow is consulted before each attempt. A false result rejects it.
	Allow func(conn transfer.Conn) bool
	// Observe, if set, is called after every attempt.
	Observe func(h protocol.TransferHeader, n int64, err error)
	Logger  *slog.Logger
}

func (o ServeOptions) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o.Logger
}

// Serve answers transfer streams on conn until ctx ends or the connection
// fails. It returns once every stream handler has finished.
func Serve(ctx context.Context, conn transfer.Conn, opts ServeOptions) error {
	logger := opts.logger().With("remote_addr", conn.RemoteAddr().String())
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Debug("stream accept ended", "error", err)
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer stream.Close()
			serveStream(conn, stream, opts, logger)
		}()
	}
}

// ServeListener accepts QUIC connections on ln and serves each of them.
func ServeListener(ctx context.Context, ln *quic.Listener, opts ServeOptions) error {
	logger := opts.logger()
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		qc, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept QUIC connection: %w", err)
		}
		logger.Info("QUIC connection accepted", "remote_addr", qc.RemoteAddr())
		conn := transferquic.NewConn(qc, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Closing on shutdown unblocks stream handlers stuck on a slow peer.
			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			defer stop()
			defer conn.Close()
			_ = Serve(ctx, conn, opts)
		}()
	}
}

func serveStream(conn transfer.Conn, stream transfer.Stream, opts ServeOptions, logger *slog.Logger) {
	h, err := protocol.ReadHeader(stream)
	if err != nil {
		logger.Debug("bad transfer header", "error", err)
		return
	}
	n, err := handle(conn, stream, h, opts)
	if opts.Observe != nil {
		opts.Observe(h, n, err)
	}
	if err != nil {
		logger.Debug("transfer attempt failed",
			"op", h.Op,
			"worker", h.Worker,
			"run_id", h.RunID,
			"bytes", n,
			"error", err,
		)
	}
}

func handle(conn transfer.Conn, stream transfer.Stream, h protocol.TransferHeader, opts ServeOptions) (int64, error) {
	if opts.Allow != nil && !opts.Allow(conn) {
		return 0, errors.New("rate limited")
	}
	if opts.MaxSize > 0 && h.Size > opts.MaxSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrSizeLimit, h.Size, opts.MaxSize)
	}

	buf := bufpool.Default.Get()
	defer bufpool.Default.Put(buf)

	switch h.Op {
	case protocol.OpDownload:
		n, err := transfer.Send(stream, h.Size, *buf, nil)
		if err != nil {
			return n, err
		}
		return n, stream.CloseWrite()
	default:
		n, err := transfer.Receive(stream, h.Size, *buf, nil)
		if err != nil {
			return n, err
		}
		if err := binary.Write(stream, binary.BigEndian, uint64(n)); err != nil {
			return n, fmt.Errorf("write upload ack: %w", err)
		}
		return n, stream.CloseWrite()
	}
}
