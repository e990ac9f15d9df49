// Package quicreq runs transfer attempts as streams on a shared QUIC
// connection. Each attempt opens one stream, writes a protocol header and
// then moves Size bytes in the requested direction.
package quicreq

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/sheerbytes/speedflux/internal/bufpool"
	"github.com/sheerbytes/speedflux/internal/quictransport"
	"github.com/sheerbytes/speedflux/internal/speedtest"
	"github.com/sheerbytes/speedflux/internal/transfer"
	"github.com/sheerbytes/speedflux/internal/transferquic"
	"github.com/sheerbytes/speedflux/internal/transport"
	"github.com/sheerbytes/speedflux/pkg/protocol"
)

var _ speedtest.Request = (*Request)(nil)

// Request is a speedtest.Request carried over a transfer.Conn.
type Request struct {
	conn      transfer.Conn
	direction speedtest.Direction
	logger    *slog.Logger

	params   speedtest.Params
	progress speedtest.ProgressFunc
}

// NewRequest returns a request bound to conn.
func NewRequest(conn transfer.Conn, direction speedtest.Direction, logger *slog.Logger) *Request {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Request{conn: conn, direction: direction, logger: logger}
}

// NewFactory returns a factory whose requests all share conn.
func NewFactory(conn transfer.Conn, direction speedtest.Direction, logger *slog.Logger) speedtest.RequestFactory {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return func(worker int) (speedtest.Request, error) {
		if conn == nil {
			return nil, errors.New("quic connection is nil")
		}
		return NewRequest(conn, direction, logger.With("worker", worker)), nil
	}
}

// Connect dials addr and wraps the QUIC connection for use with NewFactory.
func Connect(ctx context.Context, addr string, windows transport.QUICWindows, logger *slog.Logger) (transfer.Conn, error) {
	qc, err := quictransport.Dial(ctx, addr, windows, logger)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return transferquic.NewConn(qc, logger), nil
}

func (r *Request) SetParams(p speedtest.Params)          { r.params = p }
func (r *Request) SetProgress(fn speedtest.ProgressFunc) { r.progress = fn }

func (r *Request) Reset() {
	r.params = speedtest.Params{}
	r.progress = nil
}

// Issue runs one attempt on a fresh stream.
func (r *Request) Issue(ctx context.Context) error {
	stream, err := r.conn.OpenStream(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()

	op := protocol.OpDownload
	if r.direction == speedtest.Upload {
		op = protocol.OpUpload
	}
	h := protocol.NewHeader(op, r.params.Size, r.params.Worker, r.params.IssuedAt.UnixMicro(), r.params.RunID)
	if err := protocol.WriteHeader(stream, h); err != nil {
		return err
	}

	buf := bufpool.Default.Get()
	defer bufpool.Default.Put(buf)

	progress := transfer.Progress(r.progress)
	if r.direction == speedtest.Upload {
		err = r.upload(stream, *buf, progress)
	} else {
		err = r.download(stream, *buf, progress)
	}
	if errors.Is(err, transfer.ErrStopped) {
		r.logger.Debug("quic attempt wound down", "run_id", r.params.RunID)
		return nil
	}
	return err
}

func (r *Request) download(stream transfer.Stream, buf []byte, progress transfer.Progress) error {
	if err := stream.CloseWrite(); err != nil {
		return fmt.Errorf("close request side: %w", err)
	}
	_, err := transfer.Receive(stream, r.params.Size, buf, progress)
	return err
}

func (r *Request) upload(stream transfer.Stream, buf []byte, progress transfer.Progress) error {
	if _, err := transfer.Send(stream, r.params.Size, buf, progress); err != nil {
		return err
	}
	if err := stream.CloseWrite(); err != nil {
		return fmt.Errorf("close request side: %w", err)
	}
	var ack uint64
	if err := binary.Read(stream, binary.BigEndian, &ack); err != nil {
		return fmt.Errorf("read upload ack: %w", err)
	}
	if int64(ack) != r.params.Size {
		return fmt.Errorf("server acknowledged %d bytes, sent %d", ack, r.params.Size)
	}
	return nil
}
