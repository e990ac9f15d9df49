package transferquic

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/sheerbytes/speedflux/internal/transfer"
)

var (
	_ transfer.Conn   = (*Conn)(nil)
	_ transfer.Stream = (*Stream)(nil)
)

// Conn adapts a QUIC connection to transfer.Conn.
type Conn struct {
	mu     sync.Mutex
	conn   *quic.Conn
	logger *slog.Logger
	closed bool
}

// NewConn wraps an established QUIC connection.
func NewConn(conn *quic.Conn, logger *slog.Logger) *Conn {
	return &Conn{conn: conn, logger: logger}
}

// OpenStream opens a new bidirectional stream to the remote peer.
func (c *Conn) OpenStream(ctx context.Context) (transfer.Stream, error) {
	conn, err := c.live()
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open QUIC stream: %w", err)
	}
	c.logger.Debug("QUIC stream opened", "stream_id", stream.StreamID())
	return &Stream{stream: stream}, nil
}

// AcceptStream waits for the next stream opened by the remote peer.
func (c *Conn) AcceptStream(ctx context.Context) (transfer.Stream, error) {
	conn, err := c.live()
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept QUIC stream: %w", err)
	}
	c.logger.Debug("QUIC stream accepted", "stream_id", stream.StreamID())
	return &Stream{stream: stream}, nil
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the connection and all associated streams.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.conn.CloseWithError(0, ""); err != nil {
		return fmt.Errorf("close QUIC connection: %w", err)
	}
	return nil
}

func (c *Conn) live() (*quic.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, io.ErrClosedPipe
	}
	return c.conn, nil
}

// Stream adapts a QUIC stream to transfer.Stream.
type Stream struct {
	mu          sync.Mutex
	stream      *quic.Stream
	writeClosed bool
	closed      bool
}

func (s *Stream) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *Stream) Write(p []byte) (int, error) { return s.stream.Write(p) }

// StreamID returns the QUIC stream ID.
func (s *Stream) StreamID() uint64 {
	return uint64(s.stream.StreamID())
}

// CloseWrite sends a FIN; buffered data is still delivered.
func (s *Stream) CloseWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeClosed {
		return nil
	}
	s.writeClosed = true
	if err := s.stream.Close(); err != nil {
		return fmt.Errorf("close QUIC stream write side: %w", err)
	}
	return nil
}

// Close stops reading and closes the write side.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.stream.CancelRead(0)
	if s.writeClosed {
		return nil
	}
	s.writeClosed = true
	if err := s.stream.Close(); err != nil {
		return fmt.Errorf("close QUIC stream: %w", err)
	}
	return nil
}
