package transfer

import (
	"context"
	"io"
	"net"
)

// Conn is a multiplexed connection to a speedflux peer. Each transfer
// attempt runs on its own stream.
type Conn interface {
	// OpenStream starts a stream for one transfer attempt.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream waits for the next stream opened by the remote peer.
	AcceptStream(ctx context.Context) (Stream, error)

	RemoteAddr() net.Addr

	// Close ends the connection. Open streams fail afterwards.
	Close() error
}

// Stream is a bidirectional byte stream.
type Stream interface {
	io.Reader
	io.Writer
	// CloseWrite signals EOF to the remote reader. Reading stays possible.
	CloseWrite() error
	// Close tears down both directions.
	Close() error
}
