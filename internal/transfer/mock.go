package transfer

import (
	"context"
	"io"
	"net"
	"sync"
)

// NewMockPair returns two in-memory connections wired to each other.
// Streams opened on one side are accepted on the other.
func NewMockPair() (Conn, Conn) {
	a := newMockConn("mock-a")
	b := newMockConn("mock-b")
	a.peer = b
	b.peer = a
	return a, b
}

type mockAddr string

func (a mockAddr) Network() string { return "mock" }
func (a mockAddr) String() string  { return string(a) }

type mockConn struct {
	name    string
	peer    *mockConn
	accept  chan *mockStream
	closed  chan struct{}
	once    sync.Once
	mu      sync.Mutex
	streams []*mockStream
}

var _ Conn = (*mockConn)(nil)
var _ Stream = (*mockStream)(nil)

func newMockConn(name string) *mockConn {
	return &mockConn{
		name:   name,
		accept: make(chan *mockStream, 64),
		closed: make(chan struct{}),
	}
}

func (c *mockConn) OpenStream(ctx context.Context) (Stream, error) {
	select {
	case <-c.closed:
		return nil, io.ErrClosedPipe
	case <-c.peer.closed:
		return nil, io.ErrClosedPipe
	default:
	}

	// Two pipes give each side an independent write direction.
	upR, upW := io.Pipe()
	downR, downW := io.Pipe()
	local := &mockStream{r: downR, w: upW}
	remote := &mockStream{r: upR, w: downW}

	select {
	case c.peer.accept <- remote:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.peer.closed:
		return nil, io.ErrClosedPipe
	}
	c.track(local)
	c.peer.track(remote)
	return local, nil
}

func (c *mockConn) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case s := <-c.accept:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, io.ErrClosedPipe
	}
}

func (c *mockConn) RemoteAddr() net.Addr {
	return mockAddr(c.peer.name)
}

func (c *mockConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.mu.Lock()
		streams := c.streams
		c.streams = nil
		c.mu.Unlock()
		for _, s := range streams {
			_ = s.Close()
		}
	})
	return nil
}

func (c *mockConn) track(s *mockStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams = append(c.streams, s)
}

type mockStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (s *mockStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *mockStream) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *mockStream) CloseWrite() error           { return s.w.Close() }

func (s *mockStream) Close() error {
	_ = s.w.Close()
	return s.r.Close()
}
