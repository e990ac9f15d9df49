package transferquic

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sheerbytes/speedflux/internal/quictransport"
	"github.com/sheerbytes/speedflux/internal/transport"
)

func TestConnStreamRoundTrip(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ln, err := quictransport.Listen("127.0.0.1:0", quictransport.ListenOptions{}, logger)
	if err != nil {
		t.Skipf("udp loopback unavailable: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		qc, err := ln.Accept(ctx)
		if err != nil {
			serverErr <- err
			return
		}
		conn := NewConn(qc, logger)
		defer conn.Close()
		s, err := conn.AcceptStream(ctx)
		if err != nil {
			serverErr <- err
			return
		}
		data, err := io.ReadAll(s)
		if err != nil {
			serverErr <- err
			return
		}
		if _, err := s.Write(data); err != nil {
			serverErr <- err
			return
		}
		serverErr <- s.CloseWrite()
		// Hold the connection until the client has read the echo.
		<-ctx.Done()
	}()

	qc, err := quictransport.Dial(ctx, ln.Addr().String(), transport.QUICWindows{}, logger)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn := NewConn(qc, logger)
	defer conn.Close()

	s, err := conn.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if _, err := s.Write([]byte("speedflux")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}
	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "speedflux" {
		t.Fatalf("echo = %q", got)
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("server: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	cancel()
}

func TestConnClosedRejectsStreams(t *testing.T) {
	c := &Conn{closed: true, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	if _, err := c.OpenStream(context.Background()); err != io.ErrClosedPipe {
		t.Fatalf("OpenStream err = %v, want ErrClosedPipe", err)
	}
	if _, err := c.AcceptStream(context.Background()); err != io.ErrClosedPipe {
		t.Fatalf("AcceptStream err = %v, want ErrClosedPipe", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close on closed conn: %v", err)
	}
}
