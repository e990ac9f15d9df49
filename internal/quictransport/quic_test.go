package quictransport

import (
	"context"
	"crypto/x509"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sheerbytes/speedflux/internal/transport"
)

func TestServerTLSConfig(t *testing.T) {
	cfg, err := ServerTLSConfig()
	if err != nil {
		t.Fatalf("ServerTLSConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected one certificate, got %d", len(cfg.Certificates))
	}
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != ALPNProtocol {
		t.Fatalf("unexpected NextProtos %v", cfg.NextProtos)
	}
	cert, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	if time.Now().After(cert.NotAfter) || time.Now().Before(cert.NotBefore) {
		t.Fatalf("certificate not currently valid")
	}
}

func TestClientTLSConfig(t *testing.T) {
	cfg := ClientTLSConfig()
	if !cfg.InsecureSkipVerify {
		t.Error("client config should skip verification")
	}
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != ALPNProtocol {
		t.Errorf("unexpected NextProtos %v", cfg.NextProtos)
	}
}

func TestListenAndDialLoopback(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ln, err := Listen("127.0.0.1:0", ListenOptions{UDPBuffer: 1 << 20}, logger)
	if err != nil {
		t.Skipf("udp loopback unavailable: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err == nil {
			conn.CloseWithError(0, "")
		}
		accepted <- err
	}()

	conn, err := Dial(ctx, ln.Addr().String(), transport.QUICWindows{StreamWindow: 2 << 20}, logger)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseWithError(0, "")
	if got := conn.ConnectionState().TLS.NegotiatedProtocol; got != ALPNProtocol {
		t.Fatalf("negotiated %q, want %q", got, ALPNProtocol)
	}
	if err := <-accepted; err != nil {
		t.Fatalf("Accept: %v", err)
	}
}
