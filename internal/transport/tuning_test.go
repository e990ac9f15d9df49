package transport

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
)

func TestBuildQuicConfigClampsAndCopies(t *testing.T) {
	base := &quic.Config{
		KeepAlivePeriod: 30 * time.Second,
	}
	cfg, res := BuildQuicConfig(base, QUICWindows{
		ConnWindow:   maxConnWindow + 1,
		StreamWindow: maxStreamWindow + 1,
		MaxStreams:   maxIncomingStreams + 1,
	})
	if res.Applied.ConnWindow != maxConnWindow {
		t.Fatalf("expected conn window clamp, got %d", res.Applied.ConnWindow)
	}
	if res.Applied.StreamWindow != maxStreamWindow {
		t.Fatalf("expected stream window clamp, got %d", res.Applied.StreamWindow)
	}
	if res.Applied.MaxStreams != maxIncomingStreams {
		t.Fatalf("expected max streams clamp, got %d", res.Applied.MaxStreams)
	}
	if cfg.InitialConnectionReceiveWindow != uint64(defaultInitialConnWindow) {
		t.Fatalf("unexpected initial conn window %d", cfg.InitialConnectionReceiveWindow)
	}
	if cfg.KeepAlivePeriod != base.KeepAlivePeriod {
		t.Fatalf("expected keepalive preserved from base")
	}
	if base.MaxConnectionReceiveWindow != 0 {
		t.Fatalf("expected base config untouched")
	}
}

func TestBuildQuicConfigZeroKeepsBase(t *testing.T) {
	base := &quic.Config{MaxStreamReceiveWindow: 4 * mib, MaxIncomingStreams: 64}
	cfg, res := BuildQuicConfig(base, QUICWindows{})
	if cfg.MaxStreamReceiveWindow != 4*mib || cfg.MaxIncomingStreams != 64 {
		t.Fatalf("expected base values kept, got %+v", cfg)
	}
	if res.Status != StatusOK {
		t.Fatalf("expected ok status, got %s", res.Status)
	}
	if !strings.Contains(res.Line(), "stream_window=4MiB") {
		t.Fatalf("unexpected line %q", res.Line())
	}
}

func TestClamp(t *testing.T) {
	if got := clamp(-1, minUDPBuffer, maxUDPBuffer); got != minUDPBuffer {
		t.Fatalf("expected clamp to min, got %d", got)
	}
	if got := clamp(maxUDPBuffer+1, minUDPBuffer, maxUDPBuffer); got != maxUDPBuffer {
		t.Fatalf("expected clamp to max, got %d", got)
	}
}

func TestApplyUDPBuffersUnavailable(t *testing.T) {
	res := ApplyUDPBuffers(nil, 0, 0)
	if res.Status != StatusNA {
		t.Fatalf("expected NA status, got %s", res.Status)
	}
	if res.Requested.ConnWindow != minUDPBuffer || res.Requested.StreamWindow != minUDPBuffer {
		t.Fatalf("expected clamped requested buffers")
	}
	if !strings.Contains(res.Line(), "applied r=unknown") {
		t.Fatalf("unexpected line %q", res.Line())
	}
}

func TestApplyUDPBuffersLoopback(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Skipf("udp loopback unavailable: %v", err)
	}
	defer conn.Close()

	res := ApplyUDPBuffers(conn, minUDPBuffer, minUDPBuffer)
	if res.Status == StatusNA {
		t.Fatalf("expected a real attempt, got %+v", res)
	}
}
