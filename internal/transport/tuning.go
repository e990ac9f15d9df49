package transport

import (
	"fmt"
	"net"
	"strings"

	"github.com/quic-go/quic-go"
)

const (
	StatusOK     = "ok"
	StatusNA     = "n/a"
	StatusDenied = "denied"
)

const (
	defaultInitialConnWindow = 2 * mib
	minConnWindow            = 1 * mib
	maxConnWindow            = 1024 * mib
	minStreamWindow          = 1 * mib
	maxStreamWindow          = 256 * mib
	minIncomingStreams       = 1
	maxIncomingStreams       = 2048

	minUDPBuffer = 256 * kib
	maxUDPBuffer = 64 * mib
)

// QUICWindows are the flow-control knobs exposed on the command line.
type QUICWindows struct {
	ConnWindow   int
	StreamWindow int
	MaxStreams   int
}

// TuneResult reports what a tuning step asked for and what it got.
type TuneResult struct {
	Kind      string
	Requested QUICWindows
	Applied   QUICWindows
	Status    string
	Err       string
}

// Line renders the result for a log or console line.
func (r TuneResult) Line() string {
	status := r.Status
	if status == "" {
		status = StatusNA
	}
	var line string
	switch r.Kind {
	case "udp":
		line = fmt.Sprintf("UDP buffers: requested r=%s w=%s -> applied r=%s w=%s status=%s",
			formatWindow(r.Requested.ConnWindow), formatWindow(r.Requested.StreamWindow),
			formatWindow(r.Applied.ConnWindow), formatWindow(r.Applied.StreamWindow), status)
	default:
		line = fmt.Sprintf("QUIC tuning: conn_window=%s stream_window=%s max_streams=%d status=%s",
			formatWindow(r.Applied.ConnWindow), formatWindow(r.Applied.StreamWindow), r.Applied.MaxStreams, status)
	}
	if r.Err != "" {
		line += " err=" + r.Err
	}
	return line
}

// BuildQuicConfig copies base and applies clamped windows to it. Zero
// window fields keep base's value.
func BuildQuicConfig(base *quic.Config, w QUICWindows) (*quic.Config, TuneResult) {
	cfg := &quic.Config{}
	if base != nil {
		copyCfg := *base
		cfg = &copyCfg
	}
	res := TuneResult{Kind: "quic", Requested: w, Status: StatusOK}

	if w.ConnWindow > 0 {
		conn := clamp(w.ConnWindow, minConnWindow, maxConnWindow)
		initial := defaultInitialConnWindow
		if initial > conn {
			initial = conn
		}
		cfg.InitialConnectionReceiveWindow = uint64(initial)
		cfg.MaxConnectionReceiveWindow = uint64(conn)
	}
	if w.StreamWindow > 0 {
		stream := clamp(w.StreamWindow, minStreamWindow, maxStreamWindow)
		cfg.InitialStreamReceiveWindow = uint64(stream)
		cfg.MaxStreamReceiveWindow = uint64(stream)
	}
	if w.MaxStreams > 0 {
		cfg.MaxIncomingStreams = int64(clamp(w.MaxStreams, minIncomingStreams, maxIncomingStreams))
	}

	res.Applied = QUICWindows{
		ConnWindow:   int(cfg.MaxConnectionReceiveWindow),
		StreamWindow: int(cfg.MaxStreamReceiveWindow),
		MaxStreams:   int(cfg.MaxIncomingStreams),
	}
	return cfg, res
}

// ApplyUDPBuffers sets socket buffers on conn as far as the OS allows.
// The requested read and write sizes travel in ConnWindow and StreamWindow.
func ApplyUDPBuffers(conn *net.UDPConn, read, write int) TuneResult {
	res := TuneResult{
		Kind: "udp",
		Requested: QUICWindows{
			ConnWindow:   clamp(read, minUDPBuffer, maxUDPBuffer),
			StreamWindow: clamp(write, minUDPBuffer, maxUDPBuffer),
		},
		Applied: QUICWindows{ConnWindow: -1, StreamWindow: -1},
		Status:  StatusOK,
	}
	if conn == nil {
		res.Status = StatusNA
		res.Err = "no access to underlying UDPConn"
		return res
	}

	var errs []string
	if err := conn.SetReadBuffer(res.Requested.ConnWindow); err != nil {
		errs = append(errs, "read: "+err.Error())
	} else {
		res.Applied.ConnWindow = res.Requested.ConnWindow
	}
	if err := conn.SetWriteBuffer(res.Requested.StreamWindow); err != nil {
		errs = append(errs, "write: "+err.Error())
	} else {
		res.Applied.StreamWindow = res.Requested.StreamWindow
	}
	if len(errs) > 0 {
		res.Status = StatusDenied
		res.Err = strings.Join(errs, "; ")
	}
	return res
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
