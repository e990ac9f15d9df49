package ping

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/pion/stun"
)

// Responder answers STUN binding requests with the sender's reflexive
// address.
type Responder struct {
	conn    net.PacketConn
	logger  *slog.Logger
	answers atomic.Int64
}

// NewResponder serves on conn. The caller keeps ownership of conn.
func NewResponder(conn net.PacketConn, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Responder{conn: conn, logger: logger}
}

// ListenAndServe opens a UDP socket on addr and serves until ctx ends.
func ListenAndServe(ctx context.Context, addr string, logger *slog.Logger) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	r := NewResponder(conn, logger)
	r.logger.Info("STUN responder listening", "addr", conn.LocalAddr().String())
	return r.Serve(ctx)
}

// Answers returns the number of binding responses sent.
func (r *Responder) Answers() int64 {
	return r.answers.Load()
}

// Serve reads requests until ctx ends or the socket fails.
func (r *Responder) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = r.conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, maxPacketSize)
	for {
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		if err := r.answer(buf[:n], addr); err != nil {
			r.logger.Debug("STUN request dropped", "remote_addr", addr.String(), "error", err)
		}
	}
}

func (r *Responder) answer(packet []byte, addr net.Addr) error {
	if !stun.IsMessage(packet) {
		return errors.New("not a STUN message")
	}
	req := &stun.Message{Raw: append([]byte(nil), packet...)}
	if err := req.Decode(); err != nil {
		return err
	}
	if req.Type != stun.BindingRequest {
		return errors.New("not a binding request")
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return errors.New("not a UDP peer")
	}
	res, err := stun.Build(
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: udpAddr.IP, Port: udpAddr.Port},
		stun.Fingerprint,
	)
	if err != nil {
		return err
	}
	if _, err := r.conn.WriteTo(res.Raw, addr); err != nil {
		return err
	}
	r.answers.Add(1)
	return nil
}
