package wsreq

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sheerbytes/speedflux/internal/bufpool"
	"github.com/sheerbytes/speedflux/pkg/protocol"
)

// HandlerOptions configure the server half.
type HandlerOptions struct {
	// MaxSize caps the bytes a single attempt may move. Zero means no cap.
	MaxSize int64
	// IdleTimeout closes connections that send nothing for this long.
	IdleTimeout time.Duration
	// Allow is consulted before each attempt with the upgrade request.
	Allow   func(r *http.Request) bool
	Observe func(h protocol.TransferHeader, n int64, err error)
	Logger  *slog.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  bufpool.DefaultSize,
	WriteBufferSize: bufpool.DefaultSize,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler returns the /ws endpoint.
func Handler(opts HandlerOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()
		s := &session{conn: conn, req: r, opts: opts, logger: logger.With("remote_addr", r.RemoteAddr)}
		s.run()
	})
}

type session struct {
	conn   *websocket.Conn
	req    *http.Request
	opts   HandlerOptions
	logger *slog.Logger
}

func (s *session) run() {
	for {
		s.touch()
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			s.sendError("INVALID_ARGUMENT", "expected header before payload")
			return
		}
		var msg protocol.Control
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != protocol.TypeHeader || msg.Header == nil {
			s.sendError("INVALID_ARGUMENT", "invalid header message")
			return
		}
		h := *msg.Header
		n, err := s.serve(h)
		if s.opts.Observe != nil {
			s.opts.Observe(h, n, err)
		}
		if err != nil {
			s.logger.Debug("transfer attempt failed", "op", h.Op, "worker", h.Worker, "bytes", n, "error", err)
			return
		}
	}
}

func (s *session) serve(h protocol.TransferHeader) (int64, error) {
	if err := h.ValidateBasic(); err != nil {
		s.sendError("INVALID_ARGUMENT", err.Error())
		return 0, err
	}
	if s.opts.Allow != nil && !s.opts.Allow(s.req) {
		s.sendError("UNAVAILABLE", "rate limit exceeded")
		return 0, fmt.Errorf("rate limited")
	}
	if s.opts.MaxSize > 0 && h.Size > s.opts.MaxSize {
		s.sendError("INVALID_ARGUMENT", "size exceeds server limit")
		return 0, fmt.Errorf("size %d exceeds limit %d", h.Size, s.opts.MaxSize)
	}
	if h.Op == protocol.OpDownload {
		return s.sendPayload(h.Size)
	}
	return s.receivePayload(h.Size)
}

func (s *session) sendPayload(size int64) (int64, error) {
	buf := bufpool.Default.Get()
	defer bufpool.Default.Put(buf)
	payload := *buf
	clear(payload)

	var sent int64
	for sent < size {
		chunk := payload
		if rem := size - sent; rem < int64(len(chunk)) {
			chunk = chunk[:rem]
		}
		if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			return sent, err
		}
		sent += int64(len(chunk))
	}
	return sent, s.conn.WriteJSON(protocol.Control{Type: protocol.TypeDone, Bytes: sent})
}

func (s *session) receivePayload(size int64) (int64, error) {
	var got int64
	for got < size {
		s.touch()
		kind, r, err := s.conn.NextReader()
		if err != nil {
			return got, err
		}
		if kind != websocket.BinaryMessage {
			s.sendError("INVALID_ARGUMENT", "expected binary payload")
			return got, fmt.Errorf("unexpected message type %d", kind)
		}
		n, err := io.Copy(io.Discard, r)
		got += n
		if err != nil {
			return got, err
		}
	}
	if got != size {
		s.sendError("INVALID_ARGUMENT", "payload larger than header size")
		return got, fmt.Errorf("received %d bytes, expected %d", got, size)
	}
	return got, s.conn.WriteJSON(protocol.Control{Type: protocol.TypeDone, Bytes: got})
}

func (s *session) touch() {
	if s.opts.IdleTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
	}
}

func (s *session) sendError(code, message string) {
	_ = s.conn.WriteJSON(protocol.Control{
		Type:  protocol.TypeError,
		Error: &protocol.Error{Code: code, Message: message},
	})
}
