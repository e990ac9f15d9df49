// Package wsreq runs transfer attempts over a WebSocket connection. Each
// worker keeps one connection; an attempt is a header text message
// followed by binary payload messages and a closing "done" text message.
package wsreq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sheerbytes/speedflux/internal/bufpool"
	"github.com/sheerbytes/speedflux/internal/speedtest"
	"github.com/sheerbytes/speedflux/pkg/protocol"
)

var (
	_ speedtest.Request = (*Request)(nil)
	_ io.Closer         = (*Request)(nil)
)

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
	ReadBufferSize:   bufpool.DefaultSize,
	WriteBufferSize:  bufpool.DefaultSize,
}

// WebSocketURL maps an http(s) base URL onto its ws(s) /ws endpoint.
func WebSocketURL(base string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", errors.New("empty base URL")
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// NewFactory returns a factory of WebSocket requests against base.
func NewFactory(base string, direction speedtest.Direction, logger *slog.Logger) (speedtest.RequestFactory, error) {
	wsURL, err := WebSocketURL(base)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return func(worker int) (speedtest.Request, error) {
		return &Request{
			url:       wsURL,
			direction: direction,
			logger:    logger.With("worker", worker),
		}, nil
	}, nil
}

// Request is one worker's WebSocket transfer. The connection is dialed on
// first use and survives across attempts until an attempt fails.
type Request struct {
	url       string
	direction speedtest.Direction
	logger    *slog.Logger
	conn      *websocket.Conn

	params   speedtest.Params
	progress speedtest.ProgressFunc
}

func (r *Request) SetParams(p speedtest.Params)          { r.params = p }
func (r *Request) SetProgress(fn speedtest.ProgressFunc) { r.progress = fn }

// Reset clears attempt state. The connection is kept.
func (r *Request) Reset() {
	r.params = speedtest.Params{}
	r.progress = nil
}

// Close drops the worker's connection.
func (r *Request) Close() error {
	if r.conn == nil {
		return nil
	}
	conn := r.conn
	r.conn = nil
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}

// Issue runs one attempt. Any failure, or an early stop, closes the
// connection so the next attempt starts on a clean one.
func (r *Request) Issue(ctx context.Context) error {
	if r.conn == nil {
		conn, err := r.dial(ctx)
		if err != nil {
			return err
		}
		r.conn = conn
	}
	conn := r.conn
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	finished, err := r.attempt(conn)
	if err != nil || !finished {
		_ = r.Close()
	}
	return err
}

func (r *Request) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := dialer.DialContext(ctx, r.url, http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}
	r.logger.Debug("websocket connected", "url", r.url)
	return conn, nil
}

// attempt reports finished=false when the attempt was stopped early and
// the stream is left mid-transfer.
func (r *Request) attempt(conn *websocket.Conn) (bool, error) {
	op := protocol.OpDownload
	if r.direction == speedtest.Upload {
		op = protocol.OpUpload
	}
	h := protocol.NewHeader(op, r.params.Size, r.params.Worker, r.params.IssuedAt.UnixMicro(), r.params.RunID)
	if err := conn.WriteJSON(protocol.Control{Type: protocol.TypeHeader, Header: &h}); err != nil {
		return false, fmt.Errorf("write header: %w", err)
	}
	if op == protocol.OpUpload {
		return r.upload(conn)
	}
	return r.download(conn)
}

func (r *Request) download(conn *websocket.Conn) (bool, error) {
	var got int64
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return false, fmt.Errorf("read after %d bytes: %w", got, err)
		}
		if kind == websocket.BinaryMessage {
			got += int64(len(data))
			if got > r.params.Size {
				return false, fmt.Errorf("server sent %d bytes, asked for %d", got, r.params.Size)
			}
			if r.progress != nil && r.progress(got) {
				return false, nil
			}
			continue
		}
		done, err := decodeDone(data)
		if err != nil {
			return false, err
		}
		if done.Bytes != got || got != r.params.Size {
			return false, fmt.Errorf("download incomplete: got %d, server sent %d, asked for %d", got, done.Bytes, r.params.Size)
		}
		return true, nil
	}
}

func (r *Request) upload(conn *websocket.Conn) (bool, error) {
	buf := bufpool.Default.Get()
	defer bufpool.Default.Put(buf)
	payload := *buf
	clear(payload)

	var sent int64
	for sent < r.params.Size {
		chunk := payload
		if rem := r.params.Size - sent; rem < int64(len(chunk)) {
			chunk = chunk[:rem]
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			return false, fmt.Errorf("write after %d bytes: %w", sent, err)
		}
		sent += int64(len(chunk))
		if r.progress != nil && r.progress(sent) {
			return false, nil
		}
	}

	kind, data, err := conn.ReadMessage()
	if err != nil {
		return false, fmt.Errorf("read upload ack: %w", err)
	}
	if kind != websocket.TextMessage {
		return false, errors.New("expected text ack")
	}
	done, err := decodeDone(data)
	if err != nil {
		return false, err
	}
	if done.Bytes != sent {
		return false, fmt.Errorf("server acknowledged %d bytes, sent %d", done.Bytes, sent)
	}
	return true, nil
}

func decodeDone(data []byte) (protocol.Control, error) {
	var msg protocol.Control
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decode control message: %w", err)
	}
	switch msg.Type {
	case protocol.TypeDone:
		return msg, nil
	case protocol.TypeError:
		if msg.Error != nil {
			return msg, msg.Error
		}
		return msg, errors.New("server reported an error")
	default:
		return msg, fmt.Errorf("unexpected control message %q", msg.Type)
	}
}
