package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// TransferHeader opens every stream-based transfer attempt.
type TransferHeader struct {
	V        int    `json:"v"`
	Op       string `json:"op"`
	Size     int64  `json:"size"`
	Worker   int    `json:"worker"`
	IssuedAt int64  `json:"time"`
	RunID    string `json:"run,omitempty"`
}

// Control is a text message on the WebSocket channel.
type Control struct {
	Type   string          `json:"type"`
	Header *TransferHeader `json:"header,omitempty"`
	Bytes  int64           `json:"bytes,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is the body of a rejected request.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// NewHeader fills in the protocol version.
func NewHeader(op string, size int64, worker int, issuedAtMicros int64, runID string) TransferHeader {
	return TransferHeader{
		V:        ProtocolVersion,
		Op:       op,
		Size:     size,
		Worker:   worker,
		IssuedAt: issuedAtMicros,
		RunID:    runID,
	}
}

// ValidateBasic checks the fields every server relies on.
func (h TransferHeader) ValidateBasic() error {
	if h.V != ProtocolVersion {
		return fmt.Errorf("invalid protocol version: got %d, expected %d", h.V, ProtocolVersion)
	}
	if h.Op != OpDownload && h.Op != OpUpload {
		return fmt.Errorf("unknown op %q", h.Op)
	}
	if h.Size < 0 {
		return errors.New("size must not be negative")
	}
	return nil
}

// WriteHeader writes h as a uint16 big-endian length followed by JSON.
func WriteHeader(w io.Writer, h TransferHeader) error {
	body, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	if len(body) > MaxHeaderSize {
		return fmt.Errorf("header too large: %d bytes", len(body))
	}
	frame := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(frame, uint16(len(body)))
	copy(frame[2:], body)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

// ReadHeader reads and validates a frame written by WriteHeader.
func ReadHeader(r io.Reader) (TransferHeader, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return TransferHeader{}, fmt.Errorf("read header length: %w", err)
	}
	if n == 0 || int(n) > MaxHeaderSize {
		return TransferHeader{}, fmt.Errorf("invalid header length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return TransferHeader{}, fmt.Errorf("read header: %w", err)
	}
	var h TransferHeader
	if err := json.Unmarshal(body, &h); err != nil {
		return TransferHeader{}, fmt.Errorf("unmarshal header: %w", err)
	}
	if err := h.ValidateBasic(); err != nil {
		return TransferHeader{}, err
	}
	return h, nil
}
