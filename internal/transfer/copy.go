package transfer

import (
	"errors"
	"fmt"
	"io"
)

// ErrStopped is returned by Send and Receive when the progress callback
// asked them to stop early.
var ErrStopped = errors.New("transfer stopped")

// Progress receives the cumulative byte count of one transfer. Returning
// true stops the transfer.
type Progress func(cumulative int64) (stop bool)

// Send writes n bytes taken from buf, repeated as needed. buf is zeroed
// first so no stale data leaves the process.
func Send(w io.Writer, n int64, buf []byte, progress Progress) (int64, error) {
	if len(buf) == 0 {
		return 0, errors.New("send: empty buffer")
	}
	clear(buf)
	var sent int64
	for sent < n {
		chunk := buf
		if rem := n - sent; rem < int64(len(chunk)) {
			chunk = chunk[:rem]
		}
		written, err := w.Write(chunk)
		sent += int64(written)
		if err != nil {
			return sent, fmt.Errorf("send after %d bytes: %w", sent, err)
		}
		if progress != nil && progress(sent) {
			return sent, ErrStopped
		}
	}
	return sent, nil
}

// Receive reads and discards exactly n bytes. A stream that ends early
// yields io.ErrUnexpectedEOF.
func Receive(r io.Reader, n int64, buf []byte, progress Progress) (int64, error) {
	if len(buf) == 0 {
		return 0, errors.New("receive: empty buffer")
	}
	var got int64
	for got < n {
		chunk := buf
		if rem := n - got; rem < int64(len(chunk)) {
			chunk = chunk[:rem]
		}
		read, err := r.Read(chunk)
		got += int64(read)
		if read > 0 && progress != nil && progress(got) {
			return got, ErrStopped
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if got == n {
					return got, nil
				}
				err = io.ErrUnexpectedEOF
			}
			return got, fmt.Errorf("receive after %d bytes: %w", got, err)
		}
	}
	return got, nil
}
