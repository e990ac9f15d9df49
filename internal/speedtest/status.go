package speedtest

import (
	"errors"
	"fmt"
)

// StatusCode classifies the outcome of a run.
type StatusCode int

const (
	CodeOK StatusCode = iota
	CodeInvalidArgument
	CodeAborted
	CodeInternal
	CodeFailedPrecondition
	CodeUnavailable
	CodeUnknown
)

var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrAborted            = errors.New("aborted")
	ErrInternal           = errors.New("internal")
	ErrFailedPrecondition = errors.New("failed precondition")
	ErrUnavailable        = errors.New("unavailable")
	ErrUnknown            = errors.New("unknown")
)

func (c StatusCode) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeInvalidArgument:
		return "INVALID_ARGUMENT"
	case CodeAborted:
		return "ABORTED"
	case CodeInternal:
		return "INTERNAL"
	case CodeFailedPrecondition:
		return "FAILED_PRECONDITION"
	case CodeUnavailable:
		return "UNAVAILABLE"
	case CodeUnknown:
		return "UNKNOWN"
	}
	return fmt.Sprintf("Unknown status code %d", int(c))
}

func (c StatusCode) sentinel() error {
	switch c {
	case CodeInvalidArgument:
		return ErrInvalidArgument
	case CodeAborted:
		return ErrAborted
	case CodeInternal:
		return ErrInternal
	case CodeFailedPrecondition:
		return ErrFailedPrecondition
	case CodeUnavailable:
		return ErrUnavailable
	default:
		return ErrUnknown
	}
}

// Status is the outcome descriptor attached to a Result.
type Status struct {
	Code    StatusCode
	Message string
}

// StatusOK is the zero-message success status.
var StatusOK = Status{Code: CodeOK}

// NewStatus returns a status with the given code and message.
func NewStatus(code StatusCode, message string) Status {
	return Status{Code: code, Message: message}
}

// OK reports whether the status is a success.
func (s Status) OK() bool {
	return s.Code == CodeOK
}

func (s Status) String() string {
	return s.Code.String() + ": " + s.Message
}

// Err returns nil for a success status, otherwise a *StatusError.
func (s Status) Err() error {
	if s.OK() {
		return nil
	}
	return &StatusError{Status: s}
}

// StatusError exposes a failed Status as an error. It matches the code's
// sentinel with errors.Is.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return e.Status.String()
}

func (e *StatusError) Unwrap() error {
	return e.Status.Code.sentinel()
}
