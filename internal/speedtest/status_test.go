package speedtest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusString(t *testing.T) {
	s := NewStatus(CodeFailedPrecondition, "cancel token is nil")
	assert.Equal(t, "FAILED_PRECONDITION: cancel token is nil", s.String())
	assert.False(t, s.OK())
	assert.Equal(t, "Unknown status code 42", StatusCode(42).String())
}

func TestStatusErr(t *testing.T) {
	assert.NoError(t, StatusOK.Err())

	err := NewStatus(CodeAborted, "stopped").Err()
	assert.ErrorIs(t, err, ErrAborted)
	assert.False(t, errors.Is(err, ErrInternal))

	var se *StatusError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, CodeAborted, se.Status.Code)
}

func TestParseDirection(t *testing.T) {
	for in, want := range map[string]Direction{
		"download": Download,
		"DOWN":     Download,
		"":         Download,
		"upload":   Upload,
		" up ":     Upload,
	} {
		got, err := ParseDirection(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDirection("sideways")
	assert.Error(t, err)
}
