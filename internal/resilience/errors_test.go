package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"marked", NewTransientError(errors.New("x"), 503), true},
		{"wrapped marked", fmt.Errorf("call: %w", NewTransientError(errors.New("x"), 0)), true},
		{"net timeout", timeoutErr{}, true},
		{"conn reset errno", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"conn refused errno", syscall.ECONNREFUSED, true},
		{"message", errors.New("Post https://api: read tcp: Connection Reset by peer"), true},
		{"dns", errors.New("dial tcp: lookup api: no such host"), true},
		{"plain", errors.New("invalid request"), false},
		{"cancelled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestTransientError_Unwraps(t *testing.T) {
	base := errors.New("overloaded")
	te := NewTransientError(base, 529)
	assert.ErrorIs(t, te, base)
	assert.Equal(t, "overloaded", te.Error())
	assert.Equal(t, 529, te.StatusCode)
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for status, want := range map[int]bool{
		200: false, 400: false, 401: false, 404: false,
		408: true, 429: true,
		500: true, 501: false, 502: true, 503: true, 504: true, 505: false, 529: true,
	} {
		assert.Equal(t, want, IsTransientHTTPStatus(status), "status %d", status)
	}
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "transient", ClassifyError(NewTransientError(errors.New("x"), 0)))
	assert.Equal(t, "permanent", ClassifyError(errors.New("x")))
}
