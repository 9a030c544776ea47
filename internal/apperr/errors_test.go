package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", New(CodeRateLimited, "slow down", true), true},
		{"invalid recipient", New(CodeInvalidRecipient, "bad phone", false), false},
		{"wrapped permanent", fmt.Errorf("send: %w", New(CodeInvalidContent, "empty", false)), false},
		{"unclassified", errors.New("connection reset"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(nil))
	assert.Equal(t, CodeTimeout, CodeOf(fmt.Errorf("post: %w", context.DeadlineExceeded)))
	assert.Equal(t, CodeUnknown, CodeOf(errors.New("x")))
	assert.Equal(t, CodeRejected, CodeOf(Wrap(errors.New("400"), CodeRejected, "rejected", false)))
	assert.True(t, IsValidation(Validation("niche is required")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(cause, CodeTransportUnavailable, "send failed", true)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "TRANSPORT_UNAVAILABLE: send failed (dial tcp: refused)", err.Error())
	assert.False(t, err.Timestamp.IsZero())
}
