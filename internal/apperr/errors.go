// Package apperr provides the structured error type used to classify delivery
// and storage failures.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

type ErrorCode string

const (
	// Transient: requeued with backoff until the retry ceiling.
	CodeTransportUnavailable ErrorCode = "TRANSPORT_UNAVAILABLE"
	CodeRateLimited          ErrorCode = "RATE_LIMITED"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeDeviceOffline        ErrorCode = "DEVICE_OFFLINE"

	// Permanent: terminal failure, never retried.
	CodeInvalidRecipient ErrorCode = "INVALID_RECIPIENT"
	CodeInvalidContent   ErrorCode = "INVALID_CONTENT"
	CodeRejected         ErrorCode = "REJECTED"
	CodeRetriesExhausted ErrorCode = "RETRIES_EXHAUSTED"

	CodeValidation ErrorCode = "VALIDATION_FAILED"
	CodeStorage    ErrorCode = "STORAGE_FAILED"
	CodeUnknown    ErrorCode = "UNKNOWN"
)

// StandardError is a structured application error.
type StandardError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Retryable bool      `json:"retryable"`
	Timestamp time.Time `json:"timestamp"`
	cause     error
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *StandardError) Unwrap() error { return e.cause }

func New(code ErrorCode, message string, retryable bool) *StandardError {
	return &StandardError{Code: code, Message: message, Retryable: retryable, Timestamp: time.Now().UTC()}
}

// Wrap attaches a code and classification to err, keeping it in the chain.
func Wrap(err error, code ErrorCode, message string, retryable bool) *StandardError {
	se := New(code, message, retryable)
	if err != nil {
		se.Details = err.Error()
		se.cause = err
	}
	return se
}

func Validation(format string, args ...interface{}) *StandardError {
	return New(CodeValidation, fmt.Sprintf(format, args...), false)
}

// IsRetryable reports whether a delivery error should be retried. Errors that
// carry no classification are treated as transient; the retry ceiling bounds
// them.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StandardError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return true
}

// CodeOf returns the code of the first StandardError in the chain, deriving one
// for bare context and network errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var se *StandardError
	if errors.As(err, &se) {
		return se.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CodeTimeout
		}
		return CodeTransportUnavailable
	}
	return CodeUnknown
}

func IsValidation(err error) bool {
	return CodeOf(err) == CodeValidation
}
