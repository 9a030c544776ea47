// Package loggertest provides a Logger that writes through testing.TB.
package loggertest

import (
	"testing"

	"whatsapp-dispatch/internal/logger"

	"go.uber.org/zap/zaptest"
)

// New attaches log output to the test.
func New(t testing.TB) logger.Logger {
	return logger.NewZapAdapter(zaptest.NewLogger(t))
}
