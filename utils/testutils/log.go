// Package testutils holds helpers shared by the package tests.
package testutils

import (
	"testing"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"balancebot-core/utils"
)

// NewTestLogger routes every log line, trace included, to t.Log.
func NewTestLogger(tb testing.TB) *utils.Logger {
	return utils.NewZapLogger(zaptest.NewLogger(tb, zaptest.Level(zapcore.DebugLevel-1)), utils.TRACE)
}
