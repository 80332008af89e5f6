package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsRunObjectAndPage(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core)

	ctx := ContextWithRun(context.Background(), "run-1")
	ctx = ContextWithObject(ctx, "accounts-payable/vendor")
	ctx = ContextWithPage(ctx, 3)
	WithContext(ctx, base).Info("page handed off")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "run-1", fields["run_id"])
	assert.Equal(t, "accounts-payable/vendor", fields["object"])
	assert.EqualValues(t, 3, fields["page"])
}

func TestWithContextWithoutValues(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core)

	WithContext(context.Background(), base).Info("plain")
	require.Equal(t, 1, logs.Len())
	assert.Empty(t, logs.All()[0].Context)
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := newLogger(Config{Level: "verbose", Encoding: "json"})
	assert.Error(t, err)

	l, err := newLogger(Config{Level: "debug", Encoding: "console", OutputPaths: []string{"stderr"}})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
}
