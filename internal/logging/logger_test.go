package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		log, err := New(level, "json")
		require.NoError(t, err, level)
		require.NotNil(t, log)
	}

	_, err := New("loud", "json")
	require.Error(t, err)
	_, err = New("info", "xml")
	require.Error(t, err)
}

func TestContextFields(t *testing.T) {
	ctx := WithRunID(context.Background(), "run-1")
	ctx = WithTaskID(ctx, "task-9")

	fields := ContextFields(ctx)
	require.Len(t, fields, 2)
	assert.Equal(t, "run_id", fields[0].Key)
	assert.Equal(t, "task_id", fields[1].Key)

	assert.Empty(t, ContextFields(context.Background()))
	assert.Equal(t, "run-1", RunIDFromContext(ctx))
	assert.Equal(t, "", RunIDFromContext(context.Background()))
}

func TestForEnrichesLogger(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx := WithRunID(context.Background(), "run-1")
	For(ctx, base).Info("stage started")

	entries := observed.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "run-1", entries[0].ContextMap()["run_id"])

	// Without correlation data the logger passes through unchanged.
	assert.Same(t, base, For(context.Background(), base))
}
