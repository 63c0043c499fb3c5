package zapadapter

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextIDs(t *testing.T) {
	ctx := context.Background()

	_, ok := IDFromContext(ctx)
	require.False(t, ok)

	ctx = NewContextWithID(ctx, "req")
	ctx = NewContextWithDevice(ctx, "dev")

	id, ok := IDFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "req", id)

	device, ok := DeviceFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "dev", device)
	require.Len(t, ContextFields(ctx), 2)
}

func TestLogAddsRequestID(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewLogger(zap.New(core))

	ctx := NewContextWithID(context.Background(), "abc")
	l.Log(ctx, pgx.LogLevelWarn, "slow query", map[string]interface{}{"sql": "select 1"})

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "slow query", entries[0].Message)

	fields := entries[0].ContextMap()
	require.Equal(t, "abc", fields["request_id"])
	require.Equal(t, "select 1", fields["sql"])
}
