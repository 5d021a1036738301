// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package operations_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"storj.io/common/testcontext"

	"lancache.dev/warden/manager/events"
	"lancache.dev/warden/manager/operations"
)

func TestLegacyCacheClearStatusSeedsHistory(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	bus := events.NewBus(zaptest.NewLogger(t))
	defer ctx.Check(bus.Close)

	dir := ctx.Dir("data")
	legacy := `[
		{"service": "steam", "status": "completed", "timestamp": "2025-06-01T10:00:00Z", "bytes_freed": 123456},
		{"service": "epicgames", "status": "failed", "timestamp": "2025-06-02T11:00:00Z", "message": "permission denied"}
	]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cache_clear_status.json"), []byte(legacy), 0o644))

	registry, err := operations.Open(zaptest.NewLogger(t), bus, dir, operations.Config{})
	require.NoError(t, err)

	byScope := map[string]operations.Record{}
	for _, record := range registry.List() {
		require.Equal(t, operations.KindCacheClear, record.Kind)
		require.True(t, record.Status.Terminal())
		require.NotNil(t, record.EndedAt)
		byScope[record.Scope] = record
	}
	require.Len(t, byScope, 2)

	steam := byScope["steam"]
	require.Equal(t, operations.StatusCompleted, steam.Status)
	require.Equal(t, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), steam.StartedAt)
	require.EqualValues(t, 123456, steam.Result["bytesFreed"])

	epic := byScope["epicgames"]
	require.Equal(t, operations.StatusFailed, epic.Status)
	require.Equal(t, "permission denied", epic.Message)

	require.NoError(t, registry.Close())

	// the migration ran once; reopening must not duplicate records
	reopened, err := operations.Open(zaptest.NewLogger(t), bus, dir, operations.Config{})
	require.NoError(t, err)
	defer ctx.Check(reopened.Close)
	require.Len(t, reopened.List(), 2)
}

func TestLegacyCacheClearStatusIgnoredWhenHistoryExists(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	bus := events.NewBus(zaptest.NewLogger(t))
	defer ctx.Check(bus.Close)

	dir := ctx.Dir("data")
	registry, err := operations.Open(zaptest.NewLogger(t), bus, dir, operations.Config{})
	require.NoError(t, err)
	require.NoError(t, registry.Close())

	// a legacy file that appears after the history exists is stale
	legacy := `[{"service": "steam", "status": "completed"}]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cache_clear_status.json"), []byte(legacy), 0o644))

	reopened, err := operations.Open(zaptest.NewLogger(t), bus, dir, operations.Config{})
	require.NoError(t, err)
	defer ctx.Check(reopened.Close)
	require.Empty(t, reopened.List())
}
