// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package state_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"lancache.dev/warden/manager/state"
)

func TestRoundTrip(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	dir := ctx.Dir("data")
	log := zaptest.NewLogger(t)

	store, err := state.Open(log, dir)
	require.NoError(t, err)

	started := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	err = store.Update(ctx, func(s *state.AppState) {
		s.LogProcessing.Position = 123456
		s.DepotProcessing.LastChangeNumber = 29000000
		s.DepotProcessing.RemainingAppIDs = []uint32{10, 20, 30}
		s.DepotProcessing.StartTime = &started
		s.SetupCompleted = true
		s.ExcludedClients = []string{"192.168.1.50"}
		s.Scheduling.CrawlMode = state.CrawlFull
	})
	require.NoError(t, err)

	reopened, err := state.Open(log, dir)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(store.Get(), reopened.Get()))
	require.Equal(t, uint64(123456), reopened.Position())
	require.Equal(t, state.CrawlFull, reopened.Get().Scheduling.CrawlMode)
}

func TestSnapshotIsolation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := state.Open(zaptest.NewLogger(t), ctx.Dir("data"))
	require.NoError(t, err)

	require.NoError(t, store.Update(ctx, func(s *state.AppState) {
		s.DepotProcessing.RemainingAppIDs = []uint32{1, 2, 3}
	}))

	snapshot := store.Get()
	snapshot.DepotProcessing.RemainingAppIDs[0] = 99
	snapshot.ExcludedClients = append(snapshot.ExcludedClients, "10.0.0.1")

	require.Equal(t, []uint32{1, 2, 3}, store.Get().DepotProcessing.RemainingAppIDs)
	require.Empty(t, store.Get().ExcludedClients)
}

func TestLegacyMigration(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	dir := ctx.Dir("data")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "position.txt"), []byte("987654321\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "setup_completed.txt"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "last_pics_crawl.txt"), []byte("2024-11-05T08:15:30Z"), 0o644))

	store, err := state.Open(zaptest.NewLogger(t), dir)
	require.NoError(t, err)

	got := store.Get()
	require.Equal(t, uint64(987654321), got.LogProcessing.Position)
	require.True(t, got.SetupCompleted)
	require.NotNil(t, got.Scheduling.LastCrawl)
	require.Equal(t, time.Date(2024, 11, 5, 8, 15, 30, 0, time.UTC), *got.Scheduling.LastCrawl)

	// the consolidated document must exist now, and win over the legacy
	// files on the next open
	_, err = os.Stat(filepath.Join(dir, "state.json"))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "position.txt"), []byte("1"), 0o644))
	reopened, err := state.Open(zaptest.NewLogger(t), dir)
	require.NoError(t, err)
	require.Equal(t, uint64(987654321), reopened.Position())
}

func TestCorruptDocument(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	dir := ctx.Dir("data")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte("{not json"), 0o644))

	store, err := state.Open(zaptest.NewLogger(t), dir)
	require.NoError(t, err)
	require.Equal(t, state.Default().Scheduling.CrawlIntervalHours, store.Get().Scheduling.CrawlIntervalHours)

	// first successful update replaces the broken file
	require.NoError(t, store.SetPosition(ctx, 42))
	reopened, err := state.Open(zaptest.NewLogger(t), dir)
	require.NoError(t, err)
	require.Equal(t, uint64(42), reopened.Position())
}

func TestSaveFailuresDisableWrites(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	// a regular file where the data directory should be makes every
	// write fail with ENOTDIR
	blocked := ctx.File("blocked")
	require.NoError(t, os.WriteFile(blocked, nil, 0o644))

	store, err := state.Open(zaptest.NewLogger(t), blocked)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		err := store.SetPosition(ctx, uint64(i))
		require.Error(t, err)
		require.False(t, state.ErrSavesDisabled.Has(err))
	}

	err = store.SetPosition(ctx, 6)
	require.True(t, state.ErrSavesDisabled.Has(err))

	// in-memory state keeps every update even though nothing persisted
	require.Equal(t, uint64(6), store.Position())
}

func TestSessionReplacementWindow(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := state.Open(zaptest.NewLogger(t), ctx.Dir("data"))
	require.NoError(t, err)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	count, err := store.RecordSessionReplacement(ctx, base)
	require.NoError(t, err)
	require.Equal(t, uint32(1), count)

	count, err = store.RecordSessionReplacement(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, uint32(2), count)

	count, err = store.RecordSessionReplacement(ctx, base.Add(26*time.Hour))
	require.NoError(t, err)
	require.Equal(t, uint32(1), count)

	require.NoError(t, store.ResetSessionReplacements(ctx))
	require.Zero(t, store.Get().SessionReplacement.Count)
}

func TestClientExcluded(t *testing.T) {
	s := state.AppState{ExcludedClients: []string{"192.168.1.50", "10.0.0.0/8", "garbage"}}

	require.True(t, s.ClientExcluded("192.168.1.50"))
	require.True(t, s.ClientExcluded("10.20.30.40"))
	require.False(t, s.ClientExcluded("192.168.1.51"))
	require.False(t, s.ClientExcluded("not-an-ip"))
}
