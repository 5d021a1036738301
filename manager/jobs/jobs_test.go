// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package jobs_test

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"storj.io/common/testcontext"
	"storj.io/common/uuid"

	"lancache.dev/warden/manager/events"
	"lancache.dev/warden/manager/jobs"
	"lancache.dev/warden/manager/operations"
)

type fakeResetDB struct {
	mu       sync.Mutex
	rows     map[string]int64
	deleted  []string
	fkCalls  []bool
	nulled   bool
	failures map[string]error
}

func newFakeResetDB(rows map[string]int64) *fakeResetDB {
	return &fakeResetDB{rows: rows}
}

func (db *fakeResetDB) TableNames(ctx context.Context) ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	names := make([]string, 0, len(db.rows))
	for name := range db.rows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (db *fakeResetDB) SetForeignKeys(ctx context.Context, enabled bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.fkCalls = append(db.fkCalls, enabled)
	return nil
}

func (db *fakeResetDB) DeleteBatch(ctx context.Context, table string, limit int) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.failures[table]; err != nil {
		return 0, err
	}
	n := db.rows[table]
	if n > int64(limit) {
		n = int64(limit)
	}
	db.rows[table] -= n
	if len(db.deleted) == 0 || db.deleted[len(db.deleted)-1] != table {
		db.deleted = append(db.deleted, table)
	}
	return n, nil
}

func (db *fakeResetDB) NullDownloadRefs(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.nulled = true
	return nil
}

type fixture struct {
	service  *jobs.Service
	registry *operations.Registry
	bus      *events.Bus
	resetDB  *fakeResetDB
	dataDir  string
	cacheDir string
}

func newFixture(t *testing.T, ctx *testcontext.Context, resetDB *fakeResetDB, tweak func(*jobs.Config)) *fixture {
	log := zaptest.NewLogger(t)
	dataDir := ctx.Dir("data")
	cacheDir := ctx.Dir("cache")

	bus := events.NewBus(log)
	registry, err := operations.Open(log, bus, dataDir, operations.Config{})
	require.NoError(t, err)

	config := jobs.Config{
		LogDir:               ctx.Dir("logs"),
		CacheDir:             cacheDir,
		ProgressPollInterval: 10 * time.Millisecond,
		ResetBatchSize:       100,
	}
	if tweak != nil {
		tweak(&config)
	}

	service := jobs.NewService(log, registry, bus, resetDB, dataDir, config)
	t.Cleanup(func() {
		ctx.Check(service.Close)
		ctx.Check(registry.Close)
		ctx.Check(bus.Close)
	})
	return &fixture{
		service:  service,
		registry: registry,
		bus:      bus,
		resetDB:  resetDB,
		dataDir:  dataDir,
		cacheDir: cacheDir,
	}
}

func (fx *fixture) waitTerminal(t *testing.T, id uuid.UUID) operations.Record {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		record, ok := fx.registry.Get(id)
		require.True(t, ok)
		if record.Status.Terminal() {
			return record
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("operation never finished")
	return operations.Record{}
}

func TestDatabaseResetOrderAndEvents(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	resetDB := newFakeResetDB(map[string]int64{
		"user_sessions": 3,
		"log_entries":   250,
		"downloads":     42,
		"events":        1,
	})
	fx := newFixture(t, ctx, resetDB, nil)

	sub := fx.bus.Subscribe(events.GroupAll)
	defer sub.Unsubscribe()

	id, err := fx.service.StartDatabaseReset(ctx, nil)
	require.NoError(t, err)

	record := fx.waitTerminal(t, id)
	require.Equal(t, operations.StatusCompleted, record.Status)

	// children before parents, enforcement off for the duration
	require.Equal(t, []string{"user_sessions", "log_entries", "downloads", "events"}, resetDB.deleted)
	require.Equal(t, []bool{false, true}, resetDB.fkCalls)
	// log_entries went too, so no ref-nulling was needed
	require.False(t, resetDB.nulled)

	rows := record.Result["rowsDeleted"].(map[string]int64)
	require.Equal(t, int64(250), rows["log_entries"])
	require.Equal(t, int64(3), rows["user_sessions"])

	var sawLogout bool
	timeout := time.After(5 * time.Second)
	for !sawLogout {
		select {
		case event := <-sub.C():
			if event.Name == events.UserSessionsCleared {
				sawLogout = true
			}
		case <-timeout:
			t.Fatal("missing UserSessionsCleared event")
		}
	}
}

func TestDatabaseResetNullsDownloadRefs(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	resetDB := newFakeResetDB(map[string]int64{
		"downloads":   10,
		"log_entries": 10,
	})
	fx := newFixture(t, ctx, resetDB, nil)

	id, err := fx.service.StartDatabaseReset(ctx, []string{"downloads"})
	require.NoError(t, err)

	record := fx.waitTerminal(t, id)
	require.Equal(t, operations.StatusCompleted, record.Status)
	require.True(t, resetDB.nulled)
	require.Equal(t, []string{"downloads"}, resetDB.deleted)
	require.EqualValues(t, 10, resetDB.rows["log_entries"], "log entries must survive")
}

func TestDatabaseResetRejectsUnknownTable(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	resetDB := newFakeResetDB(map[string]int64{"downloads": 1})
	fx := newFixture(t, ctx, resetDB, nil)

	_, err := fx.service.StartDatabaseReset(ctx, []string{"downloads", "nope"})
	require.True(t, jobs.ErrInvalid.Has(err))
	require.Empty(t, fx.registry.List())
	require.Empty(t, resetDB.fkCalls)
	require.EqualValues(t, 1, resetDB.rows["downloads"])
}

func TestCacheClearScopedKeepsShards(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fx := newFixture(t, ctx, newFakeResetDB(nil), nil)

	for _, path := range []string{
		"steam/00/chunk-a",
		"steam/01/chunk-b",
		"epic/00/chunk-c",
	} {
		full := filepath.Join(fx.cacheDir, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte("cached bytes"), 0o644))
	}

	id, err := fx.service.StartCacheClear(ctx, "steam")
	require.NoError(t, err)

	record := fx.waitTerminal(t, id)
	require.Equal(t, operations.StatusCompleted, record.Status)
	require.Contains(t, record.Result, "bytesFreed")

	require.NoFileExists(t, filepath.Join(fx.cacheDir, "steam/00/chunk-a"))
	require.NoFileExists(t, filepath.Join(fx.cacheDir, "steam/01/chunk-b"))
	require.DirExists(t, filepath.Join(fx.cacheDir, "steam/00"))
	require.DirExists(t, filepath.Join(fx.cacheDir, "steam/01"))
	require.FileExists(t, filepath.Join(fx.cacheDir, "epic/00/chunk-c"))
}

func TestCacheClearRejectsBadScope(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fx := newFixture(t, ctx, newFakeResetDB(nil), nil)

	_, err := fx.service.StartCacheClear(ctx, "127.0.0.1")
	require.True(t, jobs.ErrInvalid.Has(err))
	_, err = fx.service.StartCacheClear(ctx, "localhost")
	require.True(t, jobs.ErrInvalid.Has(err))
}

// writeFakeTool drops an executable shell script standing in for an
// external manager binary.
func writeFakeTool(t *testing.T, ctx *testcontext.Context, name, body string) string {
	path := ctx.File("bin", name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestLogCountCollectsServiceCounts(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	// the count verb gets (logdir, progress-file); write the final
	// snapshot and exit.
	script := `cat > "$3" <<'EOF'
{"is_processing":false,"percent_complete":100,"status":"done","message":"done","lines_processed":42,"service_counts":{"steam":40,"127.0.0.1":2}}
EOF
`
	var bin string
	fx := newFixture(t, ctx, newFakeResetDB(nil), func(config *jobs.Config) {
		bin = writeFakeTool(t, ctx, "log_manager", script)
		config.LogManagerBin = bin
	})

	id, err := fx.service.StartLogCount(ctx)
	require.NoError(t, err)

	record := fx.waitTerminal(t, id)
	require.Equal(t, operations.StatusCompleted, record.Status)
	require.EqualValues(t, 42, record.Result["linesProcessed"])

	counts := record.Result["serviceCounts"].(map[string]uint64)
	require.Equal(t, map[string]uint64{"steam": 40}, counts, "raw client addresses stay out of listings")
}

func TestLogRemoveSurfacesToolFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fx := newFixture(t, ctx, newFakeResetDB(nil), func(config *jobs.Config) {
		config.LogManagerBin = writeFakeTool(t, ctx, "log_manager", "exit 3\n")
	})

	id, err := fx.service.StartLogRemove(ctx, "steam")
	require.NoError(t, err)

	record := fx.waitTerminal(t, id)
	require.Equal(t, operations.StatusFailed, record.Status)
	require.Contains(t, record.Error, "status 3")
}

func TestCorruptionSummaryCaching(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	var logDir, bin string
	fx := newFixture(t, ctx, newFakeResetDB(nil), func(config *jobs.Config) {
		logDir = config.LogDir
		bin = writeFakeTool(t, ctx, "corruption_manager",
			`echo '{"service_counts":{"steam":7},"total_corrupted":7}'`+"\n")
		config.CorruptionManagerBin = bin
	})

	summary, err := fx.service.CorruptionSummary(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 7, summary.TotalCorrupted)

	// break the tool; the cached copy still answers
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\nexit 1\n"), 0o755))

	summary, err = fx.service.CorruptionSummary(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 7, summary.TotalCorrupted)

	// a fresher access log invalidates it
	logPath := filepath.Join(logDir, "access.log")
	require.NoError(t, os.WriteFile(logPath, []byte("GET /chunk\n"), 0o644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(logPath, future, future))

	_, err = fx.service.CorruptionSummary(ctx)
	require.Error(t, err)
}

func TestCorruptionDetectReportsChunks(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	// detect gets (logdir, cachedir, out-json, tz)
	script := `cat > "$4" <<'EOF'
{"corrupted_chunks":[{"service":"steam","url":"/depot/1/chunk/aa","miss_count":3,"cache_file_path":"/cache/aa"}],"summary":{"service_counts":{"steam":1},"total_corrupted":1}}
EOF
`
	fx := newFixture(t, ctx, newFakeResetDB(nil), func(config *jobs.Config) {
		config.CorruptionManagerBin = writeFakeTool(t, ctx, "corruption_manager", script)
	})

	id, err := fx.service.StartCorruptionDetect(ctx)
	require.NoError(t, err)

	record := fx.waitTerminal(t, id)
	require.Equal(t, operations.StatusCompleted, record.Status)
	require.EqualValues(t, 1, record.Result["totalCorrupted"])

	chunks := record.Result["corruptedChunks"].([]jobs.CorruptedChunk)
	require.Len(t, chunks, 1)
	require.Equal(t, "steam", chunks[0].Service)
}

func TestLogRemoveInvalidatesCountCache(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fx := newFixture(t, ctx, newFakeResetDB(nil), func(config *jobs.Config) {
		config.LogManagerBin = writeFakeTool(t, ctx, "log_manager", "exit 0\n")
	})

	stale := filepath.Join(fx.dataDir, "log_count_progress.json")
	require.NoError(t, os.WriteFile(stale, []byte(`{"lines_processed":999}`), 0o644))

	id, err := fx.service.StartLogRemove(ctx, "steam")
	require.NoError(t, err)

	record := fx.waitTerminal(t, id)
	require.Equal(t, operations.StatusCompleted, record.Status)
	require.NoFileExists(t, stale)
}
