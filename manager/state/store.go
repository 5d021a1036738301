// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package state

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"lancache.dev/warden/private/atomicfile"
)

var (
	// Error is the default error class for the state package.
	Error = errs.Class("state")
	// ErrSavesDisabled is returned once too many consecutive writes
	// have failed and the store stopped touching the disk.
	ErrSavesDisabled = errs.Class("state saves disabled")

	mon = monkit.Package()
)

// stateFilename is the document name inside the data directory.
const stateFilename = "state.json"

// maxConsecutiveSaveFailures is how many failed writes in a row we
// tolerate before giving up on the disk until restart. The in-memory
// document stays authoritative either way.
const maxConsecutiveSaveFailures = 5

// sessionReplacementWindow resets the replacement counter when the
// account has been quiet for this long.
const sessionReplacementWindow = 24 * time.Hour

// Store serializes access to the state document and persists every
// update atomically.
//
// architecture: Database
type Store struct {
	log  *zap.Logger
	path string

	mu       sync.Mutex
	current  AppState
	failures int
	disabled bool
}

// Open loads the document from dir, migrating legacy single-purpose
// files when no document exists yet. A corrupt document is logged and
// replaced by defaults in memory only; the broken file stays on disk
// until the first successful update.
func Open(log *zap.Logger, dir string) (*Store, error) {
	store := &Store{
		log:     log,
		path:    filepath.Join(dir, stateFilename),
		current: Default(),
	}

	err := atomicfile.ReadJSON(store.path, &store.current)
	switch {
	case err == nil:
		return store, nil
	case os.IsNotExist(err):
		if migrateLegacy(log, dir, &store.current) {
			if err := store.save(); err != nil {
				return nil, Error.Wrap(err)
			}
		}
		return store, nil
	default:
		log.Error("state document is corrupt, starting from defaults",
			zap.String("path", store.path), zap.Error(err))
		store.current = Default()
		return store, nil
	}
}

// Get returns a snapshot of the current document.
func (store *Store) Get() AppState {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.current.Clone()
}

// Update applies fn to the document and persists the result. The
// in-memory document is always updated; a persistence failure is
// returned but does not roll back. After too many consecutive
// failures the store stops writing and returns ErrSavesDisabled.
func (store *Store) Update(ctx context.Context, fn func(*AppState)) (err error) {
	defer mon.Task()(&ctx)(&err)

	store.mu.Lock()
	defer store.mu.Unlock()

	fn(&store.current)

	if store.disabled {
		return ErrSavesDisabled.New("%d consecutive failures", store.failures)
	}

	if err := store.save(); err != nil {
		store.failures++
		mon.Counter("state_save_failures").Inc(1)
		if store.failures >= maxConsecutiveSaveFailures {
			store.disabled = true
			store.log.Error("disabling state persistence until restart",
				zap.Int("failures", store.failures), zap.Error(err))
		} else {
			store.log.Warn("failed to persist state document",
				zap.Int("failures", store.failures), zap.Error(err))
		}
		return Error.Wrap(err)
	}

	store.failures = 0
	return nil
}

// save must be called with the mutex held.
func (store *Store) save() error {
	return atomicfile.WriteJSON(store.path, store.current, 0o644)
}

// Position returns the committed log ingest position.
func (store *Store) Position() uint64 {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.current.LogProcessing.Position
}

// SetPosition commits a new log ingest position.
func (store *Store) SetPosition(ctx context.Context, position uint64) error {
	return store.Update(ctx, func(state *AppState) {
		state.LogProcessing.Position = position
		state.LogProcessing.LastUpdated = time.Now().UTC()
	})
}

// DatasourcePosition returns the committed position for a named
// datasource, zero when the datasource is unknown.
func (store *Store) DatasourcePosition(name string) uint64 {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.current.LogProcessing.DatasourcePositions[name]
}

// SetDatasourcePosition commits position and total line count for a
// named datasource.
func (store *Store) SetDatasourcePosition(ctx context.Context, name string, position, totalLines uint64) error {
	return store.Update(ctx, func(state *AppState) {
		if state.LogProcessing.DatasourcePositions == nil {
			state.LogProcessing.DatasourcePositions = make(map[string]uint64)
		}
		if state.LogProcessing.DatasourceTotalLines == nil {
			state.LogProcessing.DatasourceTotalLines = make(map[string]uint64)
		}
		state.LogProcessing.DatasourcePositions[name] = position
		state.LogProcessing.DatasourceTotalLines[name] = totalLines
		state.LogProcessing.LastUpdated = time.Now().UTC()
	})
}

// SetLastCrawl records when the last scheduled depot scan finished.
func (store *Store) SetLastCrawl(ctx context.Context, when time.Time) error {
	return store.Update(ctx, func(state *AppState) {
		when := when.UTC()
		state.Scheduling.LastCrawl = &when
	})
}

// RecordSessionReplacement bumps the replacement counter and returns
// the new value. The counter starts over when the previous replacement
// is older than the rolling window.
func (store *Store) RecordSessionReplacement(ctx context.Context, now time.Time) (uint32, error) {
	now = now.UTC()
	var count uint32
	err := store.Update(ctx, func(state *AppState) {
		last := state.SessionReplacement.Last
		if last == nil || now.Sub(*last) > sessionReplacementWindow {
			state.SessionReplacement.Count = 0
		}
		state.SessionReplacement.Count++
		state.SessionReplacement.Last = &now
		count = state.SessionReplacement.Count
	})
	return count, err
}

// ResetSessionReplacements clears the replacement counter, typically
// after a successful deliberate logon.
func (store *Store) ResetSessionReplacements(ctx context.Context) error {
	return store.Update(ctx, func(state *AppState) {
		state.SessionReplacement = SessionReplacement{}
	})
}
