// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package operations

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/errs2"
	"storj.io/common/sync2"
	"storj.io/common/uuid"

	"lancache.dev/warden/manager/events"
	"lancache.dev/warden/private/atomicfile"
)

var (
	// Error is the default error class for the operations package.
	Error = errs.Class("operations")
	// ErrConflict is returned when a job cannot start because another
	// job of the same kind (or kind and scope) is still running.
	ErrConflict = errs.Class("operation already running")
	// ErrNotFound is returned for unknown operation ids.
	ErrNotFound = errs.Class("operation not found")

	mon = monkit.Package()
)

const (
	subdirName       = "operations"
	historyFilename  = "operation_history.json"
	cacheOpsFilename = "cache_operations.json"

	// sweepInterval is how often retention is enforced.
	sweepInterval = time.Hour
)

// HistoryFiles returns the paths of the persisted history files under
// dataDir, for tooling that inspects them without opening a registry.
func HistoryFiles(dataDir string) []string {
	return []string{
		filepath.Join(dataDir, subdirName, historyFilename),
		filepath.Join(dataDir, subdirName, cacheOpsFilename),
	}
}

// Config configures the operation registry.
type Config struct {
	SweepInterval time.Duration `help:"how often finished operations are pruned" default:"1h0m0s"`
}

// Registry tracks live operations and retains finished records. All
// transitions persist to disk so the history survives restarts.
//
// architecture: Service
type Registry struct {
	log *zap.Logger
	bus *events.Bus
	dir string

	mu      sync.Mutex
	records map[uuid.UUID]*Record
	cancels map[uuid.UUID]context.CancelFunc

	Loop *sync2.Cycle
}

// Open loads retained history from dataDir and sweeps records a
// previous process left unfinished.
func Open(log *zap.Logger, bus *events.Bus, dataDir string, config Config) (*Registry, error) {
	if config.SweepInterval <= 0 {
		config.SweepInterval = sweepInterval
	}
	registry := &Registry{
		log:     log,
		bus:     bus,
		dir:     filepath.Join(dataDir, subdirName),
		records: make(map[uuid.UUID]*Record),
		cancels: make(map[uuid.UUID]context.CancelFunc),
		Loop:    sync2.NewCycle(config.SweepInterval),
	}

	// a missing cache history file means this install never persisted
	// one; legacy records get folded in below, exactly once.
	_, statErr := os.Stat(filepath.Join(registry.dir, cacheOpsFilename))
	firstRun := errors.Is(statErr, fs.ErrNotExist)

	for _, name := range []string{historyFilename, cacheOpsFilename} {
		var loaded []Record
		err := atomicfile.ReadJSON(filepath.Join(registry.dir, name), &loaded)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				log.Warn("operation history is unreadable, starting empty",
					zap.String("file", name), zap.Error(err))
			}
			continue
		}
		for i := range loaded {
			record := loaded[i]
			if !record.Status.Terminal() {
				// inherited from a crashed process
				record.Status = StatusFailed
				record.Error = "interrupted by restart"
				now := time.Now().UTC()
				record.EndedAt = &now
			}
			registry.records[record.ID] = &record
		}
	}

	if firstRun {
		seedLegacyCacheClears(log, dataDir, registry.records)
	}

	if err := registry.persistLocked(); err != nil {
		return nil, Error.Wrap(err)
	}
	return registry, nil
}

// Run enforces retention until ctx is canceled.
func (registry *Registry) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return registry.Loop.Run(ctx, func(ctx context.Context) error {
		registry.Sweep(ctx, time.Now().UTC())
		return nil
	})
}

// Close stops the retention loop.
func (registry *Registry) Close() error {
	registry.Loop.Close()
	return nil
}

// Register creates a running record for a new job. It fails with
// ErrConflict while another job of a singleton kind, or of the same
// kind and scope, is still running.
func (registry *Registry) Register(ctx context.Context, kind Kind, scope, label string, cancel context.CancelFunc) (_ Record, err error) {
	defer mon.Task()(&ctx)(&err)

	registry.mu.Lock()
	defer registry.mu.Unlock()

	for _, existing := range registry.records {
		if existing.Kind != kind || existing.Status.Terminal() {
			continue
		}
		if kind.singleton() || existing.Scope == scope {
			return Record{}, ErrConflict.New("%s (scope %q)", kind, existing.Scope)
		}
	}

	id, err := uuid.New()
	if err != nil {
		return Record{}, Error.Wrap(err)
	}

	record := &Record{
		ID:        id,
		Kind:      kind,
		Scope:     scope,
		Label:     label,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	registry.records[id] = record
	registry.cancels[id] = cancel
	mon.Event("operation_registered")

	if err := registry.persistLocked(); err != nil {
		registry.log.Warn("failed to persist operation history", zap.Error(err))
	}
	return *record, nil
}

// SetProgress updates a running record. Percent is clamped to [0,100]
// and never moves backwards within a run.
func (registry *Registry) SetProgress(id uuid.UUID, percent float64, message string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	record, ok := registry.records[id]
	if !ok || record.Status.Terminal() {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if percent > record.Percent {
		record.Percent = percent
	}
	if message != "" {
		record.Message = message
	}
}

// SetResult attaches structured result data to a running record, to be
// read back after completion.
func (registry *Registry) SetResult(id uuid.UUID, result map[string]interface{}) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if record, ok := registry.records[id]; ok {
		record.Result = result
	}
}

// Complete transitions the record to its terminal status and emits the
// kind's completion event. A nil err completes, a canceled err
// cancels, anything else fails. Calling Complete on an already
// terminal record is a no-op.
func (registry *Registry) Complete(ctx context.Context, id uuid.UUID, opErr error) (err error) {
	defer mon.Task()(&ctx)(&err)

	registry.mu.Lock()

	record, ok := registry.records[id]
	if !ok {
		registry.mu.Unlock()
		return ErrNotFound.New("%s", id)
	}
	if record.Status.Terminal() {
		registry.mu.Unlock()
		return nil
	}

	now := time.Now().UTC()
	record.EndedAt = &now
	switch {
	case opErr == nil:
		record.Status = StatusCompleted
		record.Percent = 100
	case errs2.IsCanceled(opErr) || record.CancelRequested:
		record.Status = StatusCancelled
	default:
		record.Status = StatusFailed
		record.Error = opErr.Error()
	}
	delete(registry.cancels, id)

	snapshot := *record
	persistErr := registry.persistLocked()
	registry.mu.Unlock()

	if persistErr != nil {
		registry.log.Warn("failed to persist operation history", zap.Error(persistErr))
	}

	registry.bus.Publish(events.GroupAuthenticated, string(record.Kind)+"Complete", CompletionEvent{
		OperationID: snapshot.ID.String(),
		Kind:        snapshot.Kind,
		Scope:       snapshot.Scope,
		Success:     snapshot.Status == StatusCompleted,
		Cancelled:   snapshot.Status == StatusCancelled,
		Error:       snapshot.Error,
		Result:      snapshot.Result,
	})
	return nil
}

// Cancel requests cancellation of a running operation. The record
// stays running until the job observes the signal and completes.
func (registry *Registry) Cancel(id uuid.UUID) error {
	registry.mu.Lock()
	record, ok := registry.records[id]
	if !ok {
		registry.mu.Unlock()
		return ErrNotFound.New("%s", id)
	}
	if record.Status.Terminal() {
		registry.mu.Unlock()
		return nil
	}
	record.CancelRequested = true
	cancel := registry.cancels[id]
	registry.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// Get returns a snapshot of a single record.
func (registry *Registry) Get(id uuid.UUID) (Record, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	record, ok := registry.records[id]
	if !ok {
		return Record{}, false
	}
	return *record, true
}

// List returns a snapshot of all live and retained records, newest
// first, so reconnecting clients can reconcile missed events.
func (registry *Registry) List() []Record {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	out := make([]Record, 0, len(registry.records))
	for _, record := range registry.records {
		out = append(out, *record)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Running reports whether any non-terminal record of kind exists.
func (registry *Registry) Running(kind Kind) bool {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	for _, record := range registry.records {
		if record.Kind == kind && !record.Status.Terminal() {
			return true
		}
	}
	return false
}

// Sweep removes terminal records older than their kind's retention.
func (registry *Registry) Sweep(ctx context.Context, now time.Time) {
	defer mon.Task()(&ctx)(nil)

	registry.mu.Lock()
	defer registry.mu.Unlock()

	removed := 0
	for id, record := range registry.records {
		if !record.Status.Terminal() || record.EndedAt == nil {
			continue
		}
		if now.Sub(*record.EndedAt) > record.Kind.retention() {
			delete(registry.records, id)
			removed++
		}
	}
	if removed > 0 {
		registry.log.Debug("pruned finished operations", zap.Int("count", removed))
		if err := registry.persistLocked(); err != nil {
			registry.log.Warn("failed to persist operation history", zap.Error(err))
		}
	}
}

// persistLocked writes both history files; the caller holds the mutex.
// Cache-clear records keep their own file so their shorter retention
// can be inspected independently.
func (registry *Registry) persistLocked() error {
	var history, cacheOps []Record
	for _, record := range registry.records {
		if record.Kind == KindCacheClear {
			cacheOps = append(cacheOps, *record)
		} else {
			history = append(history, *record)
		}
	}
	sort.Slice(history, func(i, j int) bool { return history[i].StartedAt.Before(history[j].StartedAt) })
	sort.Slice(cacheOps, func(i, j int) bool { return cacheOps[i].StartedAt.Before(cacheOps[j].StartedAt) })

	return errs.Combine(
		atomicfile.WriteJSON(filepath.Join(registry.dir, historyFilename), history, 0o644),
		atomicfile.WriteJSON(filepath.Join(registry.dir, cacheOpsFilename), cacheOps, 0o644),
	)
}

// CompletionEvent is the payload of every <Kind>Complete event.
type CompletionEvent struct {
	OperationID string                 `json:"operationId"`
	Kind        Kind                   `json:"kind"`
	Scope       string                 `json:"scope,omitempty"`
	Success     bool                   `json:"success"`
	Cancelled   bool                   `json:"cancelled,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
}
