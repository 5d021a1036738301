// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package depots

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"storj.io/common/errs2"
	"storj.io/common/uuid"

	"lancache.dev/warden/manager/downloads"
	"lancache.dev/warden/manager/events"
	"lancache.dev/warden/manager/operations"
	"lancache.dev/warden/manager/state"
	"lancache.dev/warden/manager/steam"
	"lancache.dev/warden/manager/storefront"
)

// Engine runs depot mapping scans. At most one scan is live at a time;
// the operation registry enforces that.
//
// architecture: Service
type Engine struct {
	log       *zap.Logger
	catalog   Catalog
	mappings  MappingsDB
	downloads downloads.DB
	store     *state.Store
	registry  *operations.Registry
	bus       *events.Bus
	games     storefront.API
	config    Config
	dataDir   string

	// in-memory caches, rebuilt per process; the persistent table is
	// the source of truth across restarts
	owners     sync.Map // depot id -> app id
	appNames   sync.Map // app id -> name
	depotNames sync.Map // depot id -> name
	scanned    sync.Map // app id -> struct{}

	// resetSchedule pushes the next automatic run a full interval out
	// after a cancelled scan. Wired by the peer to the chore.
	resetSchedule func(ctx context.Context)

	mu      sync.Mutex
	rootCtx context.Context
	wg      sync.WaitGroup
}

// NewEngine creates the depot mapping engine. dataDir is where the
// artifact snapshot is kept.
func NewEngine(log *zap.Logger, catalog Catalog, mappings MappingsDB, downloadsDB downloads.DB, store *state.Store, registry *operations.Registry, bus *events.Bus, games storefront.API, dataDir string, config Config) *Engine {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.ProgressInterval <= 0 {
		config.ProgressInterval = 250 * time.Millisecond
	}
	if config.BatchRetries <= 0 {
		config.BatchRetries = 3
	}
	if config.MaxIncrementalGap == 0 {
		config.MaxIncrementalGap = 10_000_000
	}
	return &Engine{
		log:       log,
		catalog:   catalog,
		mappings:  mappings,
		downloads: downloadsDB,
		store:     store,
		registry:  registry,
		bus:       bus,
		games:     games,
		config:    config,
		dataDir:   dataDir,
	}
}

// SetScheduleReset wires the chore's schedule reset.
func (engine *Engine) SetScheduleReset(fn func(ctx context.Context)) {
	engine.resetSchedule = fn
}

// Run parents every scan goroutine to ctx and blocks until shutdown.
func (engine *Engine) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	engine.mu.Lock()
	engine.rootCtx = ctx
	engine.mu.Unlock()

	<-ctx.Done()
	engine.wg.Wait()
	return nil
}

// Close waits for any live scan to finish unwinding.
func (engine *Engine) Close() error {
	engine.wg.Wait()
	return nil
}

// Start begins a scan and returns its operation id. It fails with
// operations.ErrConflict while a scan is already running.
func (engine *Engine) Start(ctx context.Context, mode ScanMode, trigger Trigger) (_ uuid.UUID, err error) {
	defer mon.Task()(&ctx)(&err)

	engine.mu.Lock()
	root := engine.rootCtx
	engine.mu.Unlock()
	if root == nil {
		root = context.Background()
	}

	scanCtx, cancel := context.WithCancel(root)
	record, err := engine.registry.Register(ctx, operations.KindDepotMapping, "",
		fmt.Sprintf("depot mapping (%s)", mode), cancel)
	if err != nil {
		cancel()
		return uuid.UUID{}, err
	}

	engine.wg.Add(1)
	go func() {
		defer engine.wg.Done()
		defer cancel()
		engine.runScan(scanCtx, record.ID, mode, trigger)
	}()
	return record.ID, nil
}

// Cancel requests cancellation of the live scan.
func (engine *Engine) Cancel(id uuid.UUID) error {
	return engine.registry.Cancel(id)
}

// ProgressEvent is the payload of DepotMappingStarted/Progress events.
type ProgressEvent struct {
	OperationID   string  `json:"operationId"`
	ScanMode      string  `json:"scanMode"`
	Percent       float64 `json:"percent"`
	Message       string  `json:"message"`
	TotalMappings int     `json:"totalMappings,omitempty"`
	IsLoggedOn    bool    `json:"isLoggedOn"`
	Paused        bool    `json:"paused,omitempty"`
}

// reporter rate-limits progress fan-out and keeps percentages
// monotonic within the run.
type reporter struct {
	engine *Engine
	id     uuid.UUID
	mode   ScanMode

	mu       sync.Mutex
	percent  float64
	lastEmit time.Time
	found    int
}

func (engine *Engine) newReporter(id uuid.UUID, mode ScanMode) *reporter {
	return &reporter{engine: engine, id: id, mode: mode}
}

// window rescales a fraction in [0,1] into [lo,hi].
func window(lo, hi, fraction float64) float64 {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return lo + (hi-lo)*fraction
}

func (r *reporter) report(percent float64, message string) {
	r.send(percent, message, false, false)
}

func (r *reporter) force(percent float64, message string) {
	r.send(percent, message, true, false)
}

func (r *reporter) paused(message string) {
	r.mu.Lock()
	percent := r.percent
	r.mu.Unlock()
	r.send(percent, message, true, true)
}

// windowed returns a progress sink that rescales fractions into the
// (lo,hi) window of this reporter.
func (r *reporter) windowed(lo, hi float64) func(fraction float64, message string) {
	return func(fraction float64, message string) {
		r.send(window(lo, hi, fraction), message, true, false)
	}
}

func (r *reporter) setFound(found int) {
	r.mu.Lock()
	r.found = found
	r.mu.Unlock()
}

func (r *reporter) send(percent float64, message string, force, paused bool) {
	r.mu.Lock()
	if percent < r.percent {
		percent = r.percent
	}
	if percent > 100 {
		percent = 100
	}
	r.percent = percent

	now := time.Now()
	emit := force || now.Sub(r.lastEmit) >= r.engine.config.ProgressInterval
	if emit {
		r.lastEmit = now
	}
	found := r.found
	r.mu.Unlock()

	r.engine.registry.SetProgress(r.id, percent, message)
	if emit {
		r.engine.bus.Publish(events.GroupAuthenticated, events.DepotMappingProgress, ProgressEvent{
			OperationID:   r.id.String(),
			ScanMode:      string(r.mode),
			Percent:       percent,
			Message:       message,
			TotalMappings: found,
			IsLoggedOn:    !r.engine.catalog.Yielding(),
			Paused:        paused,
		})
	}
}

// runScan is the scan goroutine body. It terminates the operation
// exactly once and resets the crawl schedule when the scan was
// cancelled rather than finished.
func (engine *Engine) runScan(ctx context.Context, id uuid.UUID, mode ScanMode, trigger Trigger) {
	report := engine.newReporter(id, mode)

	engine.bus.Publish(events.GroupAuthenticated, events.DepotMappingStarted, ProgressEvent{
		OperationID: id.String(),
		ScanMode:    string(mode),
		Message:     "scan started",
	})

	start := time.Now().UTC()
	_ = engine.store.Update(ctx, func(s *state.AppState) {
		s.DepotProcessing.IsActive = true
		s.DepotProcessing.StatusText = fmt.Sprintf("%s scan running", mode)
		s.DepotProcessing.StartTime = &start
	})

	var found int
	var err error
	switch mode {
	case ScanArtifact:
		found, err = engine.runArtifact(ctx, report)
	default:
		found, err = engine.runCatalogScan(ctx, report, mode, trigger)
	}

	_ = engine.store.Update(context.WithoutCancel(ctx), func(s *state.AppState) {
		s.DepotProcessing.IsActive = false
		if err == nil {
			s.DepotProcessing.StatusText = "scan complete"
			s.DepotProcessing.ProgressPercent = 100
		} else {
			s.DepotProcessing.StatusText = "scan stopped"
		}
	})

	if err != nil {
		if errs2.IsCanceled(err) || steam.ErrYielded.Has(err) || steam.ErrAuth.Has(err) {
			// cancelled, not poisoned: terminate as cancelled and push
			// the next automatic run a full interval out
			engine.log.Info("depot scan cancelled", zap.String("mode", string(mode)))
			err = context.Canceled
			if engine.resetSchedule != nil {
				engine.resetSchedule(context.WithoutCancel(ctx))
			}
		} else {
			engine.log.Error("depot scan failed", zap.String("mode", string(mode)), zap.Error(err))
		}
	} else {
		engine.registry.SetResult(id, map[string]interface{}{"totalMappings": found})
		engine.log.Info("depot scan complete",
			zap.String("mode", string(mode)), zap.Int("mappings", found))
	}

	if completeErr := engine.registry.Complete(context.WithoutCancel(ctx), id, err); completeErr != nil {
		engine.log.Warn("failed to complete depot scan record", zap.Error(completeErr))
	}
}

// CheckIncrementalViability asks the remote whether the delta since
// the last committed change number is still within its incremental
// budget, and records the answer in the viability cache.
func (engine *Engine) CheckIncrementalViability(ctx context.Context) (viable bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := engine.catalog.EnsureLoggedOn(ctx); err != nil {
		return false, err
	}

	last := engine.store.Get().DepotProcessing.LastChangeNumber
	if last == 0 {
		// nothing committed yet, only a full scan makes sense
		return false, engine.recordViability(ctx, true, 0, 0)
	}

	result, err := engine.catalog.Changes(ctx, last)
	if err != nil {
		return false, err
	}

	var gap uint32
	if result.CurrentChangeNumber > last {
		gap = result.CurrentChangeNumber - last
	}
	requiresFull := result.RequiresFullUpdate || gap > engine.config.MaxIncrementalGap
	if err := engine.recordViability(ctx, requiresFull, result.CurrentChangeNumber, gap); err != nil {
		return false, err
	}
	return !requiresFull, nil
}

func (engine *Engine) recordViability(ctx context.Context, requiresFull bool, current, gap uint32) error {
	now := time.Now().UTC()
	return engine.store.Update(ctx, func(s *state.AppState) {
		s.Viability = state.ViabilityCache{
			RequiresFullScan:      requiresFull,
			LastCheck:             &now,
			LastCheckChangeNumber: current,
			ChangeGap:             gap,
		}
	})
}

// runCatalogScan walks the catalog in batches and reconciles the
// result into the mapping table.
func (engine *Engine) runCatalogScan(ctx context.Context, report *reporter, mode ScanMode, trigger Trigger) (found int, err error) {
	defer mon.Task()(&ctx)(&err)

	report.force(0, "connecting to catalog")
	if err := engine.catalog.ReconnectWithBackoff(ctx, engine.reconnectNotify(report)); err != nil {
		return 0, err
	}

	// resume a previously interrupted scan, otherwise ask the remote
	// for candidates
	snapshot := engine.store.Get().DepotProcessing
	candidates := snapshot.RemainingAppIDs
	commitChange := snapshot.LastChangeNumber

	if len(candidates) == 0 {
		since := uint32(0)
		if mode == ScanIncremental {
			since = snapshot.LastChangeNumber
		}
		changes, err := engine.catalog.Changes(ctx, since)
		if err != nil {
			return 0, err
		}
		candidates = changes.AppIDs
		commitChange = changes.CurrentChangeNumber
	} else {
		engine.log.Info("resuming interrupted depot scan",
			zap.Int("remaining", len(candidates)))
	}

	if len(candidates) == 0 {
		report.force(90, "catalog already up to date")
	} else {
		found, err = engine.scanApps(ctx, report, candidates, 2, 80)
		if err != nil {
			return found, err
		}
	}

	orphanFound, err := engine.resolveOrphans(ctx, report)
	if err != nil {
		return found, err
	}
	found += orphanFound

	// full-scan commit: move the change-number watermark and clear
	// the viability cache
	err = engine.store.Update(ctx, func(s *state.AppState) {
		s.DepotProcessing.RemainingAppIDs = nil
		s.DepotProcessing.MappingsFound = found
		if mode == ScanFull || mode == ScanIncremental {
			s.DepotProcessing.LastChangeNumber = commitChange
		}
		s.Viability = state.ViabilityCache{}
	})
	if err != nil {
		engine.log.Warn("failed to persist scan commit", zap.Error(err))
	}

	if err := engine.applyToDownloads(ctx, report.windowed(90, 100)); err != nil {
		return found, err
	}

	report.force(100, fmt.Sprintf("scan complete, %d mappings", found))
	report.setFound(found)
	return found, nil
}

// scanApps processes candidates in batches, mapping progress into the
// (lo,hi) window. It persists partial progress after every batch so an
// abrupt restart resumes near the previous point.
func (engine *Engine) scanApps(ctx context.Context, report *reporter, candidates []uint32, lo, hi float64) (found int, err error) {
	defer mon.Task()(&ctx)(&err)

	batchSize := engine.config.BatchSize
	totalBatches := (len(candidates) + batchSize - 1) / batchSize

	_ = engine.store.Update(ctx, func(s *state.AppState) {
		s.DepotProcessing.TotalApps = len(candidates)
		s.DepotProcessing.TotalBatches = totalBatches
		s.DepotProcessing.ProcessedBatches = 0
		s.DepotProcessing.ProcessedApps = 0
	})

	for batch := 0; batch*batchSize < len(candidates); batch++ {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		if engine.catalog.Yielding() {
			report.paused("paused, session yielded to prefill daemon")
			if err := engine.catalog.WaitNotYielding(ctx); err != nil {
				return found, err
			}
			if err := engine.catalog.ReconnectWithBackoff(ctx, engine.reconnectNotify(report)); err != nil {
				return found, err
			}
		}

		start := batch * batchSize
		end := start + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		ids := candidates[start:end]

		infos, err := engine.fetchBatch(ctx, report, ids)
		if err != nil {
			return found, err
		}
		var wrote int
		if infos == nil {
			// batch skipped after repeated transient failures
			mon.Counter("depot_batches_skipped").Inc(1)
		} else {
			wrote, err = engine.processBatch(ctx, infos)
			if err != nil {
				return found, err
			}
			found += wrote
		}

		remaining := candidates[end:]
		processed := end
		fraction := float64(processed) / float64(len(candidates))
		percent := window(lo, hi, fraction)

		updateErr := engine.store.Update(ctx, func(s *state.AppState) {
			s.DepotProcessing.ProcessedBatches = batch + 1
			s.DepotProcessing.ProcessedApps = processed
			s.DepotProcessing.MappingsFound += wrote
			s.DepotProcessing.ProgressPercent = percent
			s.DepotProcessing.RemainingAppIDs = append([]uint32(nil), remaining...)
		})
		if updateErr != nil {
			// non-fatal: the scan continues on in-memory state
			engine.log.Warn("failed to persist scan progress", zap.Error(updateErr))
		}

		report.setFound(found)
		report.send(percent,
			fmt.Sprintf("batch %d/%d, %d mappings", batch+1, totalBatches, found),
			batch == 0 || end == len(candidates), false)
	}
	return found, nil
}

// fetchBatch retrieves product info with bounded retries. A nil result
// with nil error means the batch was skipped.
func (engine *Engine) fetchBatch(ctx context.Context, report *reporter, ids []uint32) ([]steam.ProductInfo, error) {
	var lastErr error
	for attempt := 0; attempt < engine.config.BatchRetries; attempt++ {
		infos, err := engine.catalog.GetProductInfo(ctx, ids)
		if err == nil {
			return infos, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if steam.ErrYielded.Has(err) || steam.ErrAuth.Has(err) {
			return nil, err
		}
		if !steam.Transient(err) {
			return nil, err
		}
		lastErr = err
		engine.log.Warn("transient catalog failure, reconnecting",
			zap.Int("attempt", attempt+1), zap.Error(err))
		if err := engine.catalog.ReconnectWithBackoff(ctx, engine.reconnectNotify(report)); err != nil {
			return nil, err
		}
	}
	engine.log.Warn("skipping batch after repeated failures",
		zap.Int("apps", len(ids)), zap.Error(lastErr))
	return nil, nil
}

func (engine *Engine) reconnectNotify(report *reporter) func(attempt int, wait time.Duration) {
	return func(attempt int, wait time.Duration) {
		report.paused(fmt.Sprintf("connection lost, retrying in %s (attempt %d)", wait, attempt))
	}
}

// processBatch reconciles one batch of product info into the mapping
// table and returns how many mappings it wrote.
func (engine *Engine) processBatch(ctx context.Context, infos []steam.ProductInfo) (found int, err error) {
	for _, info := range infos {
		engine.scanned.Store(info.AppID, struct{}{})
		if info.Name != "" {
			engine.appNames.Store(info.AppID, info.Name)
		}

		for _, depot := range info.Depots {
			if depot.Name != "" {
				engine.depotNames.Store(depot.DepotID, depot.Name)
			}
			mapping := Mapping{
				DepotID:              depot.DepotID,
				AppID:                info.AppID,
				AppName:              info.Name,
				LastSeenChangeNumber: info.ChangeNumber,
			}

			// shared depots are borrowed, never owned by the
			// declaring app
			if !depot.SharedInstall {
				mapping.IsOwner = engine.claimOwner(ctx, depot.DepotID, info.AppID)
			}

			if err := engine.mappings.Upsert(ctx, mapping); err != nil {
				return found, Error.Wrap(err)
			}
			found++
			mon.Counter("depot_mappings_written").Inc(1)
		}
	}
	return found, nil
}

// claimOwner decides whether app may own depot. The first claimant
// wins; a depot already owned by another app stays with it.
func (engine *Engine) claimOwner(ctx context.Context, depotID, appID uint32) bool {
	if current, ok := engine.owners.Load(depotID); ok {
		return current.(uint32) == appID
	}
	if owner, ok, err := engine.mappings.Owner(ctx, depotID); err == nil && ok {
		engine.owners.Store(depotID, owner.AppID)
		return owner.AppID == appID
	}
	engine.owners.Store(depotID, appID)
	return true
}

// resolveOrphans covers depots of delisted apps: depot ids seen in
// downloads without a mapping get candidate parents {id, id-1, id-2}
// fetched, skipping apps the main pass already scanned.
func (engine *Engine) resolveOrphans(ctx context.Context, report *reporter) (found int, err error) {
	defer mon.Task()(&ctx)(&err)

	depotIDs, err := engine.downloads.DistinctDepotIDs(ctx)
	if err != nil {
		return 0, Error.Wrap(err)
	}

	var candidates []uint32
	seen := make(map[uint32]struct{})
	for _, depotID := range depotIDs {
		mapped, err := engine.mappings.HasDepot(ctx, depotID)
		if err != nil {
			return 0, Error.Wrap(err)
		}
		if mapped {
			continue
		}
		for delta := uint32(0); delta <= 2 && delta < depotID; delta++ {
			appID := depotID - delta
			if _, dup := seen[appID]; dup {
				continue
			}
			if _, scanned := engine.scanned.Load(appID); scanned {
				continue
			}
			seen[appID] = struct{}{}
			candidates = append(candidates, appID)
		}
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	engine.log.Info("resolving orphaned depots", zap.Int("candidates", len(candidates)))
	return engine.scanApps(ctx, report, candidates, 80, 90)
}
