// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package depots

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storj.io/common/sync2"

	"lancache.dev/warden/manager/events"
	"lancache.dev/warden/manager/operations"
	"lancache.dev/warden/manager/state"
)

// Chore evaluates the crawl schedule once a minute and dispatches
// scheduled depot scans.
//
// architecture: Chore
type Chore struct {
	log    *zap.Logger
	engine *Engine
	store  *state.Store
	bus    *events.Bus

	// armed flips on the first tick; an overdue scan found at startup
	// waits for the following tick instead of joining the login storm
	// right after a restart.
	armed bool

	nowFn func() time.Time

	Loop *sync2.Cycle
}

// NewChore creates the crawl chore.
func NewChore(log *zap.Logger, engine *Engine, store *state.Store, bus *events.Bus, config Config) *Chore {
	interval := config.ChoreInterval
	if interval <= 0 {
		interval = time.Minute
	}
	chore := &Chore{
		log:    log,
		engine: engine,
		store:  store,
		bus:    bus,
		nowFn:  func() time.Time { return time.Now().UTC() },
		Loop:   sync2.NewCycle(interval),
	}
	engine.SetScheduleReset(chore.ResetSchedule)
	return chore
}

// Run evaluates the schedule until ctx ends.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		chore.Tick(ctx)
		return nil
	})
}

// Close stops the chore.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}

// ResetSchedule pushes the next automatic scan a full interval out,
// used after a scan terminates as cancelled.
func (chore *Chore) ResetSchedule(ctx context.Context) {
	if err := chore.store.SetLastCrawl(ctx, chore.nowFn()); err != nil {
		chore.log.Warn("failed to reset crawl schedule", zap.Error(err))
	}
}

// SkippedEvent is the AutomaticScanSkipped payload.
type SkippedEvent struct {
	Reason    string `json:"reason"`
	ChangeGap uint32 `json:"changeGap,omitempty"`
}

// Tick runs one schedule evaluation. Exported for tests; Run calls it
// once per interval.
func (chore *Chore) Tick(ctx context.Context) {
	defer mon.Task()(&ctx)(nil)

	if !chore.armed {
		chore.armed = true
		return
	}

	snapshot := chore.store.Get()
	intervalHours := snapshot.Scheduling.CrawlIntervalHours
	if intervalHours <= 0 {
		// interval zero disables scheduled scans entirely
		return
	}

	now := chore.nowFn()
	if last := snapshot.Scheduling.LastCrawl; last != nil {
		due := last.Add(time.Duration(intervalHours * float64(time.Hour)))
		if now.Before(due) {
			return
		}
	}

	mode := ScanFull
	switch snapshot.Scheduling.CrawlMode {
	case state.CrawlArtifact:
		mode = ScanArtifact
	case state.CrawlIncremental:
		viable, err := chore.engine.CheckIncrementalViability(ctx)
		if err != nil {
			chore.log.Warn("viability check failed, retrying next tick", zap.Error(err))
			return
		}
		if !viable {
			gap := chore.store.Get().Viability.ChangeGap
			chore.log.Info("automatic scan skipped, incremental not viable",
				zap.Uint32("gap", gap))
			chore.bus.Publish(events.GroupAuthenticated, events.AutomaticScanSkipped, SkippedEvent{
				Reason:    "incremental scan not viable, full scan required",
				ChangeGap: gap,
			})
			return
		}
		mode = ScanIncremental
	case state.CrawlFull:
		mode = ScanFull
	}

	if _, err := chore.engine.Start(ctx, mode, TriggerScheduled); err != nil {
		if operations.ErrConflict.Has(err) {
			chore.log.Debug("scheduled scan skipped, another scan is running")
		} else {
			chore.log.Warn("failed to start scheduled scan", zap.Error(err))
		}
		return
	}

	if err := chore.store.SetLastCrawl(ctx, now); err != nil {
		chore.log.Warn("failed to record crawl time", zap.Error(err))
	}
}
