// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package depots

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"storj.io/common/testcontext"

	"lancache.dev/warden/manager/downloads"
	"lancache.dev/warden/manager/events"
	"lancache.dev/warden/manager/operations"
	"lancache.dev/warden/manager/state"
	"lancache.dev/warden/manager/steam"
	"lancache.dev/warden/manager/storefront"
)

// null collaborators keep the chore tests focused on scheduling.

type nullMappings struct{}

func (nullMappings) Upsert(context.Context, Mapping) error             { return nil }
func (nullMappings) Owner(context.Context, uint32) (Mapping, bool, error) {
	return Mapping{}, false, nil
}
func (nullMappings) HasDepot(context.Context, uint32) (bool, error)       { return false, nil }
func (nullMappings) AppName(context.Context, uint32) (string, bool, error) { return "", false, nil }
func (nullMappings) Count(context.Context) (int64, error)                  { return 0, nil }
func (nullMappings) ReplaceAll(context.Context, []Mapping) error           { return nil }
func (nullMappings) DeleteAll(context.Context) error                       { return nil }

type nullDownloads struct{}

func (nullDownloads) WithoutGameInfo(context.Context) ([]downloads.Download, error) {
	return nil, nil
}
func (nullDownloads) DistinctDepotIDs(context.Context) ([]uint32, error) { return nil, nil }
func (nullDownloads) SetGameInfo(context.Context, int64, uint32, string, string) error {
	return nil
}

type nullGames struct{}

func (nullGames) GameInfo(context.Context, uint32) (storefront.Info, bool, error) {
	return storefront.Info{}, false, nil
}

type stubCatalog struct {
	currentChange uint32
	requiresFull  bool
}

func (stubCatalog) EnsureLoggedOn(context.Context) error { return nil }
func (stubCatalog) ReconnectWithBackoff(context.Context, func(int, time.Duration)) error {
	return nil
}
func (stubCatalog) GetProductInfo(context.Context, []uint32) ([]steam.ProductInfo, error) {
	return nil, nil
}
func (catalog stubCatalog) Changes(ctx context.Context, since uint32) (steam.ChangesResult, error) {
	return steam.ChangesResult{
		CurrentChangeNumber: catalog.currentChange,
		RequiresFullUpdate:  catalog.requiresFull,
	}, nil
}
func (stubCatalog) WaitNotYielding(context.Context) error { return nil }
func (stubCatalog) Yielding() bool                        { return false }
func (stubCatalog) Anonymous() bool                       { return true }

type choreFixture struct {
	chore    *Chore
	store    *state.Store
	registry *operations.Registry
	bus      *events.Bus
	now      time.Time
}

func newChoreFixture(t *testing.T, ctx *testcontext.Context, catalog Catalog) *choreFixture {
	log := zaptest.NewLogger(t)
	dir := ctx.Dir("data")

	store, err := state.Open(log, dir)
	require.NoError(t, err)
	bus := events.NewBus(log)
	registry, err := operations.Open(log, bus, dir, operations.Config{})
	require.NoError(t, err)

	engine := NewEngine(log, catalog, nullMappings{}, nullDownloads{},
		store, registry, bus, nullGames{}, dir, Config{})
	chore := NewChore(log, engine, store, bus, Config{})

	fx := &choreFixture{
		chore:    chore,
		store:    store,
		registry: registry,
		bus:      bus,
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	chore.nowFn = func() time.Time { return fx.now }

	t.Cleanup(func() {
		ctx.Check(chore.Close)
		ctx.Check(engine.Close)
		ctx.Check(registry.Close)
		ctx.Check(bus.Close)
	})
	return fx
}

func (fx *choreFixture) setSchedule(t *testing.T, ctx context.Context, hours float64, mode state.CrawlMode, last time.Time) {
	require.NoError(t, fx.store.Update(ctx, func(s *state.AppState) {
		s.Scheduling.CrawlIntervalHours = hours
		s.Scheduling.CrawlMode = mode
		if !last.IsZero() {
			s.Scheduling.LastCrawl = &last
		}
	}))
}

func TestChoreFirstTickOnlyArms(t *testing.T) {
	ctx := testcontext.New(t)

	fx := newChoreFixture(t, ctx, stubCatalog{})
	// wildly overdue at startup
	fx.setSchedule(t, ctx, 1, state.CrawlFull, fx.now.Add(-48*time.Hour))

	fx.chore.Tick(ctx)
	require.Empty(t, fx.registry.List())

	fx.chore.Tick(ctx)
	require.NotEmpty(t, fx.registry.List())
}

func TestChoreIntervalZeroDisables(t *testing.T) {
	ctx := testcontext.New(t)

	fx := newChoreFixture(t, ctx, stubCatalog{})
	fx.setSchedule(t, ctx, 0, state.CrawlFull, fx.now.Add(-48*time.Hour))

	for i := 0; i < 3; i++ {
		fx.chore.Tick(ctx)
	}
	require.Empty(t, fx.registry.List())
}

func TestChoreWaitsForInterval(t *testing.T) {
	ctx := testcontext.New(t)

	fx := newChoreFixture(t, ctx, stubCatalog{})
	fx.setSchedule(t, ctx, 1, state.CrawlFull, fx.now.Add(-30*time.Minute))
	fx.chore.armed = true

	fx.chore.Tick(ctx)
	require.Empty(t, fx.registry.List())

	// 31 minutes later the hour is up
	fx.now = fx.now.Add(31 * time.Minute)
	fx.chore.Tick(ctx)
	require.NotEmpty(t, fx.registry.List())
	require.NotNil(t, fx.store.Get().Scheduling.LastCrawl)
	require.Equal(t, fx.now, fx.store.Get().Scheduling.LastCrawl.UTC())
}

func TestChoreSkipsUnviableIncremental(t *testing.T) {
	ctx := testcontext.New(t)

	fx := newChoreFixture(t, ctx, stubCatalog{currentChange: 20_000_000})
	lastCrawl := fx.now.Add(-2 * time.Hour)
	fx.setSchedule(t, ctx, 1, state.CrawlIncremental, lastCrawl)
	require.NoError(t, fx.store.Update(ctx, func(s *state.AppState) {
		s.DepotProcessing.LastChangeNumber = 1_000_000
	}))
	fx.chore.armed = true

	sub := fx.bus.Subscribe(events.GroupAuthenticated)
	defer sub.Unsubscribe()

	fx.chore.Tick(ctx)

	// no scan, no crawl-time update, one skip event
	require.Empty(t, fx.registry.List())
	require.Equal(t, lastCrawl, fx.store.Get().Scheduling.LastCrawl.UTC())

	select {
	case event := <-sub.C():
		require.Equal(t, events.AutomaticScanSkipped, event.Name)
	case <-time.After(time.Second):
		t.Fatal("missing AutomaticScanSkipped event")
	}

	// and the viability cache remembers the verdict
	viability := fx.store.Get().Viability
	require.True(t, viability.RequiresFullScan)
	require.Equal(t, uint32(19_000_000), viability.ChangeGap)
}

func TestChoreRunsViableIncremental(t *testing.T) {
	ctx := testcontext.New(t)

	fx := newChoreFixture(t, ctx, stubCatalog{currentChange: 1_000_500})
	fx.setSchedule(t, ctx, 1, state.CrawlIncremental, fx.now.Add(-2*time.Hour))
	require.NoError(t, fx.store.Update(ctx, func(s *state.AppState) {
		s.DepotProcessing.LastChangeNumber = 1_000_000
	}))
	fx.chore.armed = true

	fx.chore.Tick(ctx)

	records := fx.registry.List()
	require.NotEmpty(t, records)
	require.Equal(t, operations.KindDepotMapping, records[0].Kind)
	require.Equal(t, fx.now, fx.store.Get().Scheduling.LastCrawl.UTC())
}
