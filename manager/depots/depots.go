// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

// Package depots maintains the depot-to-app mapping table so every
// cached download can be attributed to a game. It walks the remote
// catalog in bounded batches, imports precomputed mapping artifacts,
// and back-fills game identity onto download records.
package depots

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"lancache.dev/warden/manager/steam"
)

var (
	// Error is the default error class for the depots package.
	Error = errs.Class("depots")
	// ErrInvalidArtifact marks artifact documents that fail
	// validation; nothing is mutated when it is returned.
	ErrInvalidArtifact = errs.Class("invalid artifact")

	mon = monkit.Package()
)

// Mapping is one row of the depot mapping table. A depot may belong to
// many apps; exactly one row per depot is the owner and names the
// canonical parent.
type Mapping struct {
	DepotID              uint32 `json:"depot_id"`
	AppID                uint32 `json:"app_id"`
	AppName              string `json:"app_name"`
	IsOwner              bool   `json:"is_owner"`
	LastSeenChangeNumber uint32 `json:"last_seen_change_number"`
}

// MappingsDB is the persistent mapping table.
type MappingsDB interface {
	// Upsert writes one mapping, keyed on (depot id, app id).
	Upsert(ctx context.Context, mapping Mapping) error
	// Owner returns the owner row for a depot, if any.
	Owner(ctx context.Context, depotID uint32) (Mapping, bool, error)
	// HasDepot reports whether any row exists for the depot.
	HasDepot(ctx context.Context, depotID uint32) (bool, error)
	// AppName returns the recorded name of an app, from any row that
	// references it.
	AppName(ctx context.Context, appID uint32) (string, bool, error)
	// Count returns the number of mapping rows.
	Count(ctx context.Context) (int64, error)
	// ReplaceAll atomically empties the table and imports mappings.
	ReplaceAll(ctx context.Context, mappings []Mapping) error
	// DeleteAll empties the table.
	DeleteAll(ctx context.Context) error
}

// Catalog is the slice of the steam client the engine drives.
type Catalog interface {
	EnsureLoggedOn(ctx context.Context) error
	ReconnectWithBackoff(ctx context.Context, notify func(attempt int, wait time.Duration)) error
	GetProductInfo(ctx context.Context, appIDs []uint32) ([]steam.ProductInfo, error)
	Changes(ctx context.Context, since uint32) (steam.ChangesResult, error)
	WaitNotYielding(ctx context.Context) error
	Yielding() bool
	Anonymous() bool
}

// ScanMode selects how a scan finds its mappings.
type ScanMode string

const (
	// ScanIncremental walks only the catalog delta since the last
	// committed change number.
	ScanIncremental ScanMode = "incremental"
	// ScanFull walks the entire catalog.
	ScanFull ScanMode = "full"
	// ScanArtifact imports a precomputed mapping document from the
	// configured URL.
	ScanArtifact ScanMode = "artifact"
)

// Trigger says who asked for a scan. Scheduled triggers are subject to
// the viability gate; manual ones are not.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

// Config configures the depot mapping engine and its crawl chore.
type Config struct {
	BatchSize         int           `help:"apps per catalog batch" default:"50"`
	BatchRetries      int           `help:"transient failures tolerated per batch before it is skipped" default:"3"`
	ProgressInterval  time.Duration `help:"minimum spacing of progress events" default:"250ms"`
	MaxIncrementalGap uint32        `help:"change-number gap beyond which incremental scans are not viable" default:"10000000"`
	ArtifactURL       string        `help:"url of the precomputed depot mapping artifact" default:""`
	ArtifactTimeout   time.Duration `help:"timeout for the artifact download" default:"5m0s"`
	ChoreInterval     time.Duration `help:"how often the crawl schedule is evaluated" default:"1m0s"`
}
