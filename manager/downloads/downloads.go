// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

// Package downloads defines the download records produced by the
// external log ingest and consumed by the depot mapping engine.
package downloads

import (
	"context"
	"time"
)

// Download is one client's session against one cached service.
type Download struct {
	ID        int64
	Service   string
	ClientIP  string
	StartedAt time.Time
	EndedAt   time.Time
	BytesHit  int64
	BytesMiss int64
	IsActive  bool

	// game identity, back-filled by the depot mapping engine
	DepotID      *uint32
	GameAppID    *uint32
	GameName     *string
	GameImageURL *string
}

// DB is the download repository as consumed by the core. The rows are
// produced externally; the core only back-fills game identity.
type DB interface {
	// WithoutGameInfo returns downloads that carry a depot id but no
	// resolved game identity yet.
	WithoutGameInfo(ctx context.Context) ([]Download, error)
	// DistinctDepotIDs returns every depot id referenced by any
	// download.
	DistinctDepotIDs(ctx context.Context) ([]uint32, error)
	// SetGameInfo writes the resolved identity for one download.
	SetGameInfo(ctx context.Context, id int64, appID uint32, name, imageURL string) error
}
