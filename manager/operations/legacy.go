// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package operations

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"storj.io/common/uuid"

	"lancache.dev/warden/private/atomicfile"
)

// legacyCacheStatusFile is the pre-consolidation cache-clear status
// list at the data-dir root. It is read once, folded into the retained
// history, and left in place so a downgrade still finds it.
const legacyCacheStatusFile = "cache_clear_status.json"

// legacyCacheClear is one entry of the legacy status list.
type legacyCacheClear struct {
	Service    string     `json:"service"`
	Status     string     `json:"status,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	BytesFreed int64      `json:"bytes_freed,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// seedLegacyCacheClears folds the legacy list into records. The caller
// only invokes this while no cache history file exists yet, so the
// migration runs at most once per install.
func seedLegacyCacheClears(log *zap.Logger, dataDir string, records map[uuid.UUID]*Record) {
	var legacy []legacyCacheClear
	err := atomicfile.ReadJSON(filepath.Join(dataDir, legacyCacheStatusFile), &legacy)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warn("legacy cache clear status is unreadable, skipping", zap.Error(err))
		}
		return
	}

	for _, entry := range legacy {
		id, err := uuid.New()
		if err != nil {
			continue
		}

		status := StatusCompleted
		switch strings.ToLower(entry.Status) {
		case "failed", "error":
			status = StatusFailed
		case "cancelled", "canceled":
			status = StatusCancelled
		}

		started := time.Now().UTC()
		if entry.Timestamp != nil {
			started = entry.Timestamp.UTC()
		}
		ended := started

		record := &Record{
			ID:        id,
			Kind:      KindCacheClear,
			Scope:     entry.Service,
			Label:     "clear cache for " + entry.Service,
			Status:    status,
			Percent:   100,
			Message:   entry.Message,
			StartedAt: started,
			EndedAt:   &ended,
		}
		if entry.BytesFreed > 0 {
			record.Result = map[string]interface{}{"bytesFreed": entry.BytesFreed}
		}
		records[record.ID] = record
	}

	if len(legacy) > 0 {
		log.Info("migrated legacy cache clear history", zap.Int("records", len(legacy)))
	}
}
