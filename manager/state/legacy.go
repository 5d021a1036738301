// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package state

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Legacy single-purpose files from before the consolidated document.
// They are read once, folded into the document, and left in place so a
// downgrade still finds them.
const (
	legacyPositionFile  = "position.txt"
	legacySetupFile     = "setup_completed.txt"
	legacyLastCrawlFile = "last_pics_crawl.txt"
)

// migrateLegacy folds any legacy files found in dir into state and
// reports whether anything was migrated. Unreadable or malformed
// legacy files are logged and skipped.
func migrateLegacy(log *zap.Logger, dir string, state *AppState) (migrated bool) {
	if raw, ok := readLegacy(log, dir, legacyPositionFile); ok {
		position, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			log.Warn("ignoring malformed legacy position file", zap.String("value", raw), zap.Error(err))
		} else {
			state.LogProcessing.Position = position
			migrated = true
		}
	}

	if raw, ok := readLegacy(log, dir, legacySetupFile); ok {
		state.SetupCompleted = raw == "1" || strings.EqualFold(raw, "true")
		migrated = true
	}

	if raw, ok := readLegacy(log, dir, legacyLastCrawlFile); ok {
		when, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			log.Warn("ignoring malformed legacy crawl timestamp", zap.String("value", raw), zap.Error(err))
		} else {
			when = when.UTC()
			state.Scheduling.LastCrawl = &when
			migrated = true
		}
	}

	return migrated
}

func readLegacy(log *zap.Logger, dir, name string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if os.IsNotExist(err) {
		return "", false
	}
	if err != nil {
		log.Warn("failed to read legacy file", zap.String("name", name), zap.Error(err))
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}
