// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package depots

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"lancache.dev/warden/manager/events"
)

// headerImageURL is the canonical CDN location of an app's artwork,
// used when the store has nothing better.
const headerImageURL = "https://cdn.cloudflare.steamstatic.com/steam/apps/%d/header.jpg"

// placeholder name prefixes the store and catalog return for apps they
// have no real name for; a lower-priority source beats them.
var placeholderPrefixes = []string{"Steam App ", "App "}

func isPlaceholder(name string) bool {
	for _, prefix := range placeholderPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// Backfill resolves game identity for every download that has a depot
// id but no game info yet. It is also the tail phase of every scan.
func (engine *Engine) Backfill(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return engine.applyToDownloads(ctx, func(fraction float64, message string) {
		engine.bus.Publish(events.GroupAuthenticated, events.DepotMappingProgress, ProgressEvent{
			ScanMode: "backfill",
			Percent:  fraction * 100,
			Message:  message,
		})
	})
}

func (engine *Engine) applyToDownloads(ctx context.Context, progress func(fraction float64, message string)) (err error) {
	defer mon.Task()(&ctx)(&err)

	pending, err := engine.downloads.WithoutGameInfo(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	if len(pending) == 0 {
		progress(1, "no downloads to back-fill")
		return nil
	}

	resolved := 0
	for i, download := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if download.DepotID == nil {
			continue
		}

		appID, ok := engine.resolveAppID(ctx, *download.DepotID)
		if !ok {
			continue
		}

		name, imageURL := engine.resolveIdentity(ctx, appID, *download.DepotID)
		if err := engine.downloads.SetGameInfo(ctx, download.ID, appID, name, imageURL); err != nil {
			engine.log.Warn("failed to back-fill download",
				zap.Int64("download", download.ID), zap.Error(err))
			continue
		}
		resolved++

		// one event per download keeps subscribers live during the
		// slow storefront lookups
		progress(float64(i+1)/float64(len(pending)),
			fmt.Sprintf("resolved %d/%d downloads", resolved, len(pending)))
	}

	engine.log.Info("download back-fill finished",
		zap.Int("pending", len(pending)), zap.Int("resolved", resolved))
	return nil
}

// resolveAppID maps a depot to its parent app: in-memory owner, then
// persistent owner row, then the depot id itself or its predecessor
// when either is a known app.
func (engine *Engine) resolveAppID(ctx context.Context, depotID uint32) (uint32, bool) {
	if owner, ok := engine.owners.Load(depotID); ok {
		return owner.(uint32), true
	}
	if owner, ok, err := engine.mappings.Owner(ctx, depotID); err == nil && ok {
		return owner.AppID, true
	}
	if engine.knownApp(ctx, depotID) {
		return depotID, true
	}
	if depotID > 0 && engine.knownApp(ctx, depotID-1) {
		return depotID - 1, true
	}
	return 0, false
}

func (engine *Engine) knownApp(ctx context.Context, appID uint32) bool {
	if _, ok := engine.appNames.Load(appID); ok {
		return true
	}
	_, ok, err := engine.mappings.AppName(ctx, appID)
	return err == nil && ok
}

// resolveIdentity picks the display name and artwork for an app:
// store name unless it is a placeholder, then the catalog name, then
// the depot's own name, then a synthesized fallback.
func (engine *Engine) resolveIdentity(ctx context.Context, appID, depotID uint32) (name, imageURL string) {
	imageURL = fmt.Sprintf(headerImageURL, appID)

	if info, known, err := engine.games.GameInfo(ctx, appID); err == nil && known {
		if info.HeaderImageURL != "" {
			imageURL = info.HeaderImageURL
		}
		if info.Name != "" && !isPlaceholder(info.Name) {
			return info.Name, imageURL
		}
	}

	if cached, ok := engine.appNames.Load(appID); ok {
		if name := cached.(string); name != "" && !strings.HasPrefix(name, "App ") {
			return name, imageURL
		}
	}
	if name, ok, err := engine.mappings.AppName(ctx, appID); err == nil && ok {
		if name != "" && !strings.HasPrefix(name, "App ") {
			return name, imageURL
		}
	}

	// shared redistributable depots carry a useful depot name
	if depotName, ok := engine.depotNames.Load(depotID); ok {
		if name := depotName.(string); name != "" {
			return name, imageURL
		}
	}

	return fmt.Sprintf("Steam App %d", appID), imageURL
}
