// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package depots

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/uuid"

	"lancache.dev/warden/manager/operations"
	"lancache.dev/warden/manager/state"
	"lancache.dev/warden/private/atomicfile"
)

// SnapshotFilename is where the most recent artifact is kept inside
// the data directory. The database reset job deletes it alongside the
// mapping table so a stale snapshot is never re-imported.
const SnapshotFilename = "pics_depot_mappings.json"

// maxArtifactSize bounds the artifact download.
const maxArtifactSize = 256 << 20

// artifactDocument is the wire schema of the precomputed mapping
// release.
type artifactDocument struct {
	DepotMappings []Mapping `json:"depot_mappings"`
	Metadata      struct {
		TotalMappings    int    `json:"total_mappings"`
		LastChangeNumber uint32 `json:"last_change_number"`
	} `json:"metadata"`
}

// validate rejects empty or structurally broken documents before any
// mutation happens.
func (doc *artifactDocument) validate() error {
	if len(doc.DepotMappings) == 0 {
		return ErrInvalidArtifact.New("no depot mappings")
	}
	for _, mapping := range doc.DepotMappings {
		if mapping.DepotID == 0 || mapping.AppID == 0 {
			return ErrInvalidArtifact.New("mapping with zero depot or app id")
		}
	}
	return nil
}

// runArtifact performs an artifact-mode scan: download, validate,
// snapshot, full replace, back-fill. Progress is mapped into fixed
// windows so the phases read continuously to subscribers.
func (engine *Engine) runArtifact(ctx context.Context, report *reporter) (found int, err error) {
	defer mon.Task()(&ctx)(&err)

	if engine.config.ArtifactURL == "" {
		return 0, ErrInvalidArtifact.New("no artifact url configured")
	}

	report.force(1, "downloading depot mapping artifact")
	doc, raw, err := engine.downloadArtifact(ctx, engine.config.ArtifactURL)
	if err != nil {
		return 0, err
	}
	report.force(15, fmt.Sprintf("artifact has %d mappings", len(doc.DepotMappings)))

	// keep a local snapshot of what we imported
	snapshot := filepath.Join(engine.dataDir, SnapshotFilename)
	if err := atomicfile.Write(snapshot, raw, 0o644); err != nil {
		engine.log.Warn("failed to save artifact snapshot", zap.Error(err))
	}
	report.force(18, "clearing mapping table")

	return engine.importDocument(ctx, report, doc)
}

// downloadArtifact fetches and validates the artifact. Nothing is
// mutated when it fails.
func (engine *Engine) downloadArtifact(ctx context.Context, url string) (_ *artifactDocument, raw []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithTimeout(ctx, engine.config.ArtifactTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, resp.Body.Close()) }()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, Error.New("artifact download: unexpected status %s", resp.Status)
	}

	raw, err = io.ReadAll(io.LimitReader(resp.Body, maxArtifactSize))
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}

	doc, err := parseArtifact(raw)
	if err != nil {
		return nil, nil, err
	}
	return doc, raw, nil
}

func parseArtifact(raw []byte) (*artifactDocument, error) {
	var doc artifactDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, ErrInvalidArtifact.New("undecodable document: %v", err)
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// importDocument full-replaces the mapping table with the document's
// rows and back-fills downloads.
func (engine *Engine) importDocument(ctx context.Context, report *reporter, doc *artifactDocument) (found int, err error) {
	report.force(22, fmt.Sprintf("importing %d mappings", len(doc.DepotMappings)))

	if err := engine.mappings.ReplaceAll(ctx, doc.DepotMappings); err != nil {
		return 0, Error.Wrap(err)
	}
	found = len(doc.DepotMappings)

	// seed the in-memory caches from the import
	for _, mapping := range doc.DepotMappings {
		if mapping.IsOwner {
			engine.owners.Store(mapping.DepotID, mapping.AppID)
		}
		if mapping.AppName != "" {
			engine.appNames.Store(mapping.AppID, mapping.AppName)
		}
	}

	err = engine.store.Update(ctx, func(s *state.AppState) {
		s.DepotProcessing.LastChangeNumber = doc.Metadata.LastChangeNumber
		s.DepotProcessing.MappingsFound = found
		s.DepotProcessing.RemainingAppIDs = nil
		s.Viability = state.ViabilityCache{}
	})
	if err != nil {
		engine.log.Warn("failed to persist artifact commit", zap.Error(err))
	}

	report.setFound(found)
	report.force(90, "back-filling downloads")
	if err := engine.applyToDownloads(ctx, report.windowed(90, 100)); err != nil {
		return found, err
	}
	report.force(100, fmt.Sprintf("imported %d mappings", found))
	return found, nil
}

// ImportFile imports a mapping document from a local path, bypassing
// the download. It registers its own operation kind, so only one import
// runs at a time while scans proceed independently, and imports show up
// in history alongside them.
func (engine *Engine) ImportFile(ctx context.Context, path string) (_ uuid.UUID, err error) {
	defer mon.Task()(&ctx)(&err)

	engine.mu.Lock()
	root := engine.rootCtx
	engine.mu.Unlock()
	if root == nil {
		root = context.Background()
	}

	importCtx, cancel := context.WithCancel(root)
	record, err := engine.registry.Register(ctx, operations.KindDepotJSONImport, "",
		"depot mapping import", cancel)
	if err != nil {
		cancel()
		return uuid.UUID{}, err
	}

	engine.wg.Add(1)
	go func() {
		defer engine.wg.Done()
		defer cancel()

		report := engine.newReporter(record.ID, ScanArtifact)
		found, err := engine.runImportFile(importCtx, report, path)
		if err == nil {
			engine.registry.SetResult(record.ID, map[string]interface{}{"totalMappings": found})
		}
		if completeErr := engine.registry.Complete(context.WithoutCancel(importCtx), record.ID, err); completeErr != nil {
			engine.log.Warn("failed to complete import record", zap.Error(completeErr))
		}
	}()
	return record.ID, nil
}

func (engine *Engine) runImportFile(ctx context.Context, report *reporter, path string) (found int, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	doc, err := parseArtifact(raw)
	if err != nil {
		return 0, err
	}
	report.force(18, "clearing mapping table")
	return engine.importDocument(ctx, report, doc)
}
