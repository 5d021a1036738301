// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"storj.io/common/uuid"

	"lancache.dev/warden/manager/operations"
	"lancache.dev/warden/private/atomicfile"
)

const (
	corruptionSummaryFile      = "corruption_summary.json"
	corruptionDetectReportFile = "corruption_detect_report.json"
	corruptionRemoveProgress   = "corruption_remove_progress.json"
)

// CorruptionSummary is the cheap overview the corruption manager
// emits on stdout.
type CorruptionSummary struct {
	ServiceCounts  map[string]uint64 `json:"service_counts"`
	TotalCorrupted uint64            `json:"total_corrupted"`
}

// CorruptedChunk is one cache object the detector flagged.
type CorruptedChunk struct {
	Service       string `json:"service"`
	URL           string `json:"url"`
	MissCount     uint64 `json:"miss_count"`
	CacheFilePath string `json:"cache_file_path"`
}

// CorruptionReport is the full detection result.
type CorruptionReport struct {
	CorruptedChunks []CorruptedChunk  `json:"corrupted_chunks"`
	Summary         CorruptionSummary `json:"summary"`
}

// CorruptionSummary returns the corruption overview, reusing the
// cached copy while it is newer than the access log.
func (service *Service) CorruptionSummary(ctx context.Context) (_ CorruptionSummary, err error) {
	defer mon.Task()(&ctx)(&err)

	cachePath := filepath.Join(service.dataDir, corruptionSummaryFile)
	if summary, ok := service.cachedSummary(cachePath); ok {
		return summary, nil
	}

	runner := &tool{log: service.log, bin: service.config.CorruptionManagerBin, tz: service.config.Timezone}
	stdout, err := runner.run(ctx, "summary", service.config.LogDir, service.config.CacheDir, service.config.Timezone)
	if err != nil {
		return CorruptionSummary{}, err
	}

	var summary CorruptionSummary
	if err := json.Unmarshal(stdout, &summary); err != nil {
		return CorruptionSummary{}, Error.New("corruption summary unparseable: %v", err)
	}
	if err := atomicfile.WriteJSON(cachePath, summary, 0o644); err != nil {
		service.log.Warn("failed to cache corruption summary")
	}
	return summary, nil
}

// cachedSummary loads the cached summary if it postdates the access
// log. A rotated or appended log silently invalidates it.
func (service *Service) cachedSummary(cachePath string) (CorruptionSummary, bool) {
	cacheInfo, err := os.Stat(cachePath)
	if err != nil {
		return CorruptionSummary{}, false
	}
	logInfo, err := os.Stat(filepath.Join(service.config.LogDir, "access.log"))
	if err == nil && !cacheInfo.ModTime().After(logInfo.ModTime()) {
		return CorruptionSummary{}, false
	}

	raw, err := os.ReadFile(cachePath)
	if err != nil {
		return CorruptionSummary{}, false
	}
	var summary CorruptionSummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return CorruptionSummary{}, false
	}
	return summary, true
}

// StartCorruptionDetect scans the cache for corrupted chunks and
// stores the report on the operation result.
func (service *Service) StartCorruptionDetect(ctx context.Context) (uuid.UUID, error) {
	reportPath := filepath.Join(service.dataDir, corruptionDetectReportFile)

	return service.start(ctx, operations.KindCorruptionDetect, "", "detect cache corruption",
		func(jobCtx context.Context, progress progressFunc) (map[string]interface{}, error) {
			progress(5, "scanning cache for corruption")

			runner := &tool{log: service.log, bin: service.config.CorruptionManagerBin, tz: service.config.Timezone}
			if _, err := runner.run(jobCtx, "detect", service.config.LogDir, service.config.CacheDir, reportPath, service.config.Timezone); err != nil {
				return nil, err
			}

			raw, err := os.ReadFile(reportPath)
			if err != nil {
				return nil, Error.New("detector wrote no report: %v", err)
			}
			var report CorruptionReport
			if err := json.Unmarshal(raw, &report); err != nil {
				return nil, Error.New("detector report unparseable: %v", err)
			}

			progress(100, fmt.Sprintf("%d corrupted chunks found", len(report.CorruptedChunks)))
			return map[string]interface{}{
				"corruptedChunks": report.CorruptedChunks,
				"totalCorrupted":  report.Summary.TotalCorrupted,
				"serviceCounts":   filterServiceCounts(report.Summary.ServiceCounts),
			}, nil
		})
}

// StartCorruptionRemove evicts one service's corrupted chunks from
// the cache. The summary cache is dropped afterwards since the counts
// just changed.
func (service *Service) StartCorruptionRemove(ctx context.Context, serviceName string) (uuid.UUID, error) {
	if err := validateService(serviceName); err != nil {
		return uuid.UUID{}, err
	}
	progressPath := filepath.Join(service.dataDir, corruptionRemoveProgress)

	return service.start(ctx, operations.KindCorruptionRemove, serviceName,
		fmt.Sprintf("remove corrupted %s chunks", serviceName),
		func(jobCtx context.Context, progress progressFunc) (map[string]interface{}, error) {
			runner := &tool{log: service.log, bin: service.config.CorruptionManagerBin, tz: service.config.Timezone}

			watchCtx, stopWatch := context.WithCancel(jobCtx)
			defer stopWatch()
			go watchProgress(watchCtx, progressPath, service.config.ProgressPollInterval, func(p ToolProgress) {
				progress(p.PercentComplete, p.Message)
			})

			if _, err := runner.run(jobCtx, "remove", service.config.LogDir, service.config.CacheDir, serviceName, progressPath); err != nil {
				return nil, err
			}
			stopWatch()

			if err := os.Remove(filepath.Join(service.dataDir, corruptionSummaryFile)); err != nil && !os.IsNotExist(err) {
				service.log.Warn("failed to invalidate corruption summary cache")
			}
			progress(100, "corrupted chunks removed")
			return nil, nil
		})
}
