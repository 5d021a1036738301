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
)

// Progress file names are part of the tool contract; the binaries
// write them, we poll them.
const (
	logCountProgressFile  = "log_count_progress.json"
	logRemoveProgressFile = "log_remove_progress.json"
)

// StartLogCount counts log lines per service via the log manager
// binary. The final per-service counts land on the operation result.
func (service *Service) StartLogCount(ctx context.Context) (uuid.UUID, error) {
	progressPath := filepath.Join(service.dataDir, logCountProgressFile)

	return service.start(ctx, operations.KindLogCount, "", "count log entries",
		func(jobCtx context.Context, progress progressFunc) (map[string]interface{}, error) {
			runner := &tool{log: service.log, bin: service.config.LogManagerBin, tz: service.config.Timezone}

			watchCtx, stopWatch := context.WithCancel(jobCtx)
			defer stopWatch()
			go watchProgress(watchCtx, progressPath, service.config.ProgressPollInterval, func(p ToolProgress) {
				progress(p.PercentComplete, p.Message)
			})

			if _, err := runner.run(jobCtx, "count", service.config.LogDir, progressPath); err != nil {
				return nil, err
			}
			stopWatch()

			final, err := readToolProgress(progressPath)
			if err != nil {
				return nil, Error.New("log count finished but left no result: %v", err)
			}
			progress(100, fmt.Sprintf("%d lines counted", final.LinesProcessed))
			return map[string]interface{}{
				"linesProcessed": final.LinesProcessed,
				"serviceCounts":  filterServiceCounts(final.ServiceCounts),
			}, nil
		})
}

// StartLogRemove filters one service's lines out of the access logs.
// The cached log count is invalidated first because it is stale the
// moment the removal starts.
func (service *Service) StartLogRemove(ctx context.Context, serviceName string) (uuid.UUID, error) {
	if err := validateService(serviceName); err != nil {
		return uuid.UUID{}, err
	}
	progressPath := filepath.Join(service.dataDir, logRemoveProgressFile)

	return service.start(ctx, operations.KindLogRemove, serviceName,
		fmt.Sprintf("remove %s from logs", serviceName),
		func(jobCtx context.Context, progress progressFunc) (map[string]interface{}, error) {
			if err := os.Remove(filepath.Join(service.dataDir, logCountProgressFile)); err != nil && !os.IsNotExist(err) {
				service.log.Warn("failed to invalidate log count cache")
			}

			runner := &tool{log: service.log, bin: service.config.LogManagerBin, tz: service.config.Timezone}

			watchCtx, stopWatch := context.WithCancel(jobCtx)
			defer stopWatch()
			go watchProgress(watchCtx, progressPath, service.config.ProgressPollInterval, func(p ToolProgress) {
				progress(p.PercentComplete, p.Message)
			})

			if _, err := runner.run(jobCtx, "remove", service.config.LogDir, serviceName, progressPath); err != nil {
				return nil, err
			}
			stopWatch()

			final, err := readToolProgress(progressPath)
			if err == nil {
				progress(100, fmt.Sprintf("%d lines processed", final.LinesProcessed))
				return map[string]interface{}{"linesProcessed": final.LinesProcessed}, nil
			}
			progress(100, "log removal finished")
			return nil, nil
		})
}

func readToolProgress(path string) (ToolProgress, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ToolProgress{}, err
	}
	var progress ToolProgress
	if err := json.Unmarshal(raw, &progress); err != nil {
		return ToolProgress{}, err
	}
	return progress, nil
}

// filterServiceCounts drops pseudo-services (raw client IPs, reserved
// names) from a listing.
func filterServiceCounts(counts map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(counts))
	for name, count := range counts {
		if ValidServiceName(name) {
			out[name] = count
		}
	}
	return out
}
