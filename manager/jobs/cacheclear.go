// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"

	"storj.io/common/memory"
	"storj.io/common/uuid"

	"lancache.dev/warden/manager/operations"
)

// ScopeAll clears every service's cached content.
const ScopeAll = "all"

// StartCacheClear deletes cached content for one service, or all of
// them. The nginx shard directories themselves survive so the cache
// keeps working without a reconfigure.
func (service *Service) StartCacheClear(ctx context.Context, scope string) (uuid.UUID, error) {
	if scope != ScopeAll {
		if err := validateService(scope); err != nil {
			return uuid.UUID{}, err
		}
	}

	root := service.config.CacheDir
	if scope != ScopeAll {
		root = filepath.Join(root, scope)
	}

	return service.start(ctx, operations.KindCacheClear, scope,
		fmt.Sprintf("clear cache for %s", scope),
		func(jobCtx context.Context, progress progressFunc) (map[string]interface{}, error) {
			return service.clearCache(jobCtx, root, progress)
		})
}

func (service *Service) clearCache(ctx context.Context, root string, progress progressFunc) (_ map[string]interface{}, err error) {
	defer mon.Task()(&ctx)(&err)

	before, usageErr := disk.UsageWithContext(ctx, service.config.CacheDir)
	if usageErr != nil {
		service.log.Debug("disk usage unavailable, bytes freed will read zero")
	}

	shards, err := cacheShards(root)
	if err != nil {
		if os.IsNotExist(err) {
			progress(100, "nothing cached")
			return map[string]interface{}{"bytesFreed": int64(0)}, nil
		}
		return nil, Error.Wrap(err)
	}

	for i, shard := range shards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := clearDirContents(filepath.Join(root, shard)); err != nil {
			return nil, Error.Wrap(err)
		}
		progress(float64(i+1)/float64(len(shards))*100,
			fmt.Sprintf("cleared shard %s (%d of %d)", shard, i+1, len(shards)))
	}
	if len(shards) == 0 {
		progress(100, "nothing cached")
	}

	var freed int64
	if usageErr == nil {
		if after, err := disk.UsageWithContext(ctx, service.config.CacheDir); err == nil {
			if delta := int64(before.Used) - int64(after.Used); delta > 0 {
				freed = delta
			}
		}
	}
	service.log.Info("cache cleared", zap.String("freed", memory.Size(freed).Base10String()))
	return map[string]interface{}{"bytesFreed": freed}, nil
}

// cacheShards lists the shard subdirectories under root in stable
// order.
func cacheShards(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var shards []string
	for _, entry := range entries {
		if entry.IsDir() {
			shards = append(shards, entry.Name())
		}
	}
	sort.Strings(shards)
	return shards, nil
}

// clearDirContents removes everything inside dir, keeping dir itself.
func clearDirContents(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
