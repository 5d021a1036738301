// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"
	"storj.io/common/uuid"

	"lancache.dev/warden/manager/depots"
	"lancache.dev/warden/manager/events"
	"lancache.dev/warden/manager/operations"
)

// ResetDB is what the database reset runner needs from the master
// database.
type ResetDB interface {
	// TableNames lists the tables eligible for reset.
	TableNames(ctx context.Context) ([]string, error)
	// SetForeignKeys toggles foreign key enforcement on the connection.
	SetForeignKeys(ctx context.Context, enabled bool) error
	// DeleteBatch removes up to limit rows from table and reports how
	// many went.
	DeleteBatch(ctx context.Context, table string, limit int) (int64, error)
	// NullDownloadRefs detaches log entries from the downloads they
	// reference.
	NullDownloadRefs(ctx context.Context) error
}

// resetOrder clears children before parents so the wipe stays
// consistent even though enforcement is off while it runs.
var resetOrder = []string{
	"user_sessions",
	"user_preferences",
	"event_downloads",
	"log_entries",
	"downloads",
	"events",
}

// StartDatabaseReset wipes the requested tables. Only one reset runs
// at a time; unknown table names fail before anything is touched.
func (service *Service) StartDatabaseReset(ctx context.Context, tables []string) (_ uuid.UUID, err error) {
	defer mon.Task()(&ctx)(&err)

	known, err := service.resetDB.TableNames(ctx)
	if err != nil {
		return uuid.UUID{}, Error.Wrap(err)
	}
	knownSet := make(map[string]bool, len(known))
	for _, name := range known {
		knownSet[name] = true
	}
	if len(tables) == 0 {
		tables = known
	}
	requested := make(map[string]bool, len(tables))
	for _, name := range tables {
		if !knownSet[name] {
			return uuid.UUID{}, ErrInvalid.New("unknown table %q", name)
		}
		requested[name] = true
	}

	ordered := orderTables(requested)

	return service.start(ctx, operations.KindDatabaseReset, "",
		fmt.Sprintf("reset %s", strings.Join(ordered, ", ")),
		func(jobCtx context.Context, progress progressFunc) (map[string]interface{}, error) {
			return service.runReset(jobCtx, ordered, requested, progress)
		})
}

// orderTables puts the fixed dependency prefix first and the rest in
// name order after it.
func orderTables(requested map[string]bool) []string {
	ordered := make([]string, 0, len(requested))
	seen := make(map[string]bool, len(requested))
	for _, name := range resetOrder {
		if requested[name] {
			ordered = append(ordered, name)
			seen[name] = true
		}
	}
	var rest []string
	for name := range requested {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(ordered, rest...)
}

func (service *Service) runReset(ctx context.Context, ordered []string, requested map[string]bool, progress progressFunc) (_ map[string]interface{}, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := service.resetDB.SetForeignKeys(ctx, false); err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() {
		// enforcement comes back on even when the reset is cancelled
		if fkErr := service.resetDB.SetForeignKeys(context.WithoutCancel(ctx), true); fkErr != nil {
			service.log.Error("failed to re-enable foreign keys", zap.Error(fkErr))
			err = errs.Combine(err, Error.Wrap(fkErr))
		}
	}()

	// downloads going away without their log entries would leave
	// dangling references behind.
	if requested["downloads"] && !requested["log_entries"] {
		if err := service.resetDB.NullDownloadRefs(ctx); err != nil {
			return nil, Error.Wrap(err)
		}
	}

	deleted := make(map[string]int64, len(ordered))
	for i, table := range ordered {
		base := float64(i) / float64(len(ordered)) * 100
		progress(base, fmt.Sprintf("clearing %s", table))

		var total int64
		for {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			n, err := service.resetDB.DeleteBatch(ctx, table, service.config.ResetBatchSize)
			if err != nil {
				return nil, Error.Wrap(err)
			}
			total += n
			if n > 0 {
				progress(base, fmt.Sprintf("clearing %s: %d rows", table, total))
			}
			if n < int64(service.config.ResetBatchSize) {
				break
			}
			// brief yield keeps the writer from starving readers
			if !sync2.Sleep(ctx, 10*time.Millisecond) {
				return nil, ctx.Err()
			}
		}
		deleted[table] = total

		service.afterTableCleared(ctx, table)
		progress(float64(i+1)/float64(len(ordered))*100, fmt.Sprintf("cleared %s", table))
	}

	return map[string]interface{}{"rowsDeleted": deleted}, nil
}

// afterTableCleared runs the side effects tied to specific tables.
func (service *Service) afterTableCleared(ctx context.Context, table string) {
	switch table {
	case "user_sessions":
		// every browser is now logged out; tell them before their next
		// request 401s.
		service.bus.Publish(events.GroupAll, events.UserSessionsCleared, struct {
			ClearCookies bool `json:"clearCookies"`
		}{ClearCookies: true})
	case "steam_depot_mappings":
		snapshot := filepath.Join(service.dataDir, depots.SnapshotFilename)
		if err := os.Remove(snapshot); err != nil && !os.IsNotExist(err) {
			service.log.Warn("failed to remove depot snapshot", zap.Error(err))
		}
	}
}
