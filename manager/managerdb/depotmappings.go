// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package managerdb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/zeebo/errs"

	"lancache.dev/warden/manager/depots"
)

// mappingsDB implements depots.MappingsDB against the master database.
type mappingsDB struct {
	db *sql.DB
}

// Upsert writes one mapping keyed on (depot id, app id).
func (repo *mappingsDB) Upsert(ctx context.Context, mapping depots.Mapping) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = repo.db.ExecContext(ctx, `
		INSERT INTO steam_depot_mappings (
			depot_id, app_id, app_name, is_owner, last_seen_change_number
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (depot_id, app_id) DO UPDATE SET
			app_name = excluded.app_name,
			is_owner = excluded.is_owner,
			last_seen_change_number = excluded.last_seen_change_number`,
		mapping.DepotID, mapping.AppID, mapping.AppName,
		mapping.IsOwner, mapping.LastSeenChangeNumber)
	return Error.Wrap(err)
}

// Owner returns the owner row for a depot, if any.
func (repo *mappingsDB) Owner(ctx context.Context, depotID uint32) (_ depots.Mapping, _ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	mapping := depots.Mapping{DepotID: depotID}
	err = repo.db.QueryRowContext(ctx, `
		SELECT app_id, app_name, is_owner, last_seen_change_number
		FROM steam_depot_mappings
		WHERE depot_id = ? AND is_owner = 1
		LIMIT 1`, depotID).
		Scan(&mapping.AppID, &mapping.AppName, &mapping.IsOwner, &mapping.LastSeenChangeNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return depots.Mapping{}, false, nil
	}
	if err != nil {
		return depots.Mapping{}, false, Error.Wrap(err)
	}
	return mapping, true, nil
}

// HasDepot reports whether any row exists for the depot.
func (repo *mappingsDB) HasDepot(ctx context.Context, depotID uint32) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	var exists bool
	err = repo.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM steam_depot_mappings WHERE depot_id = ?)`,
		depotID).Scan(&exists)
	return exists, Error.Wrap(err)
}

// AppName returns the recorded name of an app from any row that
// references it.
func (repo *mappingsDB) AppName(ctx context.Context, appID uint32) (_ string, _ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	var name string
	err = repo.db.QueryRowContext(ctx, `
		SELECT app_name FROM steam_depot_mappings
		WHERE app_id = ? AND app_name != ''
		LIMIT 1`, appID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, Error.Wrap(err)
	}
	return name, true, nil
}

// Count returns the number of mapping rows.
func (repo *mappingsDB) Count(ctx context.Context) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var count int64
	err = repo.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM steam_depot_mappings`).Scan(&count)
	return count, Error.Wrap(err)
}

// ReplaceAll atomically empties the table and imports mappings.
func (repo *mappingsDB) ReplaceAll(ctx context.Context, mappings []depots.Mapping) (err error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := repo.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, Error.Wrap(tx.Rollback()))
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM steam_depot_mappings`); err != nil {
		return Error.Wrap(err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO steam_depot_mappings (
			depot_id, app_id, app_name, is_owner, last_seen_change_number
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (depot_id, app_id) DO UPDATE SET
			app_name = excluded.app_name,
			is_owner = excluded.is_owner,
			last_seen_change_number = excluded.last_seen_change_number`)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = stmt.Close() }()

	for _, mapping := range mappings {
		_, err := stmt.ExecContext(ctx,
			mapping.DepotID, mapping.AppID, mapping.AppName,
			mapping.IsOwner, mapping.LastSeenChangeNumber)
		if err != nil {
			return Error.Wrap(err)
		}
	}
	return Error.Wrap(tx.Commit())
}

// DeleteAll empties the mapping table.
func (repo *mappingsDB) DeleteAll(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = repo.db.ExecContext(ctx, `DELETE FROM steam_depot_mappings`)
	return Error.Wrap(err)
}
