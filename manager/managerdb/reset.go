// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package managerdb

import (
	"context"
	"database/sql"

	"github.com/zeebo/errs"
)

// ResetDB is the surface the database reset job drives. Table names
// come from the live schema, so a migration adding a table makes it
// resettable without code changes here.
type ResetDB struct {
	db *sql.DB
}

// TableNames lists the tables eligible for reset. The migration
// bookkeeping table stays out.
func (repo *ResetDB) TableNames(ctx context.Context) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := repo.db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table'
		  AND name NOT LIKE 'sqlite_%'
		  AND name != 'versions'
		ORDER BY name`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, Error.Wrap(err)
		}
		names = append(names, name)
	}
	return names, Error.Wrap(rows.Err())
}

// SetForeignKeys toggles foreign key enforcement. The pool is pinned
// to a single connection, so the pragma sticks.
func (repo *ResetDB) SetForeignKeys(ctx context.Context, enabled bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	pragma := `PRAGMA foreign_keys = OFF`
	if enabled {
		pragma = `PRAGMA foreign_keys = ON`
	}
	_, err = repo.db.ExecContext(ctx, pragma)
	return Error.Wrap(err)
}

// DeleteBatch removes up to limit rows from table and reports how many
// went. The table name must come from TableNames.
func (repo *ResetDB) DeleteBatch(ctx context.Context, table string, limit int) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := repo.validateTable(ctx, table); err != nil {
		return 0, err
	}

	// sqlite has no DELETE ... LIMIT without a build flag; going
	// through rowid works everywhere.
	result, err := repo.db.ExecContext(ctx, `
		DELETE FROM `+table+` WHERE rowid IN (
			SELECT rowid FROM `+table+` LIMIT ?
		)`, limit)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	return affected, Error.Wrap(err)
}

// NullDownloadRefs detaches log entries from the downloads they
// reference.
func (repo *ResetDB) NullDownloadRefs(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = repo.db.ExecContext(ctx, `
		UPDATE log_entries SET download_id = NULL
		WHERE download_id IS NOT NULL`)
	return Error.Wrap(err)
}

// validateTable guards the string-built delete against names that are
// not actually schema tables.
func (repo *ResetDB) validateTable(ctx context.Context, table string) error {
	names, err := repo.TableNames(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == table {
			return nil
		}
	}
	return Error.New("unknown table %q", table)
}
