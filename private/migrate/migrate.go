// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

// Package migrate implements versioned sql schema migrations.
package migrate

import (
	"context"
	"database/sql"
	"regexp"
	"sort"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the error class for migration failures.
var Error = errs.Class("migrate")

// Migration describes a sequence of schema steps tracked in a versions
// table. Steps apply in order inside individual transactions; an
// interrupted migration resumes from the first unapplied step.
type Migration struct {
	Table string
	Steps []*Step
}

// Step is a single migration step.
type Step struct {
	Description string
	Version     int
	Action      Action
}

// Action is something a step needs to do.
type Action interface {
	Run(ctx context.Context, log *zap.Logger, tx *sql.Tx) error
}

// SQL runs a list of sql statements as a single action.
type SQL []string

// Run implements Action.
func (statements SQL) Run(ctx context.Context, log *zap.Logger, tx *sql.Tx) error {
	for _, statement := range statements {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// Func wraps a Go function as an action.
type Func func(ctx context.Context, log *zap.Logger, tx *sql.Tx) error

// Run implements Action.
func (fn Func) Run(ctx context.Context, log *zap.Logger, tx *sql.Tx) error {
	return fn(ctx, log, tx)
}

var validTableName = regexp.MustCompile(`^[a-z_]+$`)

// ValidateSteps checks that the table name is sane and versions
// strictly increase.
func (migration *Migration) ValidateSteps() error {
	if !validTableName.MatchString(migration.Table) {
		return Error.New("invalid table name: %q", migration.Table)
	}
	sorted := sort.SliceIsSorted(migration.Steps, func(i, j int) bool {
		return migration.Steps[i].Version < migration.Steps[j].Version
	})
	if !sorted {
		return Error.New("steps have incorrect order")
	}
	return nil
}

// Run applies all unapplied steps.
func (migration *Migration) Run(ctx context.Context, log *zap.Logger, db *sql.DB) error {
	if err := migration.ValidateSteps(); err != nil {
		return err
	}

	if err := migration.ensureVersionTable(ctx, db); err != nil {
		return err
	}

	version, err := migration.CurrentVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, step := range migration.Steps {
		if step.Version <= version {
			continue
		}

		log.Info("migrating",
			zap.Int("version", step.Version),
			zap.String("description", step.Description))

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return Error.Wrap(err)
		}

		err = step.Action.Run(ctx, log, tx)
		if err == nil {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO `+migration.Table+` (version) VALUES (?)`, step.Version)
			if err != nil {
				err = Error.Wrap(err)
			}
		}
		if err != nil {
			return errs.Combine(err, Error.Wrap(tx.Rollback()))
		}
		if err := tx.Commit(); err != nil {
			return Error.Wrap(err)
		}
	}

	return nil
}

// CurrentVersion returns the latest applied version, or -1 when no
// step has been applied.
func (migration *Migration) CurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM `+migration.Table).Scan(&version)
	if err != nil {
		return -1, Error.Wrap(err)
	}
	if !version.Valid {
		return -1, nil
	}
	return int(version.Int64), nil
}

func (migration *Migration) ensureVersionTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+migration.Table+` (
		version INTEGER NOT NULL,
		commited_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	return Error.Wrap(err)
}
