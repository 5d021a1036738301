// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package migrate_test

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"lancache.dev/warden/private/migrate"
)

func TestRunAppliesStepsOnce(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	calls := 0
	migration := &migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{
				Description: "initial tables",
				Version:     1,
				Action: migrate.SQL{
					`CREATE TABLE pets ( name TEXT NOT NULL )`,
				},
			},
			{
				Description: "seed",
				Version:     2,
				Action: migrate.Func(func(ctx context.Context, log *zap.Logger, tx *sql.Tx) error {
					calls++
					_, err := tx.ExecContext(ctx, `INSERT INTO pets (name) VALUES ('gabe')`)
					return err
				}),
			},
		},
	}

	// first run applies both steps
	require.NoError(t, migration.Run(ctx, log, db))
	version, err := migration.CurrentVersion(ctx, db)
	require.NoError(t, err)
	require.Equal(t, 2, version)
	require.Equal(t, 1, calls)

	// second run is a no-op
	require.NoError(t, migration.Run(ctx, log, db))
	version, err = migration.CurrentVersion(ctx, db)
	require.NoError(t, err)
	require.Equal(t, 2, version)
	require.Equal(t, 1, calls)
}

func TestValidateSteps(t *testing.T) {
	migration := &migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{Version: 2, Action: migrate.SQL{}},
			{Version: 1, Action: migrate.SQL{}},
		},
	}
	require.Error(t, migration.ValidateSteps())

	migration = &migrate.Migration{Table: "drop table--", Steps: nil}
	require.Error(t, migration.ValidateSteps())
}

func TestFailedStepRollsBack(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	migration := &migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{
				Description: "broken",
				Version:     1,
				Action:      migrate.SQL{`THIS IS NOT SQL`},
			},
		},
	}

	require.Error(t, migration.Run(ctx, log, db))
	version, err := migration.CurrentVersion(ctx, db)
	require.NoError(t, err)
	require.Equal(t, -1, version)
}
