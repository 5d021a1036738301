// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

// Package managerdb implements the master sqlite database: downloads,
// depot mappings, log entries, events and UI sessions. The log ingest
// process writes most rows; this process back-fills game identity,
// maintains the mapping table and runs the reset job.
package managerdb

import (
	"context"
	"database/sql"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"lancache.dev/warden/manager/depots"
	"lancache.dev/warden/manager/downloads"
	"lancache.dev/warden/manager/jobs"
	"lancache.dev/warden/manager/sessions"
	"lancache.dev/warden/private/migrate"
)

var (
	// Error is the default error class for the managerdb package.
	Error = errs.Class("managerdb")

	mon = monkit.Package()
)

// Filename is the database file inside the data directory.
const Filename = "manager.db"

// Config configures the master database.
type Config struct {
	BusyTimeout time.Duration `help:"sqlite busy timeout" default:"5s"`
}

// DB is the master database.
//
// architecture: Database
type DB struct {
	log *zap.Logger
	db  *sql.DB
}

// Open opens (creating if necessary) the master database in dataDir.
func Open(ctx context.Context, log *zap.Logger, dataDir string, config Config) (_ *DB, err error) {
	defer mon.Task()(&ctx)(&err)

	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}

	values := url.Values{}
	values.Set("_journal_mode", "WAL")
	values.Set("_busy_timeout", strconv.FormatInt(config.BusyTimeout.Milliseconds(), 10))
	values.Set("_foreign_keys", "on")
	values.Set("_loc", "UTC")

	source := "file:" + filepath.Join(dataDir, Filename) + "?" + values.Encode()
	db, err := sql.Open("sqlite3", source)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	// sqlite serializes writers anyway; a single connection keeps
	// per-connection pragmas (foreign_keys toggles) coherent.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return nil, errs.Combine(Error.Wrap(err), db.Close())
	}
	return &DB{log: log, db: db}, nil
}

// MigrateToLatest applies all unapplied schema steps.
func (db *DB) MigrateToLatest(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	migration := db.Migration()
	return migration.Run(ctx, db.log.Named("migrate"), db.db)
}

// Close closes the database.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// Downloads returns the download repository.
func (db *DB) Downloads() downloads.DB { return &downloadsDB{db: db.db} }

// DepotMappings returns the depot mapping repository.
func (db *DB) DepotMappings() depots.MappingsDB { return &mappingsDB{db: db.db} }

// Sessions returns the UI session repository.
func (db *DB) Sessions() sessions.DB { return &SessionsDB{db: db.db} }

// Reset returns the reset surface used by the database reset job.
func (db *DB) Reset() jobs.ResetDB { return &ResetDB{db: db.db} }

// Migration returns the schema steps for the master database.
func (db *DB) Migration() *migrate.Migration {
	return &migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{
				Description: "initial schema",
				Version:     1,
				Action: migrate.SQL{
					`CREATE TABLE downloads (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						service TEXT NOT NULL,
						client_ip TEXT NOT NULL,
						started_at TIMESTAMP NOT NULL,
						ended_at TIMESTAMP,
						bytes_hit INTEGER NOT NULL DEFAULT 0,
						bytes_miss INTEGER NOT NULL DEFAULT 0,
						is_active INTEGER NOT NULL DEFAULT 0,
						depot_id INTEGER,
						game_app_id INTEGER,
						game_name TEXT,
						game_image_url TEXT
					)`,
					`CREATE INDEX idx_downloads_unmapped ON downloads (depot_id)
						WHERE depot_id IS NOT NULL AND game_app_id IS NULL`,

					`CREATE TABLE steam_depot_mappings (
						depot_id INTEGER NOT NULL,
						app_id INTEGER NOT NULL,
						app_name TEXT NOT NULL DEFAULT '',
						is_owner INTEGER NOT NULL DEFAULT 0,
						last_seen_change_number INTEGER NOT NULL DEFAULT 0,
						PRIMARY KEY (depot_id, app_id)
					)`,
					`CREATE INDEX idx_depot_mappings_app ON steam_depot_mappings (app_id)`,

					`CREATE TABLE log_entries (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						download_id INTEGER REFERENCES downloads (id),
						service TEXT NOT NULL,
						client_ip TEXT NOT NULL,
						url TEXT NOT NULL DEFAULT '',
						bytes INTEGER NOT NULL DEFAULT 0,
						cache_status TEXT NOT NULL DEFAULT '',
						logged_at TIMESTAMP NOT NULL
					)`,
					`CREATE INDEX idx_log_entries_download ON log_entries (download_id)`,

					`CREATE TABLE events (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						name TEXT NOT NULL,
						starts_at TIMESTAMP,
						ends_at TIMESTAMP
					)`,
					`CREATE TABLE event_downloads (
						event_id INTEGER NOT NULL REFERENCES events (id),
						download_id INTEGER NOT NULL REFERENCES downloads (id),
						PRIMARY KEY (event_id, download_id)
					)`,

					`CREATE TABLE user_sessions (
						id TEXT PRIMARY KEY,
						role TEXT NOT NULL DEFAULT 'guest',
						created_at TIMESTAMP NOT NULL DEFAULT (datetime('now')),
						expires_at TIMESTAMP
					)`,
					`CREATE TABLE user_preferences (
						name TEXT PRIMARY KEY,
						value TEXT NOT NULL DEFAULT ''
					)`,
				},
			},
		},
	}
}
