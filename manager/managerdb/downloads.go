// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package managerdb

import (
	"context"
	"database/sql"
	"time"

	"github.com/zeebo/errs"

	"lancache.dev/warden/manager/downloads"
)

// downloadsDB implements downloads.DB against the master database.
type downloadsDB struct {
	db *sql.DB
}

// WithoutGameInfo returns downloads carrying a depot id but no
// resolved game identity.
func (repo *downloadsDB) WithoutGameInfo(ctx context.Context) (_ []downloads.Download, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := repo.db.QueryContext(ctx, `
		SELECT id, service, client_ip, started_at, ended_at,
		       bytes_hit, bytes_miss, is_active,
		       depot_id, game_app_id, game_name, game_image_url
		FROM downloads
		WHERE depot_id IS NOT NULL AND game_app_id IS NULL
		ORDER BY id`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var result []downloads.Download
	for rows.Next() {
		download, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, download)
	}
	return result, Error.Wrap(rows.Err())
}

// DistinctDepotIDs returns every depot id any download references.
func (repo *downloadsDB) DistinctDepotIDs(ctx context.Context) (_ []uint32, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := repo.db.QueryContext(ctx, `
		SELECT DISTINCT depot_id FROM downloads
		WHERE depot_id IS NOT NULL
		ORDER BY depot_id`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var ids []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, Error.Wrap(err)
		}
		ids = append(ids, id)
	}
	return ids, Error.Wrap(rows.Err())
}

// SetGameInfo writes the resolved game identity for one download.
func (repo *downloadsDB) SetGameInfo(ctx context.Context, id int64, appID uint32, name, imageURL string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := repo.db.ExecContext(ctx, `
		UPDATE downloads
		SET game_app_id = ?, game_name = ?, game_image_url = ?
		WHERE id = ?`,
		appID, name, imageURL, id)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return Error.New("no download with id %d", id)
	}
	return nil
}

// Insert adds a download row and returns its id. The log ingest
// normally does this; it exists here for tooling and tests.
func (repo *downloadsDB) Insert(ctx context.Context, download downloads.Download) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := repo.db.ExecContext(ctx, `
		INSERT INTO downloads (
			service, client_ip, started_at, ended_at,
			bytes_hit, bytes_miss, is_active,
			depot_id, game_app_id, game_name, game_image_url
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		download.Service, download.ClientIP,
		download.StartedAt, nullableTime(download.EndedAt),
		download.BytesHit, download.BytesMiss, download.IsActive,
		download.DepotID, download.GameAppID, download.GameName, download.GameImageURL)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	id, err := result.LastInsertId()
	return id, Error.Wrap(err)
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func scanDownload(rows *sql.Rows) (downloads.Download, error) {
	var download downloads.Download
	var endedAt sql.NullTime
	err := rows.Scan(
		&download.ID, &download.Service, &download.ClientIP,
		&download.StartedAt, &endedAt,
		&download.BytesHit, &download.BytesMiss, &download.IsActive,
		&download.DepotID, &download.GameAppID, &download.GameName, &download.GameImageURL)
	if err != nil {
		return downloads.Download{}, Error.Wrap(err)
	}
	if endedAt.Valid {
		download.EndedAt = endedAt.Time
	}
	return download, nil
}
