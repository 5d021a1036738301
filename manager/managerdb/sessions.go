// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package managerdb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"lancache.dev/warden/manager/sessions"
)

// SessionsDB implements sessions.DB against the master database. The
// UI surface mints rows; this process validates them for the event
// stream.
type SessionsDB struct {
	db *sql.DB
}

// Get returns the session for an id, or false when unknown.
func (repo *SessionsDB) Get(ctx context.Context, id string) (_ sessions.Session, _ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	session := sessions.Session{ID: id}
	var expiresAt sql.NullTime
	err = repo.db.QueryRowContext(ctx, `
		SELECT role, expires_at FROM user_sessions WHERE id = ?`, id).
		Scan(&session.Role, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return sessions.Session{}, false, nil
	}
	if err != nil {
		return sessions.Session{}, false, Error.Wrap(err)
	}
	if expiresAt.Valid {
		session.ExpiresAt = expiresAt.Time
	}
	return session, true, nil
}

// Create stores a session.
func (repo *SessionsDB) Create(ctx context.Context, session sessions.Session) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = repo.db.ExecContext(ctx, `
		INSERT INTO user_sessions (id, role, expires_at) VALUES (?, ?, ?)`,
		session.ID, session.Role, nullableTime(session.ExpiresAt))
	return Error.Wrap(err)
}

// Delete removes a session.
func (repo *SessionsDB) Delete(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = repo.db.ExecContext(ctx, `DELETE FROM user_sessions WHERE id = ?`, id)
	return Error.Wrap(err)
}

// DeleteExpired removes sessions past their expiry.
func (repo *SessionsDB) DeleteExpired(ctx context.Context, now time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = repo.db.ExecContext(ctx, `
		DELETE FROM user_sessions
		WHERE expires_at IS NOT NULL AND expires_at < ?`, now)
	return Error.Wrap(err)
}
