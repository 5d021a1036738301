// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

// Package sessions validates UI sessions for the event stream. Session
// issuance is out of scope; rows are minted by the HTTP surface and
// only read here.
package sessions

import (
	"context"
	"net/http"
	"time"

	"github.com/zeebo/errs"

	"lancache.dev/warden/manager/events"
)

// Error is the default error class for the sessions package.
var Error = errs.Class("sessions")

// Role describes what a session may do.
type Role string

const (
	// RoleAdmin has full control of the management plane.
	RoleAdmin Role = "admin"
	// RoleGuest may watch but not start operations.
	RoleGuest Role = "guest"
)

// Session is a validated UI session.
type Session struct {
	ID        string
	Role      Role
	ExpiresAt time.Time
}

// Expired reports whether the session is past its expiry.
func (session Session) Expired(now time.Time) bool {
	return !session.ExpiresAt.IsZero() && now.After(session.ExpiresAt)
}

// DB is the session repository as consumed by the core.
type DB interface {
	// Get returns the session for an id, or false when unknown.
	Get(ctx context.Context, id string) (Session, bool, error)
}

// cookieName is the session cookie the UI sets.
const cookieName = "warden_session"

// Authorizer grants event stream access based on a session cookie or
// bearer token. Connections without a valid session are rejected
// before the websocket upgrade.
type Authorizer struct {
	db DB

	// AllowGuests admits sessionless connections into the guest
	// group when enabled.
	AllowGuests func() bool
}

// NewAuthorizer creates an Authorizer backed by db.
func NewAuthorizer(db DB, allowGuests func() bool) *Authorizer {
	return &Authorizer{db: db, AllowGuests: allowGuests}
}

// AuthorizeEvents implements events.Authorizer.
func (auth *Authorizer) AuthorizeEvents(r *http.Request) (events.Grant, error) {
	id := sessionID(r)
	if id == "" {
		if auth.AllowGuests != nil && auth.AllowGuests() {
			return events.Grant{Groups: []events.Group{events.GroupAll, events.GroupGuest}}, nil
		}
		return events.Grant{}, Error.New("no session")
	}

	session, ok, err := auth.db.Get(r.Context(), id)
	if err != nil {
		return events.Grant{}, Error.Wrap(err)
	}
	if !ok || session.Expired(time.Now().UTC()) {
		return events.Grant{}, Error.New("invalid session")
	}

	groups := []events.Group{
		events.GroupAll,
		events.GroupAuthenticated,
		events.SessionGroup(session.ID),
	}
	switch session.Role {
	case RoleAdmin:
		groups = append(groups, events.GroupAdmin)
	default:
		groups = append(groups, events.GroupGuest)
	}
	return events.Grant{Groups: groups}, nil
}

func sessionID(r *http.Request) string {
	if cookie, err := r.Cookie(cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	const prefix = "Bearer "
	if header := r.Header.Get("Authorization"); len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
