// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

// Package steam drives the session against the storefront's product
// information catalog (PICS). The wire protocol itself is out of
// scope; it is modeled as a command/event connection and the package
// owns the session state machine on top of it: logon, reconnection
// with backoff, session-replacement accounting and the cooperative
// yield to a competing local daemon.
package steam

import (
	"context"
)

// Credentials selects how a catalog session logs on.
type Credentials struct {
	Anonymous    bool
	Username     string
	RefreshToken string
}

// ProductInfoRequest asks for one app, optionally with the access
// token obtained for it.
type ProductInfoRequest struct {
	AppID       uint32 `json:"app_id"`
	AccessToken uint64 `json:"access_token,omitempty"`
}

// DepotInfo is one depot as declared in an app's manifest.
type DepotInfo struct {
	DepotID uint32 `json:"depot_id"`
	Name    string `json:"name,omitempty"`
	// SharedInstall marks depots borrowed from another app; such
	// depots never make the declaring app their owner.
	SharedInstall bool `json:"shared_install,omitempty"`
	// DLCAppID is set when the depot belongs to a DLC of this app.
	DLCAppID uint32 `json:"dlc_app_id,omitempty"`
}

// ProductInfo is one app record from the catalog.
type ProductInfo struct {
	AppID        uint32      `json:"app_id"`
	Name         string      `json:"name,omitempty"`
	ChangeNumber uint32      `json:"change_number,omitempty"`
	Depots       []DepotInfo `json:"depots,omitempty"`
	MissingToken bool        `json:"missing_token,omitempty"`
}

// Event is anything the connection reports back. Responses carry the
// JobID of the request they answer; session events carry none.
type Event interface{ steamEvent() }

// ConnectedEvent reports the transport is established.
type ConnectedEvent struct{}

// LoggedOnEvent reports a successful logon.
type LoggedOnEvent struct {
	Anonymous bool
}

// LogOnFailedEvent reports a rejected logon.
type LogOnFailedEvent struct {
	Reason string
}

// DisconnectedEvent reports the transport is gone. UserInitiated is
// true when we asked for it.
type DisconnectedEvent struct {
	UserInitiated bool
}

// SessionReplacedEvent reports the remote kicked this session because
// the same account logged on elsewhere.
type SessionReplacedEvent struct{}

// AccessTokensEvent answers a RequestAccessTokens call.
type AccessTokensEvent struct {
	JobID  uint64
	Tokens map[uint32]uint64
}

// ProductInfoEvent answers a RequestProductInfo call. Responses are
// split across frames; MorePending is true on every frame but the
// last.
type ProductInfoEvent struct {
	JobID       uint64
	Apps        []ProductInfo
	Unknown     []uint32
	MorePending bool
}

// ChangesEvent answers a RequestChanges call.
type ChangesEvent struct {
	JobID               uint64
	CurrentChangeNumber uint32
	// RequiresFullUpdate is set when the requested change number is
	// outside the window the remote keeps deltas for.
	RequiresFullUpdate bool
	AppIDs             []uint32
}

func (ConnectedEvent) steamEvent()       {}
func (LoggedOnEvent) steamEvent()        {}
func (LogOnFailedEvent) steamEvent()     {}
func (DisconnectedEvent) steamEvent()    {}
func (SessionReplacedEvent) steamEvent() {}
func (AccessTokensEvent) steamEvent()    {}
func (ProductInfoEvent) steamEvent()     {}
func (ChangesEvent) steamEvent()         {}

// Conn is one established transport to the catalog. Commands are
// fire-and-forget; results and session changes arrive on Events. The
// transport is sequential: one request is in flight at a time.
type Conn interface {
	LogOn(creds Credentials) error
	RequestAccessTokens(jobID uint64, appIDs []uint32) error
	RequestProductInfo(jobID uint64, apps []ProductInfoRequest) error
	RequestChanges(jobID uint64, sinceChangeNumber uint32) error
	Events() <-chan Event
	Close() error
}

// Dialer establishes catalog connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}
