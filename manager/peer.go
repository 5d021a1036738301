// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

// Package manager assembles the management plane: state and secret
// stores, event fabric, operation registry, catalog client, depot
// mapping engine and the job runners, wired the same way on every
// deployment.
package manager

import (
	"context"
	"net"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lancache.dev/warden/manager/depots"
	"lancache.dev/warden/manager/downloads"
	"lancache.dev/warden/manager/events"
	"lancache.dev/warden/manager/jobs"
	"lancache.dev/warden/manager/managerdb"
	"lancache.dev/warden/manager/operations"
	"lancache.dev/warden/manager/secrets"
	"lancache.dev/warden/manager/sessions"
	"lancache.dev/warden/manager/state"
	"lancache.dev/warden/manager/steam"
	"lancache.dev/warden/manager/storefront"
	"lancache.dev/warden/private/lifecycle"
)

// Error is the default error class for the manager peer.
var Error = errs.Class("manager")

// DB is the master database as the peer consumes it.
type DB interface {
	MigrateToLatest(ctx context.Context) error
	Close() error

	Downloads() downloads.DB
	DepotMappings() depots.MappingsDB
	Sessions() sessions.DB
	Reset() jobs.ResetDB
}

// Config is the complete configuration of the peer.
type Config struct {
	AllowGuestEvents bool `help:"admit sessionless event stream connections as read-only guests" default:"false"`

	Database   managerdb.Config
	Events     events.Config
	Steam      steam.Config
	Bridge     steam.BridgeConfig
	Storefront storefront.Config
	Depots     depots.Config
	Jobs       jobs.Config
	Operations operations.Config
}

// Peer is the management plane process.
//
// architecture: Peer
type Peer struct {
	Log *zap.Logger
	DB  DB

	lock     *flock.Flock
	Servers  *lifecycle.Group
	Services *lifecycle.Group

	State   *state.Store
	Secrets *secrets.Store

	Events struct {
		Bus      *events.Bus
		Listener net.Listener
		Server   *events.Server
	}

	Operations struct {
		Registry *operations.Registry
	}

	Steam struct {
		Client *steam.Client
	}

	Storefront struct {
		Client *storefront.Client
		Cache  *storefront.Cache
	}

	Depots struct {
		Engine *depots.Engine
		Chore  *depots.Chore
	}

	Jobs struct {
		Service *jobs.Service
	}
}

// New creates the peer. The data directory is locked for the peer's
// lifetime; a second process on the same directory fails here.
func New(ctx context.Context, log *zap.Logger, db DB, dialer steam.Dialer, dataDir string, config Config) (_ *Peer, err error) {
	peer := &Peer{
		Log:      log,
		DB:       db,
		Servers:  lifecycle.NewGroup(log.Named("servers")),
		Services: lifecycle.NewGroup(log.Named("services")),
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, peer.closePartial())
		}
	}()

	peer.lock = flock.New(filepath.Join(dataDir, "LOCK"))
	locked, err := peer.lock.TryLock()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if !locked {
		return nil, Error.New("data directory %s is in use by another process", dataDir)
	}

	{ // state and secrets
		peer.State, err = state.Open(log.Named("state"), dataDir)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		peer.Secrets, err = secrets.Open(ctx, log.Named("secrets"), dataDir, peer.State)
		if err != nil {
			return nil, Error.Wrap(err)
		}
	}

	{ // event fabric
		peer.Events.Bus = events.NewBus(log.Named("events"))
		peer.Services.Add(lifecycle.Item{
			Name:  "events:bus",
			Close: peer.Events.Bus.Close,
		})
	}

	{ // operation registry
		peer.Operations.Registry, err = operations.Open(log.Named("operations"), peer.Events.Bus, dataDir, config.Operations)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		peer.Services.Add(lifecycle.Item{
			Name:  "operations:registry",
			Run:   peer.Operations.Registry.Run,
			Close: peer.Operations.Registry.Close,
		})
	}

	{ // catalog client
		peer.Steam.Client = steam.NewClient(log.Named("steam"), dialer, peer.Secrets, peer.State, peer.Events.Bus, config.Steam)
		peer.Services.Add(lifecycle.Item{
			Name:  "steam:client",
			Close: peer.Steam.Client.Close,
		})
	}

	{ // storefront
		peer.Storefront.Client = storefront.NewClient(log.Named("storefront"), config.Storefront)
		peer.Storefront.Cache, err = storefront.OpenCache(log.Named("storefront:cache"),
			filepath.Join(dataDir, "storefront_cache.db"), peer.Storefront.Client)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		peer.Services.Add(lifecycle.Item{
			Name:  "storefront:cache",
			Close: peer.Storefront.Cache.Close,
		})
	}

	{ // depot mapping
		peer.Depots.Engine = depots.NewEngine(log.Named("depots"),
			peer.Steam.Client, db.DepotMappings(), db.Downloads(),
			peer.State, peer.Operations.Registry, peer.Events.Bus,
			peer.Storefront.Cache, dataDir, config.Depots)
		peer.Services.Add(lifecycle.Item{
			Name:  "depots:engine",
			Run:   peer.Depots.Engine.Run,
			Close: peer.Depots.Engine.Close,
		})

		peer.Depots.Chore = depots.NewChore(log.Named("depots:chore"),
			peer.Depots.Engine, peer.State, peer.Events.Bus, config.Depots)
		peer.Services.Add(lifecycle.Item{
			Name:  "depots:chore",
			Run:   peer.Depots.Chore.Run,
			Close: peer.Depots.Chore.Close,
		})
	}

	{ // job runners
		peer.Jobs.Service = jobs.NewService(log.Named("jobs"),
			peer.Operations.Registry, peer.Events.Bus, db.Reset(), dataDir, config.Jobs)
		peer.Services.Add(lifecycle.Item{
			Name:  "jobs:service",
			Run:   peer.Jobs.Service.Run,
			Close: peer.Jobs.Service.Close,
		})
	}

	{ // event stream endpoint
		authorizer := sessions.NewAuthorizer(db.Sessions(), func() bool { return config.AllowGuestEvents })

		peer.Events.Listener, err = net.Listen("tcp", config.Events.Address)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		peer.Events.Server = events.NewServer(log.Named("events:server"),
			peer.Events.Bus, authorizer, peer.Events.Listener)
		peer.Servers.Add(lifecycle.Item{
			Name:  "events:server",
			Run:   peer.Events.Server.Run,
			Close: peer.Events.Server.Close,
		})
	}

	return peer, nil
}

// Run runs the peer until ctx is canceled or a subsystem fails.
func (peer *Peer) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	peer.Services.Run(ctx, group)
	peer.Servers.Run(ctx, group)

	return group.Wait()
}

// Close shuts the peer down in reverse dependency order.
func (peer *Peer) Close() error {
	return errs.Combine(
		peer.Servers.Close(),
		peer.Services.Close(),
		peer.unlock(),
	)
}

// closePartial unwinds a half-built peer when New fails.
func (peer *Peer) closePartial() error {
	return errs.Combine(
		peer.Servers.Close(),
		peer.Services.Close(),
		peer.unlock(),
	)
}

func (peer *Peer) unlock() error {
	if peer.lock == nil {
		return nil
	}
	return Error.Wrap(peer.lock.Unlock())
}
