// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

// Package lifecycle allows controlling a group of subsystems
// that share a run and close lifetime.
package lifecycle

import (
	"context"
	"runtime"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/errs2"
)

// Error is the error class for lifecycle failures.
var Error = errs.Class("lifecycle")

// Item is the lifecycle item that group runs and closes. Run and Close
// may each be nil when the subsystem has nothing to do for that phase.
type Item struct {
	Name  string
	Run   func(ctx context.Context) error
	Close func() error
}

// Group implements a collection of items that have a shared lifetime.
// Items run in the order they were added and close in reverse.
type Group struct {
	log   *zap.Logger
	items []Item

	shutdownStack bool
}

// NewGroup creates a new lifecycle group.
func NewGroup(log *zap.Logger) *Group {
	return &Group{log: log}
}

// Add adds item to the group.
func (group *Group) Add(item Item) {
	group.items = append(group.items, item)
}

// Run starts all items' Run methods in the provided errgroup. A
// canceled context is a normal shutdown, not an error.
func (group *Group) Run(ctx context.Context, g *errgroup.Group) {
	for _, item := range group.items {
		item := item
		if item.Run == nil {
			continue
		}
		g.Go(func() error {
			group.log.Debug("starting subsystem", zap.String("name", item.Name))
			err := item.Run(ctx)
			if errs2.IsCanceled(err) {
				err = nil
			}
			if err != nil {
				group.log.Error("subsystem failed",
					zap.String("name", item.Name), zap.Error(err))
			}
			return err
		})
	}
}

// Close closes all items in reverse order, combining their errors. A
// watchdog logs condensed goroutine stacks when a single item takes
// longer than slowShutdown to close.
func (group *Group) Close() error {
	var errlist errs.Group

	for i := len(group.items) - 1; i >= 0; i-- {
		item := group.items[i]
		if item.Close == nil {
			continue
		}
		stop := group.watchSlowShutdown(item.Name)
		errlist.Add(item.Close())
		stop()
	}

	return Error.Wrap(errlist.Err())
}

const slowShutdown = 15 * time.Second

func (group *Group) watchSlowShutdown(name string) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
		case <-time.After(slowShutdown):
			buf := make([]byte, 1<<20)
			buf = buf[:runtime.Stack(buf, true)]
			group.log.Warn("slow shutdown",
				zap.String("name", name),
				zap.String("stacks", string(condenseStack(buf))))
		}
	}()
	return func() { close(done) }
}
