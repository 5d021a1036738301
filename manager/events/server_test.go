// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package events_test

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"lancache.dev/warden/manager/events"
)

type headerAuthorizer struct{}

func (headerAuthorizer) AuthorizeEvents(r *http.Request) (events.Grant, error) {
	switch r.Header.Get("X-Test-Session") {
	case "admin":
		return events.Grant{Groups: []events.Group{
			events.GroupAll, events.GroupAuthenticated, events.GroupAdmin,
		}}, nil
	case "guest":
		return events.Grant{Groups: []events.Group{
			events.GroupAll, events.GroupGuest,
		}}, nil
	default:
		return events.Grant{}, errs.New("no session")
	}
}

func startServer(t *testing.T, ctx *testcontext.Context, bus *events.Bus) (addr string, stop func()) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := events.NewServer(zaptest.NewLogger(t), bus, headerAuthorizer{}, listener)

	runCtx, cancel := context.WithCancel(ctx)
	ctx.Go(func() error {
		return server.Run(runCtx)
	})

	return listener.Addr().String(), func() {
		cancel()
		_ = server.Close()
	}
}

func TestEventStream(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	bus := events.NewBus(zaptest.NewLogger(t))
	defer func() { _ = bus.Close() }()

	addr, stop := startServer(t, ctx, bus)
	defer stop()

	header := http.Header{}
	header.Set("X-Test-Session", "admin")
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/events", header)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	defer func() { _ = resp.Body.Close() }()

	// give the handler a moment to register its subscription
	time.Sleep(100 * time.Millisecond)

	bus.Publish(events.GroupAdmin, "CacheClearComplete", map[string]interface{}{"bytesFreed": 42})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var event events.Event
	require.NoError(t, conn.ReadJSON(&event))
	require.Equal(t, "CacheClearComplete", event.Name)
	require.False(t, event.Timestamp.IsZero())

	payload, ok := event.Payload.(map[string]interface{})
	require.True(t, ok)
	require.EqualValues(t, 42, payload["bytesFreed"])
}

func TestEventStreamUnauthorized(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	bus := events.NewBus(zaptest.NewLogger(t))
	defer func() { _ = bus.Close() }()

	addr, stop := startServer(t, ctx, bus)
	defer stop()

	// no session header, rejected before the upgrade
	resp, err := http.Get("http://" + addr + "/api/events")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp2, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/events", nil)
	require.Error(t, err)
	if resp2 != nil {
		defer func() { _ = resp2.Body.Close() }()
		require.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
	}
}

func TestEventStreamMethodNotAllowed(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	bus := events.NewBus(zaptest.NewLogger(t))
	defer func() { _ = bus.Close() }()

	addr, stop := startServer(t, ctx, bus)
	defer stop()

	resp, err := http.Post("http://"+addr+"/api/events", "application/json", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
