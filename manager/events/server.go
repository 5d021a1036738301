// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package events

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Error is the event server error class.
var Error = errs.Class("events")

// Config contains configuration for the event stream endpoint.
type Config struct {
	Address string `help:"address for the event stream endpoint" default:"127.0.0.1:9610"`
}

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long we keep a connection that stopped answering
	// pings.
	pongWait = 60 * time.Second
	// pingPeriod must be below pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Grant describes which groups a connection may subscribe to.
type Grant struct {
	Groups []Group
}

// An Authorizer decides what an incoming connection is allowed to
// hear. Returning an error rejects the connection before the
// websocket upgrade.
type Authorizer interface {
	AuthorizeEvents(r *http.Request) (Grant, error)
}

// Server exposes the bus over a websocket endpoint.
//
// architecture: Endpoint
type Server struct {
	log *zap.Logger

	bus      *Bus
	auth     Authorizer
	listener net.Listener

	upgrader websocket.Upgrader
	server   http.Server
}

// NewServer creates a new event stream server.
func NewServer(log *zap.Logger, bus *Bus, auth Authorizer, listener net.Listener) *Server {
	server := &Server{
		log:      log,
		bus:      bus,
		auth:     auth,
		listener: listener,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.Handle("/api/events", http.HandlerFunc(server.eventsHandler))

	server.server = http.Server{
		Handler: mux,
	}

	return server
}

// Run starts serving the event stream until ctx is canceled.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return server.server.Shutdown(context.Background())
	})
	group.Go(func() error {
		defer cancel()
		err := server.server.Serve(server.listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	return group.Wait()
}

// Close closes the server and the underlying listener.
func (server *Server) Close() error {
	return server.server.Close()
}

// eventsHandler authorizes the request, upgrades it and pumps events
// until either side goes away.
func (server *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer mon.Task()(&ctx)(nil)

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	grant, err := server.auth.AuthorizeEvents(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := server.upgrader.Upgrade(w, r, nil)
	if err != nil {
		server.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	sub := server.bus.Subscribe(grant.Groups...)
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		server.readUntilClosed(conn)
	}()

	server.writePump(ctx, conn, sub)
}

// readUntilClosed drains incoming frames so pings and close frames are
// processed. Clients have nothing meaningful to send.
func (server *Server) readUntilClosed(conn *websocket.Conn) {
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (server *Server) writePump(ctx context.Context, conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				server.log.Debug("dropping event stream connection", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
