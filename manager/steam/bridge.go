// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package steam

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/execabs"
)

// BridgeConfig configures the catalog bridge helper.
type BridgeConfig struct {
	Bin string `help:"path of the catalog bridge binary" default:"steam_bridge"`
}

// BridgeDialer establishes catalog connections by spawning the bridge
// helper binary and speaking newline-delimited JSON over its pipes.
// The helper owns the wire protocol; this side only sees commands and
// events.
type BridgeDialer struct {
	log *zap.Logger
	bin string
}

// NewBridgeDialer creates a dialer for the bridge helper at bin.
func NewBridgeDialer(log *zap.Logger, config BridgeConfig) *BridgeDialer {
	return &BridgeDialer{log: log, bin: config.Bin}
}

// Dial implements Dialer. The helper process lives until the returned
// Conn is closed.
func (dialer *BridgeDialer) Dial(ctx context.Context) (_ Conn, err error) {
	defer mon.Task()(&ctx)(&err)

	cmd := execabs.Command(dialer.bin)
	cmd.Stderr = &bridgeLogWriter{log: dialer.log.Named("bridge")}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if err := cmd.Start(); err != nil {
		return nil, Error.New("failed to start %s: %v", dialer.bin, err)
	}
	dialer.log.Debug("bridge started", zap.Int("pid", cmd.Process.Pid))

	conn := &bridgeConn{
		log:    dialer.log.Named("bridge"),
		cmd:    cmd,
		stdin:  stdin,
		enc:    json.NewEncoder(stdin),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go conn.readLoop(stdout)
	return conn, nil
}

// bridgeCommand is one request written to the helper's stdin.
type bridgeCommand struct {
	Cmd               string               `json:"cmd"`
	JobID             uint64               `json:"job_id,omitempty"`
	Anonymous         bool                 `json:"anonymous,omitempty"`
	Username          string               `json:"username,omitempty"`
	RefreshToken      string               `json:"refresh_token,omitempty"`
	AppIDs            []uint32             `json:"app_ids,omitempty"`
	Apps              []ProductInfoRequest `json:"apps,omitempty"`
	SinceChangeNumber uint32               `json:"since_change_number,omitempty"`
}

// bridgeFrame is one event read from the helper's stdout.
type bridgeFrame struct {
	Event string `json:"event"`
	JobID uint64 `json:"job_id,omitempty"`

	Reason        string `json:"reason,omitempty"`
	Anonymous     bool   `json:"anonymous,omitempty"`
	UserInitiated bool   `json:"user_initiated,omitempty"`

	Tokens map[string]uint64 `json:"tokens,omitempty"`

	Apps        []ProductInfo `json:"apps,omitempty"`
	Unknown     []uint32      `json:"unknown,omitempty"`
	MorePending bool          `json:"more_pending,omitempty"`

	CurrentChangeNumber uint32   `json:"current_change_number,omitempty"`
	RequiresFullUpdate  bool     `json:"requires_full_update,omitempty"`
	AppIDs              []uint32 `json:"app_ids,omitempty"`
}

// bridgeConn is one live helper process.
type bridgeConn struct {
	log   *zap.Logger
	cmd   *execabs.Cmd
	stdin io.WriteCloser

	sendMu sync.Mutex
	enc    *json.Encoder

	events chan Event
	done   chan struct{}

	closeOnce sync.Once
}

// LogOn implements Conn.
func (conn *bridgeConn) LogOn(creds Credentials) error {
	return conn.send(bridgeCommand{
		Cmd:          "logon",
		Anonymous:    creds.Anonymous,
		Username:     creds.Username,
		RefreshToken: creds.RefreshToken,
	})
}

// RequestAccessTokens implements Conn.
func (conn *bridgeConn) RequestAccessTokens(jobID uint64, appIDs []uint32) error {
	return conn.send(bridgeCommand{Cmd: "access_tokens", JobID: jobID, AppIDs: appIDs})
}

// RequestProductInfo implements Conn.
func (conn *bridgeConn) RequestProductInfo(jobID uint64, apps []ProductInfoRequest) error {
	return conn.send(bridgeCommand{Cmd: "product_info", JobID: jobID, Apps: apps})
}

// RequestChanges implements Conn.
func (conn *bridgeConn) RequestChanges(jobID uint64, sinceChangeNumber uint32) error {
	return conn.send(bridgeCommand{Cmd: "changes", JobID: jobID, SinceChangeNumber: sinceChangeNumber})
}

// Events implements Conn.
func (conn *bridgeConn) Events() <-chan Event {
	return conn.events
}

// Close implements Conn. The helper gets its stdin closed first so it
// can unwind cleanly; a helper that lingers is killed.
func (conn *bridgeConn) Close() error {
	var err error
	conn.closeOnce.Do(func() {
		close(conn.done)
		err = conn.stdin.Close()
		if conn.cmd.Process != nil {
			_ = conn.cmd.Process.Kill()
		}
		_ = conn.cmd.Wait()
	})
	return Error.Wrap(err)
}

func (conn *bridgeConn) send(command bridgeCommand) error {
	conn.sendMu.Lock()
	defer conn.sendMu.Unlock()
	return Error.Wrap(conn.enc.Encode(command))
}

// readLoop translates helper frames into events until the pipe closes.
func (conn *bridgeConn) readLoop(stdout io.Reader) {
	defer close(conn.events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var frame bridgeFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			conn.log.Warn("unparseable bridge frame", zap.Error(err))
			continue
		}
		// once Close stops the reader nobody drains events, so the
		// send must not park this goroutine forever
		select {
		case conn.events <- frame.toEvent():
		case <-conn.done:
			return
		}
	}
	// pipe gone; the session is over either way
	select {
	case conn.events <- DisconnectedEvent{}:
	default:
	}
}

func (frame bridgeFrame) toEvent() Event {
	switch frame.Event {
	case "connected":
		return ConnectedEvent{}
	case "logged_on":
		return LoggedOnEvent{Anonymous: frame.Anonymous}
	case "logon_failed":
		return LogOnFailedEvent{Reason: frame.Reason}
	case "disconnected":
		return DisconnectedEvent{UserInitiated: frame.UserInitiated}
	case "session_replaced":
		return SessionReplacedEvent{}
	case "access_tokens":
		tokens := make(map[uint32]uint64, len(frame.Tokens))
		for id, token := range frame.Tokens {
			appID, err := strconv.ParseUint(id, 10, 32)
			if err != nil {
				continue
			}
			tokens[uint32(appID)] = token
		}
		return AccessTokensEvent{JobID: frame.JobID, Tokens: tokens}
	case "product_info":
		return ProductInfoEvent{
			JobID:       frame.JobID,
			Apps:        frame.Apps,
			Unknown:     frame.Unknown,
			MorePending: frame.MorePending,
		}
	case "changes":
		return ChangesEvent{
			JobID:               frame.JobID,
			CurrentChangeNumber: frame.CurrentChangeNumber,
			RequiresFullUpdate:  frame.RequiresFullUpdate,
			AppIDs:              frame.AppIDs,
		}
	default:
		return LogOnFailedEvent{Reason: "unknown bridge event " + frame.Event}
	}
}

// bridgeLogWriter relays helper stderr lines into our log.
type bridgeLogWriter struct {
	log *zap.Logger
	buf bytes.Buffer
}

// Write implements io.Writer.
func (w *bridgeLogWriter) Write(p []byte) (n int, err error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			w.buf.WriteString(line)
			break
		}
		if trimmed := bytes.TrimSpace([]byte(line)); len(trimmed) > 0 {
			w.log.Debug(string(trimmed))
		}
	}
	return len(p), nil
}
