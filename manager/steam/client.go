// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package steam

import (
	"context"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"

	"lancache.dev/warden/manager/events"
	"lancache.dev/warden/manager/secrets"
	"lancache.dev/warden/manager/state"
)

var (
	// Error is the default error class for the steam package.
	Error = errs.Class("steam")
	// ErrTimeout marks connect, logon or response waits that ran out.
	// Timeouts are transient; callers retry with backoff.
	ErrTimeout = errs.Class("steam timeout")
	// ErrDisconnected marks requests that lost the transport
	// mid-flight. Transient.
	ErrDisconnected = errs.Class("steam disconnected")
	// ErrYielded marks requests interrupted because the session was
	// handed to the local prefill daemon.
	ErrYielded = errs.Class("steam yielded")
	// ErrAuth marks rejected logons and session replacement beyond
	// the auto-logout threshold.
	ErrAuth = errs.Class("steam auth")

	mon = monkit.Package()
)

// Transient reports whether err is worth a retry.
func Transient(err error) bool {
	return ErrTimeout.Has(err) || ErrDisconnected.Has(err)
}

// SessionState is where the client sits in its connection lifecycle.
type SessionState string

const (
	StateDisconnected SessionState = "disconnected"
	StateConnecting   SessionState = "connecting"
	StateConnected    SessionState = "connected"
	StateLoggedOn     SessionState = "logged-on"
	StateLoggedOff    SessionState = "logged-off"
)

// Config configures the catalog client.
type Config struct {
	ConnectTimeout         time.Duration `help:"how long to wait for the catalog transport to establish" default:"1m0s"`
	LogonTimeout           time.Duration `help:"how long to wait for a logon response" default:"1m0s"`
	ResponseTimeout        time.Duration `help:"how long to wait for each response frame" default:"30s"`
	MaxReconnectAttempts   int           `help:"reconnect attempts during an active scan before giving up" default:"5"`
	MaxSessionReplacements int           `help:"session replacements within a day before stored credentials are dropped" default:"3"`
	BackoffBase            time.Duration `help:"first reconnect delay, doubled per attempt" default:"5s"`
	BackoffMax             time.Duration `help:"reconnect delay cap" default:"1m0s"`
}

// Client owns one catalog session. At most one scan drives it at a
// time; requests serialize on an internal mutex because the transport
// is sequential anyway.
//
// architecture: Service
type Client struct {
	log     *zap.Logger
	dialer  Dialer
	creds   *secrets.Store
	state   *state.Store
	bus     *events.Bus
	config  Config
	nextJob uint64

	// op serializes logon and catalog requests.
	op sync.Mutex

	mu            sync.Mutex
	conn          Conn
	events        <-chan Event
	session       SessionState
	anonymous     bool
	yielding      bool
	yieldCleared  chan struct{}
	daemonActive  bool
	autoLoggedOut bool
}

// NewClient creates a catalog client. It stays disconnected until the
// first EnsureLoggedOn.
func NewClient(log *zap.Logger, dialer Dialer, creds *secrets.Store, appState *state.Store, bus *events.Bus, config Config) *Client {
	return &Client{
		log:     log,
		dialer:  dialer,
		creds:   creds,
		state:   appState,
		bus:     bus,
		config:  config,
		session: StateDisconnected,
	}
}

// Session returns the current lifecycle state.
func (client *Client) Session() SessionState {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.session
}

// Anonymous reports whether the current session logged on without an
// account.
func (client *Client) Anonymous() bool {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.anonymous
}

// DaemonActive reports whether a competing local daemon holds the
// account session.
func (client *Client) DaemonActive() bool {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.daemonActive
}

// NotifyDaemonAuthenticated records that the local prefill daemon took
// the account session. The client yields: it disconnects and refuses
// to reconnect until the daemon is done.
func (client *Client) NotifyDaemonAuthenticated() {
	client.mu.Lock()
	client.daemonActive = true
	client.mu.Unlock()
	client.SetYielding(true)
}

// NotifyDaemonSessionEnded releases the yield taken for the daemon.
func (client *Client) NotifyDaemonSessionEnded() {
	client.mu.Lock()
	client.daemonActive = false
	client.mu.Unlock()
	client.SetYielding(false)
}

// SetYielding enables or disables the cooperative yield. Enabling
// disconnects intentionally; disabling releases every WaitNotYielding
// caller.
func (client *Client) SetYielding(yielding bool) {
	client.mu.Lock()
	if yielding == client.yielding {
		client.mu.Unlock()
		return
	}
	client.yielding = yielding
	if yielding {
		client.yieldCleared = make(chan struct{})
		client.closeLocked()
		client.mu.Unlock()
		client.log.Info("yielding catalog session")
		return
	}
	cleared := client.yieldCleared
	client.yieldCleared = nil
	client.mu.Unlock()
	if cleared != nil {
		close(cleared)
	}
	client.log.Info("catalog session yield released")
}

// Yielding reports whether the client currently refuses to connect.
func (client *Client) Yielding() bool {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.yielding
}

// WaitNotYielding blocks until the yield is released or ctx ends.
func (client *Client) WaitNotYielding(ctx context.Context) error {
	client.mu.Lock()
	cleared := client.yieldCleared
	client.mu.Unlock()
	if cleared == nil {
		return nil
	}
	select {
	case <-cleared:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CredentialsReset clears the auto-logout latch after the user stored
// fresh credentials.
func (client *Client) CredentialsReset() {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.autoLoggedOut = false
}

// Disconnect tears the session down intentionally.
func (client *Client) Disconnect() {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.closeLocked()
}

// Close implements the peer close contract.
func (client *Client) Close() error {
	client.Disconnect()
	return nil
}

// closeLocked drops the transport; the caller holds mu.
func (client *Client) closeLocked() {
	if client.conn != nil {
		_ = client.conn.Close()
		client.conn = nil
		client.events = nil
	}
	client.session = StateDisconnected
}

// EnsureLoggedOn establishes a logged-on session if there is none.
// While yielding it fails with ErrYielded instead of connecting. The
// logon is anonymous when the daemon is active, after an auto-logout,
// or when no credentials are stored.
func (client *Client) EnsureLoggedOn(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	client.op.Lock()
	defer client.op.Unlock()
	return client.ensureLoggedOnLocked(ctx)
}

func (client *Client) ensureLoggedOnLocked(ctx context.Context) error {
	client.mu.Lock()
	if client.yielding {
		client.mu.Unlock()
		return ErrYielded.New("daemon holds the session")
	}
	if client.session == StateLoggedOn && client.conn != nil {
		client.mu.Unlock()
		return nil
	}
	client.closeLocked()
	client.session = StateConnecting
	client.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, client.config.ConnectTimeout)
	conn, err := client.dialer.Dial(dialCtx)
	cancel()
	if err != nil {
		client.setDisconnected()
		if ctx.Err() == nil && dialCtx.Err() != nil {
			return ErrTimeout.New("connect: %v", err)
		}
		return ErrDisconnected.Wrap(err)
	}

	client.mu.Lock()
	client.conn = conn
	client.events = conn.Events()
	client.mu.Unlock()

	if err := client.awaitConnected(ctx); err != nil {
		client.Disconnect()
		return err
	}

	creds := client.logonCredentials()
	if err := conn.LogOn(creds); err != nil {
		client.Disconnect()
		return ErrDisconnected.Wrap(err)
	}
	if err := client.awaitLoggedOn(ctx, creds); err != nil {
		client.Disconnect()
		return err
	}
	return nil
}

func (client *Client) setDisconnected() {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.session = StateDisconnected
}

// logonCredentials decides between the stored account and anonymous.
func (client *Client) logonCredentials() Credentials {
	client.mu.Lock()
	daemonActive := client.daemonActive
	autoLoggedOut := client.autoLoggedOut
	client.mu.Unlock()

	stored := client.creds.Get()
	if daemonActive || autoLoggedOut || stored.Mode != secrets.ModeAccount || stored.RefreshToken == "" {
		return Credentials{Anonymous: true}
	}
	return Credentials{Username: stored.Username, RefreshToken: stored.RefreshToken}
}

func (client *Client) awaitConnected(ctx context.Context) error {
	deadline := time.Now().Add(client.config.ConnectTimeout)
	for {
		event, err := client.nextEvent(ctx, time.Until(deadline))
		if err != nil {
			return err
		}
		switch event := event.(type) {
		case ConnectedEvent:
			client.mu.Lock()
			client.session = StateConnected
			client.mu.Unlock()
			return nil
		default:
			if err := client.handleControl(ctx, event); err != nil {
				return err
			}
		}
	}
}

func (client *Client) awaitLoggedOn(ctx context.Context, creds Credentials) error {
	deadline := time.Now().Add(client.config.LogonTimeout)
	for {
		event, err := client.nextEvent(ctx, time.Until(deadline))
		if err != nil {
			return err
		}
		switch event := event.(type) {
		case LoggedOnEvent:
			client.mu.Lock()
			client.session = StateLoggedOn
			client.anonymous = creds.Anonymous || event.Anonymous
			client.mu.Unlock()
			client.log.Info("catalog logon", zap.Bool("anonymous", client.Anonymous()))
			return nil
		case LogOnFailedEvent:
			client.bus.Publish(events.GroupAuthenticated, events.SteamSessionError, SessionErrorEvent{Reason: event.Reason})
			return ErrAuth.New("logon rejected: %s", event.Reason)
		default:
			if err := client.handleControl(ctx, event); err != nil {
				return err
			}
		}
	}
}

// ReconnectWithBackoff re-establishes a logged-on session after an
// unexpected disconnect during an active scan. notify fires before
// each wait so the scan can surface reconnection progress.
func (client *Client) ReconnectWithBackoff(ctx context.Context, notify func(attempt int, wait time.Duration)) (err error) {
	defer mon.Task()(&ctx)(&err)

	backoff := client.config.BackoffBase
	for attempt := 1; ; attempt++ {
		if err := client.WaitNotYielding(ctx); err != nil {
			return err
		}
		err := client.EnsureLoggedOn(ctx)
		if err == nil {
			return nil
		}
		if ErrYielded.Has(err) {
			// the daemon grabbed the session between the wait and
			// the dial; go around again without burning an attempt
			attempt--
			continue
		}
		if !Transient(err) || attempt >= client.config.MaxReconnectAttempts {
			return err
		}
		if notify != nil {
			notify(attempt, backoff)
		}
		if !sync2.Sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff *= 2
		if backoff > client.config.BackoffMax {
			backoff = client.config.BackoffMax
		}
	}
}

// GetProductInfo fetches catalog records for a batch of apps: one
// access-token round trip, then product info frames collected until
// the remote reports none pending.
func (client *Client) GetProductInfo(ctx context.Context, appIDs []uint32) (_ []ProductInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	client.op.Lock()
	defer client.op.Unlock()

	conn, err := client.currentConn()
	if err != nil {
		return nil, err
	}

	tokenJob := client.jobID()
	if err := conn.RequestAccessTokens(tokenJob, appIDs); err != nil {
		return nil, ErrDisconnected.Wrap(err)
	}
	var tokens map[uint32]uint64
	for tokens == nil {
		event, err := client.nextEvent(ctx, client.config.ResponseTimeout)
		if err != nil {
			return nil, err
		}
		switch event := event.(type) {
		case AccessTokensEvent:
			if event.JobID == tokenJob {
				tokens = event.Tokens
			}
		default:
			if err := client.handleControl(ctx, event); err != nil {
				return nil, err
			}
		}
	}

	requests := make([]ProductInfoRequest, 0, len(appIDs))
	for _, appID := range appIDs {
		requests = append(requests, ProductInfoRequest{AppID: appID, AccessToken: tokens[appID]})
	}

	infoJob := client.jobID()
	if err := conn.RequestProductInfo(infoJob, requests); err != nil {
		return nil, ErrDisconnected.Wrap(err)
	}

	var collected []ProductInfo
	for {
		event, err := client.nextEvent(ctx, client.config.ResponseTimeout)
		if err != nil {
			return nil, err
		}
		switch event := event.(type) {
		case ProductInfoEvent:
			if event.JobID != infoJob {
				continue
			}
			collected = append(collected, event.Apps...)
			if !event.MorePending {
				return collected, nil
			}
		default:
			if err := client.handleControl(ctx, event); err != nil {
				return nil, err
			}
		}
	}
}

// ChangesResult is the answer to a viability check.
type ChangesResult struct {
	CurrentChangeNumber uint32
	RequiresFullUpdate  bool
	AppIDs              []uint32
}

// Changes returns the catalog delta since a change number.
func (client *Client) Changes(ctx context.Context, since uint32) (_ ChangesResult, err error) {
	defer mon.Task()(&ctx)(&err)

	client.op.Lock()
	defer client.op.Unlock()

	conn, err := client.currentConn()
	if err != nil {
		return ChangesResult{}, err
	}

	job := client.jobID()
	if err := conn.RequestChanges(job, since); err != nil {
		return ChangesResult{}, ErrDisconnected.Wrap(err)
	}
	for {
		event, err := client.nextEvent(ctx, client.config.ResponseTimeout)
		if err != nil {
			return ChangesResult{}, err
		}
		switch event := event.(type) {
		case ChangesEvent:
			if event.JobID != job {
				continue
			}
			return ChangesResult{
				CurrentChangeNumber: event.CurrentChangeNumber,
				RequiresFullUpdate:  event.RequiresFullUpdate,
				AppIDs:              event.AppIDs,
			}, nil
		default:
			if err := client.handleControl(ctx, event); err != nil {
				return ChangesResult{}, err
			}
		}
	}
}

func (client *Client) currentConn() (Conn, error) {
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.yielding {
		return nil, ErrYielded.New("daemon holds the session")
	}
	if client.conn == nil || client.session != StateLoggedOn {
		return nil, ErrDisconnected.New("not logged on")
	}
	return client.conn, nil
}

func (client *Client) jobID() uint64 {
	client.nextJob++
	return client.nextJob
}

// nextEvent reads one event off the transport, bounded by timeout. A
// closed channel or timeout is transient.
func (client *Client) nextEvent(ctx context.Context, timeout time.Duration) (Event, error) {
	client.mu.Lock()
	eventCh := client.events
	client.mu.Unlock()
	if eventCh == nil {
		return nil, ErrDisconnected.New("no transport")
	}

	if timeout <= 0 {
		return nil, ErrTimeout.New("no response")
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout.New("no response within %s", timeout)
	case event, ok := <-eventCh:
		if !ok {
			client.setDisconnected()
			return nil, ErrDisconnected.New("transport closed")
		}
		return event, nil
	}
}

// handleControl reacts to session events that interleave with
// responses. It returns an error when the session is gone.
func (client *Client) handleControl(ctx context.Context, event Event) error {
	switch event := event.(type) {
	case DisconnectedEvent:
		client.mu.Lock()
		client.closeLocked()
		client.mu.Unlock()
		if event.UserInitiated {
			return ErrYielded.New("disconnected on request")
		}
		return ErrDisconnected.New("remote disconnect")

	case SessionReplacedEvent:
		return client.handleSessionReplaced(ctx)

	default:
		// stray frames from an abandoned request
		return nil
	}
}

// handleSessionReplaced implements the replacement policy: yield when
// the local daemon owns the account, otherwise count replacements and
// auto-logout past the threshold.
func (client *Client) handleSessionReplaced(ctx context.Context) error {
	client.mu.Lock()
	daemonActive := client.daemonActive
	client.mu.Unlock()

	if daemonActive {
		client.SetYielding(true)
		return ErrYielded.New("session taken by daemon")
	}

	count, err := client.state.RecordSessionReplacement(ctx, time.Now())
	if err != nil {
		client.log.Warn("failed to record session replacement", zap.Error(err))
	}
	client.log.Warn("catalog session replaced", zap.Uint32("count", count))

	client.mu.Lock()
	client.closeLocked()
	client.mu.Unlock()

	if int(count) >= client.config.MaxSessionReplacements {
		if err := client.creds.Clear(ctx); err != nil {
			client.log.Error("failed to clear credentials after repeated replacement", zap.Error(err))
		}
		client.mu.Lock()
		client.autoLoggedOut = true
		client.mu.Unlock()
		client.bus.Publish(events.GroupAuthenticated, events.SteamAutoLogout, AutoLogoutEvent{Replacements: count})
		return ErrAuth.New("session replaced %d times, credentials dropped", count)
	}
	return ErrDisconnected.New("session replaced")
}

// SessionErrorEvent is the SteamSessionError payload.
type SessionErrorEvent struct {
	Reason string `json:"reason"`
}

// AutoLogoutEvent is the SteamAutoLogout payload.
type AutoLogoutEvent struct {
	Replacements uint32 `json:"replacements"`
}
