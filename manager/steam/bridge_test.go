// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package steam_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"storj.io/common/testcontext"

	"lancache.dev/warden/manager/steam"
)

// The helper stands in for the real bridge binary: it answers the
// commands it reads on stdin with canned frames.
const bridgeScript = `#!/bin/sh
while read line; do
  case "$line" in
    *'"cmd":"logon"'*)
      printf '%s\n' '{"event":"connected"}' '{"event":"logged_on","anonymous":true}'
      ;;
    *'"cmd":"changes"'*)
      job=$(printf '%s' "$line" | sed -n 's/.*"job_id":\([0-9]*\).*/\1/p')
      printf '{"event":"changes","job_id":%s,"current_change_number":4200,"app_ids":[10,20]}\n' "$job"
      ;;
  esac
done
`

func awaitEvent(t *testing.T, events <-chan steam.Event) steam.Event {
	select {
	case event, ok := <-events:
		require.True(t, ok, "event channel closed")
		return event
	case <-time.After(10 * time.Second):
		t.Fatal("no event from bridge")
		return nil
	}
}

func TestBridgeDialerSpeaksJSON(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	bin := ctx.File("bin", "steam_bridge")
	require.NoError(t, os.MkdirAll(filepath.Dir(bin), 0o755))
	require.NoError(t, os.WriteFile(bin, []byte(bridgeScript), 0o755))

	dialer := steam.NewBridgeDialer(zaptest.NewLogger(t), steam.BridgeConfig{Bin: bin})
	conn, err := dialer.Dial(ctx)
	require.NoError(t, err)
	defer ctx.Check(conn.Close)

	require.NoError(t, conn.LogOn(steam.Credentials{Anonymous: true}))
	require.Equal(t, steam.ConnectedEvent{}, awaitEvent(t, conn.Events()))
	require.Equal(t, steam.LoggedOnEvent{Anonymous: true}, awaitEvent(t, conn.Events()))

	require.NoError(t, conn.RequestChanges(7, 100))
	changes := awaitEvent(t, conn.Events())
	require.Equal(t, steam.ChangesEvent{
		JobID:               7,
		CurrentChangeNumber: 4200,
		AppIDs:              []uint32{10, 20},
	}, changes)
}

// The helper floods frames without waiting for commands, far more than
// the event buffer holds.
const floodScript = `#!/bin/sh
i=0
while [ $i -lt 500 ]; do
  printf '{"event":"connected"}\n'
  i=$((i+1))
done
cat > /dev/null
`

func TestBridgeCloseUnblocksReader(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	bin := ctx.File("bin", "steam_bridge")
	require.NoError(t, os.MkdirAll(filepath.Dir(bin), 0o755))
	require.NoError(t, os.WriteFile(bin, []byte(floodScript), 0o755))

	dialer := steam.NewBridgeDialer(zaptest.NewLogger(t), steam.BridgeConfig{Bin: bin})
	conn, err := dialer.Dial(ctx)
	require.NoError(t, err)

	// make sure the reader is up, then close without draining the rest
	awaitEvent(t, conn.Events())
	require.NoError(t, conn.Close())

	// the reader must shut down and close the channel instead of
	// parking on the full buffer forever
	deadline := time.After(10 * time.Second)
	for {
		select {
		case _, ok := <-conn.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event channel never closed after Close")
		}
	}
}
