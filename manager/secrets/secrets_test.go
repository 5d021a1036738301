// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package secrets_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"lancache.dev/warden/manager/secrets"
	"lancache.dev/warden/manager/state"
)

func TestSealUnseal(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	dir := ctx.Dir("data")
	log := zaptest.NewLogger(t)

	store, err := secrets.Open(ctx, log, dir, nil)
	require.NoError(t, err)
	require.Equal(t, secrets.Anonymous(), store.Get())

	when := time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)
	creds := secrets.Credentials{
		Mode:              secrets.ModeAccount,
		Username:          "gaben",
		RefreshToken:      "refresh-token-value",
		LastAuthenticated: &when,
	}
	require.NoError(t, store.Set(ctx, creds))

	reopened, err := secrets.Open(ctx, log, dir, nil)
	require.NoError(t, err)
	require.Equal(t, creds, reopened.Get())

	// nothing sensitive may appear in the sealed document
	raw, err := os.ReadFile(filepath.Join(dir, "steam_auth", "credentials.json"))
	require.NoError(t, err)
	require.NotContains(t, string(raw), "gaben")
	require.NotContains(t, string(raw), "refresh-token-value")

	var env struct {
		Version int    `json:"version"`
		Sealed  []byte `json:"sealed"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	require.Equal(t, 1, env.Version)
	require.NotEmpty(t, env.Sealed)
}

func TestClear(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	dir := ctx.Dir("data")
	store, err := secrets.Open(ctx, zaptest.NewLogger(t), dir, nil)
	require.NoError(t, err)

	require.NoError(t, store.Set(ctx, secrets.Credentials{Mode: secrets.ModeAccount, RefreshToken: "tok"}))
	require.NoError(t, store.Clear(ctx))
	require.Equal(t, secrets.Anonymous(), store.Get())

	_, err = os.Stat(filepath.Join(dir, "steam_auth", "credentials.json"))
	require.True(t, os.IsNotExist(err))

	// clearing twice is fine
	require.NoError(t, store.Clear(ctx))
}

func TestTamperedDocumentTreatedAsAbsent(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	dir := ctx.Dir("data")
	log := zaptest.NewLogger(t)

	store, err := secrets.Open(ctx, log, dir, nil)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, secrets.Credentials{Mode: secrets.ModeAccount, RefreshToken: "tok"}))

	sealedPath := filepath.Join(dir, "steam_auth", "credentials.json")
	raw, err := os.ReadFile(sealedPath)
	require.NoError(t, err)
	raw[len(raw)-10] ^= 0xff
	require.NoError(t, os.WriteFile(sealedPath, raw, 0o600))

	reopened, err := secrets.Open(ctx, log, dir, nil)
	require.NoError(t, err)
	require.Equal(t, secrets.Anonymous(), reopened.Get())
}

func TestLegacyMigration(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	dir := ctx.Dir("data")
	log := zaptest.NewLogger(t)

	states, err := state.Open(log, dir)
	require.NoError(t, err)

	when := time.Date(2024, 12, 24, 18, 0, 0, 0, time.UTC)
	require.NoError(t, states.Update(ctx, func(s *state.AppState) {
		s.LegacySteamAuth = &state.LegacySteamAuth{
			Username:          "gaben",
			RefreshToken:      "legacy-token",
			LastAuthenticated: &when,
		}
	}))

	store, err := secrets.Open(ctx, log, dir, states)
	require.NoError(t, err)

	got := store.Get()
	require.Equal(t, secrets.ModeAccount, got.Mode)
	require.Equal(t, "gaben", got.Username)
	require.Equal(t, "legacy-token", got.RefreshToken)

	// the slot in the state document is gone, on disk too
	require.Nil(t, states.Get().LegacySteamAuth)
	reloaded, err := state.Open(log, dir)
	require.NoError(t, err)
	require.Nil(t, reloaded.Get().LegacySteamAuth)

	// sealed copy wins on the next migration attempt
	require.NoError(t, states.Update(ctx, func(s *state.AppState) {
		s.LegacySteamAuth = &state.LegacySteamAuth{RefreshToken: "stale"}
	}))
	again, err := secrets.Open(ctx, log, dir, states)
	require.NoError(t, err)
	require.Equal(t, "legacy-token", again.Get().RefreshToken)
}
