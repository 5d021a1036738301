// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

// Package secrets stores catalog credentials sealed at rest. The
// sealing key is derived from a random master key file that lives next
// to the sealed document, so leaking the document alone reveals
// nothing.
package secrets

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gtank/cryptopasta"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"lancache.dev/warden/manager/state"
	"lancache.dev/warden/private/atomicfile"
)

var (
	// Error is the default error class for the secrets package.
	Error = errs.Class("secrets")

	mon = monkit.Package()
)

const (
	subdirName      = "steam_auth"
	keyFilename     = "key"
	sealedFilename  = "credentials.json"
	envelopeVersion = 1

	// keyLabel separates this derivation from any future use of the
	// same master key. Changing it invalidates every sealed document.
	keyLabel = "warden steam credentials v1"
)

// Mode says how the catalog session authenticates.
type Mode string

const (
	// ModeAnonymous logs on without an account.
	ModeAnonymous Mode = "anonymous"
	// ModeAccount logs on with a stored refresh token.
	ModeAccount Mode = "account"
)

// Credentials is the plaintext shape of the sealed document.
type Credentials struct {
	Mode              Mode       `json:"mode"`
	Username          string     `json:"username,omitempty"`
	RefreshToken      string     `json:"refreshToken,omitempty"`
	LastAuthenticated *time.Time `json:"lastAuthenticated,omitempty"`
}

// Anonymous returns the credentials used when nothing is stored.
func Anonymous() Credentials {
	return Credentials{Mode: ModeAnonymous}
}

// envelope is the on-disk wrapper; Sealed carries the AES-GCM box,
// base64 encoded by encoding/json.
type envelope struct {
	Version int    `json:"version"`
	Sealed  []byte `json:"sealed"`
}

// Store seals and unseals the credential document.
//
// architecture: Database
type Store struct {
	log *zap.Logger
	dir string
	key *[32]byte

	mu      sync.Mutex
	current Credentials
}

// Open prepares the credential directory, loads or creates the master
// key and unseals any stored document. Credentials still sitting in
// the legacy state document are sealed here and removed from it.
func Open(ctx context.Context, log *zap.Logger, dataDir string, legacy *state.Store) (*Store, error) {
	store := &Store{
		log:     log,
		dir:     filepath.Join(dataDir, subdirName),
		current: Anonymous(),
	}

	if err := os.MkdirAll(store.dir, 0o700); err != nil {
		return nil, Error.Wrap(err)
	}

	master, err := store.loadOrCreateMasterKey()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	store.key, err = deriveKey(master)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if err := store.load(); err != nil {
		return nil, err
	}

	if legacy != nil {
		if err := store.migrateLegacy(ctx, legacy); err != nil {
			return nil, err
		}
	}

	return store, nil
}

// Get returns the stored credentials, anonymous when none are stored.
func (store *Store) Get() Credentials {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.current
}

// Set seals creds to disk and makes them current.
func (store *Store) Set(ctx context.Context, creds Credentials) (err error) {
	defer mon.Task()(&ctx)(&err)

	if creds.Mode == "" {
		creds.Mode = ModeAnonymous
	}

	plaintext, err := json.Marshal(creds)
	if err != nil {
		return Error.Wrap(err)
	}
	sealed, err := cryptopasta.Encrypt(plaintext, store.key)
	if err != nil {
		return Error.Wrap(err)
	}
	data, err := json.Marshal(envelope{Version: envelopeVersion, Sealed: sealed})
	if err != nil {
		return Error.Wrap(err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if err := atomicfile.Write(filepath.Join(store.dir, sealedFilename), data, 0o600); err != nil {
		return Error.Wrap(err)
	}
	store.current = creds
	return nil
}

// Clear removes any stored credentials; Get returns anonymous
// afterwards.
func (store *Store) Clear(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	store.mu.Lock()
	defer store.mu.Unlock()

	err = os.Remove(filepath.Join(store.dir, sealedFilename))
	if err != nil && !os.IsNotExist(err) {
		return Error.Wrap(err)
	}
	store.current = Anonymous()
	return nil
}

func (store *Store) load() error {
	data, err := os.ReadFile(filepath.Join(store.dir, sealedFilename))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return Error.Wrap(err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		store.log.Warn("sealed credentials are unreadable, treating as absent", zap.Error(err))
		return nil
	}
	if env.Version != envelopeVersion {
		store.log.Warn("sealed credentials have unknown version, treating as absent",
			zap.Int("version", env.Version))
		return nil
	}

	plaintext, err := cryptopasta.Decrypt(env.Sealed, store.key)
	if err != nil {
		store.log.Warn("sealed credentials failed to unseal, treating as absent", zap.Error(err))
		return nil
	}

	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		store.log.Warn("sealed credentials decode failed, treating as absent", zap.Error(err))
		return nil
	}
	store.current = creds
	return nil
}

// migrateLegacy seals credentials found in the state document and
// clears the slot there. A document already sealed on disk wins over
// the legacy copy.
func (store *Store) migrateLegacy(ctx context.Context, legacy *state.Store) error {
	slot := legacy.Get().LegacySteamAuth
	if slot == nil {
		return nil
	}

	if store.current.Mode == Anonymous().Mode && store.current.RefreshToken == "" {
		creds := Credentials{
			Mode:              Mode(slot.Mode),
			Username:          slot.Username,
			RefreshToken:      slot.RefreshToken,
			LastAuthenticated: slot.LastAuthenticated,
		}
		if creds.Mode == "" {
			if creds.RefreshToken != "" || creds.Username != "" {
				creds.Mode = ModeAccount
			} else {
				creds.Mode = ModeAnonymous
			}
		}
		if err := store.Set(ctx, creds); err != nil {
			return err
		}
		store.log.Info("migrated catalog credentials out of the state document")
	}

	return legacy.Update(ctx, func(s *state.AppState) {
		s.LegacySteamAuth = nil
	})
}

func (store *Store) loadOrCreateMasterKey() ([]byte, error) {
	path := filepath.Join(store.dir, keyFilename)

	master, err := os.ReadFile(path)
	if err == nil {
		if len(master) != 32 {
			return nil, Error.New("master key has %d bytes, want 32", len(master))
		}
		return master, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	master = make([]byte, 32)
	if _, err := rand.Read(master); err != nil {
		return nil, err
	}
	if err := atomicfile.Write(path, master, 0o600); err != nil {
		return nil, err
	}
	store.log.Info("created credential master key", zap.String("path", path))
	return master, nil
}

func deriveKey(master []byte) (*[32]byte, error) {
	var key [32]byte
	kdf := hkdf.New(sha256.New, master, nil, []byte(keyLabel))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return nil, err
	}
	return &key, nil
}
