// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package storefront

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/boltdb/bolt"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// cacheTTL is how long a store answer stays valid. Negative answers
// are cached too so unknown apps don't get refetched every run.
const cacheTTL = 7 * 24 * time.Hour

var infoBucket = []byte("gameinfo")

// cacheEntry is the stored value; Known is false for apps the store
// did not recognize.
type cacheEntry struct {
	Info      Info      `json:"info"`
	Known     bool      `json:"known"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Cache wraps an API with a bolt-backed TTL cache.
//
// architecture: Database
type Cache struct {
	log *zap.Logger
	db  *bolt.DB
	api API
}

// OpenCache opens (or creates) the cache file and wraps api.
func OpenCache(log *zap.Logger, path string, api API) (*Cache, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(infoBucket)
		return err
	})
	if err != nil {
		return nil, errs.Combine(Error.Wrap(err), db.Close())
	}
	return &Cache{log: log, db: db, api: api}, nil
}

// Close closes the cache file.
func (cache *Cache) Close() error {
	return Error.Wrap(cache.db.Close())
}

// GameInfo implements API, answering from the cache when the entry is
// fresh. Upstream failures fall back to a stale entry when one exists.
func (cache *Cache) GameInfo(ctx context.Context, appID uint32) (_ Info, _ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	entry, found := cache.lookup(appID)
	if found && time.Since(entry.FetchedAt) < cacheTTL {
		mon.Event("storefront_cache_hit")
		return entry.Info, entry.Known, nil
	}
	mon.Event("storefront_cache_miss")

	info, known, err := cache.api.GameInfo(ctx, appID)
	if err != nil {
		if found {
			cache.log.Debug("store lookup failed, serving stale cache entry",
				zap.Uint32("app", appID), zap.Error(err))
			return entry.Info, entry.Known, nil
		}
		return Info{}, false, err
	}

	cache.store(appID, cacheEntry{Info: info, Known: known, FetchedAt: time.Now().UTC()})
	return info, known, nil
}

func (cache *Cache) lookup(appID uint32) (entry cacheEntry, found bool) {
	err := cache.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(infoBucket).Get(cacheKey(appID))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		cache.log.Debug("unreadable cache entry", zap.Uint32("app", appID), zap.Error(err))
		return cacheEntry{}, false
	}
	return entry, found
}

func (cache *Cache) store(appID uint32, entry cacheEntry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	err = cache.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(infoBucket).Put(cacheKey(appID), raw)
	})
	if err != nil {
		cache.log.Debug("failed to cache store answer", zap.Uint32("app", appID), zap.Error(err))
	}
}

func cacheKey(appID uint32) []byte {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], appID)
	return key[:]
}
