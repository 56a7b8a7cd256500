package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/scriba/internal/models"
)

const cachePrefix = "cache:result:"

// ResultCache stores completed transcripts keyed by content fingerprint,
// with expiry handled by Badger's native entry TTL. The TTL is fixed at
// write time; reads do not renew it.
type ResultCache struct {
	db     *BadgerDB
	ttl    time.Duration
	logger arbor.ILogger
}

// NewResultCache creates a new ResultCache instance
func NewResultCache(db *BadgerDB, ttl time.Duration, logger arbor.ILogger) *ResultCache {
	return &ResultCache{
		db:     db,
		ttl:    ttl,
		logger: logger,
	}
}

func cacheKey(fingerprint string) []byte {
	return []byte(cachePrefix + fingerprint)
}

// Put stores a transcript under its fingerprint. Publishing the same
// fingerprint twice overwrites with an identical value, so last-write-wins
// is harmless.
func (c *ResultCache) Put(ctx context.Context, fingerprint string, transcript *models.Transcript) error {
	data, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript: %w", err)
	}

	err = c.db.Badger().Update(func(tx *badgerdb.Txn) error {
		entry := badgerdb.NewEntry(cacheKey(fingerprint), data).WithTTL(c.ttl)
		return tx.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to cache result for %s: %w", fingerprint, err)
	}

	c.logger.Debug().
		Str("fingerprint", fingerprint).
		Dur("ttl", c.ttl).
		Msg("Transcript cached")
	return nil
}

// Get returns the cached transcript for a fingerprint, or
// models.ErrCacheMiss when absent or expired.
func (c *ResultCache) Get(ctx context.Context, fingerprint string) (*models.Transcript, error) {
	var transcript models.Transcript

	err := c.db.Badger().View(func(tx *badgerdb.Txn) error {
		item, err := tx.Get(cacheKey(fingerprint))
		if err != nil {
			if err == badgerdb.ErrKeyNotFound {
				return models.ErrCacheMiss
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &transcript)
		})
	})
	if err != nil {
		if err == models.ErrCacheMiss {
			return nil, models.ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to read cached result for %s: %w", fingerprint, err)
	}

	return &transcript, nil
}

// Delete removes a cached transcript. Missing entries are not an error.
func (c *ResultCache) Delete(ctx context.Context, fingerprint string) error {
	err := c.db.Badger().Update(func(tx *badgerdb.Txn) error {
		return tx.Delete(cacheKey(fingerprint))
	})
	if err != nil && err != badgerdb.ErrKeyNotFound {
		return fmt.Errorf("failed to delete cached result for %s: %w", fingerprint, err)
	}
	return nil
}
