package cache

import (
	"encoding/json"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/taskmesh/engine/internal/model"
)

// persistedEntry is the on-disk encoding of a model.CacheEntry. Value is
// stored raw; the rest round-trips through JSON for readability with
// bbolt's CLI inspection tools.
type persistedEntry struct {
	Value        []byte        `json:"value"`
	TTL          time.Duration `json:"ttl"`
	CreatedAt    time.Time     `json:"created_at"`
	LastAccessed time.Time     `json:"last_accessed"`
	AccessCount  int64         `json:"access_count"`
}

// loadPersistent reads k from the bbolt bucket. Any error, including a
// missing bucket or malformed row, is logged and treated as a miss so that
// persistent-tier problems never fail a Get (per the cache's degrade-to-
// memory-only contract).
func (c *Cache) loadPersistent(k string) (*model.CacheEntry, bool) {
	var entry *model.CacheEntry
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(c.bucket)
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(k))
		if raw == nil {
			return nil
		}
		var pe persistedEntry
		if err := json.Unmarshal(raw, &pe); err != nil {
			return err
		}
		entry = &model.CacheEntry{
			Key: k, Value: pe.Value, TTL: pe.TTL,
			CreatedAt: pe.CreatedAt, LastAccessed: pe.LastAccessed,
			AccessCount: pe.AccessCount,
		}
		return nil
	})
	if err != nil {
		slog.Warn("cache: persistent read failed, treating as miss", "key", k, "error", err)
		return nil, false
	}
	return entry, entry != nil
}

// savePersistent writes entry to the bbolt bucket. Failures are logged; the
// in-memory tier has already been updated by the caller so the write
// continues to serve from memory regardless.
func (c *Cache) savePersistent(entry *model.CacheEntry) {
	pe := persistedEntry{
		Value: entry.Value, TTL: entry.TTL,
		CreatedAt: entry.CreatedAt, LastAccessed: entry.LastAccessed,
		AccessCount: entry.AccessCount,
	}
	raw, err := json.Marshal(pe)
	if err != nil {
		slog.Warn("cache: failed to encode entry for persistence", "key", entry.Key, "error", err)
		return
	}
	err = c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(c.bucket)
		if b == nil {
			var err error
			b, err = tx.CreateBucketIfNotExists(c.bucket)
			if err != nil {
				return err
			}
		}
		return b.Put([]byte(entry.Key), raw)
	})
	if err != nil {
		slog.Warn("cache: persistent write failed", "key", entry.Key, "error", err)
	}
}

func (c *Cache) deletePersistent(k string) {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(c.bucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(k))
	})
	if err != nil {
		slog.Warn("cache: persistent delete failed", "key", k, "error", err)
	}
}

// sweepExpiredPersistent scans the bucket for expired rows and removes them.
// Run by the housekeeper, outside of c.mu.
func (c *Cache) sweepExpiredPersistent() {
	now := time.Now()
	var expired [][]byte
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(c.bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var pe persistedEntry
			if err := json.Unmarshal(v, &pe); err != nil {
				return nil
			}
			if pe.TTL > 0 && now.Sub(pe.CreatedAt) >= pe.TTL {
				key := make([]byte, len(k))
				copy(key, k)
				expired = append(expired, key)
			}
			return nil
		})
	})
	if err != nil {
		slog.Warn("cache: persistent sweep scan failed", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}
	err = c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(c.bucket)
		if b == nil {
			return nil
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		slog.Warn("cache: persistent sweep delete failed", "error", err)
	}
}
