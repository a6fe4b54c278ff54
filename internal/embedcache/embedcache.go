// Package embedcache implements an embedding-specific cache: an in-memory
// tier keyed by sha256(model:text), backed by a persistent badger store,
// with batch get/put that preserves caller ordering and reports which
// indices missed. Grounded on the badger-backed key/value store used
// elsewhere in the engine for the persistent-tier shape, and on the
// original embedding cache's locking and LRU-eviction semantics.
package embedcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Entry is one cached embedding row.
type Entry struct {
	TextHash     string
	Model        string
	Vector       []float32
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
}

// Stats summarizes the cache's current state.
type Stats struct {
	MemorySize        int
	MemoryLimit       int
	PersistentEnabled bool
	PersistentSize    int64
}

// Cache is a thread-safe embedding cache with an in-memory LRU tier and an
// optional persistent badger tier.
type Cache struct {
	mu          sync.RWMutex
	mem         map[string]*Entry
	memLimit    int
	db          *badger.DB // nil disables the persistent tier
	persistent  bool
}

// New constructs a Cache with the given in-memory entry limit. If dbPath is
// non-empty a badger database is opened there as the persistent tier; a
// failure to open degrades to memory-only and is logged, never returned as
// an error, since the cache is always usable without its persistent tier.
func New(memLimit int, dbPath string) *Cache {
	c := &Cache{
		mem:      make(map[string]*Entry),
		memLimit: memLimit,
	}
	if dbPath == "" {
		return c
	}
	opts := badger.DefaultOptions(dbPath).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		slog.Warn("embedcache: failed to open persistent store, degrading to memory-only", "path", dbPath, "error", err)
		return c
	}
	c.db = db
	c.persistent = true
	return c
}

// Close releases the persistent store, if any.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func textHash(model, text string) string {
	sum := sha256.Sum256([]byte(model + ":" + text))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached vector for text under model, checking memory first
// and the persistent tier on a memory miss.
func (c *Cache) Get(model, text string) ([]float32, bool) {
	if text == "" {
		return nil, false
	}
	hash := textHash(model, text)
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.mem[hash]; ok {
		e.AccessCount++
		e.LastAccessed = now
		v := append([]float32(nil), e.Vector...)
		c.mu.Unlock()
		return v, true
	}
	c.mu.Unlock()

	if !c.persistent {
		return nil, false
	}
	return c.getFromPersistent(hash, model, now)
}

// Put stores vector for text under model in both tiers.
func (c *Cache) Put(model, text string, vector []float32) {
	if text == "" || len(vector) == 0 {
		return
	}
	hash := textHash(model, text)
	now := time.Now()
	entry := &Entry{
		TextHash: hash, Model: model, Vector: append([]float32(nil), vector...),
		CreatedAt: now, LastAccessed: now, AccessCount: 1,
	}

	c.mu.Lock()
	c.addLocked(entry)
	c.mu.Unlock()

	if c.persistent {
		c.saveToPersistent(entry)
	}
}

func (c *Cache) addLocked(e *Entry) {
	if _, exists := c.mem[e.TextHash]; !exists && len(c.mem) >= c.memLimit {
		c.evictLocked()
	}
	c.mem[e.TextHash] = e
}

// evictLocked drops the entry with the lowest (access count, last accessed)
// pair, matching the original's LRU-with-frequency tiebreak. Caller holds c.mu.
func (c *Cache) evictLocked() {
	var victim string
	var victimCount int64
	var victimTime time.Time
	first := true
	for k, e := range c.mem {
		if first || e.AccessCount < victimCount || (e.AccessCount == victimCount && e.LastAccessed.Before(victimTime)) {
			victim, victimCount, victimTime = k, e.AccessCount, e.LastAccessed
			first = false
		}
	}
	if victim != "" {
		delete(c.mem, victim)
	}
}

// GetBatch returns a vector per text (nil where missing) along with the
// indices that missed, so the caller can compute embeddings only for those.
func (c *Cache) GetBatch(model string, texts []string) ([][]float32, []int) {
	results := make([][]float32, len(texts))
	var misses []int
	for i, t := range texts {
		if v, ok := c.Get(model, t); ok {
			results[i] = v
		} else {
			misses = append(misses, i)
		}
	}
	return results, misses
}

// PutBatch stores a parallel slice of texts and vectors.
func (c *Cache) PutBatch(model string, texts []string, vectors [][]float32) {
	n := len(texts)
	if len(vectors) < n {
		n = len(vectors)
	}
	for i := 0; i < n; i++ {
		c.Put(model, texts[i], vectors[i])
	}
}

// Stats returns a snapshot of cache occupancy.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	st := Stats{
		MemorySize:        len(c.mem),
		MemoryLimit:       c.memLimit,
		PersistentEnabled: c.persistent,
	}
	c.mu.RUnlock()
	if c.persistent {
		st.PersistentSize = c.persistentCount()
	}
	return st
}

// ClearMemory empties the in-memory tier only.
func (c *Cache) ClearMemory() {
	c.mu.Lock()
	c.mem = make(map[string]*Entry)
	c.mu.Unlock()
}

type persistedRow struct {
	Model        string    `json:"model"`
	Vector       []float32 `json:"vector"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int64     `json:"access_count"`
}

func (c *Cache) getFromPersistent(hash, model string, now time.Time) ([]float32, bool) {
	var row persistedRow
	found := false
	err := c.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(hash))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(val, &row); err != nil {
			return err
		}
		if row.Model != model {
			return nil
		}
		found = true
		row.AccessCount++
		row.LastAccessed = now
		enc, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return txn.Set([]byte(hash), enc)
	})
	if err != nil {
		slog.Warn("embedcache: persistent read failed, treating as miss", "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	c.mu.Lock()
	c.addLocked(&Entry{
		TextHash: hash, Model: row.Model, Vector: row.Vector,
		CreatedAt: row.CreatedAt, LastAccessed: row.LastAccessed, AccessCount: row.AccessCount,
	})
	c.mu.Unlock()
	return append([]float32(nil), row.Vector...), true
}

func (c *Cache) saveToPersistent(e *Entry) {
	row := persistedRow{
		Model: e.Model, Vector: e.Vector,
		CreatedAt: e.CreatedAt, LastAccessed: e.LastAccessed, AccessCount: e.AccessCount,
	}
	enc, err := json.Marshal(row)
	if err != nil {
		slog.Warn("embedcache: failed to encode entry", "error", err)
		return
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(e.TextHash), enc)
	})
	if err != nil {
		slog.Warn("embedcache: persistent write failed", "error", err)
	}
}

func (c *Cache) persistentCount() int64 {
	var n int64
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		slog.Warn("embedcache: persistent count failed", "error", err)
		return 0
	}
	return n
}
