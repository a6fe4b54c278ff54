// Package cache implements a generic two-tier key/value cache: a
// thread-safe in-memory LRU layered over a persistent bbolt-backed tier
// with TTL and LRU eviction. Grounded on orchestrator_src/dag_engine.go's
// ResultCache (in-memory LRU + ticker cleanup) and persistence.go's
// WorkflowStore (bbolt persistence, bucket-per-entity, cache-then-store
// reads), generalized into a reusable KV layer.
package cache

import (
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/taskmesh/engine/internal/model"
)

var bucketName = []byte("kv_cache")

// Stats holds cumulative cache statistics.
type Stats struct {
	Hits          int64
	Misses        int64
	Evictions     int64
	TotalRequests int64
}

// HitRate returns the fraction of requests answered from either tier.
func (s Stats) HitRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.TotalRequests)
}

// Cache is a thread-safe two-tier key/value cache: an in-memory map guarded
// by an RWMutex, backed by a persistent bbolt bucket. Reads are satisfied
// from memory whenever possible; writes update both tiers from the caller's
// point of view. A background housekeeper evicts expired entries from both
// tiers without holding the in-memory lock across persistent I/O.
type Cache struct {
	mu         sync.RWMutex
	mem        map[string]*model.CacheEntry
	maxSize    int
	defaultTTL time.Duration

	db     *bbolt.DB // nil disables the persistent tier
	bucket []byte

	statsMu sync.Mutex
	stats   Stats

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithPersistentStore attaches a bbolt database as the persistent tier.
// A dedicated bucket (default "kv_cache") is created if absent.
func WithPersistentStore(db *bbolt.DB, bucket string) Option {
	return func(c *Cache) {
		c.db = db
		if bucket != "" {
			c.bucket = []byte(bucket)
		}
	}
}

// New constructs a Cache with the given max in-memory size, default TTL,
// and housekeeping interval. If no persistent store is attached the cache
// behaves as memory-only.
func New(maxSize int, defaultTTL, cleanupInterval time.Duration, opts ...Option) *Cache {
	c := &Cache{
		mem:        make(map[string]*model.CacheEntry),
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		bucket:     bucketName,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.db != nil {
		if err := c.db.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(c.bucket)
			return err
		}); err != nil {
			slog.Warn("cache: failed to create persistent bucket, degrading to memory-only", "error", err)
			c.db = nil
		}
	}
	if cleanupInterval > 0 {
		go c.housekeeper(cleanupInterval)
	} else {
		close(c.doneCh)
	}
	return c
}

// Get returns the value for k. Memory is checked first; on a fresh hit the
// entry's access metadata is updated and the value returned. On an expired
// memory entry the entry is dropped and the persistent tier is consulted.
// A persistent-tier error never fails the read: it is logged and treated
// as a miss.
func (c *Cache) Get(k string) ([]byte, bool) {
	now := time.Now()
	c.statsMu.Lock()
	c.stats.TotalRequests++
	c.statsMu.Unlock()

	c.mu.Lock()
	if e, ok := c.mem[k]; ok {
		if !e.IsExpired(now) {
			e.LastAccessed = now
			e.AccessCount++
			v := e.Value
			c.mu.Unlock()
			c.recordHit()
			return v, true
		}
		delete(c.mem, k)
	}
	c.mu.Unlock()

	if c.db == nil {
		c.recordMiss()
		return nil, false
	}

	entry, ok := c.loadPersistent(k)
	if !ok {
		c.recordMiss()
		return nil, false
	}
	if entry.IsExpired(now) {
		c.deletePersistent(k)
		c.recordMiss()
		return nil, false
	}
	entry.LastAccessed = now
	entry.AccessCount++
	c.hydrateMemory(k, entry)
	c.recordHit()
	return entry.Value, true
}

// Set writes k/v to both tiers. ttl of zero uses the cache's default TTL;
// a negative ttl means the entry never expires.
func (c *Cache) Set(k string, v []byte, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	if ttl < 0 {
		ttl = 0
	}
	now := time.Now()
	entry := &model.CacheEntry{
		Key: k, Value: v, TTL: ttl,
		CreatedAt: now, LastAccessed: now, AccessCount: 1,
	}

	c.mu.Lock()
	if _, exists := c.mem[k]; !exists && len(c.mem) >= c.maxSize {
		c.evictLocked()
	}
	c.mem[k] = entry
	c.mu.Unlock()

	if c.db != nil {
		c.savePersistent(entry)
	}
}

// Delete removes k from both tiers.
func (c *Cache) Delete(k string) {
	c.mu.Lock()
	delete(c.mem, k)
	c.mu.Unlock()
	if c.db != nil {
		c.deletePersistent(k)
	}
}

// Clear empties the in-memory tier. The persistent tier is left intact so a
// restart can warm the cache again; callers needing full erasure should
// delete keys explicitly.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.mem = make(map[string]*model.CacheEntry)
	c.mu.Unlock()
}

// GetOrCompute returns the cached value for k, computing and storing it via
// fn on a miss.
func (c *Cache) GetOrCompute(k string, ttl time.Duration, fn func() ([]byte, error)) ([]byte, error) {
	if v, ok := c.Get(k); ok {
		return v, nil
	}
	v, err := fn()
	if err != nil {
		return nil, err
	}
	c.Set(k, v, ttl)
	return v, nil
}

// Stats returns a snapshot of cumulative cache statistics.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// Close stops the background housekeeper and waits for it to exit.
func (c *Cache) Close() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	<-c.doneCh
}

func (c *Cache) recordHit() {
	c.statsMu.Lock()
	c.stats.Hits++
	c.statsMu.Unlock()
}

func (c *Cache) recordMiss() {
	c.statsMu.Lock()
	c.stats.Misses++
	c.statsMu.Unlock()
}

// evictLocked removes the least-recently-accessed entry. Caller holds c.mu.
func (c *Cache) evictLocked() {
	var oldestKey string
	var oldestTime time.Time
	for k, e := range c.mem {
		if oldestKey == "" || e.LastAccessed.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.LastAccessed
		}
	}
	if oldestKey != "" {
		delete(c.mem, oldestKey)
		c.statsMu.Lock()
		c.stats.Evictions++
		c.statsMu.Unlock()
	}
}

func (c *Cache) hydrateMemory(k string, e *model.CacheEntry) {
	c.mu.Lock()
	if len(c.mem) >= c.maxSize {
		c.evictLocked()
	}
	c.mem[k] = e
	c.mu.Unlock()
}

// housekeeper periodically removes expired entries from both tiers. It never
// holds c.mu across persistent I/O.
func (c *Cache) housekeeper(interval time.Duration) {
	defer close(c.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweepExpiredMemory()
			if c.db != nil {
				c.sweepExpiredPersistent()
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache) sweepExpiredMemory() {
	now := time.Now()
	c.mu.Lock()
	for k, e := range c.mem {
		if e.IsExpired(now) {
			delete(c.mem, k)
		}
	}
	c.mu.Unlock()
}
