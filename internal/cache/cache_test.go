package cache

import (
	"path/filepath"
	"testing"
	"time"

	"go.etcd.io/bbolt"
)

func TestCacheMemoryOnlyGetSet(t *testing.T) {
	c := New(2, time.Minute, 0)
	defer c.Close()

	c.Set("a", []byte("1"), 0)
	v, ok := c.Get("a")
	if !ok || string(v) != "1" {
		t.Fatalf("expected hit with value 1, got %v %v", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatalf("expected miss for unknown key")
	}
}

func TestCacheEvictsLRU(t *testing.T) {
	c := New(2, time.Minute, 0)
	defer c.Close()

	c.Set("a", []byte("1"), 0)
	time.Sleep(time.Millisecond)
	c.Set("b", []byte("2"), 0)
	// touch a so it is more recently used than b
	time.Sleep(time.Millisecond)
	c.Get("a")
	time.Sleep(time.Millisecond)
	c.Set("c", []byte("3"), 0)

	if _, ok := c.Get("b"); ok {
		t.Fatalf("expected b to be evicted as least recently used")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected a to survive eviction")
	}
	if st := c.Stats(); st.Evictions != 1 {
		t.Fatalf("expected 1 eviction, got %d", st.Evictions)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := New(10, 20*time.Millisecond, 0)
	defer c.Close()

	c.Set("a", []byte("1"), 0)
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected fresh hit")
	}
	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected entry to have expired")
	}
}

func TestCachePersistentTierHydration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("open bbolt: %v", err)
	}
	defer db.Close()

	c := New(10, time.Minute, 0, WithPersistentStore(db, "test_cache"))
	defer c.Close()

	c.Set("k", []byte("persisted"), 0)
	c.Clear() // drop memory tier, force a persistent-tier read

	v, ok := c.Get("k")
	if !ok || string(v) != "persisted" {
		t.Fatalf("expected hydration from persistent tier, got %v %v", v, ok)
	}
	if st := c.Stats(); st.Hits == 0 {
		t.Fatalf("expected at least one recorded hit")
	}
}

func TestCacheGetOrCompute(t *testing.T) {
	c := New(10, time.Minute, 0)
	defer c.Close()

	calls := 0
	compute := func() ([]byte, error) {
		calls++
		return []byte("computed"), nil
	}

	v, err := c.GetOrCompute("x", 0, compute)
	if err != nil || string(v) != "computed" {
		t.Fatalf("unexpected result: %v %v", v, err)
	}
	v, err = c.GetOrCompute("x", 0, compute)
	if err != nil || string(v) != "computed" {
		t.Fatalf("unexpected result on second call: %v %v", v, err)
	}
	if calls != 1 {
		t.Fatalf("expected compute to run once, ran %d times", calls)
	}
}
