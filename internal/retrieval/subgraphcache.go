package retrieval

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/taskmesh/engine/internal/repository"
)

// SubgraphCache memoizes structural-weight computations by a hash of the
// (query, candidate set) pair, since the same candidate pool is frequently
// rescored across nearby queries within one retrieval session.
type SubgraphCache struct {
	mu      sync.Mutex
	maxSize int
	entries map[uint64]map[int64]float64
	order   []uint64
}

// NewSubgraphCache returns a cache holding at most maxSize distinct
// (query, candidate-set) keys, evicted oldest-first.
func NewSubgraphCache(maxSize int) *SubgraphCache {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &SubgraphCache{maxSize: maxSize, entries: make(map[uint64]map[int64]float64)}
}

func subgraphKey(queryID int64, candidateIDs []int64) uint64 {
	sorted := append([]int64(nil), candidateIDs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	buf := make([]byte, 8*(len(sorted)+1))
	binary.LittleEndian.PutUint64(buf[:8], uint64(queryID))
	for i, id := range sorted {
		binary.LittleEndian.PutUint64(buf[8*(i+1):8*(i+2)], uint64(id))
	}
	return murmur3.Sum64(buf)
}

// ComputeStructureWeights behaves like the package-level function of the
// same name, but serves a cached result when this exact (query, candidate
// set) pair was scored before.
func (c *SubgraphCache) ComputeStructureWeights(ctx context.Context, repo *repository.Repository, queryID int64, candidateIDs []int64) (map[int64]float64, error) {
	key := subgraphKey(queryID, candidateIDs)

	c.mu.Lock()
	if cached, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	weights, err := ComputeStructureWeights(ctx, repo, queryID, candidateIDs)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		if len(c.order) >= c.maxSize {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = weights
	return weights, nil
}
