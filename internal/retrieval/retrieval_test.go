package retrieval

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/taskmesh/engine/internal/embedcache"
	"github.com/taskmesh/engine/internal/embedding"
	"github.com/taskmesh/engine/internal/model"
	"github.com/taskmesh/engine/internal/repository"
)

func newTestRepo(t *testing.T) *repository.Repository {
	t.Helper()
	db, err := repository.OpenDB(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return repository.New(db, 50, nil)
}

func newTestEmbedder(t *testing.T) *embedding.Service {
	t.Helper()
	cache := embedcache.New(100, filepath.Join(t.TempDir(), "embed.db"))
	t.Cleanup(func() { cache.ClearMemory() })
	provider := embedding.NewMockProvider("test-model", 8)
	return embedding.New(provider, cache, 16, nil)
}

func unitVector(dim int, hot int) []float32 {
	v := make([]float32, dim)
	v[hot%dim] = 1.0
	return v
}

func TestRetrieveRanksByCosineSimilarity(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	query, _ := r.CreateTask(ctx, nil, "query", model.StatusPending, 0, model.TaskTypeAtomic, nil)
	close_, _ := r.CreateTask(ctx, nil, "close", model.StatusPending, 0, model.TaskTypeAtomic, nil)
	far, _ := r.CreateTask(ctx, nil, "far", model.StatusPending, 0, model.TaskTypeAtomic, nil)

	if err := r.StoreTaskEmbedding(ctx, query, unitVector(4, 0), "test-model"); err != nil {
		t.Fatalf("store query embedding: %v", err)
	}
	if err := r.StoreTaskEmbedding(ctx, close_, []float32{0.9, 0.1, 0, 0}, "test-model"); err != nil {
		t.Fatalf("store close embedding: %v", err)
	}
	if err := r.StoreTaskEmbedding(ctx, far, unitVector(4, 2), "test-model"); err != nil {
		t.Fatalf("store far embedding: %v", err)
	}

	results, err := Retrieve(ctx, r, newTestEmbedder(t), nil, Query{
		TaskID: &query, ModelName: "test-model", K: 5, MinSimilarity: -1,
	})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(results))
	}
	if results[0].TaskID != close_ {
		t.Fatalf("expected the near-identical vector to rank first, got task %d", results[0].TaskID)
	}
	if results[0].Similarity <= results[1].Similarity {
		t.Fatalf("expected descending similarity order")
	}
}

func TestRetrieveSkipsInvalidVectorWithoutFailing(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	query, _ := r.CreateTask(ctx, nil, "query", model.StatusPending, 0, model.TaskTypeAtomic, nil)
	bad, _ := r.CreateTask(ctx, nil, "bad", model.StatusPending, 0, model.TaskTypeAtomic, nil)
	good, _ := r.CreateTask(ctx, nil, "good", model.StatusPending, 0, model.TaskTypeAtomic, nil)

	_ = r.StoreTaskEmbedding(ctx, query, unitVector(4, 0), "test-model")
	_ = r.StoreTaskEmbedding(ctx, bad, []float32{1, 2}, "test-model") // wrong dimension
	_ = r.StoreTaskEmbedding(ctx, good, unitVector(4, 0), "test-model")

	results, err := Retrieve(ctx, r, newTestEmbedder(t), nil, Query{
		TaskID: &query, ModelName: "test-model", K: 5, MinSimilarity: -1,
	})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 1 || results[0].TaskID != good {
		t.Fatalf("expected the malformed candidate to be skipped, got %+v", results)
	}
}

func TestRetrieveWithStructuralPriorBoostsRequiresNeighbor(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	query, _ := r.CreateTask(ctx, nil, "query", model.StatusPending, 0, model.TaskTypeAtomic, nil)
	dep, _ := r.CreateTask(ctx, nil, "dep", model.StatusPending, 0, model.TaskTypeAtomic, nil)
	unrelated, _ := r.CreateTask(ctx, nil, "unrelated", model.StatusPending, 0, model.TaskTypeAtomic, nil)

	if err := r.CreateLink(ctx, dep, query, model.LinkRequires, 0); err != nil {
		t.Fatalf("create link: %v", err)
	}

	_ = r.StoreTaskEmbedding(ctx, query, unitVector(4, 0), "test-model")
	// both candidates share the exact same (middling) similarity to query
	_ = r.StoreTaskEmbedding(ctx, dep, []float32{0.7, 0.7, 0, 0}, "test-model")
	_ = r.StoreTaskEmbedding(ctx, unrelated, []float32{0.7, 0.7, 0, 0}, "test-model")

	results, err := Retrieve(ctx, r, newTestEmbedder(t), nil, Query{
		TaskID: &query, ModelName: "test-model", K: 5, MinSimilarity: -1,
		UseStructuralPrior: true, StructuralAlpha: 0.5,
	})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(results))
	}
	if results[0].TaskID != dep {
		t.Fatalf("expected the requires-linked dependency to rank first after structural blend, got %d", results[0].TaskID)
	}
	if results[0].StructuralWeight == nil || *results[0].StructuralWeight <= 0 {
		t.Fatalf("expected a positive structural weight for the linked candidate")
	}
}

func TestRetrieveWithAttentionRerankRunsWithoutError(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	query, _ := r.CreateTask(ctx, nil, "query", model.StatusPending, 5, model.TaskTypeAtomic, nil)
	child, _ := r.CreateTask(ctx, &query, "child", model.StatusPending, 3, model.TaskTypeAtomic, nil)

	_ = r.StoreTaskEmbedding(ctx, query, unitVector(4, 0), "test-model")
	_ = r.StoreTaskEmbedding(ctx, child, []float32{0.8, 0.2, 0, 0}, "test-model")

	results, err := Retrieve(ctx, r, newTestEmbedder(t), nil, Query{
		TaskID: &query, ModelName: "test-model", K: 5, MinSimilarity: -1,
		UseAttention: true, AttentionAlpha: 0.4,
	})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 1 || results[0].AttentionScore == nil {
		t.Fatalf("expected one reranked result carrying an attention score, got %+v", results)
	}
}

func TestSubgraphCacheServesRepeatedQuery(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	query, _ := r.CreateTask(ctx, nil, "query", model.StatusPending, 0, model.TaskTypeAtomic, nil)
	dep, _ := r.CreateTask(ctx, nil, "dep", model.StatusPending, 0, model.TaskTypeAtomic, nil)
	if err := r.CreateLink(ctx, dep, query, model.LinkRequires, 0); err != nil {
		t.Fatalf("create link: %v", err)
	}

	cache := NewSubgraphCache(8)
	first, err := cache.ComputeStructureWeights(ctx, r, query, []int64{dep})
	if err != nil {
		t.Fatalf("compute weights: %v", err)
	}
	second, err := cache.ComputeStructureWeights(ctx, r, query, []int64{dep})
	if err != nil {
		t.Fatalf("compute weights (cached): %v", err)
	}
	if first[dep] != second[dep] {
		t.Fatalf("expected cached structural weight to match the first computation")
	}
}
