package retrieval

import (
	"context"
	"log/slog"
	"math"
	"sort"

	"github.com/taskmesh/engine/internal/embedding"
	"github.com/taskmesh/engine/internal/repository"
)

// scoredCandidate is one pooled candidate before structural/attention blending.
type scoredCandidate struct {
	id  int64
	vec []float32
	sim float64
}

const (
	defaultStructuralAlpha = 0.3
	defaultAttentionAlpha  = 0.4
)

// Query describes one semantic retrieval request: either free text or an
// existing task id as the query point, over the embeddings of one model.
type Query struct {
	Text          string
	TaskID        *int64
	ModelName     string
	K             int
	MinSimilarity float64

	UseStructuralPrior bool
	StructuralAlpha    float64 // 0 selects defaultStructuralAlpha

	UseAttention   bool
	AttentionAlpha float64 // 0 selects defaultAttentionAlpha

	Cache *SubgraphCache // optional; memoizes structural-weight recomputation
}

// Result is one scored retrieval candidate.
type Result struct {
	TaskID           int64
	Similarity       float64
	StructuralWeight *float64
	AttentionScore   *float64
	CombinedScore    float64
}

// Strategy is left open for a non-embedding retrieval fallback (e.g.
// TF-IDF) to be plugged in later without reshaping callers. Nothing
// implements it; the package-level Retrieve function is the only
// retrieval path.
type Strategy interface {
	Retrieve(ctx context.Context, q Query) ([]Result, error)
}

// Retrieve runs the full pipeline: query vector, candidate cosine scoring,
// optional structural-prior blend, optional attention blend, top-k cut.
func Retrieve(ctx context.Context, repo *repository.Repository, embedder *embedding.Service, logger *slog.Logger, q Query) ([]Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if q.K <= 0 {
		q.K = 10
	}
	structAlpha := q.StructuralAlpha
	if structAlpha == 0 {
		structAlpha = defaultStructuralAlpha
	}
	attnAlpha := q.AttentionAlpha
	if attnAlpha == 0 {
		attnAlpha = defaultAttentionAlpha
	}

	queryVec, err := resolveQueryVector(ctx, repo, embedder, q)
	if err != nil {
		return nil, err
	}

	candidates, err := repo.GetTasksWithEmbeddings(ctx, q.ModelName)
	if err != nil {
		return nil, err
	}

	var pool []scoredCandidate
	for _, c := range candidates {
		if q.TaskID != nil && c.TaskID == *q.TaskID {
			continue
		}
		sim, ok := safeCosine(queryVec, c.Vector)
		if !ok {
			logger.Warn("retrieval: skipping candidate with invalid vector", "task_id", c.TaskID)
			continue
		}
		if sim < q.MinSimilarity {
			continue
		}
		pool = append(pool, scoredCandidate{id: c.TaskID, vec: c.Vector, sim: sim})
	}

	sort.Slice(pool, func(i, j int) bool {
		if pool[i].sim != pool[j].sim {
			return pool[i].sim > pool[j].sim
		}
		return pool[i].id < pool[j].id
	})
	cut := q.K * 2
	if cut < len(pool) {
		pool = pool[:cut]
	}

	final := make(map[int64]float64, len(pool))
	byID := make(map[int64]scoredCandidate, len(pool))
	for _, p := range pool {
		final[p.id] = p.sim
		byID[p.id] = p
	}

	var structural map[int64]float64
	if q.UseStructuralPrior && q.TaskID != nil && len(pool) > 0 {
		ids := idsOf(pool)
		if q.Cache != nil {
			structural, err = q.Cache.ComputeStructureWeights(ctx, repo, *q.TaskID, ids)
		} else {
			structural, err = ComputeStructureWeights(ctx, repo, *q.TaskID, ids)
		}
		if err != nil {
			return nil, err
		}
		for id, sim := range final {
			final[id] = (1-structAlpha)*sim + structAlpha*structural[id]
		}
	}

	var attention map[int64]float64
	if q.UseAttention && q.TaskID != nil && len(pool) > 0 {
		candVecs := make(map[int64][]float32, len(pool))
		for _, p := range pool {
			candVecs[p.id] = p.vec
		}
		attention, err = RerankWithAttention(ctx, repo, *q.TaskID, queryVec, candVecs, final, attnAlpha)
		if err != nil {
			return nil, err
		}
		final = attention
	}

	ids := idsOf(pool)
	sort.Slice(ids, func(i, j int) bool {
		if final[ids[i]] != final[ids[j]] {
			return final[ids[i]] > final[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if q.K < len(ids) {
		ids = ids[:q.K]
	}

	out := make([]Result, 0, len(ids))
	for _, id := range ids {
		r := Result{TaskID: id, Similarity: byID[id].sim, CombinedScore: final[id]}
		if structural != nil {
			v := structural[id]
			r.StructuralWeight = &v
		}
		if attention != nil {
			v := attention[id]
			r.AttentionScore = &v
		}
		out = append(out, r)
	}
	return out, nil
}

func resolveQueryVector(ctx context.Context, repo *repository.Repository, embedder *embedding.Service, q Query) ([]float32, error) {
	if q.TaskID != nil {
		emb, found, err := repo.GetTaskEmbedding(ctx, *q.TaskID, q.ModelName)
		if err != nil {
			return nil, err
		}
		if found {
			return emb.Vector, nil
		}
	}
	vecs, err := embedder.GetEmbeddings(ctx, []string{q.Text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, nil
	}
	return vecs[0], nil
}

// safeCosine computes cosine similarity clipped to [-1, 1]; returns ok=false
// for a dimension mismatch or an all-zero vector, which the caller treats
// as an invalid candidate to skip rather than a fatal error.
func safeCosine(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim > 1 {
		sim = 1
	}
	if sim < -1 {
		sim = -1
	}
	return sim, true
}

func idsOf(pool []scoredCandidate) []int64 {
	out := make([]int64, len(pool))
	for i, p := range pool {
		out[i] = p.id
	}
	return out
}
