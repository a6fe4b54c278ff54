package retrieval

import (
	"context"
	"math"

	"github.com/taskmesh/engine/internal/model"
	"github.com/taskmesh/engine/internal/repository"
)

// attentionWeights mirrors GraphAttentionReranker.relation_weights. Kept
// deliberately distinct from structureWeights: attention favors a flatter
// adjacency signal blended with feature similarity, rather than rewarding
// dependency strength on its own.
var attentionWeights = map[model.LinkKind]float64{
	model.LinkRequires: 1.0,
	model.LinkRefers:   0.6,
}

const (
	attnWeightSibling = 0.4
	attnWeightParent  = 0.7
	attnWeightChild   = 0.8

	attnFeatureMix   = 0.7
	attnAdjacencyMix = 0.3

	priorityNormMax = 100.0
	depthNormMax    = 20.0
)

var statusCode = map[model.TaskStatus]float64{
	model.StatusPending:     0,
	model.StatusRunning:     1,
	model.StatusNeedsReview: 2,
	model.StatusDone:        3,
	model.StatusFailed:      4,
}

var typeCode = map[model.TaskType]float64{
	model.TaskTypeAtomic:    0,
	model.TaskTypeComposite: 1,
	model.TaskTypeRoot:      2,
}

// nodeFeatures concatenates a task's embedding with the five structural
// features named by the retrieval algorithm: normalized priority,
// normalized depth, status code, has-parent flag, type code.
func nodeFeatures(embedding []float32, t model.Task) []float64 {
	out := make([]float64, 0, len(embedding)+5)
	for _, v := range embedding {
		out = append(out, float64(v))
	}
	hasParent := 0.0
	if t.ParentID != nil {
		hasParent = 1.0
	}
	out = append(out,
		clamp01(float64(t.Priority)/priorityNormMax),
		clamp01(float64(t.Depth)/depthNormMax),
		statusCode[t.Status],
		hasParent,
		typeCode[t.Type],
	)
	return out
}

func cosineFloat64(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// adjacencyWeight returns the attention relation weight between query and
// candidate: link-kind weight plus the hierarchy bonuses, clipped to [0, 1].
func adjacencyWeight(queryID, candidateID int64, g *taskGraph) float64 {
	var w float64
	for _, e := range g.dependencies[queryID] {
		if e.id == candidateID {
			w += attentionWeights[e.kind]
		}
	}
	for _, e := range g.dependencies[candidateID] {
		if e.id == queryID {
			w += attentionWeights[e.kind]
		}
	}
	if contains(g.parents[queryID], candidateID) {
		w += attnWeightChild
	}
	if contains(g.parents[candidateID], queryID) {
		w += attnWeightParent
	}
	if contains(g.siblings[queryID], candidateID) {
		w += attnWeightSibling
	}
	return clamp01(w)
}

// RerankWithAttention recomputes candidate scores from a pairwise attention
// mix of node-feature similarity and structural adjacency, then blends that
// against the incoming scores at the given alpha. Only applicable when the
// query itself is a task (its row supplies priority/depth/status/type).
func RerankWithAttention(ctx context.Context, repo *repository.Repository, queryID int64, queryEmbedding []float32, candidates map[int64][]float32, incoming map[int64]float64, alpha float64) (map[int64]float64, error) {
	if len(candidates) == 0 {
		return map[int64]float64{}, nil
	}
	ids := make([]int64, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	allIDs := append([]int64{queryID}, ids...)
	g, err := buildTaskGraph(ctx, repo, allIDs)
	if err != nil {
		return nil, err
	}

	queryTask, err := repo.GetTask(ctx, queryID)
	if err != nil {
		return nil, err
	}
	queryFeat := nodeFeatures(queryEmbedding, queryTask)

	out := make(map[int64]float64, len(ids))
	for _, id := range ids {
		candTask, err := repo.GetTask(ctx, id)
		if err != nil {
			continue // an unreadable candidate is skipped, not fatal
		}
		candFeat := nodeFeatures(candidates[id], candTask)
		featureSim := cosineFloat64(queryFeat, candFeat)
		adjacency := adjacencyWeight(queryID, id, g)
		attnScore := clamp01(attnFeatureMix*featureSim + attnAdjacencyMix*adjacency)
		out[id] = clamp01((1-alpha)*incoming[id] + alpha*attnScore)
	}
	return out, nil
}
