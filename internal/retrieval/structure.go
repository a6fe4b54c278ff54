// Package retrieval implements semantic retrieval: cosine similarity over
// cached embeddings, an optional structural-prior reweighting pass, and
// an optional graph-attention reranking pass. Grounded on
// original_source's structure_prior.py and graph_attention.py;
// the two stages intentionally keep distinct relation-weight tables, as
// the Python originals do (structure_prior favors dependency strength,
// attention favors feature similarity blended with a flatter adjacency).
package retrieval

import (
	"context"

	"github.com/taskmesh/engine/internal/model"
	"github.com/taskmesh/engine/internal/repository"
)

// structureWeights mirrors StructurePriorCalculator.weights.
var structureWeights = map[model.LinkKind]float64{
	model.LinkRequires: 0.8,
	model.LinkRefers:   0.4,
}

const (
	structWeightSibling  = 0.3
	structWeightParent   = 0.5
	structWeightChild    = 0.6
	structDistanceDecay  = 0.1
	structNeighborFactor = 0.2
)

// taskGraph is the local subgraph built over {query} ∪ candidates, limited
// to edges whose endpoints are both in that set.
type taskGraph struct {
	dependencies map[int64][]edge // from_id -> [(to_id, kind)]
	reverseDeps  map[int64][]edge // to_id -> [(from_id, kind)]
	parents      map[int64][]int64
	children     map[int64][]int64
	siblings     map[int64][]int64
}

type edge struct {
	id   int64
	kind model.LinkKind
}

// buildTaskGraph fetches tasks and their dependency links, restricted to
// the given id set, plus the hierarchy relations derivable from parent ids.
func buildTaskGraph(ctx context.Context, repo *repository.Repository, ids []int64) (*taskGraph, error) {
	idSet := make(map[int64]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}

	tasks := make(map[int64]model.Task, len(ids))
	for _, id := range ids {
		t, err := repo.GetTask(ctx, id)
		if err != nil {
			continue // a missing/invalid candidate is skipped, not fatal
		}
		tasks[id] = t
	}

	g := &taskGraph{
		dependencies: make(map[int64][]edge),
		reverseDeps:  make(map[int64][]edge),
		parents:      make(map[int64][]int64),
		children:     make(map[int64][]int64),
		siblings:     make(map[int64][]int64),
	}

	for _, id := range ids {
		deps, err := repo.ListDependencies(ctx, id)
		if err != nil {
			continue
		}
		for _, d := range deps {
			if !idSet[d.FromTaskID] {
				continue
			}
			g.dependencies[d.FromTaskID] = append(g.dependencies[d.FromTaskID], edge{id: id, kind: d.Kind})
			g.reverseDeps[id] = append(g.reverseDeps[id], edge{id: d.FromTaskID, kind: d.Kind})
		}
	}

	byParent := make(map[int64][]int64)
	for id, t := range tasks {
		if t.ParentID != nil && idSet[*t.ParentID] {
			g.parents[*t.ParentID] = append(g.parents[*t.ParentID], id)
			g.children[id] = append(g.children[id], *t.ParentID)
			byParent[*t.ParentID] = append(byParent[*t.ParentID], id)
		}
	}
	for _, siblingIDs := range byParent {
		if len(siblingIDs) <= 1 {
			continue
		}
		for _, id := range siblingIDs {
			for _, other := range siblingIDs {
				if other != id {
					g.siblings[id] = append(g.siblings[id], other)
				}
			}
		}
	}

	return g, nil
}

// ComputeStructureWeights returns a structural weight in [0, 1] per
// candidate relative to query, per structure_prior.py's composite formula.
func ComputeStructureWeights(ctx context.Context, repo *repository.Repository, queryID int64, candidateIDs []int64) (map[int64]float64, error) {
	if len(candidateIDs) == 0 {
		return map[int64]float64{}, nil
	}
	allIDs := append([]int64{queryID}, candidateIDs...)
	g, err := buildTaskGraph(ctx, repo, allIDs)
	if err != nil {
		return nil, err
	}

	weights := make(map[int64]float64, len(candidateIDs))
	for _, cid := range candidateIDs {
		if cid == queryID {
			weights[cid] = 1.0
			continue
		}
		total := dependencyWeight(queryID, cid, g) +
			hierarchyWeight(queryID, cid, g) +
			distanceWeight(queryID, cid, g) +
			neighborWeight(queryID, cid, g)
		weights[cid] = clamp01(total)
	}
	return weights, nil
}

func dependencyWeight(queryID, candidateID int64, g *taskGraph) float64 {
	var w float64
	for _, e := range g.dependencies[queryID] {
		if e.id == candidateID {
			w += structureWeights[e.kind]
		}
	}
	for _, e := range g.dependencies[candidateID] {
		if e.id == queryID {
			w += structureWeights[e.kind] * 0.8
		}
	}
	return w
}

func hierarchyWeight(queryID, candidateID int64, g *taskGraph) float64 {
	var w float64
	if contains(g.parents[queryID], candidateID) {
		w += structWeightChild
	} else if contains(g.parents[candidateID], queryID) {
		w += structWeightParent
	}
	if contains(g.siblings[queryID], candidateID) {
		w += structWeightSibling
	}
	return w
}

func distanceWeight(queryID, candidateID int64, g *taskGraph) float64 {
	dist, ok := bfsDistance(queryID, candidateID, g)
	if !ok || dist == 0 {
		return 0
	}
	return maxFloat(0, 1.0-float64(dist)*structDistanceDecay)
}

func bfsDistance(start, target int64, g *taskGraph) (int, bool) {
	if start == target {
		return 0, true
	}
	visited := map[int64]bool{start: true}
	type item struct {
		id   int64
		dist int
	}
	queue := []item{{start, 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range neighbors(cur.id, g) {
			if n == target {
				return cur.dist + 1, true
			}
			if !visited[n] {
				visited[n] = true
				queue = append(queue, item{n, cur.dist + 1})
			}
		}
	}
	return 0, false
}

func neighborWeight(queryID, candidateID int64, g *taskGraph) float64 {
	qn := neighborSet(queryID, g)
	cn := neighborSet(candidateID, g)
	if len(qn) == 0 || len(cn) == 0 {
		return 0
	}
	common := 0
	for id := range qn {
		if cn[id] {
			common++
		}
	}
	if common == 0 {
		return 0
	}
	denom := len(qn)
	if len(cn) > denom {
		denom = len(cn)
	}
	return (float64(common) / float64(denom)) * structNeighborFactor
}

func neighbors(id int64, g *taskGraph) []int64 {
	set := neighborSet(id, g)
	out := make([]int64, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	return out
}

func neighborSet(id int64, g *taskGraph) map[int64]bool {
	set := make(map[int64]bool)
	for _, e := range g.dependencies[id] {
		set[e.id] = true
	}
	for _, e := range g.reverseDeps[id] {
		set[e.id] = true
	}
	for _, p := range g.parents[id] {
		set[p] = true
	}
	for _, c := range g.children[id] {
		set[c] = true
	}
	for _, s := range g.siblings[id] {
		set[s] = true
	}
	return set
}

func contains(ids []int64, target int64) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// BlendScores linearly combines semantic and structural scores:
// final = (1-alpha)*semantic + alpha*structural.
func BlendScores(semantic, structural map[int64]float64, alpha float64) map[int64]float64 {
	out := make(map[int64]float64, len(semantic))
	for id, sem := range semantic {
		out[id] = (1-alpha)*sem + alpha*structural[id]
	}
	return out
}
