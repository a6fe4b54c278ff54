package ctxasm

import (
	"context"
	"fmt"
	"strings"

	"github.com/taskmesh/engine/internal/embedding"
	"github.com/taskmesh/engine/internal/model"
	"github.com/taskmesh/engine/internal/repository"
	"github.com/taskmesh/engine/internal/retrieval"
)

const rootBriefMaxChars = 1200

// Options controls which optional sections Assemble includes and how the
// resulting bundle is budgeted.
type Options struct {
	IncludeDeps         bool
	IncludeHierarchy    bool
	IncludePlanSiblings bool

	IndexContent string // caller-supplied global index file content; empty skips the section

	SemanticK          int
	MinSimilarity      float64
	EmbeddingModel     string
	UseStructuralPrior bool
	StructuralAlpha    float64
	UseAttention       bool
	AttentionAlpha     float64
	RetrievalCache     *retrieval.SubgraphCache

	ManualIDs []int64

	MaxChars      *int
	PerSectionMax *int
	Strategy      string
}

// Assembler builds structured context bundles for a target task.
type Assembler struct {
	repo     *repository.Repository
	embedder *embedding.Service
}

// New returns an Assembler backed by the given repository and embedding
// service (the latter only exercised when SemanticK > 0).
func New(repo *repository.Repository, embedder *embedding.Service) *Assembler {
	return &Assembler{repo: repo, embedder: embedder}
}

// Assemble produces {task_id, sections[], combined} for the target task,
// per the section kinds and construction contract this assembler follows.
func (a *Assembler) Assemble(ctx context.Context, taskID int64, opts Options) (model.Bundle, error) {
	target, err := a.repo.GetTask(ctx, taskID)
	if err != nil {
		return model.Bundle{}, err
	}

	seen := make(map[int64]bool)
	var sections []model.ContextSection

	add := func(s model.ContextSection) {
		// Pinned sections (root brief, parent chain) and the index section are
		// always included: the root brief carries the root's task id, and the
		// parent chain and index carry the target's, so they may share an id
		// with each other or with a candidate. Id-dedup only applies to the candidate-content
		// sections added below, so it never suppresses them.
		exempt := s.Kind == "index" || strings.HasPrefix(s.Kind, "pinned")
		if !exempt && seen[s.TaskID] {
			return
		}
		seen[s.TaskID] = true
		sections = append(sections, s)
	}

	ancestors, err := a.repo.GetAncestors(ctx, taskID) // parent-first, root-last
	if err != nil {
		return model.Bundle{}, err
	}
	var root model.Task
	hasRoot := false
	if len(ancestors) > 0 {
		root = ancestors[len(ancestors)-1]
		hasRoot = true
	} else {
		root = target
		hasRoot = true
	}

	if hasRoot {
		add(rootBriefSection(root))
	}
	if len(ancestors) > 0 {
		add(parentChainSection(taskID, ancestors))
	}

	if opts.IndexContent != "" {
		add(model.ContextSection{TaskID: taskID, Name: "index", ShortName: "Index", Kind: "index", Content: opts.IndexContent})
	}

	if opts.IncludeDeps {
		deps, err := a.repo.ListDependencies(ctx, taskID)
		if err != nil {
			return model.Bundle{}, err
		}
		for _, d := range deps {
			depTask, err := a.repo.GetTask(ctx, d.FromTaskID)
			if err != nil {
				continue
			}
			kind := "dep:refers"
			if d.Kind == model.LinkRequires {
				kind = "dep:requires"
			}
			add(model.ContextSection{
				TaskID: depTask.ID, Name: depTask.Name, ShortName: depTask.ShortName,
				Kind: kind, Content: taskContent(depTask),
			})
		}
	}

	if opts.IncludeHierarchy {
		// ancestors beyond the immediate parent chain's leaf entries get their
		// own output-bearing section, distinct from the bulleted summary.
		for _, anc := range ancestors {
			if anc.ID == root.ID {
				continue
			}
			add(model.ContextSection{
				TaskID: anc.ID, Name: anc.Name, ShortName: anc.ShortName,
				Kind: "ancestor", Content: taskContent(anc),
			})
		}
	}

	if opts.SemanticK > 0 && a.embedder != nil {
		results, err := retrieval.Retrieve(ctx, a.repo, a.embedder, nil, retrieval.Query{
			TaskID: &taskID, ModelName: opts.EmbeddingModel, K: opts.SemanticK, MinSimilarity: opts.MinSimilarity,
			UseStructuralPrior: opts.UseStructuralPrior, StructuralAlpha: opts.StructuralAlpha,
			UseAttention: opts.UseAttention, AttentionAlpha: opts.AttentionAlpha, Cache: opts.RetrievalCache,
		})
		if err != nil {
			return model.Bundle{}, err
		}
		for _, res := range results {
			if seen[res.TaskID] {
				continue
			}
			rt, err := a.repo.GetTask(ctx, res.TaskID)
			if err != nil {
				continue
			}
			score := res.CombinedScore
			add(model.ContextSection{
				TaskID: rt.ID, Name: rt.Name, ShortName: rt.ShortName,
				Kind: "retrieved", Content: taskContent(rt), RetrievalScore: &score,
			})
		}
	}

	if opts.IncludeHierarchy && target.ParentID != nil {
		siblings, err := a.repo.GetChildren(ctx, *target.ParentID)
		if err != nil {
			return model.Bundle{}, err
		}
		for _, sib := range siblings {
			if sib.ID == taskID {
				continue
			}
			add(model.ContextSection{
				TaskID: sib.ID, Name: sib.Name, ShortName: sib.ShortName,
				Kind: "h_sibling", Content: taskContent(sib),
			})
		}
	}

	if opts.IncludePlanSiblings {
		if planTitle, ok := extractPlanTitle(target.Name); ok {
			plan, err := a.repo.ListPlanTasks(ctx, planTitle)
			if err != nil {
				return model.Bundle{}, err
			}
			for _, p := range plan {
				if p.ID == taskID {
					continue
				}
				add(model.ContextSection{
					TaskID: p.ID, Name: p.Name, ShortName: p.ShortName,
					Kind: "sibling", Content: taskContent(p),
				})
			}
		}
	}

	for _, id := range opts.ManualIDs {
		if seen[id] {
			continue
		}
		mt, err := a.repo.GetTask(ctx, id)
		if err != nil {
			continue
		}
		add(model.ContextSection{TaskID: mt.ID, Name: mt.Name, ShortName: mt.ShortName, Kind: "manual", Content: taskContent(mt)})
	}

	sortSections(sections)
	bundle := model.Bundle{TaskID: taskID, Sections: sections, Combined: combineSections(sections)}

	if opts.MaxChars != nil || opts.PerSectionMax != nil {
		bundle = ApplyBudget(bundle, opts.MaxChars, opts.PerSectionMax, opts.Strategy)
	}
	return bundle, nil
}

func combineSections(sections []model.ContextSection) string {
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		parts = append(parts, renderSection(s))
	}
	return strings.Join(parts, "\n\n")
}

func taskContent(t model.Task) string {
	if t.OutputContent != "" {
		return t.OutputContent
	}
	return t.InputPrompt
}

func rootBriefSection(root model.Task) model.ContextSection {
	prompt, _ := truncateRaw(root.InputPrompt, rootBriefMaxChars)
	content := fmt.Sprintf("%s\n\n%s", root.Name, prompt)
	content, _ = truncateRaw(content, rootBriefMaxChars)
	return model.ContextSection{
		TaskID: root.ID, Name: root.Name, ShortName: root.ShortName,
		Kind: "pinned:root_brief", Content: content, Pinned: true,
	}
}

func parentChainSection(taskID int64, ancestorsParentFirst []model.Task) model.ContextSection {
	rootLast := ancestorsParentFirst
	rootFirst := make([]model.Task, len(rootLast))
	for i, t := range rootLast {
		rootFirst[len(rootLast)-1-i] = t
	}
	var b strings.Builder
	for _, t := range rootFirst {
		fmt.Fprintf(&b, "- %s\n", t.Name)
	}
	return model.ContextSection{
		TaskID: taskID, Name: "parent chain", ShortName: "Parent chain",
		Kind: "pinned:parent_chain", Content: strings.TrimRight(b.String(), "\n"), Pinned: true,
	}
}

// extractPlanTitle returns the bracketed "[Title]" prefix of a task name,
// if present.
func extractPlanTitle(name string) (string, bool) {
	if !strings.HasPrefix(name, "[") {
		return "", false
	}
	end := strings.Index(name, "]")
	if end <= 1 {
		return "", false
	}
	return name[1:end], true
}
