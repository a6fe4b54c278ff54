package ctxasm

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

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

func TestAssembleOrdersSectionsByPriority(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	root, _ := r.CreateTask(ctx, nil, "Essay", model.StatusDone, 0, model.TaskTypeRoot, nil)
	_ = r.UpsertTaskOutput(ctx, root, "essay root output")
	target, _ := r.CreateTask(ctx, &root, "Body", model.StatusPending, 0, model.TaskTypeAtomic, nil)

	req, _ := r.CreateTask(ctx, nil, "Requires", model.StatusDone, 0, model.TaskTypeAtomic, nil)
	_ = r.UpsertTaskOutput(ctx, req, "requires output")
	ref, _ := r.CreateTask(ctx, nil, "Refers", model.StatusDone, 0, model.TaskTypeAtomic, nil)
	_ = r.UpsertTaskOutput(ctx, ref, "refers output")
	sib, _ := r.CreateTask(ctx, &root, "Intro", model.StatusDone, 0, model.TaskTypeAtomic, nil)
	_ = r.UpsertTaskOutput(ctx, sib, "intro output")

	if err := r.CreateLink(ctx, req, target, model.LinkRequires, 0); err != nil {
		t.Fatalf("create requires link: %v", err)
	}
	if err := r.CreateLink(ctx, ref, target, model.LinkRefers, 0); err != nil {
		t.Fatalf("create refers link: %v", err)
	}

	asm := New(r, nil)
	bundle, err := asm.Assemble(ctx, target, Options{IncludeDeps: true, IncludeHierarchy: true})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	var kinds []string
	for _, s := range bundle.Sections {
		kinds = append(kinds, s.Kind)
	}
	if len(kinds) < 4 {
		t.Fatalf("expected at least 4 sections, got %v", kinds)
	}
	if kinds[0] != "pinned:root_brief" {
		t.Fatalf("expected root_brief first, got %v", kinds)
	}
	if kinds[1] != "pinned:parent_chain" {
		t.Fatalf("expected parent_chain second, got %v", kinds)
	}
	requiresIdx, refersIdx := -1, -1
	for i, k := range kinds {
		if k == "dep:requires" {
			requiresIdx = i
		}
		if k == "dep:refers" {
			refersIdx = i
		}
	}
	if requiresIdx == -1 || refersIdx == -1 || requiresIdx > refersIdx {
		t.Fatalf("expected dep:requires before dep:refers, got %v", kinds)
	}
	if !strings.Contains(bundle.Combined, "requires output") {
		t.Fatalf("expected combined text to include dependency output")
	}
}

func TestAssembleAlwaysIncludesIndexSection(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	root, _ := r.CreateTask(ctx, nil, "Root", model.StatusDone, 0, model.TaskTypeRoot, nil)
	_ = r.UpsertTaskOutput(ctx, root, "root output")
	target, _ := r.CreateTask(ctx, &root, "Target", model.StatusPending, 0, model.TaskTypeAtomic, nil)

	asm := New(r, nil)
	bundle, err := asm.Assemble(ctx, target, Options{IndexContent: "file index contents"})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	var indexSection *model.ContextSection
	for i := range bundle.Sections {
		if bundle.Sections[i].Kind == "index" {
			indexSection = &bundle.Sections[i]
		}
	}
	if indexSection == nil {
		t.Fatalf("expected an index section, got kinds %v", sectionKinds(bundle.Sections))
	}
	if indexSection.Content != "file index contents" {
		t.Fatalf("unexpected index content: %q", indexSection.Content)
	}
}

func sectionKinds(sections []model.ContextSection) []string {
	kinds := make([]string, len(sections))
	for i, s := range sections {
		kinds[i] = s.Kind
	}
	return kinds
}

func TestAssembleDeduplicatesByTaskID(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	root, _ := r.CreateTask(ctx, nil, "Root", model.StatusDone, 0, model.TaskTypeRoot, nil)
	dep, _ := r.CreateTask(ctx, nil, "Dep", model.StatusDone, 0, model.TaskTypeAtomic, nil)
	_ = r.UpsertTaskOutput(ctx, dep, "dep output")
	target, _ := r.CreateTask(ctx, &root, "Target", model.StatusPending, 0, model.TaskTypeAtomic, nil)

	if err := r.CreateLink(ctx, dep, target, model.LinkRequires, 0); err != nil {
		t.Fatalf("create link: %v", err)
	}
	// also requires the same dep via refers; it must not appear twice.
	if err := r.CreateLink(ctx, dep, target, model.LinkRefers, 0); err != nil {
		t.Fatalf("create second link: %v", err)
	}

	asm := New(r, nil)
	bundle, err := asm.Assemble(ctx, target, Options{IncludeDeps: true, ManualIDs: []int64{dep}})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	count := 0
	for _, s := range bundle.Sections {
		if s.TaskID == dep {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected dep task to appear exactly once, got %d", count)
	}
}

func TestAssembleAppliesBudget(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	root, _ := r.CreateTask(ctx, nil, "Root", model.StatusDone, 0, model.TaskTypeRoot, nil)
	_ = r.UpsertTaskOutput(ctx, root, "short root prompt")
	target, _ := r.CreateTask(ctx, &root, "Target", model.StatusPending, 0, model.TaskTypeAtomic, nil)
	dep, _ := r.CreateTask(ctx, nil, "Dep", model.StatusDone, 0, model.TaskTypeAtomic, nil)
	_ = r.UpsertTaskOutput(ctx, dep, strings.Repeat("x", 500))
	if err := r.CreateLink(ctx, dep, target, model.LinkRequires, 0); err != nil {
		t.Fatalf("create link: %v", err)
	}

	asm := New(r, nil)
	maxChars := 100
	bundle, err := asm.Assemble(ctx, target, Options{IncludeDeps: true, MaxChars: &maxChars})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if bundle.BudgetInfo == nil {
		t.Fatalf("expected budget info to be populated")
	}
	var depSection *model.ContextSection
	for i := range bundle.Sections {
		if bundle.Sections[i].TaskID == dep {
			depSection = &bundle.Sections[i]
		}
	}
	if depSection == nil {
		t.Fatalf("expected dep section present")
	}
	if !depSection.Budget.Truncated {
		t.Fatalf("expected the oversized dependency section to be truncated")
	}
	if depSection.Budget.TruncatedReason != "total" {
		t.Fatalf("expected truncation reason 'total', got %s", depSection.Budget.TruncatedReason)
	}
}

func TestApplyBudgetNeverTrimsPinnedSections(t *testing.T) {
	long := strings.Repeat("a", 5000)
	bundle := model.Bundle{
		TaskID: 1,
		Sections: []model.ContextSection{
			{TaskID: 1, Kind: "pinned:root_brief", Content: long, Pinned: true},
			{TaskID: 2, Kind: "manual", Content: long},
		},
	}
	maxChars := 50
	out := ApplyBudget(bundle, &maxChars, nil, "truncate")
	if out.Sections[0].Content != long {
		t.Fatalf("expected pinned section content untouched")
	}
	if out.Sections[1].Budget == nil || !out.Sections[1].Budget.Truncated {
		t.Fatalf("expected manual section to be truncated")
	}
}

func TestTruncateSentencePrefersBoundary(t *testing.T) {
	text := "First sentence. Second sentence continues far beyond the cap."
	out, truncated := truncateSentence(text, 20)
	if !truncated {
		t.Fatalf("expected truncation")
	}
	if out != "First sentence." {
		t.Fatalf("expected cut at sentence boundary, got %q", out)
	}
}
