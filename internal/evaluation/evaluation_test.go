package evaluation

import (
	"context"
	"errors"
	"path/filepath"
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

type scriptedEvaluator struct {
	results []Result
	errs    []error
	calls   int
}

func (s *scriptedEvaluator) Evaluate(_ context.Context, _ model.Task, _ string) (Result, error) {
	i := s.calls
	s.calls++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	var res Result
	if i < len(s.results) {
		res = s.results[i]
	}
	return res, err
}

func TestRunStopsWhenThresholdMet(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	taskID, _ := r.CreateTask(ctx, nil, "Essay", model.StatusRunning, 0, model.TaskTypeAtomic, nil)
	task, _ := r.GetTask(ctx, taskID)

	eval := &scriptedEvaluator{results: []Result{{Score: 0.9}}}
	reexecuted := false
	out, err := Run(ctx, r, eval, task, "write an essay", "first draft", func(ctx context.Context, feedback string) (string, error) {
		reexecuted = true
		return "revised", nil
	}, Config{QualityThreshold: 0.8, MaxIterations: 3})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != model.StatusDone {
		t.Fatalf("expected done, got %s", out.Status)
	}
	if out.Iterations != 1 {
		t.Fatalf("expected 1 iteration, got %d", out.Iterations)
	}
	if reexecuted {
		t.Fatalf("did not expect re-execution once threshold was met")
	}

	iterations, err := r.ListEvaluationIterations(ctx, taskID)
	if err != nil || len(iterations) != 1 {
		t.Fatalf("expected one persisted iteration, got %v err=%v", iterations, err)
	}
}

func TestRunReexecutesUntilThresholdOrMaxIterations(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	taskID, _ := r.CreateTask(ctx, nil, "Essay", model.StatusRunning, 0, model.TaskTypeAtomic, nil)
	task, _ := r.GetTask(ctx, taskID)

	eval := &scriptedEvaluator{results: []Result{
		{Score: 0.3, Suggestions: []string{"add detail"}},
		{Score: 0.5, Suggestions: []string{"add more detail"}},
		{Score: 0.95},
	}}
	attempts := 0
	out, err := Run(ctx, r, eval, task, "write an essay", "draft0", func(ctx context.Context, feedback string) (string, error) {
		attempts++
		return "draft" + string(rune('0'+attempts)), nil
	}, Config{QualityThreshold: 0.8, MaxIterations: 5})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != model.StatusDone {
		t.Fatalf("expected done, got %s", out.Status)
	}
	if out.Iterations != 3 {
		t.Fatalf("expected 3 iterations, got %d", out.Iterations)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 re-executions, got %d", attempts)
	}
}

func TestRunExhaustsIterationsAndMarksNeedsReview(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	taskID, _ := r.CreateTask(ctx, nil, "Essay", model.StatusRunning, 0, model.TaskTypeAtomic, nil)
	task, _ := r.GetTask(ctx, taskID)

	eval := &scriptedEvaluator{results: []Result{{Score: 0.2}, {Score: 0.3}}}
	out, err := Run(ctx, r, eval, task, "write an essay", "draft0", func(ctx context.Context, feedback string) (string, error) {
		return "draft", nil
	}, Config{QualityThreshold: 0.8, MaxIterations: 2})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != model.StatusNeedsReview {
		t.Fatalf("expected needs_review, got %s", out.Status)
	}
	if out.Iterations != 2 {
		t.Fatalf("expected 2 iterations, got %d", out.Iterations)
	}
}

func TestRunEvaluatorFailureRetainsLastScoreAndDoesNotFailTask(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	taskID, _ := r.CreateTask(ctx, nil, "Essay", model.StatusRunning, 0, model.TaskTypeAtomic, nil)
	task, _ := r.GetTask(ctx, taskID)

	eval := &scriptedEvaluator{
		results: []Result{{Score: 0.4}, {}},
		errs:    []error{nil, errors.New("evaluator backend unavailable")},
	}
	out, err := Run(ctx, r, eval, task, "write an essay", "draft0", func(ctx context.Context, feedback string) (string, error) {
		return "draft1", nil
	}, Config{QualityThreshold: 0.9, MaxIterations: 5})
	if err != nil {
		t.Fatalf("run should not surface evaluator failure as task failure: %v", err)
	}
	if out.Status != model.StatusNeedsReview {
		t.Fatalf("expected needs_review after evaluator failure, got %s", out.Status)
	}
	if out.LastScore != 0.4 {
		t.Fatalf("expected last valid score 0.4 retained, got %v", out.LastScore)
	}
	if out.Iterations != 1 {
		t.Fatalf("expected iteration count to exclude the failed evaluator call, got %d", out.Iterations)
	}
}

func TestRunReexecuteFailurePropagatesAsError(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	taskID, _ := r.CreateTask(ctx, nil, "Essay", model.StatusRunning, 0, model.TaskTypeAtomic, nil)
	task, _ := r.GetTask(ctx, taskID)

	eval := &scriptedEvaluator{results: []Result{{Score: 0.1}}}
	wantErr := errors.New("executor timed out")
	_, err := Run(ctx, r, eval, task, "write an essay", "draft0", func(ctx context.Context, feedback string) (string, error) {
		return "", wantErr
	}, Config{QualityThreshold: 0.9, MaxIterations: 5})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected re-execution failure to propagate, got %v", err)
	}
}

func TestApplyHumanOverrideSupersedesLatestIteration(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	taskID, _ := r.CreateTask(ctx, nil, "Essay", model.StatusRunning, 0, model.TaskTypeAtomic, nil)

	if err := r.PutEvaluationIteration(ctx, model.EvaluationIteration{TaskID: taskID, Iteration: 1, Score: 0.4}); err != nil {
		t.Fatalf("put iteration: %v", err)
	}
	if err := ApplyHumanOverride(ctx, r, taskID, 0.95, "manually reviewed, looks good"); err != nil {
		t.Fatalf("apply override: %v", err)
	}

	iterations, err := r.ListEvaluationIterations(ctx, taskID)
	if err != nil || len(iterations) != 1 {
		t.Fatalf("expected one iteration, got %v err=%v", iterations, err)
	}
	latest := iterations[0]
	if latest.HumanScore == nil || *latest.HumanScore != 0.95 {
		t.Fatalf("expected human score 0.95 recorded, got %+v", latest.HumanScore)
	}
	if EffectiveScore(latest) != 0.95 {
		t.Fatalf("expected effective score to prefer human override")
	}
}

func TestHeuristicEvaluatorScoresWithinRange(t *testing.T) {
	h := NewHeuristicEvaluator(50)
	task := model.Task{InputPrompt: "write about the ocean and its creatures"}
	res, err := h.Evaluate(context.Background(), task, "The ocean is home to countless creatures, from tiny plankton to enormous whales that migrate across entire ocean basins every year.")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Score < 0 || res.Score > 1 {
		t.Fatalf("expected score in [0,1], got %v", res.Score)
	}
	if res.Dimensions["completeness"] == 0 {
		t.Fatalf("expected nonzero completeness for long output")
	}
}
