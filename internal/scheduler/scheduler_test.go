package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/taskmesh/engine/internal/evaluation"
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

type recordingExecutor struct {
	mu       sync.Mutex
	order    []int64
	fail     map[int64]bool
	block    map[int64]chan struct{}
	sleep    time.Duration
	concur   int32
	maxConcr int32
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{fail: map[int64]bool{}, block: map[int64]chan struct{}{}}
}

func (e *recordingExecutor) Execute(ctx context.Context, task model.Task, prompt string) (string, error) {
	cur := atomic.AddInt32(&e.concur, 1)
	defer atomic.AddInt32(&e.concur, -1)
	for {
		old := atomic.LoadInt32(&e.maxConcr)
		if cur <= old || atomic.CompareAndSwapInt32(&e.maxConcr, old, cur) {
			break
		}
	}

	e.mu.Lock()
	e.order = append(e.order, task.ID)
	blockCh := e.block[task.ID]
	shouldFail := e.fail[task.ID]
	sleep := e.sleep
	e.mu.Unlock()

	if sleep > 0 {
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if blockCh != nil {
		select {
		case <-blockCh:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if shouldFail {
		return "", fmt.Errorf("task %d: simulated failure", task.ID)
	}
	return fmt.Sprintf("output for %d", task.ID), nil
}

func (e *recordingExecutor) calledOrder() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int64, len(e.order))
	copy(out, e.order)
	return out
}

func createChain(t *testing.T, r *repository.Repository, ctx context.Context, namePrefix string) (a, b, c int64) {
	t.Helper()
	a, err := r.CreateTask(ctx, nil, namePrefix+"A", model.StatusPending, 0, model.TaskTypeAtomic, nil)
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err = r.CreateTask(ctx, nil, namePrefix+"B", model.StatusPending, 0, model.TaskTypeAtomic, nil)
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	c, err = r.CreateTask(ctx, nil, namePrefix+"C", model.StatusPending, 0, model.TaskTypeAtomic, nil)
	if err != nil {
		t.Fatalf("create c: %v", err)
	}
	if err := r.CreateLink(ctx, a, b, model.LinkRequires, 0); err != nil {
		t.Fatalf("link a->b: %v", err)
	}
	if err := r.CreateLink(ctx, b, c, model.LinkRequires, 0); err != nil {
		t.Fatalf("link b->c: %v", err)
	}
	return a, b, c
}

func rootWithChainSubtree(t *testing.T, r *repository.Repository, ctx context.Context) int64 {
	t.Helper()
	root, err := r.CreateTask(ctx, nil, "Root", model.StatusPending, 0, model.TaskTypeRoot, nil)
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	return root
}

func TestRunSubtreeExecutesInRequiresOrder(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	root := rootWithChainSubtree(t, r, ctx)
	a, err := r.CreateTask(ctx, &root, "A", model.StatusPending, 0, model.TaskTypeAtomic, nil)
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := r.CreateTask(ctx, &root, "B", model.StatusPending, 0, model.TaskTypeAtomic, nil)
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	if err := r.CreateLink(ctx, a, b, model.LinkRequires, 0); err != nil {
		t.Fatalf("link: %v", err)
	}

	exec := newRecordingExecutor()
	sched := New(r, nil, nil, exec, nil)
	if err := sched.RunSubtree(ctx, root, Options{Strategy: StrategyDAG, Parallelism: 2}); err != nil {
		t.Fatalf("run subtree: %v", err)
	}

	order := exec.calledOrder()
	var aIdx, bIdx int = -1, -1
	for i, id := range order {
		if id == a {
			aIdx = i
		}
		if id == b {
			bIdx = i
		}
	}
	if aIdx == -1 || bIdx == -1 || aIdx > bIdx {
		t.Fatalf("expected a to execute before b, got order %v", order)
	}

	taskA, _ := r.GetTask(ctx, a)
	taskB, _ := r.GetTask(ctx, b)
	if taskA.Status != model.StatusDone || taskB.Status != model.StatusDone {
		t.Fatalf("expected both tasks done, got a=%s b=%s", taskA.Status, taskB.Status)
	}
}

func TestRunUpstreamFailureSkipsDependentsAcrossWorkflow(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	a, b, c := createChain(t, r, ctx, "[chain] ")

	exec := newRecordingExecutor()
	exec.fail[a] = true
	sched := New(r, nil, nil, exec, nil)

	if err := sched.RunPlan(ctx, "chain", Options{Strategy: StrategyDAG, Parallelism: 3}); err != nil {
		t.Fatalf("run plan: %v", err)
	}

	taskA, _ := r.GetTask(ctx, a)
	taskB, _ := r.GetTask(ctx, b)
	taskC, _ := r.GetTask(ctx, c)
	if taskA.Status != model.StatusFailed {
		t.Fatalf("expected a failed, got %s", taskA.Status)
	}
	if taskB.Status != model.StatusFailed {
		t.Fatalf("expected b skipped as failed, got %s", taskB.Status)
	}
	if taskC.Status != model.StatusFailed {
		t.Fatalf("expected c skipped as failed, got %s", taskC.Status)
	}

	order := exec.calledOrder()
	for _, id := range order {
		if id == b || id == c {
			t.Fatalf("expected b and c never to execute, but found %d in order %v", id, order)
		}
	}
}

func TestRunRespectsParallelismBound(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	root, err := r.CreateTask(ctx, nil, "Root", model.StatusPending, 0, model.TaskTypeRoot, nil)
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	exec := newRecordingExecutor()
	exec.sleep = 30 * time.Millisecond
	for i := 0; i < 6; i++ {
		if _, err := r.CreateTask(ctx, &root, fmt.Sprintf("leaf-%d", i), model.StatusPending, 0, model.TaskTypeAtomic, nil); err != nil {
			t.Fatalf("create leaf: %v", err)
		}
	}

	sched := New(r, nil, nil, exec, nil)
	if err := sched.RunSubtree(ctx, root, Options{Strategy: StrategyBFS, Parallelism: 2}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if atomic.LoadInt32(&exec.maxConcr) > 2 {
		t.Fatalf("expected concurrency bounded by 2, observed %d", exec.maxConcr)
	}
}

func TestRunCancellationRevertsRunningTaskToPending(t *testing.T) {
	r := newTestRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	root, err := r.CreateTask(context.Background(), nil, "Root", model.StatusPending, 0, model.TaskTypeRoot, nil)
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	a, err := r.CreateTask(context.Background(), &root, "A", model.StatusPending, 0, model.TaskTypeAtomic, nil)
	if err != nil {
		t.Fatalf("create a: %v", err)
	}

	exec := newRecordingExecutor()
	block := make(chan struct{})
	exec.block[a] = block

	sched := New(r, nil, nil, exec, nil)
	done := make(chan error, 1)
	go func() { done <- sched.RunSubtree(ctx, root, Options{Strategy: StrategyDAG, Parallelism: 1}) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	taskA, err := r.GetTask(context.Background(), a)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if taskA.Status != model.StatusPending {
		t.Fatalf("expected cancelled running task reverted to pending, got %s", taskA.Status)
	}
}

func TestRunWithEvaluationRoutesToDoneWhenThresholdMet(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	root, err := r.CreateTask(ctx, nil, "Root", model.StatusPending, 0, model.TaskTypeRoot, nil)
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	a, err := r.CreateTask(ctx, &root, "A", model.StatusPending, 0, model.TaskTypeAtomic, nil)
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	if err := r.UpsertTaskInput(ctx, a, "summarize the ocean and its creatures in detail"); err != nil {
		t.Fatalf("set input: %v", err)
	}

	exec := newRecordingExecutor()
	sched := New(r, nil, nil, exec, nil)
	evaluator := evaluation.NewHeuristicEvaluator(10)
	err = sched.RunSubtree(ctx, root, Options{
		Strategy:    StrategyDAG,
		Parallelism: 1,
		EnableEval:  true,
		Evaluator:   evaluator,
		EvalConfig:  evaluation.Config{QualityThreshold: 0.0, MaxIterations: 1},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	taskA, _ := r.GetTask(ctx, a)
	if taskA.Status != model.StatusDone {
		t.Fatalf("expected done with threshold 0, got %s", taskA.Status)
	}

	iterations, err := r.ListEvaluationIterations(ctx, a)
	if err != nil || len(iterations) != 1 {
		t.Fatalf("expected one persisted evaluation iteration, got %v err=%v", iterations, err)
	}
}

func TestBFSOrderSortsByDepthThenDescendingPriority(t *testing.T) {
	units := []readyUnit{
		{task: model.Task{ID: 3, Depth: 1, Priority: 1}},
		{task: model.Task{ID: 2, Depth: 1, Priority: 5}},
		{task: model.Task{ID: 1, Depth: 0, Priority: 0}},
	}
	out := bfsOrder(units)
	if out[0].task.ID != 1 {
		t.Fatalf("expected shallowest task first, got %d", out[0].task.ID)
	}
	if out[1].task.ID != 2 || out[2].task.ID != 3 {
		t.Fatalf("expected depth-1 tasks ordered by descending priority, got %v", ids(out))
	}
}

func TestTopoOrderAscendingPriorityWithinFrontier(t *testing.T) {
	units := []readyUnit{
		{task: model.Task{ID: 10, Priority: 5}},
		{task: model.Task{ID: 11, Priority: 1}},
	}
	out, err := topoOrder(units)
	if err != nil {
		t.Fatalf("topo order: %v", err)
	}
	if out[0].task.ID != 11 || out[1].task.ID != 10 {
		t.Fatalf("expected ascending priority order, got %v", ids(out))
	}
}

func TestTopoOrderDetectsCycle(t *testing.T) {
	units := []readyUnit{
		{task: model.Task{ID: 1}, requires: []int64{2}},
		{task: model.Task{ID: 2}, requires: []int64{1}},
	}
	if _, err := topoOrder(units); err == nil {
		t.Fatalf("expected cycle detection error")
	}
}

func ids(units []readyUnit) []int64 {
	out := make([]int64, len(units))
	for i, u := range units {
		out[i] = u.task.ID
	}
	return out
}
