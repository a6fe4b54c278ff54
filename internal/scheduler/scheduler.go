// Package scheduler drives a plan or task subtree to completion under a
// chosen scheduling strategy, bounded worker parallelism, cooperative
// cancellation, and upstream-failure-causes-skip-not-cascade semantics.
// The worker-pool and ready/results-channel shape is adapted directly
// from orchestrator_src/dag_engine.go's executeDAG (Kahn's algorithm plus
// a coordinator goroutine decrementing in-degree), generalized from a
// fixed DAG-only strategy to a bfs/dag/postorder choice; requires-edge
// gating applies under every strategy, which only governs tie-break
// order among tasks that become ready simultaneously.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	ctxasm "github.com/taskmesh/engine/internal/context"
	"github.com/taskmesh/engine/internal/embedding"
	"github.com/taskmesh/engine/internal/evaluation"
	"github.com/taskmesh/engine/internal/model"
	"github.com/taskmesh/engine/internal/repository"
)

// Strategy selects the order in which simultaneously ready tasks are
// dispatched; requires-edge gating is enforced regardless of strategy.
type Strategy string

const (
	// StrategyBFS walks the subtree breadth-first, honoring priority
	// (highest first) within a depth level.
	StrategyBFS Strategy = "bfs"
	// StrategyDAG walks the requires-edge DAG in topological order
	// (Kahn's algorithm); within a ready level, ascending priority then id.
	StrategyDAG Strategy = "dag"
	// StrategyPostorder runs children before their parent, for composites
	// that aggregate their children's outputs.
	StrategyPostorder Strategy = "postorder"
)

// Executor invokes the external LLM (or any task-completing backend) with
// a composed prompt and returns its output.
type Executor interface {
	Execute(ctx context.Context, task model.Task, prompt string) (string, error)
}

// Options configures one scheduling run.
type Options struct {
	Strategy    Strategy
	Parallelism int
	TaskTimeout time.Duration
	UseContext  bool
	ContextOpts ctxasm.Options
	EnableEval  bool
	Evaluator   evaluation.Evaluator
	EvalConfig  evaluation.Config
}

// Scheduler drives tasks to completion per Options.
type Scheduler struct {
	repo       *repository.Repository
	assembler  *ctxasm.Assembler
	embeddings *embedding.Manager
	executor   Executor
	logger     *slog.Logger
}

// New wires a Scheduler over its dependencies. embeddings may be nil to
// skip the async embedding-on-output path (e.g. in tests).
func New(repo *repository.Repository, assembler *ctxasm.Assembler, embeddings *embedding.Manager, executor Executor, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{repo: repo, assembler: assembler, embeddings: embeddings, executor: executor, logger: logger}
}

// readyUnit is one task queued for execution, along with the ids of its
// direct requires-dependencies within the scheduled set.
type readyUnit struct {
	task     model.Task
	requires []int64
}

type taskOutcome struct {
	taskID int64
	ok     bool
}

// RunSubtree schedules rootTaskID and every descendant.
func (s *Scheduler) RunSubtree(ctx context.Context, rootTaskID int64, opts Options) error {
	tasks, err := s.repo.GetSubtree(ctx, rootTaskID)
	if err != nil {
		return err
	}
	return s.run(ctx, tasks, opts)
}

// RunPlan schedules every task tagged with the given plan title.
func (s *Scheduler) RunPlan(ctx context.Context, planTitle string, opts Options) error {
	tasks, err := s.repo.ListPlanTasks(ctx, planTitle)
	if err != nil {
		return err
	}
	return s.run(ctx, tasks, opts)
}

func (s *Scheduler) run(ctx context.Context, tasks []model.Task, opts Options) error {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 2 * time.Minute
	}

	units, err := s.buildUnits(ctx, tasks)
	if err != nil {
		return err
	}
	total := len(units)
	if total == 0 {
		return nil
	}

	tieBreak, err := s.order(opts.Strategy, units)
	if err != nil {
		return err
	}
	rank := make(map[int64]int, len(tieBreak))
	for i, u := range tieBreak {
		rank[u.task.ID] = i
	}

	byID := make(map[int64]readyUnit, total)
	inDegree := make(map[int64]int, total)
	dependents := make(map[int64][]int64, total)
	for _, u := range units {
		byID[u.task.ID] = u
		inDegree[u.task.ID] = len(u.requires)
		for _, dep := range u.requires {
			dependents[dep] = append(dependents[dep], u.task.ID)
		}
	}

	ready := make(chan readyUnit, total)
	results := make(chan taskOutcome, total)
	failed := map[int64]bool{}

	// dispatchFrontier moves every task whose in-degree has reached zero
	// either onto the ready channel, or, if a direct requires-dependency
	// failed, straight to a skipped outcome without executing it.
	dispatchFrontier := func() {
		var frontier []readyUnit
		for id, deg := range inDegree {
			if deg == 0 {
				frontier = append(frontier, byID[id])
				delete(inDegree, id)
			}
		}
		sort.Slice(frontier, func(i, j int) bool { return rank[frontier[i].task.ID] < rank[frontier[j].task.ID] })
		for _, u := range frontier {
			if blocked, cause := upstreamFailed(u, failed); blocked {
				s.markSkipped(ctx, u.task.ID, cause)
				results <- taskOutcome{taskID: u.task.ID, ok: false}
				continue
			}
			ready <- u
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < opts.Parallelism; i++ {
		wg.Add(1)
		go s.worker(ctx, ready, results, opts, &wg)
	}

	dispatchFrontier()
	completed := 0
	var runErr error
loop:
	for completed < total {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		case res := <-results:
			completed++
			if !res.ok {
				failed[res.taskID] = true
			}
			for _, dependent := range dependents[res.taskID] {
				if d, ok := inDegree[dependent]; ok {
					inDegree[dependent] = d - 1
				}
			}
			dispatchFrontier()
		}
	}
	close(ready)
	wg.Wait()
	return runErr
}

func upstreamFailed(u readyUnit, failed map[int64]bool) (bool, string) {
	for _, dep := range u.requires {
		if failed[dep] {
			return true, fmt.Sprintf("upstream dependency %d failed", dep)
		}
	}
	return false, ""
}

func (s *Scheduler) markSkipped(ctx context.Context, taskID int64, cause string) {
	// The state machine has no pending -> failed edge, so a skipped task
	// passes through running on its way to failed.
	err := s.repo.UpdateTaskStatus(ctx, taskID, model.StatusRunning)
	if err == nil {
		err = s.repo.UpdateTaskStatus(ctx, taskID, model.StatusFailed)
	}
	if err != nil {
		s.logger.Warn("scheduler: failed to mark skipped task failed", "task_id", taskID, "err", err)
	}
	s.logger.Info("scheduler: skipping task due to upstream failure", "task_id", taskID, "cause", cause)
}

func (s *Scheduler) worker(ctx context.Context, ready <-chan readyUnit, results chan<- taskOutcome, opts Options, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-ready:
			if !ok {
				return
			}
			ok2 := s.executeOne(ctx, u.task, opts)
			results <- taskOutcome{taskID: u.task.ID, ok: ok2}
		}
	}
}

// executeOne runs the full per-task pipeline: mark running, assemble
// context, invoke the executor, persist output, fire the async embedding
// path, and route through the evaluation loop when enabled.
func (s *Scheduler) executeOne(ctx context.Context, task model.Task, opts Options) bool {
	if err := s.repo.UpdateTaskStatus(ctx, task.ID, model.StatusRunning); err != nil {
		s.logger.Error("scheduler: failed to mark task running", "task_id", task.ID, "err", err)
		return false
	}

	prompt := task.InputPrompt
	if opts.UseContext && s.assembler != nil {
		bundle, err := s.assembler.Assemble(ctx, task.ID, opts.ContextOpts)
		if err != nil {
			s.logger.Warn("scheduler: context assembly failed, continuing with bare prompt", "task_id", task.ID, "err", err)
		} else {
			prompt = bundle.Combined
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, opts.TaskTimeout)
	output, err := s.executor.Execute(execCtx, task, prompt)
	cancel()

	if err != nil {
		return s.handleExecutionFailure(ctx, task.ID, err)
	}

	if err := s.repo.UpsertTaskOutput(ctx, task.ID, output); err != nil {
		s.logger.Error("scheduler: failed to persist task output", "task_id", task.ID, "err", err)
		_ = s.repo.UpdateTaskStatus(context.Background(), task.ID, model.StatusFailed)
		return false
	}

	s.fireAsyncEmbedding(ctx, task.ID, output)

	if opts.EnableEval && opts.Evaluator != nil {
		return s.runEvaluation(ctx, task, prompt, output, opts)
	}

	if err := s.repo.UpdateTaskStatus(ctx, task.ID, model.StatusDone); err != nil {
		s.logger.Error("scheduler: failed to mark task done", "task_id", task.ID, "err", err)
		return false
	}
	return true
}

// handleExecutionFailure distinguishes a cooperative outer cancellation
// (the task's repository state reverts to pending so a later run can
// retry it) from a per-task timeout or any other executor failure (a
// terminal failed transition).
func (s *Scheduler) handleExecutionFailure(ctx context.Context, taskID int64, execErr error) bool {
	if execErr == context.Canceled && ctx.Err() == context.Canceled {
		if err := s.repo.UpdateTaskStatus(context.Background(), taskID, model.StatusPending); err != nil {
			s.logger.Warn("scheduler: failed to revert cancelled task to pending", "task_id", taskID, "err", err)
		}
		return false
	}
	s.logger.Warn("scheduler: task execution failed", "task_id", taskID, "err", execErr)
	if err := s.repo.UpdateTaskStatus(context.Background(), taskID, model.StatusFailed); err != nil {
		s.logger.Error("scheduler: failed to mark task failed", "task_id", taskID, "err", err)
	}
	return false
}

func (s *Scheduler) runEvaluation(ctx context.Context, task model.Task, prompt, output string, opts Options) bool {
	reexecute := func(ctx context.Context, feedback string) (string, error) {
		execCtx, cancel := context.WithTimeout(ctx, opts.TaskTimeout)
		defer cancel()
		return s.executor.Execute(execCtx, task, feedback)
	}
	out, err := evaluation.Run(ctx, s.repo, opts.Evaluator, task, prompt, output, reexecute, opts.EvalConfig)
	if err != nil {
		s.logger.Warn("scheduler: evaluation loop re-execution failed", "task_id", task.ID, "err", err)
		_ = s.repo.UpdateTaskStatus(context.Background(), task.ID, model.StatusFailed)
		return false
	}
	if out.Output != output {
		if err := s.repo.UpsertTaskOutput(ctx, task.ID, out.Output); err != nil {
			s.logger.Error("scheduler: failed to persist revised output", "task_id", task.ID, "err", err)
		} else {
			s.fireAsyncEmbedding(ctx, task.ID, out.Output)
		}
	}
	if err := s.repo.UpdateTaskStatus(ctx, task.ID, out.Status); err != nil {
		s.logger.Error("scheduler: failed to record evaluation outcome status", "task_id", task.ID, "err", err)
		return false
	}
	return out.Status == model.StatusDone
}

// fireAsyncEmbedding launches the embedding computation without blocking
// the scheduler, persisting the vector once it resolves.
func (s *Scheduler) fireAsyncEmbedding(ctx context.Context, taskID int64, output string) {
	if s.embeddings == nil || output == "" {
		return
	}
	handle := s.embeddings.GetSingleEmbeddingAsync(ctx, output)
	modelName := s.embeddings.ModelName()
	go func() {
		vectors, err := handle.Await(context.Background())
		if err != nil || len(vectors) == 0 {
			return
		}
		if err := s.repo.StoreTaskEmbedding(context.Background(), taskID, vectors[0], modelName); err != nil {
			s.logger.Warn("scheduler: failed to store async embedding", "task_id", taskID, "err", err)
		}
	}()
}

// buildUnits resolves each task's requires-dependencies within the
// scheduled set (a requires edge pointing outside the set is treated as
// already satisfied, since the scheduler has no handle on it here).
func (s *Scheduler) buildUnits(ctx context.Context, tasks []model.Task) ([]readyUnit, error) {
	inSet := make(map[int64]bool, len(tasks))
	for _, t := range tasks {
		inSet[t.ID] = true
	}
	units := make([]readyUnit, 0, len(tasks))
	for _, t := range tasks {
		links, err := s.repo.ListDependencies(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		var requires []int64
		for _, l := range links {
			if l.Kind == model.LinkRequires && inSet[l.FromTaskID] {
				requires = append(requires, l.FromTaskID)
			}
		}
		units = append(units, readyUnit{task: t, requires: requires})
	}
	return units, nil
}

// order sorts units into the tie-break sequence the chosen strategy
// defines for tasks that become ready at the same time; requires-edge
// gating itself is enforced uniformly by run()'s in-degree tracking.
func (s *Scheduler) order(strategy Strategy, units []readyUnit) ([]readyUnit, error) {
	switch strategy {
	case StrategyDAG, "":
		return topoOrder(units)
	case StrategyBFS:
		return bfsOrder(units), nil
	case StrategyPostorder:
		return postorder(units), nil
	default:
		return nil, fmt.Errorf("scheduler: unknown strategy %q", strategy)
	}
}

// topoOrder produces Kahn's-algorithm order: repeatedly take the
// in-degree-zero frontier, sorted ascending priority then id, append it,
// and decrement dependents.
func topoOrder(units []readyUnit) ([]readyUnit, error) {
	byID := make(map[int64]readyUnit, len(units))
	inDegree := make(map[int64]int, len(units))
	dependents := make(map[int64][]int64, len(units))
	for _, u := range units {
		byID[u.task.ID] = u
		inDegree[u.task.ID] = len(u.requires)
		for _, dep := range u.requires {
			dependents[dep] = append(dependents[dep], u.task.ID)
		}
	}
	var out []readyUnit
	remaining := len(units)
	for remaining > 0 {
		var frontier []readyUnit
		for id, deg := range inDegree {
			if deg == 0 {
				frontier = append(frontier, byID[id])
			}
		}
		if len(frontier) == 0 {
			return nil, fmt.Errorf("scheduler: cyclic or unsatisfiable requires graph")
		}
		sort.Slice(frontier, func(i, j int) bool {
			if frontier[i].task.Priority != frontier[j].task.Priority {
				return frontier[i].task.Priority < frontier[j].task.Priority
			}
			return frontier[i].task.ID < frontier[j].task.ID
		})
		out = append(out, frontier...)
		for _, u := range frontier {
			delete(inDegree, u.task.ID)
			remaining--
			for _, dependent := range dependents[u.task.ID] {
				if d, ok := inDegree[dependent]; ok {
					inDegree[dependent] = d - 1
				}
			}
		}
	}
	return out, nil
}

// bfsOrder groups units by task depth, sorting each level by descending
// priority then ascending id (highest-priority work within a level runs
// first).
func bfsOrder(units []readyUnit) []readyUnit {
	byDepth := map[int][]readyUnit{}
	for _, u := range units {
		byDepth[u.task.Depth] = append(byDepth[u.task.Depth], u)
	}
	depths := make([]int, 0, len(byDepth))
	for d := range byDepth {
		depths = append(depths, d)
	}
	sort.Ints(depths)
	var out []readyUnit
	for _, d := range depths {
		level := byDepth[d]
		sort.Slice(level, func(i, j int) bool {
			if level[i].task.Priority != level[j].task.Priority {
				return level[i].task.Priority > level[j].task.Priority
			}
			return level[i].task.ID < level[j].task.ID
		})
		out = append(out, level...)
	}
	return out
}

// postorder emits children before their parent via depth-first traversal,
// using task.ParentID to determine ancestry within the scheduled set.
func postorder(units []readyUnit) []readyUnit {
	byID := make(map[int64]readyUnit, len(units))
	children := map[int64][]int64{}
	var roots []int64
	inSet := make(map[int64]bool, len(units))
	for _, u := range units {
		inSet[u.task.ID] = true
	}
	for _, u := range units {
		byID[u.task.ID] = u
		if u.task.ParentID != nil && inSet[*u.task.ParentID] {
			children[*u.task.ParentID] = append(children[*u.task.ParentID], u.task.ID)
		} else {
			roots = append(roots, u.task.ID)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })
	for id := range children {
		ids := children[id]
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		children[id] = ids
	}

	var out []readyUnit
	var visit func(id int64)
	visit = func(id int64) {
		for _, c := range children[id] {
			visit(c)
		}
		out = append(out, byID[id])
	}
	for _, r := range roots {
		visit(r)
	}
	return out
}
