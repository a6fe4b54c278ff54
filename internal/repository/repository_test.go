package repository

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"go.etcd.io/bbolt"

	"github.com/taskmesh/engine/internal/model"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, 50, nil)
}

func TestCreateTaskAssignsWorkflowAndPath(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	rootID, err := r.CreateTask(ctx, nil, "root task", model.StatusPending, 0, model.TaskTypeRoot, nil)
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	childID, err := r.CreateTask(ctx, &rootID, "child task", model.StatusPending, 0, model.TaskTypeAtomic, nil)
	if err != nil {
		t.Fatalf("create child: %v", err)
	}

	root, _ := r.GetTask(ctx, rootID)
	child, _ := r.GetTask(ctx, childID)

	if root.WorkflowID == "" {
		t.Fatalf("expected root to get a workflow id")
	}
	if child.WorkflowID != root.WorkflowID {
		t.Fatalf("expected child to inherit root's workflow id")
	}
	if child.Depth != 1 {
		t.Fatalf("expected child depth 1, got %d", child.Depth)
	}
}

func TestUpdateTaskStatusEnforcesStateMachine(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	id, _ := r.CreateTask(ctx, nil, "t", model.StatusPending, 0, model.TaskTypeAtomic, nil)

	if err := r.UpdateTaskStatus(ctx, id, model.StatusDone); err == nil {
		t.Fatalf("expected pending->done to be rejected")
	}
	if err := r.UpdateTaskStatus(ctx, id, model.StatusRunning); err != nil {
		t.Fatalf("expected pending->running to succeed: %v", err)
	}
	if err := r.UpdateTaskStatus(ctx, id, model.StatusDone); err != nil {
		t.Fatalf("expected running->done to succeed: %v", err)
	}
}

func TestCreateLinkRejectsCycle(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	a, _ := r.CreateTask(ctx, nil, "a", model.StatusPending, 0, model.TaskTypeAtomic, nil)
	b, _ := r.CreateTask(ctx, nil, "b", model.StatusPending, 0, model.TaskTypeAtomic, nil)

	if err := r.CreateLink(ctx, a, b, model.LinkRequires, 0); err != nil {
		t.Fatalf("unexpected error creating a->b: %v", err)
	}
	if err := r.CreateLink(ctx, b, a, model.LinkRequires, 0); err == nil {
		t.Fatalf("expected b->a to be rejected as a cycle")
	}
}

func TestListDependenciesOrdersRequiresBeforeRefers(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	target, _ := r.CreateTask(ctx, nil, "target", model.StatusPending, 0, model.TaskTypeAtomic, nil)
	dep1, _ := r.CreateTask(ctx, nil, "dep1", model.StatusPending, 0, model.TaskTypeAtomic, nil)
	dep2, _ := r.CreateTask(ctx, nil, "dep2", model.StatusPending, 0, model.TaskTypeAtomic, nil)

	if err := r.CreateLink(ctx, dep1, target, model.LinkRefers, 0); err != nil {
		t.Fatalf("create refers link: %v", err)
	}
	if err := r.CreateLink(ctx, dep2, target, model.LinkRequires, 0); err != nil {
		t.Fatalf("create requires link: %v", err)
	}

	deps, err := r.ListDependencies(ctx, target)
	if err != nil {
		t.Fatalf("list dependencies: %v", err)
	}
	if len(deps) != 2 {
		t.Fatalf("expected 2 dependencies, got %d", len(deps))
	}
	if deps[0].Kind != model.LinkRequires {
		t.Fatalf("expected requires link first, got %v", deps[0].Kind)
	}
}

func TestMoveTaskRewritesSubtreePaths(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	root, _ := r.CreateTask(ctx, nil, "root", model.StatusPending, 0, model.TaskTypeRoot, nil)
	mid, _ := r.CreateTask(ctx, &root, "mid", model.StatusPending, 0, model.TaskTypeComposite, nil)
	leaf, _ := r.CreateTask(ctx, &mid, "leaf", model.StatusPending, 0, model.TaskTypeAtomic, nil)

	other, _ := r.CreateTask(ctx, nil, "other-root", model.StatusPending, 0, model.TaskTypeRoot, nil)
	_ = other

	if err := r.MoveTask(ctx, mid, nil); err != nil {
		t.Fatalf("move task: %v", err)
	}

	movedMid, _ := r.GetTask(ctx, mid)
	movedLeaf, _ := r.GetTask(ctx, leaf)
	if movedMid.Depth != 0 {
		t.Fatalf("expected moved mid to be a new root, got depth %d", movedMid.Depth)
	}
	if movedLeaf.Depth != 1 {
		t.Fatalf("expected leaf depth to follow mid, got %d", movedLeaf.Depth)
	}
}

func TestMigrateWorkflowIsolationBackfillsLegacyRows(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	// simulate legacy rows written before workflow assignment existed by
	// clearing workflow_id directly.
	root, _ := r.CreateTask(ctx, nil, "legacy root", model.StatusPending, 0, model.TaskTypeRoot, nil)
	child, _ := r.CreateTask(ctx, &root, "legacy child", model.StatusPending, 0, model.TaskTypeAtomic, nil)

	clearWorkflowID(t, r, root)
	clearWorkflowID(t, r, child)

	if err := r.MigrateWorkflowIsolation(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	rootAfter, _ := r.GetTask(ctx, root)
	childAfter, _ := r.GetTask(ctx, child)
	if rootAfter.WorkflowID == "" {
		t.Fatalf("expected root to get a synthetic workflow id")
	}
	if childAfter.WorkflowID != rootAfter.WorkflowID {
		t.Fatalf("expected child to inherit root's synthetic workflow id")
	}
	if _, found, _ := r.GetWorkflow(ctx, rootAfter.WorkflowID); !found {
		t.Fatalf("expected a workflow row to be created for the root")
	}
}

func clearWorkflowID(t *testing.T, r *Repository, id int64) {
	t.Helper()
	task, err := r.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	task.WorkflowID = ""
	saveTaskDirect(t, r, task)
}

func saveTaskDirect(t *testing.T, r *Repository, task model.Task) {
	t.Helper()
	enc, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	err = r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).Put(encodeID(task.ID), enc)
	})
	if err != nil {
		t.Fatalf("save task: %v", err)
	}
}
