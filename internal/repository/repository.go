package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/taskmesh/engine/internal/apperr"
	"github.com/taskmesh/engine/internal/model"
)

// allowedTransitions is the task status state machine from the engine's
// lifecycle contract: pending -> running -> {done, failed, needs_review};
// needs_review -> running (rerun); done -> running only via explicit rerun;
// running -> pending covers a scheduler cancellation cooperatively reverting
// an in-flight task so a later run can retry it.
var allowedTransitions = map[model.TaskStatus][]model.TaskStatus{
	model.StatusPending:     {model.StatusRunning},
	model.StatusRunning:     {model.StatusDone, model.StatusFailed, model.StatusNeedsReview, model.StatusPending},
	model.StatusNeedsReview: {model.StatusRunning},
	model.StatusDone:        {model.StatusRunning},
	model.StatusFailed:      {model.StatusRunning},
}

// Repository is the single source of truth for tasks, links, outputs,
// embeddings, snapshots, and workflows.
type Repository struct {
	db *bbolt.DB

	mu        sync.Mutex // serializes the id sequence and moveTask's subtree rewrite
	maxDepth  int

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// New wraps an already-open database (see OpenDB) with repository operations.
func New(db *bbolt.DB, maxDepth int, meter metric.Meter) *Repository {
	r := &Repository{db: db, maxDepth: maxDepth}
	if meter != nil {
		r.readLatency, _ = meter.Float64Histogram("engine_repository_read_ms")
		r.writeLatency, _ = meter.Float64Histogram("engine_repository_write_ms")
	}
	return r
}

func (r *Repository) recordRead(ctx context.Context, op string, start time.Time) {
	if r.readLatency != nil {
		r.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", op)))
	}
}

func (r *Repository) recordWrite(ctx context.Context, op string, start time.Time) {
	if r.writeLatency != nil {
		r.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", op)))
	}
}

// CreateTask assigns the task a new id, derives its workflow from the
// parent (or mints a new workflow when parent is nil), appends its path,
// and persists it. The assigned id is unique, the path always reflects
// parentage, and workflow membership always matches the root's.
func (r *Repository) CreateTask(ctx context.Context, parentID *int64, name string, status model.TaskStatus, priority int, taskType model.TaskType, metadata map[string]any) (int64, error) {
	start := time.Now()
	defer r.recordWrite(ctx, "create_task", start)

	r.mu.Lock()
	defer r.mu.Unlock()

	var newID int64
	err := r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		newID = int64(seq)

		now := time.Now()
		task := model.Task{
			ID: newID, ParentID: parentID, Name: name, ShortName: shortName(name),
			Status: status, Priority: priority, Type: taskType, Metadata: metadata,
			CreatedAt: now, UpdatedAt: now,
		}

		if parentID == nil {
			task.Path = fmt.Sprintf("/%d", newID)
			task.Depth = 0
			task.WorkflowID = uuid.NewString()
		} else {
			parentRaw := b.Get(encodeID(*parentID))
			if parentRaw == nil {
				return apperr.Business(apperr.CodeTaskNotFound, "parent task not found").WithContext("parent_id", *parentID)
			}
			var parent model.Task
			if err := json.Unmarshal(parentRaw, &parent); err != nil {
				return err
			}
			task.Path = fmt.Sprintf("%s/%d", parent.Path, newID)
			task.Depth = parent.Depth + 1
			task.WorkflowID = parent.WorkflowID
			task.SessionID = parent.SessionID
		}

		raw, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put(encodeID(newID), raw)
	})
	if err != nil {
		return 0, wrapDBError(err, "create task")
	}
	return newID, nil
}

func shortName(name string) string {
	if i := strings.IndexByte(name, ' '); i > 0 && i < 40 {
		return name[:i]
	}
	if len(name) > 40 {
		return name[:40]
	}
	return name
}

// GetTask returns the task by id.
func (r *Repository) GetTask(ctx context.Context, id int64) (model.Task, error) {
	start := time.Now()
	defer r.recordRead(ctx, "get_task", start)

	var task model.Task
	found := false
	err := r.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketTasks).Get(encodeID(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &task)
	})
	if err != nil {
		return model.Task{}, wrapDBError(err, "get task")
	}
	if !found {
		return model.Task{}, apperr.Business(apperr.CodeTaskNotFound, "task not found").WithContext("task_id", id)
	}
	return task, nil
}

// UpdateTaskStatus transitions the task's status per the state machine,
// rejecting any transition not explicitly allowed.
func (r *Repository) UpdateTaskStatus(ctx context.Context, id int64, newStatus model.TaskStatus) error {
	start := time.Now()
	defer r.recordWrite(ctx, "update_status", start)

	return wrapDBError(r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		raw := b.Get(encodeID(id))
		if raw == nil {
			return apperr.Business(apperr.CodeTaskNotFound, "task not found").WithContext("task_id", id)
		}
		var task model.Task
		if err := json.Unmarshal(raw, &task); err != nil {
			return err
		}
		if !transitionAllowed(task.Status, newStatus) {
			return apperr.Business(apperr.CodeInvalidTransition, "invalid task status transition").
				WithContext("from", task.Status).WithContext("to", newStatus)
		}
		task.Status = newStatus
		task.UpdatedAt = time.Now()
		enc, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put(encodeID(id), enc)
	}), "update task status")
}

func transitionAllowed(from, to model.TaskStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// UpsertTaskInput replaces the task's input prompt.
func (r *Repository) UpsertTaskInput(ctx context.Context, id int64, prompt string) error {
	return r.mutateTask(ctx, "upsert_input", id, func(t *model.Task) {
		t.InputPrompt = prompt
	})
}

// UpsertTaskOutput replaces the task's output content. The caller (the
// scheduler, per 4.G) is responsible for triggering the best-effort async
// embedding this implies; the repository only persists content here.
func (r *Repository) UpsertTaskOutput(ctx context.Context, id int64, content string) error {
	return r.mutateTask(ctx, "upsert_output", id, func(t *model.Task) {
		t.OutputContent = content
	})
}

func (r *Repository) mutateTask(ctx context.Context, op string, id int64, mutate func(*model.Task)) error {
	start := time.Now()
	defer r.recordWrite(ctx, op, start)

	return wrapDBError(r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		raw := b.Get(encodeID(id))
		if raw == nil {
			return apperr.Business(apperr.CodeTaskNotFound, "task not found").WithContext("task_id", id)
		}
		var task model.Task
		if err := json.Unmarshal(raw, &task); err != nil {
			return err
		}
		mutate(&task)
		task.UpdatedAt = time.Now()
		enc, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put(encodeID(id), enc)
	}), op)
}

// MoveTask reparents id under newParentID (or makes it a root when nil),
// rewriting the path of its entire subtree. The new parent must belong to
// the same workflow.
func (r *Repository) MoveTask(ctx context.Context, id int64, newParentID *int64) error {
	start := time.Now()
	defer r.recordWrite(ctx, "move_task", start)

	r.mu.Lock()
	defer r.mu.Unlock()

	return wrapDBError(r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		raw := b.Get(encodeID(id))
		if raw == nil {
			return apperr.Business(apperr.CodeTaskNotFound, "task not found").WithContext("task_id", id)
		}
		var task model.Task
		if err := json.Unmarshal(raw, &task); err != nil {
			return err
		}

		oldPath := task.Path
		var newPath string
		var newDepth int
		if newParentID == nil {
			newPath = fmt.Sprintf("/%d", id)
			newDepth = 0
		} else {
			parentRaw := b.Get(encodeID(*newParentID))
			if parentRaw == nil {
				return apperr.Business(apperr.CodeTaskNotFound, "new parent not found").WithContext("parent_id", *newParentID)
			}
			var parent model.Task
			if err := json.Unmarshal(parentRaw, &parent); err != nil {
				return err
			}
			if parent.WorkflowID != task.WorkflowID {
				return apperr.Business(apperr.CodeWorkflowMismatch, "new parent belongs to a different workflow")
			}
			newPath = fmt.Sprintf("%s/%d", parent.Path, id)
			newDepth = parent.Depth + 1
		}

		c := b.Cursor()
		prefix := []byte(oldPath)
		var toRewrite []model.Task
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t model.Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			if t.Path == oldPath || strings.HasPrefix(t.Path, string(prefix)+"/") {
				toRewrite = append(toRewrite, t)
			}
		}

		for _, t := range toRewrite {
			suffix := strings.TrimPrefix(t.Path, oldPath)
			t.Path = newPath + suffix
			t.Depth = newDepth + strings.Count(suffix, "/")
			if t.ID == id {
				t.ParentID = newParentID
			}
			enc, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if err := b.Put(encodeID(t.ID), enc); err != nil {
				return err
			}
		}
		return nil
	}), "move task")
}

// GetAncestors walks up from id to the workflow root, bounded by maxDepth.
func (r *Repository) GetAncestors(ctx context.Context, id int64) ([]model.Task, error) {
	task, err := r.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	ids := pathIDs(task.Path)
	var ancestors []model.Task
	for i := len(ids) - 2; i >= 0 && len(ancestors) < r.maxDepth; i-- {
		t, err := r.GetTask(ctx, ids[i])
		if err != nil {
			break
		}
		ancestors = append(ancestors, t)
	}
	return ancestors, nil
}

// GetChildren returns the direct children of id.
func (r *Repository) GetChildren(ctx context.Context, id int64) ([]model.Task, error) {
	all, err := r.scanTasks(ctx)
	if err != nil {
		return nil, err
	}
	var children []model.Task
	for _, t := range all {
		if t.ParentID != nil && *t.ParentID == id {
			children = append(children, t)
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].ID < children[j].ID })
	return children, nil
}

// GetSubtree returns id and every descendant, bounded by maxDepth below id.
func (r *Repository) GetSubtree(ctx context.Context, id int64) ([]model.Task, error) {
	root, err := r.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	all, err := r.scanTasks(ctx)
	if err != nil {
		return nil, err
	}
	prefix := root.Path + "/"
	subtree := []model.Task{root}
	for _, t := range all {
		if t.ID == id {
			continue
		}
		if strings.HasPrefix(t.Path, prefix) && t.Depth-root.Depth <= r.maxDepth {
			subtree = append(subtree, t)
		}
	}
	sort.Slice(subtree, func(i, j int) bool { return subtree[i].Path < subtree[j].Path })
	return subtree, nil
}

// ListPlanTasks returns tasks whose name carries the bracketed prefix
// "[planTitle]", ordered by priority descending then id.
func (r *Repository) ListPlanTasks(ctx context.Context, planTitle string) ([]model.Task, error) {
	all, err := r.scanTasks(ctx)
	if err != nil {
		return nil, err
	}
	bracket := "[" + planTitle + "]"
	var out []model.Task
	for _, t := range all {
		if strings.HasPrefix(t.Name, bracket) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *Repository) scanTasks(ctx context.Context) ([]model.Task, error) {
	start := time.Now()
	defer r.recordRead(ctx, "scan_tasks", start)

	var all []model.Task
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var t model.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return nil
			}
			all = append(all, t)
			return nil
		})
	})
	return all, wrapDBError(err, "scan tasks")
}

func pathIDs(path string) []int64 {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		var id int64
		if _, err := fmt.Sscanf(p, "%d", &id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func wrapDBError(err error, op string) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*apperr.EngineError); ok {
		return err
	}
	return apperr.Database(apperr.CodeDatabaseError, "repository operation failed: "+op, err)
}
