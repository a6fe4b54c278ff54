package repository

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/taskmesh/engine/internal/apperr"
	"github.com/taskmesh/engine/internal/model"
)

// PutWorkflow stores a workflow, archiving any prior version under the
// versions bucket before overwrite.
func (r *Repository) PutWorkflow(ctx context.Context, wf model.Workflow) error {
	start := time.Now()
	defer r.recordWrite(ctx, "put_workflow", start)

	enc, err := json.Marshal(wf)
	if err != nil {
		return wrapDBError(err, "put workflow")
	}
	return wrapDBError(r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketWorkflows)
		if existing := b.Get([]byte(wf.WorkflowID)); existing != nil {
			versionKey := []byte(wf.WorkflowID + ":" + time.Now().Format(time.RFC3339Nano))
			if err := tx.Bucket(bucketVersions).Put(versionKey, existing); err != nil {
				return err
			}
		}
		return b.Put([]byte(wf.WorkflowID), enc)
	}), "put workflow")
}

// GetWorkflow retrieves a workflow by id.
func (r *Repository) GetWorkflow(ctx context.Context, workflowID string) (model.Workflow, bool, error) {
	start := time.Now()
	defer r.recordRead(ctx, "get_workflow", start)

	var wf model.Workflow
	found := false
	err := r.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketWorkflows).Get([]byte(workflowID))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &wf)
	})
	if err != nil {
		return model.Workflow{}, false, wrapDBError(err, "get workflow")
	}
	if !found {
		return model.Workflow{}, false, apperr.Business(apperr.CodeTaskNotFound, "workflow not found").WithContext("workflow_id", workflowID)
	}
	return wf, true, nil
}

// ListWorkflows returns every workflow, newest first, paginated.
func (r *Repository) ListWorkflows(ctx context.Context, limit, offset int) ([]model.Workflow, error) {
	start := time.Now()
	defer r.recordRead(ctx, "list_workflows", start)

	var all []model.Workflow
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).ForEach(func(_, v []byte) error {
			var wf model.Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				return nil
			}
			all = append(all, wf)
			return nil
		})
	})
	if err != nil {
		return nil, wrapDBError(err, "list workflows")
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}
