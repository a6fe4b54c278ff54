package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/taskmesh/engine/internal/model"
)

// MigrateWorkflowIsolation backfills workflow membership for task rows
// written before workflows existed, reproducing the original schema
// migration's semantics: every parentless task gets a synthetic workflow
// ("wf_<root_id>") when it has none, and every descendant inherits its
// root's workflow id and (if unset) session id, derived from its path when
// its own workflow_id field is empty.
func (r *Repository) MigrateWorkflowIsolation(ctx context.Context) error {
	start := time.Now()
	defer r.recordWrite(ctx, "migrate_workflow_isolation", start)

	return wrapDBError(r.db.Update(func(tx *bbolt.Tx) error {
		tasks, err := loadAllTasks(tx)
		if err != nil {
			return err
		}

		rootSessions := make(map[int64]string)

		for i := range tasks {
			t := &tasks[i]
			if t.ParentID != nil {
				continue
			}
			if t.WorkflowID == "" {
				t.WorkflowID = fmt.Sprintf("wf_%d", t.ID)
			}
			if t.SessionID == "" {
				t.SessionID = "default"
			}
			rootSessions[t.ID] = t.SessionID

			wf := model.Workflow{
				WorkflowID: t.WorkflowID, SessionID: t.SessionID, RootTaskID: t.ID,
				Title: t.Name, CreatedAt: time.Now(),
			}
			if wf.Title == "" {
				wf.Title = fmt.Sprintf("Root %d", t.ID)
			}
			if err := putWorkflowLocked(tx, wf); err != nil {
				return err
			}
		}

		for i := range tasks {
			t := &tasks[i]
			if t.ParentID == nil {
				continue
			}
			if t.WorkflowID != "" {
				continue
			}
			rootID := extractRootID(t.Path)
			if rootID == 0 {
				continue
			}
			t.WorkflowID = fmt.Sprintf("wf_%d", rootID)
			if t.SessionID == "" {
				if s, ok := rootSessions[rootID]; ok {
					t.SessionID = s
				}
			}
		}

		b := tx.Bucket(bucketTasks)
		for _, t := range tasks {
			enc, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if err := b.Put(encodeID(t.ID), enc); err != nil {
				return err
			}
		}
		return nil
	}), "migrate workflow isolation")
}

func loadAllTasks(tx *bbolt.Tx) ([]model.Task, error) {
	var tasks []model.Task
	err := tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
		var t model.Task
		if err := json.Unmarshal(v, &t); err != nil {
			return nil
		}
		tasks = append(tasks, t)
		return nil
	})
	return tasks, err
}

func putWorkflowLocked(tx *bbolt.Tx, wf model.Workflow) error {
	enc, err := json.Marshal(wf)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketWorkflows).Put([]byte(wf.WorkflowID), enc)
}

func extractRootID(path string) int64 {
	ids := pathIDs(path)
	if len(ids) == 0 {
		return 0
	}
	return ids[0]
}
