package repository

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/taskmesh/engine/internal/model"
)

// PutEvaluationIteration persists one pass of the evaluation-driven
// re-execution loop.
func (r *Repository) PutEvaluationIteration(ctx context.Context, it model.EvaluationIteration) error {
	start := time.Now()
	defer r.recordWrite(ctx, "put_evaluation", start)

	enc, err := json.Marshal(it)
	if err != nil {
		return wrapDBError(err, "put evaluation")
	}
	return wrapDBError(r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEvaluations).Put(evaluationKey(it.TaskID, it.Iteration), enc)
	}), "put evaluation")
}

// ListEvaluationIterations returns every iteration recorded for a task, in
// iteration order.
func (r *Repository) ListEvaluationIterations(ctx context.Context, taskID int64) ([]model.EvaluationIteration, error) {
	start := time.Now()
	defer r.recordRead(ctx, "list_evaluations", start)

	var out []model.EvaluationIteration
	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEvaluations).Cursor()
		prefix := evaluationPrefix(taskID)
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var it model.EvaluationIteration
			if err := json.Unmarshal(v, &it); err != nil {
				continue
			}
			out = append(out, it)
		}
		return nil
	})
	if err != nil {
		return nil, wrapDBError(err, "list evaluations")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Iteration < out[j].Iteration })
	return out, nil
}
