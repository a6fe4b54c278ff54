package repository

import (
	"context"
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"

	"github.com/taskmesh/engine/internal/model"
)

// UpsertTaskContext persists a labeled context snapshot for a task. A
// re-save with the same label replaces the prior snapshot under that label.
func (r *Repository) UpsertTaskContext(ctx context.Context, taskID int64, bundle model.Bundle, label string) error {
	start := time.Now()
	defer r.recordWrite(ctx, "upsert_context", start)

	if label == "" {
		label = "latest"
	}
	snap := model.Snapshot{TaskID: taskID, Label: label, Bundle: bundle, CreatedAt: time.Now()}
	enc, err := json.Marshal(snap)
	if err != nil {
		return wrapDBError(err, "upsert context")
	}
	return wrapDBError(r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTaskContexts).Put(contextKey(taskID, label), enc)
	}), "upsert context")
}

// GetTaskContext returns the snapshot for a task under label.
func (r *Repository) GetTaskContext(ctx context.Context, taskID int64, label string) (model.Snapshot, bool, error) {
	start := time.Now()
	defer r.recordRead(ctx, "get_context", start)

	if label == "" {
		label = "latest"
	}
	var snap model.Snapshot
	found := false
	err := r.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketTaskContexts).Get(contextKey(taskID, label))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &snap)
	})
	return snap, found, wrapDBError(err, "get context")
}

// ListTaskContextLabels returns every snapshot label persisted for a task.
func (r *Repository) ListTaskContextLabels(ctx context.Context, taskID int64) ([]string, error) {
	start := time.Now()
	defer r.recordRead(ctx, "list_context_labels", start)

	var labels []string
	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketTaskContexts).Cursor()
		prefix := contextPrefix(taskID)
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var snap model.Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				continue
			}
			labels = append(labels, snap.Label)
		}
		return nil
	})
	return labels, wrapDBError(err, "list context labels")
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
