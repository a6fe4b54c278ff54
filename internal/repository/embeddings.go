package repository

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/taskmesh/engine/internal/model"
)

// StoreTaskEmbedding upserts the current vector for (task, model), enforcing
// I4: at most one row per (task, model) pair.
func (r *Repository) StoreTaskEmbedding(ctx context.Context, taskID int64, vector []float32, modelName string) error {
	start := time.Now()
	defer r.recordWrite(ctx, "store_embedding", start)

	emb := model.Embedding{TaskID: taskID, Model: modelName, Vector: vector, Dimension: len(vector), CreatedAt: time.Now()}
	enc, err := json.Marshal(emb)
	if err != nil {
		return wrapDBError(err, "store embedding")
	}
	return wrapDBError(r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTaskEmbeddings).Put(embeddingKey(taskID, modelName), enc)
	}), "store embedding")
}

// GetTasksWithEmbeddings streams (task, vector) pairs for the given model,
// for use by the retrieval component's candidate universe.
func (r *Repository) GetTasksWithEmbeddings(ctx context.Context, modelName string) ([]model.Embedding, error) {
	start := time.Now()
	defer r.recordRead(ctx, "get_tasks_with_embeddings", start)

	var out []model.Embedding
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTaskEmbeddings).ForEach(func(k, v []byte) error {
			if !strings.HasSuffix(string(k), ":"+modelName) {
				return nil
			}
			var e model.Embedding
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			out = append(out, e)
			return nil
		})
	})
	return out, wrapDBError(err, "get tasks with embeddings")
}

// GetTaskEmbedding returns the current vector for (task, model), if any.
func (r *Repository) GetTaskEmbedding(ctx context.Context, taskID int64, modelName string) (model.Embedding, bool, error) {
	start := time.Now()
	defer r.recordRead(ctx, "get_embedding", start)

	var emb model.Embedding
	found := false
	err := r.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketTaskEmbeddings).Get(embeddingKey(taskID, modelName))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &emb)
	})
	return emb, found, wrapDBError(err, "get embedding")
}
