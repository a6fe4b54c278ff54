// Package repository is the single source of truth for tasks, links,
// outputs, embeddings, snapshots, and workflows, persisted in one bbolt
// database with one bucket per entity. Grounded on
// orchestrator_src/persistence.go's WorkflowStore (bucket layout,
// versioning-on-overwrite, cache-then-store reads, soft-delete-with-archive).
package repository

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketTasks        = []byte("tasks")
	bucketTaskLinks     = []byte("task_links")
	bucketTaskEmbeddings = []byte("task_embeddings")
	bucketTaskContexts  = []byte("task_contexts")
	bucketWorkflows     = []byte("workflows")
	bucketEvaluations   = []byte("evaluation_iterations")
	bucketJobs          = []byte("jobs")
	bucketVersions      = []byte("task_versions")
)

// allBuckets lists every bucket the engine's single database file carries;
// OpenDB creates all of them. The jobs bucket is created but nothing writes
// to it: the job registry keeps its records in memory.
var allBuckets = [][]byte{
	bucketTasks, bucketTaskLinks, bucketTaskEmbeddings, bucketTaskContexts,
	bucketWorkflows, bucketEvaluations, bucketJobs, bucketVersions,
}

// OpenDB opens (creating if absent) the engine's single bbolt database file
// at path, with every bucket present.
func OpenDB(path string) (*bbolt.DB, error) {
	opts := &bbolt.Options{Timeout: 2 * time.Second}
	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return db, nil
}
