package repository

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/taskmesh/engine/internal/apperr"
	"github.com/taskmesh/engine/internal/model"
)

// CreateLink adds a typed directed edge between two tasks. A new requires
// link that would create a cycle under I2 is rejected.
func (r *Repository) CreateLink(ctx context.Context, from, to int64, kind model.LinkKind, priority int) error {
	start := time.Now()
	defer r.recordWrite(ctx, "create_link", start)

	return wrapDBError(r.db.Update(func(tx *bbolt.Tx) error {
		taskBucket := tx.Bucket(bucketTasks)
		fromRaw := taskBucket.Get(encodeID(from))
		toRaw := taskBucket.Get(encodeID(to))
		if fromRaw == nil || toRaw == nil {
			return apperr.Business(apperr.CodeTaskNotFound, "link endpoint not found")
		}
		var fromTask model.Task
		if err := json.Unmarshal(fromRaw, &fromTask); err != nil {
			return err
		}

		if kind == model.LinkRequires {
			if reaches(tx, to, from) {
				return apperr.Business(apperr.CodeCycleDetected, "link would create a dependency cycle").
					WithContext("from", from).WithContext("to", to)
			}
		}

		link := model.Link{FromTaskID: from, ToTaskID: to, Kind: kind, WorkflowID: fromTask.WorkflowID, Priority: priority}
		enc, err := json.Marshal(link)
		if err != nil {
			return err
		}
		linkBucket := tx.Bucket(bucketTaskLinks)
		if err := linkBucket.Put(outLinkKey(from, string(kind), to), enc); err != nil {
			return err
		}
		return linkBucket.Put(inLinkKey(to, string(kind), from), enc)
	}), "create link")
}

// reaches reports whether a requires-edge path exists from start to target,
// via breadth-first traversal over outbound requires links. Used to detect
// whether adding (target -> start) as a requires edge would close a cycle.
func reaches(tx *bbolt.Tx, start, target int64) bool {
	visited := map[int64]bool{start: true}
	queue := []int64{start}
	linkBucket := tx.Bucket(bucketTaskLinks)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == target {
			return true
		}
		c := linkBucket.Cursor()
		prefix := outLinkPrefix(cur)
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var l model.Link
			if err := json.Unmarshal(v, &l); err != nil {
				continue
			}
			if l.Kind != model.LinkRequires {
				continue
			}
			if !visited[l.ToTaskID] {
				visited[l.ToTaskID] = true
				queue = append(queue, l.ToTaskID)
			}
		}
	}
	return false
}

// DeleteLink removes the edge, if present, in both index rows.
func (r *Repository) DeleteLink(ctx context.Context, from, to int64, kind model.LinkKind) error {
	start := time.Now()
	defer r.recordWrite(ctx, "delete_link", start)

	return wrapDBError(r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTaskLinks)
		if err := b.Delete(outLinkKey(from, string(kind), to)); err != nil {
			return err
		}
		return b.Delete(inLinkKey(to, string(kind), from))
	}), "delete link")
}

// ListLinks returns every outbound link from a task.
func (r *Repository) ListLinks(ctx context.Context, from int64) ([]model.Link, error) {
	start := time.Now()
	defer r.recordRead(ctx, "list_links", start)

	var links []model.Link
	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketTaskLinks).Cursor()
		prefix := outLinkPrefix(from)
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var l model.Link
			if err := json.Unmarshal(v, &l); err != nil {
				continue
			}
			links = append(links, l)
		}
		return nil
	})
	return links, wrapDBError(err, "list links")
}

// ListDependencies returns inbound links (dependencies of id), requires
// first then refers, each group ordered by priority ascending (lower
// priority value sorts earlier, matching the scheduler's ready-queue
// tiebreak) then id.
func (r *Repository) ListDependencies(ctx context.Context, id int64) ([]model.Link, error) {
	start := time.Now()
	defer r.recordRead(ctx, "list_dependencies", start)

	var links []model.Link
	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketTaskLinks).Cursor()
		prefix := inLinkPrefix(id)
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var l model.Link
			if err := json.Unmarshal(v, &l); err != nil {
				continue
			}
			links = append(links, l)
		}
		return nil
	})
	if err != nil {
		return nil, wrapDBError(err, "list dependencies")
	}
	sort.SliceStable(links, func(i, j int) bool {
		if links[i].Kind != links[j].Kind {
			return links[i].Kind == model.LinkRequires
		}
		if links[i].Priority != links[j].Priority {
			return links[i].Priority < links[j].Priority
		}
		return links[i].FromTaskID < links[j].FromTaskID
	})
	return links, nil
}
