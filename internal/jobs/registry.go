// Package jobs implements an async job registry: long-running plan
// decompositions run as background jobs with a log feed, an action feed,
// and subscriber channels for server-sent-event delivery. Grounded on
// orchestrator_src/cancellation.go's per-execution lock and cleanup-loop
// pattern, generalized from one cancellation flag per workflow to a full
// job lifecycle with streamed events.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/taskmesh/engine/internal/apperr"
	"github.com/taskmesh/engine/internal/model"
)

const heartbeatIdle = 15 * time.Second

// Event is one message delivered to a job's subscribers.
type Event struct {
	Type      string // log | action | complete | heartbeat | overflow
	JobID     string
	Level     string
	Message   string
	Data      map[string]any
	Cursor    int64
	Snapshot  model.AsyncJob
	Timestamp time.Time
}

type subscriber struct {
	ch chan Event
}

// jobEntry owns one job's mutable state. mu guards both the job record and
// its subscriber set; broadcasting to subscribers always happens after mu
// is released, per the registry's concurrency contract.
type jobEntry struct {
	mu           sync.Mutex
	job          model.AsyncJob
	subscribers  map[*subscriber]struct{}
	lastActivity time.Time
	nextCursor   int64
}

// Registry owns every job's state and subscriber set.
type Registry struct {
	mu         sync.RWMutex // guards entries map membership only
	entries    map[string]*jobEntry
	bufferSize int
	bridge     *natsBridge

	jobsCreated   metric.Int64Counter
	jobsCompleted metric.Int64Counter

	stopCh chan struct{}
	doneCh chan struct{}
}

// New returns a registry whose subscriber channels buffer bufferSize
// events before a slow subscriber is disconnected. bridge may be nil to
// keep delivery strictly in-process.
func New(bufferSize int, meter metric.Meter, bridge *natsBridge) *Registry {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	r := &Registry{
		entries:    make(map[string]*jobEntry),
		bufferSize: bufferSize,
		bridge:     bridge,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	if meter != nil {
		r.jobsCreated, _ = meter.Int64Counter("engine_jobs_created_total")
		r.jobsCompleted, _ = meter.Int64Counter("engine_jobs_completed_total")
	}
	go r.housekeeper(5 * time.Second)
	return r
}

// Close stops the heartbeat housekeeper.
func (r *Registry) Close() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Registry) lookup(id string) (*jobEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// CreateJob registers a new queued job and returns its id.
func (r *Registry) CreateJob(ctx context.Context, kind string, params, metadata map[string]any) (string, error) {
	id := uuid.NewString()
	now := time.Now()
	job := model.AsyncJob{
		JobID: id, Kind: kind, Status: model.JobQueued,
		Params: params, Stats: map[string]any{}, CreatedAt: now,
	}
	_ = metadata // not stored on the job record

	entry := &jobEntry{job: job, subscribers: make(map[*subscriber]struct{}), lastActivity: now}
	r.mu.Lock()
	r.entries[id] = entry
	r.mu.Unlock()

	if r.jobsCreated != nil {
		r.jobsCreated.Add(ctx, 1)
	}
	return id, nil
}

// StartJob transitions a queued job to running.
func (r *Registry) StartJob(ctx context.Context, id string) error {
	return r.mutate(ctx, id, func(e *jobEntry) (Event, bool) {
		if e.job.Status != model.JobQueued {
			return Event{}, false
		}
		now := time.Now()
		e.job.Status = model.JobRunning
		e.job.StartedAt = &now
		return Event{Type: "action", JobID: id, Message: "started", Timestamp: now}, true
	})
}

// AppendLog appends one log line and broadcasts it to subscribers.
func (r *Registry) AppendLog(ctx context.Context, id, level, message string, data map[string]any) error {
	return r.mutate(ctx, id, func(e *jobEntry) (Event, bool) {
		entry := model.LogEntry{Level: level, Message: message, Data: data, Timestamp: time.Now()}
		e.job.Logs = append(e.job.Logs, entry)
		return Event{Type: "log", JobID: id, Level: level, Message: message, Data: data, Timestamp: entry.Timestamp}, true
	})
}

// AppendAction appends one action entry with a monotonically advancing cursor.
func (r *Registry) AppendAction(ctx context.Context, id, action string, data map[string]any) error {
	return r.mutate(ctx, id, func(e *jobEntry) (Event, bool) {
		e.nextCursor++
		entry := model.ActionEntry{Cursor: e.nextCursor, Action: action, Data: data, Timestamp: time.Now()}
		e.job.ActionLogs = append(e.job.ActionLogs, entry)
		return Event{Type: "action", JobID: id, Message: action, Data: data, Cursor: entry.Cursor, Timestamp: entry.Timestamp}, true
	})
}

// CompleteJob makes a terminal transition, carrying either a result or an
// error (exactly one should be non-nil). Subscribers receive the final
// event and are closed after it drains.
func (r *Registry) CompleteJob(ctx context.Context, id string, result any, jobErr error) error {
	err := r.mutate(ctx, id, func(e *jobEntry) (Event, bool) {
		if e.job.Status == model.JobSucceeded || e.job.Status == model.JobFailed {
			return Event{}, false
		}
		now := time.Now()
		e.job.CompletedAt = &now
		if jobErr != nil {
			e.job.Status = model.JobFailed
			e.job.Error = jobErr.Error()
		} else {
			e.job.Status = model.JobSucceeded
			e.job.Result = result
		}
		return Event{Type: "complete", JobID: id, Snapshot: e.job, Timestamp: now}, true
	})
	if err != nil {
		return err
	}
	if r.jobsCompleted != nil {
		r.jobsCompleted.Add(ctx, 1)
	}
	r.closeSubscribers(id)
	return nil
}

// GetJob returns a point-in-time snapshot; logs are omitted unless requested.
func (r *Registry) GetJob(ctx context.Context, id string, includeLogs bool) (model.AsyncJob, error) {
	entry, ok := r.lookup(id)
	if !ok {
		return model.AsyncJob{}, apperr.Business(apperr.CodeJobNotFound, "job not found").WithContext("job_id", id)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	snap := entry.job
	if !includeLogs {
		snap.Logs = nil
	}
	return snap, nil
}

// mutate runs fn under the job's lock, then broadcasts the returned event
// after the lock is released.
func (r *Registry) mutate(ctx context.Context, id string, fn func(*jobEntry) (Event, bool)) error {
	entry, ok := r.lookup(id)
	if !ok {
		return apperr.Business(apperr.CodeJobNotFound, "job not found").WithContext("job_id", id)
	}

	entry.mu.Lock()
	ev, changed := fn(entry)
	if changed {
		entry.lastActivity = time.Now()
	}
	entry.mu.Unlock()

	if changed {
		r.broadcast(ctx, id, entry, ev)
	}
	return nil
}
