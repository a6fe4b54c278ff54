package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/taskmesh/engine/internal/apperr"
	"github.com/taskmesh/engine/internal/model"
)

// Subscribe returns a channel of events for one job plus an unsubscribe
// func. The channel is closed once the job completes and its final event
// has drained, or when the subscriber is disconnected for overflow.
func (r *Registry) Subscribe(id string) (<-chan Event, func(), error) {
	entry, ok := r.lookup(id)
	if !ok {
		return nil, nil, jobNotFound(id)
	}
	// One slot beyond bufferSize stays free for the final overflow event.
	sub := &subscriber{ch: make(chan Event, r.bufferSize+1)}

	entry.mu.Lock()
	entry.subscribers[sub] = struct{}{}
	entry.mu.Unlock()

	unsub := func() {
		entry.mu.Lock()
		if _, ok := entry.subscribers[sub]; ok {
			delete(entry.subscribers, sub)
			close(sub.ch)
		}
		entry.mu.Unlock()
	}
	return sub.ch, unsub, nil
}

// broadcast delivers ev to every current subscriber of id without holding
// entry.mu. A subscriber whose buffer is full is sent one best-effort
// "overflow" event and disconnected rather than allowed to block others.
func (r *Registry) broadcast(ctx context.Context, id string, entry *jobEntry, ev Event) {
	entry.mu.Lock()
	subs := make([]*subscriber, 0, len(entry.subscribers))
	for s := range entry.subscribers {
		subs = append(subs, s)
	}
	entry.mu.Unlock()

	for _, s := range subs {
		if len(s.ch) < r.bufferSize {
			select {
			case s.ch <- ev:
				continue
			default:
			}
		}
		r.disconnectOverflowing(entry, s)
	}

	if r.bridge != nil {
		if raw, err := json.Marshal(ev); err == nil {
			r.bridge.publish(ctx, id, raw)
		}
	}
}

func (r *Registry) disconnectOverflowing(entry *jobEntry, s *subscriber) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if _, ok := entry.subscribers[s]; !ok {
		return
	}
	delete(entry.subscribers, s)
	select {
	case s.ch <- Event{Type: "overflow", Timestamp: time.Now()}:
	default:
	}
	close(s.ch)
}

// closeSubscribers drains the final "complete" broadcast (already sent via
// mutate) and then closes every remaining subscriber channel for the job.
func (r *Registry) closeSubscribers(id string) {
	entry, ok := r.lookup(id)
	if !ok {
		return
	}
	entry.mu.Lock()
	subs := entry.subscribers
	entry.subscribers = make(map[*subscriber]struct{})
	entry.mu.Unlock()

	for s := range subs {
		close(s.ch)
	}
}

// housekeeper emits a log-less heartbeat snapshot to every job idle for
// longer than heartbeatIdle (15s of no activity).
func (r *Registry) housekeeper(interval time.Duration) {
	defer close(r.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweepHeartbeats()
		}
	}
}

func (r *Registry) sweepHeartbeats() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	entries := make([]*jobEntry, 0, len(r.entries))
	for id, e := range r.entries {
		ids = append(ids, id)
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	now := time.Now()
	for i, entry := range entries {
		entry.mu.Lock()
		idle := now.Sub(entry.lastActivity) >= heartbeatIdle
		active := entry.job.Status == model.JobRunning || entry.job.Status == model.JobQueued
		var snap model.AsyncJob
		if idle && active {
			entry.lastActivity = now
			snap = entry.job
			snap.Logs = nil
		}
		entry.mu.Unlock()

		if idle && active {
			r.broadcast(context.Background(), ids[i], entry, Event{Type: "heartbeat", JobID: ids[i], Snapshot: snap, Timestamp: now})
		}
	}
}

func jobNotFound(id string) error {
	return apperr.Business(apperr.CodeJobNotFound, "job not found").WithContext("job_id", id)
}
