package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RecurringTrigger is a named cron schedule that periodically re-runs a
// plan (e.g. a nightly re-decomposition, or a recurring batch evaluation
// pass), adapted from orchestrator_src/scheduler.go's cron-driven
// ScheduleConfig down to the one field the engine actually needs: which
// plan to drive, and under what scheduling options.
type RecurringTrigger struct {
	Name     string
	CronExpr string
	Plan     string
	Options  Options
}

// TriggerManager runs RecurringTriggers on a cron clock, firing
// Scheduler.RunPlan on each tick. One misbehaving trigger firing does not
// block or cancel any other trigger's schedule.
type TriggerManager struct {
	sched *Scheduler
	cron  *cron.Cron
	log   *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID

	runs metric.Int64Counter
	fails metric.Int64Counter
}

// NewTriggerManager wraps sched with a seconds-precision cron clock.
func NewTriggerManager(sched *Scheduler, meter metric.Meter, logger *slog.Logger) *TriggerManager {
	if logger == nil {
		logger = slog.Default()
	}
	tm := &TriggerManager{
		sched:   sched,
		cron:    cron.New(cron.WithSeconds()),
		log:     logger,
		entries: make(map[string]cron.EntryID),
	}
	if meter != nil {
		tm.runs, _ = meter.Int64Counter("engine_scheduler_trigger_runs_total")
		tm.fails, _ = meter.Int64Counter("engine_scheduler_trigger_failures_total")
	}
	return tm
}

// Start begins dispatching registered triggers.
func (tm *TriggerManager) Start() { tm.cron.Start() }

// Stop waits for in-flight trigger runs to finish, bounded by ctx.
func (tm *TriggerManager) Stop(ctx context.Context) error {
	stopCtx := tm.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Add registers trig, replacing any existing trigger with the same name.
func (tm *TriggerManager) Add(trig RecurringTrigger) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if existing, ok := tm.entries[trig.Name]; ok {
		tm.cron.Remove(existing)
		delete(tm.entries, trig.Name)
	}
	entryID, err := tm.cron.AddFunc(trig.CronExpr, func() { tm.fire(trig) })
	if err != nil {
		return fmt.Errorf("scheduler: add trigger %q: %w", trig.Name, err)
	}
	tm.entries[trig.Name] = entryID
	tm.log.Info("scheduler: trigger registered", "name", trig.Name, "cron", trig.CronExpr, "plan", trig.Plan)
	return nil
}

// Remove unregisters a trigger by name; a no-op if it was never added.
func (tm *TriggerManager) Remove(name string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if entryID, ok := tm.entries[name]; ok {
		tm.cron.Remove(entryID)
		delete(tm.entries, name)
	}
}

// Names lists every currently registered trigger name.
func (tm *TriggerManager) Names() []string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	out := make([]string, 0, len(tm.entries))
	for name := range tm.entries {
		out = append(out, name)
	}
	return out
}

func (tm *TriggerManager) fire(trig RecurringTrigger) {
	ctx := context.Background()
	start := time.Now()
	err := tm.sched.RunPlan(ctx, trig.Plan, trig.Options)
	attrs := metric.WithAttributes(attribute.String("trigger", trig.Name), attribute.String("plan", trig.Plan))
	if err != nil {
		if tm.fails != nil {
			tm.fails.Add(ctx, 1, attrs)
		}
		tm.log.Error("scheduler: recurring trigger run failed", "name", trig.Name, "plan", trig.Plan, "err", err, "elapsed", time.Since(start))
		return
	}
	if tm.runs != nil {
		tm.runs.Add(ctx, 1, attrs)
	}
	tm.log.Info("scheduler: recurring trigger run completed", "name", trig.Name, "plan", trig.Plan, "elapsed", time.Since(start))
}
