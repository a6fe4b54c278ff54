package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestTriggerManagerFiresRunPlanOnSchedule(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	createChain(t, r, ctx, "[nightly] ")

	exec := newRecordingExecutor()
	sched := New(r, nil, nil, exec, nil)
	tm := NewTriggerManager(sched, nil, nil)

	err := tm.Add(RecurringTrigger{
		Name:     "nightly-rerun",
		CronExpr: "* * * * * *",
		Plan:     "nightly",
		Options:  Options{Strategy: StrategyDAG, Parallelism: 2},
	})
	if err != nil {
		t.Fatalf("add trigger: %v", err)
	}
	tm.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tm.Stop(stopCtx)
	}()

	deadline := time.After(3 * time.Second)
	for {
		tasks, err := r.ListPlanTasks(ctx, "nightly")
		if err != nil {
			t.Fatalf("list plan tasks: %v", err)
		}
		allDone := len(tasks) > 0
		for _, task := range tasks {
			if task.Status != "done" {
				allDone = false
			}
		}
		if allDone {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("trigger never ran the plan to completion in time")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestTriggerManagerRemoveStopsFutureRuns(t *testing.T) {
	r := newTestRepo(t)
	sched := New(r, nil, nil, newRecordingExecutor(), nil)
	tm := NewTriggerManager(sched, nil, nil)

	if err := tm.Add(RecurringTrigger{Name: "t1", CronExpr: "* * * * * *", Plan: "none"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if names := tm.Names(); len(names) != 1 {
		t.Fatalf("expected 1 registered trigger, got %v", names)
	}
	tm.Remove("t1")
	if names := tm.Names(); len(names) != 0 {
		t.Fatalf("expected trigger removed, got %v", names)
	}
}
