package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bettercal/internal/task/engine"
	logx "bettercal/pkg/logx"
)

type recordingEngine struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
}

func (r *recordingEngine) Enqueue(t engine.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.tasks = append(r.tasks, t)
	return nil
}

func (r *recordingEngine) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Name)
	}
	return out
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in    string
		kind  SpecKind
		cron  string
		every time.Duration
		err   bool
	}{
		{in: "* * * * *", kind: SpecCron, cron: "* * * * *"},
		{in: "@every 5m", kind: SpecCron, cron: "@every 5m"},
		{in: "cron:*/15 * * * *", kind: SpecCron, cron: "*/15 * * * *"},
		{in: "5m", kind: SpecInterval, every: 5 * time.Minute},
		{in: "00:15", kind: SpecInterval, every: 15 * time.Minute},
		{in: "every:1h", kind: SpecInterval, every: time.Hour},
		{in: "", err: true},
		{in: "soon", err: true},
		{in: "0s", err: true},
		{in: "01:75", err: true},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.in)
		if tt.err {
			if err == nil {
				t.Fatalf("ParseSchedule(%q) error = nil, want error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSchedule(%q) error = %v", tt.in, err)
		}
		if got.Kind != tt.kind || got.Cron != tt.cron || got.Every != tt.every {
			t.Fatalf("ParseSchedule(%q) = %+v", tt.in, got)
		}
	}
}

var skipIfRunning = TaskOptions{Overlap: OverlapSkipIfRunning}

func TestRunNowCarriesTriggerTime(t *testing.T) {
	t.Parallel()

	eng := &recordingEngine{}
	s := New(Config{Enabled: true}, eng, logx.Nop())
	var seen time.Time
	if err := s.AddScheduleOpt("reminders.cleanup", "*/15 * * * *", time.Minute, skipIfRunning, func(ctx context.Context) error {
		seen, _ = TriggerTime(ctx)
		return nil
	}); err != nil {
		t.Fatalf("AddScheduleOpt() error = %v", err)
	}
	if err := s.RunNow("reminders.cleanup"); err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	if got := eng.names(); len(got) != 1 || got[0] != "reminders.cleanup" {
		t.Fatalf("enqueued = %v", got)
	}
	task := eng.tasks[0]
	if task.Opt.Overlap != OverlapSkipIfRunning || task.State == nil {
		t.Fatalf("task options = %+v state=%v", task.Opt, task.State)
	}
	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if seen.IsZero() {
		t.Fatalf("TriggerTime not set")
	}
	if err := s.RunNow("missing"); err == nil {
		t.Fatalf("RunNow(missing) error = nil")
	}
}

func TestAddIsUpsert(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true}, &recordingEngine{}, logx.Nop())
	job := func(context.Context) error { return nil }
	_ = s.AddScheduleOpt("calendar.refresh", "@every 5m", 0, skipIfRunning, job)
	_ = s.AddIntervalOpt("calendar.refresh", 10*time.Minute, 0, skipIfRunning, job)

	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "@every 10m0s" {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}
	if err := s.AddScheduleOpt("bad", "61 * * * *", 0, skipIfRunning, job); err == nil {
		t.Fatalf("AddScheduleOpt(bad cron) error = nil")
	}
}

func TestStartRegistersNextRun(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Timezone: "UTC"}, &recordingEngine{}, logx.Nop())
	_ = s.AddScheduleOpt("reminders.tick", "* * * * *", 0, skipIfRunning, func(context.Context) error { return nil })

	if snap := s.Snapshot(); len(snap.Schedules) != 1 || !snap.Schedules[0].Next.IsZero() {
		t.Fatalf("schedules before Start = %+v", snap.Schedules)
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())

	snap := s.Snapshot()
	if !snap.Enabled || snap.Timezone != "UTC" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if len(snap.Schedules) != 1 || snap.Schedules[0].Next.IsZero() {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}
	if got := snap.Schedules[0].Next.Second(); got != 0 {
		t.Fatalf("Next second = %d, want 0", got)
	}
}

func TestOverlapSkipIsNotWarned(t *testing.T) {
	t.Parallel()

	s := New(Config{}, &recordingEngine{err: engine.ErrOverlapSkip}, logx.Nop())
	s.reportEnqueueError("x", engine.ErrOverlapSkip)
	s.reportEnqueueError("y", errors.New("queue full"))
	if _, ok := s.lastEnqWarn["x"]; ok {
		t.Fatalf("overlap skip recorded as warning")
	}
	if _, ok := s.lastEnqWarn["y"]; !ok {
		t.Fatalf("queue full not recorded")
	}
}
