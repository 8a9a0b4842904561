package reminder

import (
	"context"
	"fmt"
	"time"

	"bettercal/internal/task/scheduler"
)

const (
	TickTask    = "reminders.tick"
	CleanupTask = "reminders.cleanup"

	DefaultTickSchedule    = "* * * * *"
	DefaultCleanupSchedule = "*/15 * * * *"
)

// Scheduler is the part of the task scheduler used here.
type Scheduler interface {
	AddScheduleOpt(name, schedule string, timeout time.Duration, opt scheduler.TaskOptions, job scheduler.Job) error
}

// singleShot never overlaps and never retries; a failed minute is not
// replayed.
var singleShot = scheduler.TaskOptions{
	Overlap:         scheduler.OverlapSkipIfRunning,
	RetryMax:        -1,
	BreakerFailures: -1,
}

// Register schedules the clock and the sweeper. Empty specs use the
// defaults.
func Register(s Scheduler, c *Clock, sw *Sweeper, tickSpec, cleanupSpec string) error {
	if tickSpec == "" {
		tickSpec = DefaultTickSchedule
	}
	if cleanupSpec == "" {
		cleanupSpec = DefaultCleanupSchedule
	}
	if err := s.AddScheduleOpt(TickTask, tickSpec, 50*time.Second, singleShot, func(ctx context.Context) error {
		c.Tick(ctx, triggerNow(ctx))
		return nil
	}); err != nil {
		return fmt.Errorf("register %s: %w", TickTask, err)
	}
	if err := s.AddScheduleOpt(CleanupTask, cleanupSpec, time.Minute, singleShot, func(ctx context.Context) error {
		sw.Sweep(ctx, triggerNow(ctx))
		return nil
	}); err != nil {
		return fmt.Errorf("register %s: %w", CleanupTask, err)
	}
	return nil
}

func triggerNow(ctx context.Context) time.Time {
	if t, ok := scheduler.TriggerTime(ctx); ok {
		return t
	}
	return time.Now()
}
