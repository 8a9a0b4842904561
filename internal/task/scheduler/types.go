package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"bettercal/internal/task/engine"
	logx "bettercal/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name, e.g. "Europe/Rome"
}

type OverlapPolicy = engine.OverlapPolicy

type TaskOptions = engine.TaskOptions

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// Job is the body of a scheduled task.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    string // cron spec or "@every <d>"
	timeout time.Duration
	job     Job
	opt     TaskOptions
	state   *engine.RunState
	entryID cron.EntryID
	spread  time.Duration
}

// Enqueuer is the slice of the task engine the scheduler needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	engine Enqueuer

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}

type triggerKey struct{}

// WithTriggerTime records when the schedule fired.
func WithTriggerTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, triggerKey{}, t)
}

// TriggerTime returns the instant the schedule fired, which can be earlier
// than the moment the task starts running if it waited in the queue.
func TriggerTime(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(triggerKey{}).(time.Time)
	return t, ok
}
