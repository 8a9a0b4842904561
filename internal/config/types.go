package config

import (
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultDomain                = "better_calendar"
	DefaultUpdateIntervalMinutes = 5
)

type Config struct {
	// InstanceID names the persisted documents
	// (events_{instance_id}.json, notifications_{instance_id}.json).
	InstanceID string `json:"instance_id" validate:"required,excludesall=/"`
	// Domain prefixes every published signal ({domain}_event_created, ...).
	Domain string `json:"domain,omitempty"`
	// Timezone used for derived views and message rendering (IANA name).
	Timezone string `json:"timezone,omitempty"`

	Calendars []CalendarConfig `json:"calendars" validate:"dive"`
	// SelectedCalendars limits refreshes to these ids; empty means all.
	SelectedCalendars     []string `json:"selected_calendars,omitempty"`
	UpdateIntervalMinutes int      `json:"update_interval_minutes,omitempty" validate:"omitempty,min=1,max=60"`

	Reconcile ReconcileConfig `json:"reconcile,omitempty"`
	Reminders RemindersConfig `json:"reminders,omitempty"`
	Dispatch  DispatchConfig  `json:"dispatch"`

	Telegram   TelegramConfig    `json:"telegram"`
	Logging    LoggingConfig     `json:"logging"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Notifier   *NotifierConfig   `json:"notifier,omitempty"`
	Storage    *StorageConfig    `json:"storage,omitempty"`
	API        APIConfig         `json:"api"`
}

// CalendarConfig describes one calendar source.
//
// kind "ics" is a read-only remote feed (url). kind "local" is an .ics file
// on disk (path) that also accepts create/update/delete.
type CalendarConfig struct {
	ID      string `json:"id" validate:"required"`
	Name    string `json:"name,omitempty"`
	Kind    string `json:"kind" validate:"required,oneof=ics local"`
	URL     string `json:"url,omitempty" validate:"required_if=Kind ics"`
	Path    string `json:"path,omitempty" validate:"required_if=Kind local"`
	Timeout string `json:"timeout,omitempty"`
}

type ReconcileConfig struct {
	// Strategy is "fuzzy" (uid, then summary+start) or "strict" (uid only).
	Strategy string `json:"strategy,omitempty" validate:"omitempty,oneof=fuzzy strict"`
}

type RemindersConfig struct {
	// TickSchedule and CleanupSchedule are scheduler specs (cron or @every).
	TickSchedule    string `json:"tick_schedule,omitempty"`
	CleanupSchedule string `json:"cleanup_schedule,omitempty"`
	PushTitle       string `json:"push_title,omitempty"`
}

// DispatchConfig lists the delivery services reminders can be routed to.
// Service names are what notification targets refer to ("notify.<name>").
type DispatchConfig struct {
	Services []ServiceConfig `json:"services" validate:"dive"`
	// PushActions attaches snooze / done / delete actions to push reminders.
	PushActions bool `json:"push_actions,omitempty"`
	// AlexaMediaPlayer is the default media player entity for alexa_media
	// announcements when the target names a notify service.
	AlexaMediaPlayer string `json:"alexa_media_player,omitempty"`
}

type ServiceConfig struct {
	Name string `json:"name" validate:"required"`
	Kind string `json:"kind" validate:"required,oneof=telegram webhook homeassistant log"`

	// webhook / homeassistant
	URL     string `json:"url,omitempty" validate:"required_if=Kind webhook,required_if=Kind homeassistant"`
	Token   string `json:"token,omitempty"`
	Timeout string `json:"timeout,omitempty"`

	// telegram
	ChatID   int64 `json:"chat_id,omitempty" validate:"required_if=Kind telegram"`
	ThreadID int   `json:"thread_id,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout"`
}

func (t TelegramConfig) Enabled() bool { return strings.TrimSpace(t.Token) != "" }

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the trigger service. Enabled defaults to true;
// false pauses the reminder clock, the sweep and calendar refreshes.
// Timezone defaults to the top-level timezone.
type SchedulerConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

func (s SchedulerConfig) On() bool { return s.Enabled == nil || *s.Enabled }

// TaskEngineConfig controls task execution.
//
// Defaults when omitted: workers 2, queue_size 64, default_timeout "2m",
// history_size 200, retry_max 0.
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty" validate:"omitempty,min=1,max=64"`
	QueueSize      int    `json:"queue_size,omitempty" validate:"omitempty,min=1"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty" validate:"omitempty,min=0,max=10"`

	// Breaker trips a task's circuit after this many consecutive failures.
	BreakerFailures int    `json:"breaker_failures,omitempty"`
	BreakerCooldown string `json:"breaker_cooldown,omitempty"`
}

// NotifierConfig controls the async Telegram send pipeline.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	DedupWindow   string `json:"dedup_window"`
}

// StorageConfig selects where documents are kept.
//
//	"storage": { "driver": "file", "path": "./data" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=file sqlite sqlite3"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// APIConfig controls the HTTP control surface.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	// Token, when set, is required as a bearer token on mutating routes.
	Token string `json:"token,omitempty"`
	// AllowInsecure permits a non-loopback addr without a token.
	AllowInsecure bool `json:"allow_insecure,omitempty"`

	RatePerMinute int    `json:"rate_per_minute,omitempty"`
	Metrics       bool   `json:"metrics,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}

// UpdateInterval returns the calendar refresh interval.
func (c *Config) UpdateInterval() time.Duration {
	m := c.UpdateIntervalMinutes
	if m <= 0 {
		m = DefaultUpdateIntervalMinutes
	}
	return time.Duration(m) * time.Minute
}

// EventsDocument is the snapshot document name for this instance.
func (c *Config) EventsDocument() string { return "events_" + c.InstanceID + ".json" }

// LedgerDocument is the notification ledger document name for this instance.
func (c *Config) LedgerDocument() string { return "notifications_" + c.InstanceID + ".json" }

// Location resolves Timezone, falling back to the local zone.
func (c *Config) Location() *time.Location {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

// ResolvePath makes p relative to the config file's directory.
func ResolvePath(configPath, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(configPath), p)
}
