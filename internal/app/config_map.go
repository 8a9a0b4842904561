package app

import (
	"fmt"
	"strings"
	"time"

	"bettercal/internal/api"
	"bettercal/internal/calendar"
	"bettercal/internal/calendar/ics"
	"bettercal/internal/config"
	"bettercal/internal/notifier"
	"bettercal/internal/storage"
	"bettercal/internal/task/engine"
	"bettercal/internal/task/scheduler"
	logx "bettercal/pkg/logx"
)

const defaultDataDir = "data"

// mapStorageConfig resolves storage settings. Storage is never optional:
// when the section is omitted documents go to ./data next to the config.
func mapStorageConfig(cfgPath string, cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "file", Path: config.ResolvePath(cfgPath, defaultDataDir)}, nil
	}
	sc := cfg.Storage
	path := strings.TrimSpace(sc.Path)

	switch driver := strings.ToLower(strings.TrimSpace(sc.Driver)); driver {
	case "", "file":
		if path == "" {
			path = defaultDataDir
		}
		return storage.Config{Driver: "file", Path: config.ResolvePath(cfgPath, path)}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: config.ResolvePath(cfgPath, path), BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapTaskEngineConfig applies the engine defaults. The engine is always on;
// reminders cannot run without it.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:         true,
		Workers:         2,
		QueueSize:       64,
		DefaultTimeout:  2 * time.Minute,
		HistorySize:     200,
		BreakerFailures: 5,
		BreakerCooldown: time.Minute,
	}
	if cfg == nil || cfg.TaskEngine == nil {
		return out, nil
	}
	te := cfg.TaskEngine
	if te.Workers != 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize != 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize < 0 {
		out.HistorySize = 0
	} else if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	if te.RetryMax < 0 {
		return engine.Config{}, fmt.Errorf("task_engine.retry_max must be >= 0")
	}
	out.RetryMax = te.RetryMax
	if te.BreakerFailures != 0 {
		out.BreakerFailures = te.BreakerFailures
	}

	var err error
	if out.DefaultTimeout, err = config.ParseDurationOrDefault("task_engine.default_timeout", te.DefaultTimeout, out.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	if out.BreakerCooldown, err = config.ParseDurationOrDefault("task_engine.breaker_cooldown", te.BreakerCooldown, out.BreakerCooldown); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		tz = strings.TrimSpace(cfg.Timezone)
	}
	return scheduler.Config{Enabled: cfg.Scheduler.On(), Timezone: tz}
}

// mapNotifierConfig maps the notifier section. An omitted section means
// enabled with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     time.Minute,
		DedupMaxEntries: 2000,
	}
	if cfg == nil || cfg.Notifier == nil {
		return out, nil
	}
	n := cfg.Notifier
	out.Enabled = n.Enabled
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}

	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}

	switch {
	case out.Workers < 0:
		return notifier.Config{}, fmt.Errorf("notifier.workers must be >= 0")
	case out.QueueSize < 0:
		return notifier.Config{}, fmt.Errorf("notifier.queue_size must be >= 0")
	case out.RatePerSec < 0:
		return notifier.Config{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	case out.RetryMax < 0:
		return notifier.Config{}, fmt.Errorf("notifier.retry_max must be >= 0")
	}
	return out, nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	a := cfg.API
	read, err := config.ParseDurationField("api.read_timeout", a.ReadTimeout)
	if err != nil {
		return api.Config{}, err
	}
	write, err := config.ParseDurationField("api.write_timeout", a.WriteTimeout)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Enabled:       a.Enabled,
		Addr:          strings.TrimSpace(a.Addr),
		Token:         a.Token,
		AllowInsecure: a.AllowInsecure,
		RatePerMinute: a.RatePerMinute,
		Metrics:       a.Metrics,
		Pprof:         a.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
	}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled && cfg.Telegram.Enabled(),
			ChatID:     l.Telegram.ChatID,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// buildSources turns the calendars section into providers. Local paths are
// relative to the config file.
func buildSources(cfgPath string, cfg *config.Config, log logx.Logger) ([]calendar.Source, error) {
	out := make([]calendar.Source, 0, len(cfg.Calendars))
	for _, cc := range cfg.Calendars {
		src := calendar.Source{ID: cc.ID, Name: cc.Name}
		switch cc.Kind {
		case "ics":
			timeout, err := config.ParseDurationOrDefault("calendars."+cc.ID+".timeout", cc.Timeout, 30*time.Second)
			if err != nil {
				return nil, err
			}
			src.Provider = ics.NewFeed(cc.ID, cc.URL, timeout, log)
		case "local":
			src.Provider = ics.NewLocal(cc.ID, config.ResolvePath(cfgPath, cc.Path), log)
		default:
			return nil, fmt.Errorf("calendars.%s: unknown kind %q", cc.ID, cc.Kind)
		}
		out = append(out, src)
	}
	return out, nil
}
