package config

import (
	"hash/fnv"
	"reflect"

	logx "bettercal/pkg/logx"
)

// SummarizeConfigChange lists the top-level sections that differ and a set
// of log fields describing the new values. Secrets are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 12)
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	if oldCfg.InstanceID != newCfg.InstanceID || oldCfg.Domain != newCfg.Domain {
		mark("instance", logx.String("instance_id", newCfg.InstanceID), logx.String("domain", newCfg.Domain))
	}
	if oldCfg.Timezone != newCfg.Timezone {
		mark("timezone", logx.String("timezone", newCfg.Timezone))
	}
	if !reflect.DeepEqual(oldCfg.Calendars, newCfg.Calendars) ||
		!reflect.DeepEqual(oldCfg.SelectedCalendars, newCfg.SelectedCalendars) {
		mark("calendars",
			logx.Int("calendars.count", len(newCfg.Calendars)),
			logx.Int("calendars.selected", len(newCfg.SelectedCalendars)))
	}
	if oldCfg.UpdateIntervalMinutes != newCfg.UpdateIntervalMinutes {
		mark("update_interval_minutes", logx.Int("update_interval_minutes", newCfg.UpdateIntervalMinutes))
	}
	if oldCfg.Reconcile != newCfg.Reconcile {
		mark("reconcile", logx.String("reconcile.strategy", newCfg.Reconcile.Strategy))
	}
	if oldCfg.Reminders != newCfg.Reminders {
		mark("reminders",
			logx.String("reminders.tick", newCfg.Reminders.TickSchedule),
			logx.String("reminders.cleanup", newCfg.Reminders.CleanupSchedule))
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		mark("dispatch",
			logx.Int("dispatch.services", len(newCfg.Dispatch.Services)),
			logx.Bool("dispatch.push_actions", newCfg.Dispatch.PushActions))
	}
	if oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		oldCfg.Telegram.Enabled() != newCfg.Telegram.Enabled() {
		mark("telegram",
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled()),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)))
	}
	if oldCfg.Logging != newCfg.Logging {
		mark("logging", logx.String("logging.level", newCfg.Logging.Level))
	}
	if oldCfg.Scheduler.On() != newCfg.Scheduler.On() || oldCfg.Scheduler.Timezone != newCfg.Scheduler.Timezone {
		mark("scheduler",
			logx.Bool("scheduler.enabled", newCfg.Scheduler.On()),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}
	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		mark("task_engine")
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		mark("notifier")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		mark("storage")
	}
	if oldCfg.API.Enabled != newCfg.API.Enabled || oldCfg.API.Addr != newCfg.API.Addr ||
		oldCfg.API.RatePerMinute != newCfg.API.RatePerMinute || oldCfg.API.Metrics != newCfg.API.Metrics ||
		oldCfg.API.Pprof != newCfg.API.Pprof || oldCfg.API.AllowInsecure != newCfg.API.AllowInsecure ||
		oldCfg.API.Token != newCfg.API.Token || oldCfg.API.ReadTimeout != newCfg.API.ReadTimeout ||
		oldCfg.API.WriteTimeout != newCfg.API.WriteTimeout {
		mark("api",
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", newCfg.API.Addr),
			logx.Bool("api.token_set", newCfg.API.Token != ""))
	}
	return changed, attrs
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
