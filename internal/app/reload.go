package app

import (
	"context"
	"reflect"
	"slices"
	"strings"
	"time"

	"bettercal/internal/config"
	"bettercal/internal/reconcile"
	logx "bettercal/pkg/logx"
)

// applyConfig fans a committed config out to the running components.
// Sections that cannot change live are logged and left alone.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	if prev.InstanceID != next.InstanceID || prev.Domain != next.Domain || !reflect.DeepEqual(prev.Storage, next.Storage) {
		a.log.Warn("instance_id, domain or storage changed; restart required for changes to take effect")
	}
	if prev.Telegram.Token != next.Telegram.Token || prev.Telegram.PollTimeout != next.Telegram.PollTimeout {
		a.log.Warn("telegram token or poll timeout changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(next))
	if a.bot != nil {
		a.bot.SetOwners(next.Telegram.OwnerUserIDs)
	}

	refresh := false

	if prev.Timezone != next.Timezone {
		loc := next.Location()
		a.cache.SetLocation(loc)
		a.ctrl.SetLocation(loc)
		a.clock.SetLocation(loc)
		refresh = true
	}

	if prev.Reconcile != next.Reconcile {
		if m, err := reconcile.Strategy(next.Reconcile.Strategy); err == nil {
			a.match.Store(m)
			refresh = true
		}
	}

	if !reflect.DeepEqual(prev.Calendars, next.Calendars) || !slices.Equal(prev.SelectedCalendars, next.SelectedCalendars) {
		sources, err := buildSources(a.cfgPath, next, a.log)
		if err != nil {
			a.log.Warn("invalid calendars config; keeping previous", logx.Err(err))
		} else {
			a.cache.SetSources(sources, next.SelectedCalendars)
			refresh = true
		}
	}

	if eng, err := mapTaskEngineConfig(next); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, eng)
	}

	wasOn := a.sched.Enabled()
	a.sched.Apply(mapSchedulerConfig(next))
	switch on := next.Scheduler.On(); {
	case wasOn && !on:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !wasOn && on:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	if prev.Reminders.TickSchedule != next.Reminders.TickSchedule ||
		prev.Reminders.CleanupSchedule != next.Reminders.CleanupSchedule ||
		prev.UpdateIntervalMinutes != next.UpdateIntervalMinutes {
		if err := a.registerJobs(next); err != nil {
			a.log.Warn("reschedule failed", logx.Err(err))
		} else if prev.UpdateIntervalMinutes != next.UpdateIntervalMinutes {
			refresh = true
		}
	}

	if a.notif != nil && !reflect.DeepEqual(prev.Notifier, next.Notifier) {
		wasEnabled := a.notif.Enabled()
		ncfg, err := mapNotifierConfig(next)
		if err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			a.notif.Apply(ncfg)
			switch {
			case wasEnabled && !ncfg.Enabled:
				a.log.Info("notifier disabled via config")
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.notif.Stop(stopCtx)
				cancel()
			case !wasEnabled && ncfg.Enabled:
				a.log.Info("notifier enabled via config")
				a.notif.Start(ctx)
			}
		}
	}

	if !reflect.DeepEqual(prev.Dispatch, next.Dispatch) || prev.Reminders.PushTitle != next.Reminders.PushTitle {
		dr, err := a.buildDispatch(next)
		if err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		} else {
			a.sender.r.Store(dr)
		}
	}

	if apiCfg, err := mapAPIConfig(next); err != nil {
		a.log.Warn("invalid api config; keeping previous", logx.Err(err))
	} else {
		a.api.Reconfigure(ctx, apiCfg)
	}

	if refresh {
		if err := a.sched.RunNow(refreshTask); err != nil {
			a.log.Warn("refresh not queued", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}
