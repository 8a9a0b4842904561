// Package app wires configuration, storage, calendars, the reminder clock
// and the outer surfaces into one process.
package app

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"bettercal/internal/api"
	"bettercal/internal/calendar"
	"bettercal/internal/config"
	"bettercal/internal/control"
	"bettercal/internal/dispatch"
	"bettercal/internal/eventbus"
	"bettercal/internal/ledger"
	"bettercal/internal/notifier"
	"bettercal/internal/reconcile"
	"bettercal/internal/reminder"
	rtsup "bettercal/internal/runtime/supervisor"
	"bettercal/internal/storage"
	"bettercal/internal/task/engine"
	"bettercal/internal/task/scheduler"
	kit "bettercal/internal/transport"
	telegram "bettercal/internal/transport/telegram/adapter"
	"bettercal/internal/transport/telegram/router"
	logx "bettercal/pkg/logx"
)

const refreshTask = "calendar.refresh"

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	// adapter, notif and bot are nil when telegram is not configured.
	adapter *telegram.Adapter
	notif   *notifier.Service
	bot     *router.Router

	engine *engine.Service
	sched  *scheduler.Service

	match   atomic.Value // reconcile.MatchFunc
	cache   *calendar.Cache
	ledger  *ledger.Ledger
	actions *dispatch.ActionTable
	sender  *dispatchSender
	clock   *reminder.Clock
	sweeper *reminder.Sweeper
	ctrl    *control.Service
	api     *api.Server

	updates chan kit.Update
}

// dispatchSender lets a config reload swap the dispatch router under a
// running clock.
type dispatchSender struct {
	r atomic.Pointer[dispatch.Router]
}

func (d *dispatchSender) Send(ctx context.Context, req dispatch.Request) (string, error) {
	return d.r.Load().Send(ctx, req)
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		bus:     eventbus.New(),
		actions: dispatch.NewActionTable(0),
		sender:  &dispatchSender{},
		updates: make(chan kit.Update, 256),
	}

	// The adapter comes first so the log service can use it as its chat sink.
	var sender logx.Sender
	if cfg.Telegram.Enabled() {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
		ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
		if err != nil {
			return nil, err
		}
		a.adapter = ad
		sender = ad
	}
	logSvc, log := logx.New(mapLogConfig(cfg), sender)
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfgPath, cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a.store = store
	a.log.Info("storage ready", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	match, err := reconcile.Strategy(cfg.Reconcile.Strategy)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.match.Store(match)

	octx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	a.ledger = ledger.Open(octx, store, cfg.LedgerDocument(), log)
	cancel()

	loc := cfg.Location()
	a.cache = calendar.NewCache(calendar.CacheOptions{
		Store:    store,
		Document: cfg.EventsDocument(),
		Log:      log,
		Location: loc,
		Merge:    reconcile.Merger(a.ledger.All, a.matcher),
	})
	sources, err := buildSources(cfgPath, cfg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.cache.SetSources(sources, cfg.SelectedCalendars)

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.engine, log.With(logx.String("comp", "scheduler")))

	if a.adapter != nil {
		ncfg, err := mapNotifierConfig(cfg)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.notif = notifier.New(ncfg, a.adapter, log.With(logx.String("comp", "notifier")), a.bus)
	}

	dr, err := a.buildDispatch(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.sender.r.Store(dr)

	a.clock = reminder.NewClock(a.ledger, a.sender, loc, log)
	a.sweeper = reminder.NewSweeper(a.ledger, log)
	if err := a.registerJobs(cfg); err != nil {
		_ = store.Close()
		return nil, err
	}

	a.ctrl = control.New(control.Options{
		Cache:    a.cache,
		Ledger:   a.ledger,
		Bus:      a.bus,
		Domain:   cfg.Domain,
		Log:      log,
		Location: loc,
	})

	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.api = api.New(apiCfg, a.ctrl, log)
	a.api.SetStatus(a.status)

	if a.adapter != nil {
		a.bot = router.New(a.adapter, a.ctrl, log, router.Options{
			Owners:  cfg.Telegram.OwnerUserIDs,
			Actions: a.actions,
		})
	}
	return a, nil
}

func (a *App) matcher() reconcile.MatchFunc {
	m, _ := a.match.Load().(reconcile.MatchFunc)
	if m == nil {
		return reconcile.MatchByUIDOrSummary
	}
	return m
}

func (a *App) buildDispatch(cfg *config.Config) (*dispatch.Router, error) {
	dlog := a.log.With(logx.String("comp", "dispatch"))
	var n dispatch.Notifier
	if a.notif != nil {
		n = a.notif
	}
	reg, err := dispatch.Build(cfg.Dispatch, n, a.actions, dlog)
	if err != nil {
		return nil, err
	}
	return dispatch.NewRouter(reg, dlog, dispatch.Options{
		Title:            cfg.Reminders.PushTitle,
		PushActions:      cfg.Dispatch.PushActions,
		AlexaMediaPlayer: cfg.Dispatch.AlexaMediaPlayer,
		Journal:          a.store,
	}), nil
}

// registerJobs schedules the reminder tick, the sweep and the calendar
// refresh. Re-registering replaces the previous schedules.
func (a *App) registerJobs(cfg *config.Config) error {
	if err := reminder.Register(a.sched, a.clock, a.sweeper, cfg.Reminders.TickSchedule, cfg.Reminders.CleanupSchedule); err != nil {
		return err
	}
	return a.sched.AddIntervalOpt(refreshTask, cfg.UpdateInterval(), 2*time.Minute,
		scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning},
		func(ctx context.Context) error {
			_, err := a.cache.Refresh(ctx)
			return err
		})
}

// Control exposes the control surface.
func (a *App) Control() *control.Service { return a.ctrl }

// APIAddr is the bound HTTP address, or "" when the api is off.
func (a *App) APIAddr() string { return a.api.Addr() }

// status reports schedules (next tick and sweep), engine queue and
// supervised goroutines.
func (a *App) status() api.Status {
	st := api.Status{Scheduler: a.sched.Snapshot(), Engine: a.engine.Snapshot()}
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	return st
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return a.validate(cfg)
	})

	if a.adapter != nil {
		if err := a.adapter.Start(run, a.updates); err != nil {
			return err
		}
	}
	if a.notif != nil && a.notif.Enabled() {
		a.notif.Start(run)
	}
	a.engine.Start(run)
	a.sched.Start(run)

	// Startup pass: drop what expired while down, then load calendars.
	for _, name := range []string{reminder.CleanupTask, refreshTask} {
		if err := a.sched.RunNow(name); err != nil {
			a.log.Warn("startup task not queued", logx.String("task", name), logx.Err(err))
		}
	}

	a.api.Start(run)

	if a.bot != nil {
		a.sup.Go("telegram.commands", func(c context.Context) error {
			return a.bot.Run(c, a.updates)
		})
		a.sup.Go0("telegram.menu", func(c context.Context) {
			a.bot.PublishMenu(c)
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Debug only; ticks publish task events every minute.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// validate runs the checks a hot reload must pass beyond config.Validate.
func (a *App) validate(cfg *config.Config) error {
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(a.cfgPath, cfg); err != nil {
		return err
	}
	if _, err := mapAPIConfig(cfg); err != nil {
		return err
	}
	if _, err := reconcile.Strategy(cfg.Reconcile.Strategy); err != nil {
		return err
	}
	for _, spec := range []string{cfg.Reminders.TickSchedule, cfg.Reminders.CleanupSchedule} {
		if spec == "" {
			continue
		}
		if _, err := scheduler.ParseSchedule(spec); err != nil {
			return fmt.Errorf("reminders: %w", err)
		}
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Cron first so no tick starts, then drain the engine while the run
	// context is still live so a running tick completes before storage
	// closes. Only then unwind the background loops.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.sup.Cancel()
	step("api", 3*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("notifier", time.Second, func(c context.Context) error {
		if a.notif != nil {
			a.notif.Stop(c)
		}
		return nil
	})
	step("adapter", 2*time.Second, func(c context.Context) error {
		if a.adapter != nil {
			return a.adapter.Stop(c)
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, command dispatcher, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
