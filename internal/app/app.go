// Package app wires configuration, storage, the task store, the reminder
// loop, notification sinks and the HTTP and chat surfaces into one daemon.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"remindd/internal/config"
	"remindd/internal/eventbus"
	"remindd/internal/httpapi"
	"remindd/internal/notifier"
	"remindd/internal/reminder"
	rtsup "remindd/internal/runtime/supervisor"
	"remindd/internal/storage"
	"remindd/internal/task"
	kit "remindd/internal/transport"
	"remindd/internal/transport/telegram"
	logx "remindd/pkg/logx"
	"remindd/pkg/systemd"
)

// reminderStopMargin is added to the sink timeout to bound the reminder
// stop step.
const reminderStopMargin = 5 * time.Second

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	persist storage.Store
	tasks   *task.Store
	notif   *notifier.Dispatcher
	rem     *reminder.Service
	api     *httpapi.Server

	adapter *telegram.Adapter // nil when telegram.token is empty
	cmdm    *CommandManager
	updates chan kit.Message
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Chat logging needs the adapter as sender, which needs a logger. Bootstrap
	// with chat logging off, then apply the final config once the target is set.
	baseLogCfg := mapLogConfig(cfg)
	finalLogCfg := baseLogCfg
	baseLogCfg.Chat.Enabled = false
	logSvc, root := logx.New(baseLogCfg, nil)
	log := root.With(logx.String("comp", "app"))

	var ad *telegram.Adapter
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err = telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, root.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		logSvc.SetSender(ad)
		logSvc.SetChatTarget(groupLogChat(cfg), cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(finalLogCfg)

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	persist, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	drv := sc.Driver
	if drv == "" {
		drv = "file"
	}
	log.Info("storage opened", logx.String("driver", drv))

	// From here on persist must be closed on failure.
	fail := func(err error) (*App, error) {
		_ = persist.Close()
		return nil, err
	}

	tasks, err := task.Open(context.Background(), persist,
		task.WithLogger(root.With(logx.String("comp", "tasks"))),
		task.WithBus(bus),
	)
	if err != nil {
		return fail(fmt.Errorf("load tasks: %w", err))
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return fail(err)
	}
	notif, err := notifier.New(ncfg, root.With(logx.String("comp", "notifier")), bus)
	if err != nil {
		return fail(fmt.Errorf("notifier: %w", err))
	}
	if ad != nil {
		notif.SetSender(ad)
	}

	rcfg, err := mapReminderConfig(cfg)
	if err != nil {
		return fail(err)
	}
	rem := reminder.New(rcfg, tasks, notif, persist, reminder.RealClock{}, root.With(logx.String("comp", "reminder")), bus)

	var api *httpapi.Server
	if cfg.HTTP.IsEnabled() {
		hcfg, err := mapHTTPConfig(cfg)
		if err != nil {
			return fail(err)
		}
		api = httpapi.New(hcfg, tasks, rem, persist, root.With(logx.String("comp", "http")))
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		persist: persist,
		tasks:   tasks,
		notif:   notif,
		rem:     rem,
		api:     api,
		adapter: ad,
		updates: make(chan kit.Message, 64),
	}
	if ad != nil {
		a.cmdm = NewCommandManager(root.With(logx.String("comp", "commands")), ad, cfg.Telegram.OwnerUserIDs)
		registerTaskCommands(a.cmdm, tasks, rem)
	}
	return a, nil
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

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// HTTPAddr returns the bound API address, or "" when the API is off.
func (a *App) HTTPAddr() string {
	if a.api == nil {
		return ""
	}
	return a.api.Addr()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		ncfg, err := mapNotifierConfig(cfg)
		if err != nil {
			return err
		}
		_, err = notifier.New(ncfg, logx.Nop(), nil)
		return err
	})

	if a.adapter != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.cmdm.DispatchLoop(c, a.updates)
		})
		if a.cfgm.Get().Telegram.CommandsOn() {
			a.sup.Go0("commands.menu", func(c context.Context) {
				mctx, cancel := context.WithTimeout(c, 10*time.Second)
				defer cancel()
				if err := a.adapter.UpdateMenuCommands(mctx, a.cmdm.MenuCommands()); err != nil {
					a.log.Warn("set menu commands failed", logx.Err(err))
				}
			})
		}
	}

	a.rem.Start(a.sup.Context())

	if a.api != nil {
		if err := a.api.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("http: %w", err)
		}
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
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		_, _ = systemd.Status("tasks=%d", a.tasks.Len())
	}
	a.log.Info("app started",
		logx.Int("tasks", a.tasks.Len()),
		logx.Bool("telegram", a.adapter != nil),
		logx.String("http", a.HTTPAddr()),
		logx.Strings("sinks", a.notif.Sinks()),
	)
	return nil
}

// applyConfig fans a validated config out to the live services.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	sections, attrs, restart := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strings("settings", restart))
	}

	if a.adapter != nil {
		a.logs.SetChatTarget(groupLogChat(newCfg), newCfg.Logging.Telegram.ThreadID)
	}
	a.logs.Apply(mapLogConfig(newCfg))

	if a.cmdm != nil {
		a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)
	}

	if rcfg, err := mapReminderConfig(newCfg); err != nil {
		a.log.Warn("invalid reminder config; keeping previous", logx.Err(err))
	} else {
		prev := a.rem.Enabled()
		a.rem.Apply(rcfg)
		if prev != rcfg.Enabled {
			a.log.Info("reminder loop toggled via config", logx.Bool("enabled", rcfg.Enabled))
		}
	}

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else if err := a.notif.Apply(ncfg); err != nil {
		a.log.Warn("notifier config rejected; keeping previous", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.persist.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	a.sup.Cancel()

	// step bounds each shutdown step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("http", 3*time.Second, func(c context.Context) error {
		if a.api != nil {
			a.api.Stop(c)
		}
		return nil
	})
	// The reminder loop goes before the adapter so an in-flight pass can
	// still deliver through the telegram sink. A stopping pass finishes at
	// most one dispatch, so the sink timeout plus a margin for the watermark
	// write covers it.
	remBudget := a.notif.Timeout() + reminderStopMargin
	remDone := make(chan error, 1)
	step("reminder", remBudget, func(c context.Context) error {
		err := a.rem.Stop(c)
		remDone <- err
		return err
	})
	step("adapter", 2*time.Second, func(c context.Context) error {
		if a.adapter != nil {
			return a.adapter.Stop(c)
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 2*time.Second, func(context.Context) error {
		// Closing under a running pass would fail its watermark write and
		// let the task fire again after restart.
		select {
		case err := <-remDone:
			if err != nil {
				return fmt.Errorf("storage left open: %w", err)
			}
		default:
			return fmt.Errorf("storage left open: %w", reminder.ErrStopTimeout)
		}
		return a.persist.Close()
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
