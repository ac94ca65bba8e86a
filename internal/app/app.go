// Package app assembles the bot from its services and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"wxbot/internal/bot"
	"wxbot/internal/config"
	"wxbot/internal/eventbus"
	"wxbot/internal/jobs"
	"wxbot/internal/memo"
	"wxbot/internal/notify"
	"wxbot/internal/report"
	rtsup "wxbot/internal/runtime/supervisor"
	"wxbot/internal/store"
	"wxbot/internal/subs"
	kit "wxbot/internal/transport"
	"wxbot/internal/transport/telegram"
	"wxbot/internal/trigger"
	"wxbot/internal/userdb"
	"wxbot/internal/weather"
	logx "wxbot/pkg/logx"
)

type App struct {
	log  logx.Logger
	logs *logx.Service

	cfgMgr  *config.Manager
	bus     eventbus.Bus
	adapter *telegram.Adapter
	st      store.Store
	users   *userdb.DB
	engine  *trigger.Engine
	router  *bot.Router
	report  *report.Service

	forecastDedup *memo.Cache
	warningDedup  *memo.Cache
	dedupSweep    time.Duration

	updates chan kit.Update
	sup     *rtsup.Supervisor
}

// New loads the config file and wires every service. Nothing is started.
func New(configPath string) (*App, error) {
	mgr := config.NewManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{log: log, logs: logs, cfgMgr: mgr, bus: eventbus.New()}
	if err := a.wire(cfg); err != nil {
		logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(cfg *config.Config) error {
	log := a.log

	pollTimeout, err := config.ParseDuration("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return fmt.Errorf("telegram adapter: %w", err)
	}
	a.adapter = adapter

	st, err := store.Open(store.Config{
		Driver:   cfg.Triggers.Driver,
		Addr:     cfg.Triggers.Addr,
		Password: cfg.Triggers.Password,
		DB:       cfg.Triggers.DB,
		Path:     cfg.Triggers.Path,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return fmt.Errorf("trigger store: %w", err)
	}
	a.st = st

	busyTimeout, err := config.ParseDuration("subscriptions.busy_timeout", cfg.Subscriptions.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	users, err := userdb.Open(userdb.Config{
		Path:        cfg.Subscriptions.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "userdb")))
	if err != nil {
		return fmt.Errorf("user database: %w", err)
	}
	a.users = users

	wxTimeout, err := config.ParseDuration("weather.timeout", cfg.Weather.Timeout, 8*time.Second)
	if err != nil {
		return err
	}
	wx := weather.NewClient(weather.Config{
		BaseURL: cfg.Weather.BaseURL,
		Timeout: wxTimeout,
	}, log.With(logx.String("comp", "weather")))

	forecastWindow, err := config.ParseDuration("dedup.forecast_window", cfg.Dedup.ForecastWindow, time.Hour)
	if err != nil {
		return err
	}
	warningWindow, err := config.ParseDuration("dedup.warning_window", cfg.Dedup.WarningWindow, 24*time.Hour)
	if err != nil {
		return err
	}
	a.dedupSweep, err = config.ParseDuration("dedup.sweep_every", cfg.Dedup.SweepEvery, 10*time.Minute)
	if err != nil {
		return err
	}
	a.forecastDedup = memo.New(forecastWindow)
	a.warningDedup = memo.New(warningWindow)

	dispatcher := notify.NewDispatcher(notify.Config{
		RatePerSec: cfg.Notify.RatePerSec,
	}, adapter, notify.NewDingTalkClient(wxTimeout), log.With(logx.String("comp", "notify")))

	runner := jobs.New(users, wx, dispatcher, a.forecastDedup, a.warningDedup,
		log.With(logx.String("comp", "jobs")))

	a.engine = trigger.New(trigger.Config{
		Workers:         cfg.Engine.Workers,
		QueueSize:       cfg.Engine.QueueSize,
		MinuteOffset:    cfg.Engine.MinuteOffset,
		SweepMinute:     cfg.Engine.SweepMinute,
		WarnSweepMinute: cfg.Engine.WarnSweepMinute,
		Timezone:        cfg.Engine.Timezone,
	}, st, runner, a.bus, log.With(logx.String("comp", "trigger")))

	rec := subs.New(st, users, a.engine, log.With(logx.String("comp", "subs")))
	a.router = bot.NewRouter(adapter, users, rec, runner, log.With(logx.String("comp", "bot")))

	a.report = report.New(report.Config{
		OpsChatID:  cfg.Report.OpsChatID,
		RatePerSec: cfg.Report.RatePerSec,
	}, adapter, a.bus, log.With(logx.String("comp", "report")))

	return nil
}

// Start brings the services up in dependency order. The trigger engine
// starts before polling so stored triggers are armed before the first
// user interaction can mutate them.
func (a *App) Start(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		return err
	}

	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "app"))))

	a.updates = make(chan kit.Update, 256)
	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		a.engine.Stop(ctx)
		a.sup.Cancel()
		return err
	}

	updates := a.updates
	a.sup.Go0("bot.router", func(c context.Context) { a.router.Run(c, updates) })
	a.sup.Go0("report.sink", func(c context.Context) { a.report.Run(c) })
	a.sup.Go("config.watch", a.cfgMgr.Watch)
	a.sup.Go0("config.apply", a.applyReloads)
	a.sup.Go0("dedup.sweep", a.sweepLoop)

	a.log.Info("bot started")
	return nil
}

// Stop tears down in reverse order, bounded by ctx.
func (a *App) Stop(ctx context.Context) {
	a.log.Info("shutting down")

	if a.adapter != nil {
		_ = a.adapter.Stop(ctx)
	}
	if a.engine != nil {
		a.engine.Stop(ctx)
	}
	if a.sup != nil {
		a.sup.Cancel()
		if err := a.sup.Wait(ctx); err != nil {
			a.log.Warn("shutdown incomplete", logx.Err(err))
		}
	}
	if a.users != nil {
		_ = a.users.Close()
	}
	if a.st != nil {
		_ = a.st.Close()
	}
	a.log.Info("bye")
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// Run starts the app and blocks until ctx is canceled or a service fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-a.sup.Context().Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.Stop(sctx)
	return a.sup.Err()
}

// applyReloads consumes config updates: logging settings apply in place,
// and the engine re-reads the trigger store in case the reload followed
// an out-of-band store restore.
func (a *App) applyReloads(ctx context.Context) {
	ch := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			if err := a.engine.Refresh(ctx); err != nil {
				a.log.Warn("engine refresh after reload", logx.Err(err))
			}
			a.log.Info("config applied")
		}
	}
}

// sweepLoop purges expired dedup state so idle chats do not pin memory
// between the hourly cron sweeps.
func (a *App) sweepLoop(ctx context.Context) {
	if a.dedupSweep <= 0 {
		return
	}
	ticker := time.NewTicker(a.dedupSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := a.forecastDedup.Sweep() + a.warningDedup.Sweep()
			if n > 0 {
				a.log.Debug("dedup swept", logx.Int("expired", n))
			}
		}
	}
}
