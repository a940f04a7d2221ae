// Package app wires configuration, logging, storage, transport and the
// scheduling services into one process with ordered startup and shutdown.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"focusbot/internal/alarm"
	"focusbot/internal/config"
	"focusbot/internal/notify"
	"focusbot/internal/points"
	"focusbot/internal/prefs"
	"focusbot/internal/rollup"
	"focusbot/internal/runtime/supervisor"
	"focusbot/internal/session"
	"focusbot/internal/storage"
	kit "focusbot/internal/transport"
	telegram "focusbot/internal/transport/telegram"
	"focusbot/internal/transport/telegram/router"
	logx "focusbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	adapter kit.Adapter
	notif   *notify.Service

	prefs    *prefs.Service
	points   *points.Store
	alarms   *alarm.Service
	sessions *session.Service
	rollup   *rollup.Service
	router   *router.Router

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.Telegram.PollTimeoutDuration(),
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeoutDuration(),
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	} else {
		log.Warn("storage disabled; state is in-memory only")
	}

	notif := notify.New(notify.Config{RatePerSec: cfg.Telegram.RatePerSec},
		ad, log.With(logx.String("comp", "notify")))

	prefsSvc := prefs.New(store, log.With(logx.String("comp", "prefs")))
	pointsStore := points.New(store, log.With(logx.String("comp", "points")))

	alarms := alarm.New(store, notif, prefsSvc,
		log.With(logx.String("comp", "alarm")),
		alarm.Options{Poll: cfg.Alarms.PollIntervalDuration()})

	sessions := session.New(notif, prefsSvc, pointsStore,
		log.With(logx.String("comp", "session")))

	roll, err := rollup.New(rollup.Config{
		Hour:     cfg.Rollup.Hour,
		Minute:   cfg.Rollup.Minute,
		Timezone: cfg.Rollup.Timezone,
		ChatID:   cfg.Rollup.ChatID,
		ThreadID: cfg.Rollup.ThreadID,
	}, notif, pointsStore, log.With(logx.String("comp", "rollup")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("rollup: %w", err)
	}

	rt := router.New(log.With(logx.String("comp", "router")), ad, &router.Services{
		Alarms:   alarms,
		Sessions: sessions,
		Prefs:    prefsSvc,
		Points:   pointsStore,
		Rollup:   roll,
		Notify:   notif,
	})

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		store:    store,
		adapter:  ad,
		notif:    notif,
		prefs:    prefsSvc,
		points:   pointsStore,
		alarms:   alarms,
		sessions: sessions,
		rollup:   roll,
		router:   rt,
		updates:  make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	c := a.sup.Context()

	// Durable state first: preferences feed alarm rendering, points feed
	// sessions and the rollup. Load failures degrade to empty in-memory
	// state rather than blocking startup.
	if err := a.prefs.Load(c); err != nil {
		a.log.Warn("preferences load failed; starting empty", logx.Err(err))
	}
	if err := a.points.Load(c); err != nil {
		a.log.Warn("points load failed; starting empty", logx.Err(err))
	}
	if err := a.alarms.Start(c); err != nil {
		a.log.Warn("alarm load failed; starting empty", logx.Err(err))
	}
	a.sessions.Start(c)

	if err := a.adapter.Start(c, a.updates); err != nil {
		return err
	}

	a.sup.Go("rollup.run", a.rollup.Run)
	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	// Hot reload: log level and console/file sinks apply live; transport,
	// storage and rollup schedule changes need a restart.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})
				a.log.Info("config reloaded; transport/storage/rollup changes take effect on restart")
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	notifySystemd(a.log, daemon.SdNotifyReady)
	a.startWatchdog()

	a.log.Info("app started")
	return nil
}

// startWatchdog pings systemd at half the configured WatchdogSec interval.
// No-op when not running under systemd or when the watchdog is off.
func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	notifySystemd(a.log, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	// Unwind background loops first so nothing schedules new work while the
	// services below flush.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step done",
			logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("sessions", 2*time.Second, func(c context.Context) error { a.sessions.Stop(c); return nil })
	step("alarms", 2*time.Second, func(c context.Context) error { a.alarms.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func notifySystemd(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Debug("sd_notify failed", logx.Err(err))
	} else if sent {
		log.Debug("sd_notify", logx.String("state", state))
	}
}
