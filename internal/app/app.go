package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"tasktimer/internal/config"
	"tasktimer/internal/eventbus"
	"tasktimer/internal/observability/status"
	"tasktimer/internal/runtime/supervisor"
	"tasktimer/internal/storage"
	"tasktimer/internal/task/listener"
	"tasktimer/internal/task/timer"
	logx "tasktimer/pkg/logx"
	"tasktimer/pkg/unitctl"
)

// App hosts the timers declared in a config file.
type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	units *unitctl.Manager

	sched  *timer.Scheduler
	reg    *listener.Registry
	status *status.Service

	// unjournal closes the journal subscription; nil without a store.
	unjournal   func()
	journalDone chan struct{}

	mu      sync.Mutex
	applied *config.Config
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(validate)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	statusCfg, err := mapStatusConfig(cfg)
	if err != nil {
		return nil, err
	}

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		store = st
		log.Info("journal enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	bus := eventbus.New()
	sched := timer.NewScheduler(
		timer.WithSchedulerLogger(log.With(logx.String("comp", "scheduler"))),
		timer.WithSchedulerBus(bus),
		timer.WithLocation(loc),
	)

	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
		units: unitctl.New(),
		sched: sched,
		reg:   listener.NewRegistry(sched, log),
	}
	a.status = status.New(statusCfg, a, log)
	return a, nil
}

// StatusAddr returns the bound status server address, or "" when disabled.
func (a *App) StatusAddr() string { return a.status.Addr() }

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

func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applied
}

// Timers returns a snapshot of every registered timer, sorted by name.
func (a *App) Timers() []timer.Snapshot { return a.reg.Snapshot() }

// Journal returns the newest journal records for name (all timers when empty).
func (a *App) Journal(ctx context.Context, name string, limit int) ([]storage.RunRecord, error) {
	if a.store == nil {
		return nil, storage.ErrDisabled
	}
	return a.store.ListRuns(ctx, name, limit)
}

// Reload re-reads the config file now instead of waiting for the watcher.
func (a *App) Reload(ctx context.Context) bool { return a.cfgm.Reload(ctx) }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log)

	// Subscribe before the scheduler starts so no event is missed.
	if a.store != nil {
		events, unsub := a.bus.Subscribe(256, "timer.")
		a.unjournal = unsub
		a.journalDone = make(chan struct{})
		go func() {
			defer close(a.journalDone)
			journal(events, a.store, a.log.With(logx.String("comp", "journal")))
		}()
	}

	// Callbacks outlive the app context on shutdown: the scheduler cancels
	// them itself once its stop deadline passes.
	a.sched.Start(context.WithoutCancel(ctx))

	cfg := a.cfgm.Get()
	a.mu.Lock()
	err := a.syncTimers(cfg, config.DiffTimers(nil, cfg))
	a.applied = cfg
	a.mu.Unlock()
	if err != nil {
		return err
	}

	if err := a.status.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("status server: %w", err)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// keep only the newest of a burst
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
				a.sdNotify(daemon.SdNotifyReloading)
				a.apply(c, newCfg)
				a.sdNotify(daemon.SdNotifyReady)
			}
		}
	})
	a.sup.GoRestart("config.watch", time.Second, 30*time.Second, func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.startWatchdog()

	a.log.Info("app started", logx.Int("timers", len(a.reg.Names())))
	a.sdNotify(daemon.SdNotifyReady)
	return nil
}

// apply reconciles the running app with newCfg. Timers whose declaration did
// not change keep running untouched.
func (a *App) apply(ctx context.Context, newCfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sections, attrs, tc := config.SummarizeConfigChange(a.applied, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		a.applied = newCfg
		return
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(newCfg))
		case "scheduler":
			if strings.TrimSpace(a.applied.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
				a.log.Warn("scheduler.timezone changed; restart required for changes to take effect")
			}
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "status":
			sc, err := mapStatusConfig(newCfg)
			if err == nil {
				err = a.status.Reconfigure(ctx, sc)
			}
			if err != nil {
				a.log.Warn("status server reconfigure failed", logx.Err(err))
			}
		}
	}

	if err := a.syncTimers(newCfg, tc); err != nil {
		a.log.Warn("some timers were not applied", logx.Err(err))
	}
	a.applied = newCfg

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

// syncTimers stops removed timers and (re)registers added and changed ones.
// Callers hold a.mu.
func (a *App) syncTimers(cfg *config.Config, tc config.TimerChanges) error {
	for _, name := range tc.Removed {
		a.reg.Remove(name)
	}
	var errs []error
	for _, name := range append(append([]string(nil), tc.Added...), tc.Changed...) {
		t, ok := cfg.Timer(name)
		if !ok {
			continue
		}
		if t.Disabled {
			if a.reg.Remove(name) {
				a.log.Info("timer disabled", logx.String("timer", name))
			}
			continue
		}
		if err := a.registerTimer(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) registerTimer(t config.TimerConfig) error {
	rc, err := t.Resolve()
	if err != nil {
		return err
	}
	resource, cb, err := a.buildAction(t.Name, t.Action)
	if err != nil {
		return fmt.Errorf("timers[%s]: %w", t.Name, err)
	}
	if t.Breaker != nil {
		bs, err := breakerFromConfig(t.Breaker)
		if err != nil {
			return fmt.Errorf("timers[%s]: %w", t.Name, err)
		}
		cb = newBreaker(bs).wrap(cb)
	}
	if _, err := a.reg.Register(t.Name, rc, resource, cb); err != nil {
		return fmt.Errorf("timers[%s]: %w", t.Name, err)
	}
	a.log.Info("timer scheduled", logx.String("timer", t.Name), logx.String("resource", resource), logx.String("config", rc.String()))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	a.sup.Cancel()

	shutdown := 10 * time.Second
	if cfg := a.Config(); cfg != nil {
		shutdown = cfg.ShutdownTimeout()
	}

	a.step(ctx, "status", 2*time.Second, a.status.Stop)
	a.step(ctx, "listeners", time.Second, func(context.Context) error { a.reg.StopAll(); return nil })
	a.step(ctx, "scheduler", shutdown, a.sched.Stop)
	a.step(ctx, "journal", 2*time.Second, func(c context.Context) error {
		if a.unjournal == nil {
			return nil
		}
		a.unjournal()
		select {
		case <-a.journalDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.step(ctx, "units", time.Second, func(context.Context) error { return a.units.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	if d := a.bus.Dropped(); d > 0 {
		a.log.Warn("events dropped by slow subscribers", logx.Uint64("count", d))
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and the caller's deadline.
// A step that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
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
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
	}
}
