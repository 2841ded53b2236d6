package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"chatnotify/internal/batch"
	"chatnotify/internal/config"
	"chatnotify/internal/eventbus"
	"chatnotify/internal/httpapi"
	"chatnotify/internal/presence"
	"chatnotify/internal/push"
	"chatnotify/internal/runtime/supervisor"
	"chatnotify/internal/scheduler"
	"chatnotify/internal/storage"
	"chatnotify/internal/sweep"
	"chatnotify/internal/usage"
	logx "chatnotify/pkg/logx"
)

// App wires the notification pipeline to its store, triggers and ingress.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tracker *presence.Tracker
	acc     *batch.Accumulator
	counter *usage.Counter
	gate    *usage.Gate
	push    *push.Limited
	proc    *sweep.Processor
	sched   *scheduler.Service
	stats   *Stats

	http     *httpapi.Server
	httpAddr string

	dailyLimit atomic.Int64
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New()}
	if err := a.build(cfg); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	pcfg, err := mapPresenceConfig(cfg)
	if err != nil {
		return err
	}
	swcfg, err := mapSweepConfig(cfg)
	if err != nil {
		return err
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	loc, err := config.LoadLocation("limits.timezone", cfg.Limits.Timezone)
	if err != nil {
		return err
	}

	store, err := storage.Open(sc, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	a.log.Info("storage enabled", logx.String("driver", sc.Driver))

	disp, err := newDispatcher(cfg, a.log.With(logx.String("comp", "push")))
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	a.push = disp

	// The store deletes a conversation's backlog directly when its recipient opens it.
	a.tracker = presence.New(pcfg, store, store, a.log.With(logx.String("comp", "presence")), a.bus)
	a.acc = batch.New(store, a.tracker, a.log.With(logx.String("comp", "batch")), a.bus)
	a.counter = usage.New(store, a.log.With(logx.String("comp", "usage")), usage.WithLocation(loc))
	a.gate = usage.NewGate(a.counter)
	a.dailyLimit.Store(cfg.Limits.DailyMessagesPerSender)
	a.proc = sweep.New(swcfg, store, disp, a.log.With(logx.String("comp", "sweep")), a.bus)
	a.stats = NewStats(a.log.With(logx.String("comp", "stats")))

	a.sched = scheduler.New(schedCfg, a.log.With(logx.String("comp", "scheduler")))
	if err := a.sched.Register(scheduler.Job{
		Name: sweepJob,
		Spec: sweepSpec(cfg),
		Run: func(ctx context.Context) error {
			a.proc.Sweep(ctx)
			return nil
		},
	}); err != nil {
		return fmt.Errorf("scheduler.sweep: %w", err)
	}

	if cfg.HTTP.Enabled {
		router, ws := httpapi.NewRouter(httpapi.Deps{
			Ingest:   a.acc,
			Presence: a.tracker,
			Sweeper:  a.proc,
			Gate:     a.gate,
			Limit:    a.dailyLimit.Load,
			Health:   func() any { return a.Health() },
			Pprof:    cfg.HTTP.Pprof,
			Log:      a.log.With(logx.String("comp", "http")),
		})
		a.http = httpapi.NewServer(router, ws, a.log.With(logx.String("comp", "http")))
		a.httpAddr = cfg.HTTP.Addr
	}
	return nil
}

// Health is the /healthz body.
func (a *App) Health() StatsSnapshot {
	snap := a.stats.Snapshot()
	snap.Sessions = a.tracker.Sessions()
	snap.Dropped = a.bus.Dropped()
	snap.Scheduler = a.sched.Snapshot()
	if a.sup != nil {
		snap.Workers = a.sup.Counters()
	}
	return snap
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

// RunSweepOnce runs a single sweep outside the scheduler.
func (a *App) RunSweepOnce(ctx context.Context) eventbus.SweepInfo {
	start := time.Now()
	info := sweep.Summarize(a.proc.Sweep(ctx))
	info.Took = time.Since(start)
	return info
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, a.log.With(logx.String("comp", "supervisor")))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapPresenceConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSweepConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := scheduler.ParseSchedule(sweepSpec(cfg)); err != nil {
			return fmt.Errorf("scheduler.sweep: %w", err)
		}
		return nil
	})

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go("stats", func(c context.Context) error {
		defer unsub()
		return a.stats.Run(c, events)
	})

	a.sched.Start(a.sup.Context())

	if a.http != nil {
		if err := a.http.Start(a.httpAddr); err != nil {
			return fmt.Errorf("http listen: %w", err)
		}
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	a.log.Info("app started")
	return nil
}

// Stop shuts the app down in dependency order. Each step is bounded so one
// component can't stall the whole stop. Stop also releases an app that was
// never started.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
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
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Ingress first so no new presence or messages arrive mid-shutdown.
	step("http", 3*time.Second, func(c context.Context) error {
		if a.http != nil {
			a.http.Stop(c)
		}
		return nil
	})
	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("presence", 2*time.Second, func(c context.Context) error { a.tracker.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if a.sup == nil {
			return nil
		}
		if err := a.sup.Stop(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
