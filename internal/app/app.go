package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"guardbot/internal/config"
	"guardbot/internal/eventbus"
	"guardbot/internal/flight"
	"guardbot/internal/ops"
	rtsup "guardbot/internal/runtime/supervisor"
	"guardbot/internal/storage"
	"guardbot/internal/task/batch"
	"guardbot/internal/task/queue"
	"guardbot/internal/task/scheduler"
	"guardbot/internal/transport"
	"guardbot/internal/transport/telegram"
	logx "guardbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	queue   *queue.Queue
	batch   *batch.Executor
	sched   *scheduler.Service
	pending *flight.Store[Pending]
	disp    *Dispatcher
	maint   *maintenance
	alerts  *failureAlerts
	ops     *ops.Service

	sup       *rtsup.Supervisor
	callbacks chan transport.Callback
	health    atomic.Value // transport.HealthState
	startedAt time.Time
}

// New builds every component from the config already loaded into cfgm.
func New(cfgm *config.ConfigManager) (*App, error) {
	cfg := cfgm.Get()
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}

	tgCfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(tgCfg, logx.NewConsole("info").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogConfig(cfg), ad)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	qCfg, err := mapQueueConfig(cfg)
	if err != nil {
		return nil, err
	}
	profiles, err := mapBatchProfiles(cfg)
	if err != nil {
		return nil, err
	}
	fCfg, cleanupEvery, err := mapFlightConfig(cfg)
	if err != nil {
		return nil, err
	}
	sCfg, pruneSchedule, storageOn, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}

	var store storage.Store
	if storageOn {
		store, err = storage.Open(sCfg, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		log.Info("storage enabled", logx.String("driver", sCfg.Driver))
	}

	bus := eventbus.New()
	q := queue.New(qCfg, log.With(logx.String("comp", "queue")), bus)

	a := &App{
		cfgm:      cfgm,
		log:       log.With(logx.String("comp", "app")),
		logs:      logs,
		bus:       bus,
		store:     store,
		adapter:   ad,
		queue:     q,
		batch:     batch.New(profiles, log.With(logx.String("comp", "batch"))),
		sched:     scheduler.New(mapSchedulerConfig(cfg), q, log.With(logx.String("comp", "scheduler"))),
		callbacks: make(chan transport.Callback, 256),
	}
	a.health.Store(transport.HealthDisconnected)

	a.maint = &maintenance{
		log:       log.With(logx.String("comp", "maintenance")),
		q:         q,
		adapter:   ad,
		batch:     a.batch,
		bus:       bus,
		store:     store,
		retention: sCfg.Retention,
		now:       time.Now,
	}
	a.pending = flight.NewStore[Pending](fCfg, log.With(logx.String("comp", "flight")), flight.WithExpiryHook[Pending](a.maint.collectExpired))
	a.maint.pending = a.pending
	a.disp = NewDispatcher(q, ad, a.pending, log.With(logx.String("comp", "dispatch")))
	a.alerts = newFailureAlerts(a.disp, ad, func() transport.ChatTarget { return alertTarget(a.cfgm.Get()) },
		log.With(logx.String("comp", "alerts")))

	if err := a.maint.register(a.sched, cleanupEvery, pruneSchedule); err != nil {
		return nil, err
	}

	a.ops = ops.New(mapOpsConfig(cfg), ops.Sources{Ready: a.ready, Stats: a.stats}, log)
	return a, nil
}

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.startedAt = time.Now()
	runCtx := a.sup.Context()

	a.queue.Start(runCtx)
	a.adapter.OnHealth(a.onHealth)
	if err := a.adapter.Start(runCtx, a.callbacks); err != nil {
		return err
	}
	a.sched.Start(runCtx)
	a.ops.Start(runCtx)

	a.sup.Go("callbacks.dispatch", func(c context.Context) error {
		return a.disp.Run(c, a.callbacks)
	})
	if a.store != nil {
		events, unsub := a.bus.Subscribe(256, eventbus.TaskFailed, eventbus.FlightExpired)
		a.sup.Go0("storage.audit", func(c context.Context) {
			defer unsub()
			runAudit(c, events, a.store, a.log.With(logx.String("comp", "audit")))
		})
	}

	failed, unsubFailed := a.bus.Subscribe(64, eventbus.TaskFailed)
	a.sup.Go0("alerts.task_failed", func(c context.Context) {
		defer unsubFailed()
		a.alerts.run(c, failed)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

func (a *App) onHealth(st transport.HealthState) {
	a.health.Store(st)
	if err := a.queue.SetHealthState(st); err != nil {
		a.log.Warn("health state rejected", logx.Err(err))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.HealthChanged, Data: st})
}

func (a *App) ready(context.Context) error {
	if a.queue.Stats().Closed {
		return errors.New("task queue closed")
	}
	switch st, _ := a.health.Load().(transport.HealthState); st {
	case transport.HealthError, transport.HealthDisconnected:
		return fmt.Errorf("telegram %s", st)
	}
	return nil
}

type statsView struct {
	Uptime         string                    `json:"uptime"`
	Health         transport.HealthState     `json:"health"`
	Queue          queue.Stats               `json:"queue"`
	Scheduler      scheduler.Snapshot        `json:"scheduler"`
	Flight         flight.Stats              `json:"flight"`
	EventsDropped  uint64                    `json:"events_dropped"`
	Supervisors    map[string]rtsup.Snapshot `json:"supervisors"`
	RecentFailures []storage.TaskFailure     `json:"recent_failures,omitempty"`
}

func (a *App) stats() any {
	st, _ := a.health.Load().(transport.HealthState)
	v := statsView{
		Uptime:        time.Since(a.startedAt).Truncate(time.Second).String(),
		Health:        st,
		Queue:         a.queue.Stats(),
		Scheduler:     a.sched.Snapshot(),
		Flight:        a.pending.Stats(),
		EventsDropped: a.bus.Dropped(),
		Supervisors:   map[string]rtsup.Snapshot{},
	}
	if a.sup != nil {
		v.Supervisors["app"] = a.sup.Snapshot()
	}
	if s := a.adapter.Supervisor(); s != nil {
		v.Supervisors["telegram"] = s.Snapshot()
	}
	if a.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if fails, err := a.store.RecentFailures(ctx, 20); err == nil {
			v.RecentFailures = fails
		}
	}
	return v
}

// reloadLoop applies every published config. Settings that are bound at
// construction (token, storage location) only log a restart hint.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			a.apply(ctx, last, next)
			last = next
		}
	}
}

func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(next))
	a.adapter.SetAlertTarget(alertTarget(next))
	if prev.Telegram.Token != next.Telegram.Token || prev.Telegram.PollTimeout != next.Telegram.PollTimeout {
		a.log.Warn("telegram connection settings changed; restart required")
	}

	if qc, err := mapQueueConfig(next); err != nil {
		a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
	} else {
		a.queue.Apply(qc)
	}
	if profiles, err := mapBatchProfiles(next); err != nil {
		a.log.Warn("invalid batch config; keeping previous", logx.Err(err))
	} else {
		a.batch.SetProfiles(profiles)
	}
	a.sched.Apply(mapSchedulerConfig(next))

	fc, cleanupEvery, err := mapFlightConfig(next)
	if err != nil {
		a.log.Warn("invalid flight config; keeping previous", logx.Err(err))
	} else {
		a.pending.Apply(fc)
	}

	sc, pruneSchedule, on, err := mapStorageConfig(next)
	if err != nil {
		a.log.Warn("invalid storage config; keeping previous", logx.Err(err))
	} else {
		if (on != (a.store != nil)) || storageMoved(prev, next) {
			a.log.Warn("storage location changed; restart required")
		}
		a.maint.setRetention(sc.Retention)
	}
	rescheduled := slices.Contains(sections, "flight") || slices.Contains(sections, "storage")
	if rescheduled && err == nil && cleanupEvery > 0 {
		if err := a.maint.register(a.sched, cleanupEvery, pruneSchedule); err != nil {
			a.log.Warn("maintenance reschedule failed", logx.Err(err))
		}
	}

	a.ops.Reconfigure(ctx, mapOpsConfig(next))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func storageMoved(prev, next *config.Config) bool {
	var p, n config.StorageConfig
	if prev.Storage != nil {
		p = *prev.Storage
	}
	if next.Storage != nil {
		n = *next.Storage
	}
	return !strings.EqualFold(strings.TrimSpace(p.Driver), strings.TrimSpace(n.Driver)) ||
		strings.TrimSpace(p.Path) != strings.TrimSpace(n.Path)
}

// Stop shuts components down in dependency order. Each step is bounded so
// one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "adapter", 3*time.Second, a.adapter.Stop)
	a.step(ctx, "queue", 5*time.Second, a.queue.Cleanup)
	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.pending.Close()
	if a.store != nil {
		a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	}

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	c, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(c)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-c.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
