// Package app wires the daemon together: config, logging, stores,
// the reminder loop, the notify pipeline and the health server.
package app

import (
	"context"
	"strings"
	"time"

	"taskplanner/internal/config"
	"taskplanner/internal/dedup"
	"taskplanner/internal/eventbus"
	"taskplanner/internal/notify"
	"taskplanner/internal/observability/health"
	"taskplanner/internal/reminder"
	rtsup "taskplanner/internal/runtime/supervisor"
	"taskplanner/internal/taskstore"
	logx "taskplanner/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	tasks  *taskstore.Store
	ledger dedup.Store

	rem    *reminder.Service
	notif  *notify.Service
	health *health.Service

	sup       *rtsup.Supervisor
	startedAt time.Time
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(ctx context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		// Duration fields must parse before a hot-reload is accepted.
		if _, err := mapReminderConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifyConfig(cfg); err != nil {
			return err
		}
		if _, err := mapHealthConfig(cfg); err != nil {
			return err
		}
		if _, err := mapTaskstoreConfig(cfg); err != nil {
			return err
		}
		_, err := mapDedupConfig(cfg)
		return err
	})

	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	// Dedup ledger. A missing driver degrades to in-memory bookkeeping:
	// reminders still fire, but a restart may repeat recent ones.
	dcfg, err := mapDedupConfig(cfg)
	if err != nil {
		return nil, err
	}
	ledger, err := dedup.Open(dcfg, log.With(logx.String("comp", "dedup")))
	if err != nil {
		return nil, err
	}
	if ledger == nil {
		log.Warn("no dedup driver configured; notification history will not survive restarts")
		ledger = dedup.NewMemory()
	} else {
		log.Info("dedup store opened", logx.String("driver", dcfg.Driver))
	}

	// Task snapshot source.
	var tasks *taskstore.Store
	if strings.TrimSpace(cfg.Tasks.Path) != "" {
		tcfg, err := mapTaskstoreConfig(cfg)
		if err != nil {
			return nil, err
		}
		tasks, err = taskstore.Open(tcfg, log.With(logx.String("comp", "taskstore")))
		if err != nil {
			return nil, err
		}
	}

	// Notify pipeline.
	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	channels, err := buildChannels(cfg, log)
	if err != nil {
		return nil, err
	}
	notifSvc := notify.New(ncfg, channels, log.With(logx.String("comp", "notify")), bus)

	// Reminder loop.
	rcfg, err := mapReminderConfig(cfg)
	if err != nil {
		return nil, err
	}
	var source reminder.TaskSource
	if tasks != nil {
		source = tasks
	}
	remSvc := reminder.New(rcfg, source, ledger, notifSvc,
		bus, log.With(logx.String("comp", "reminder")))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		tasks:   tasks,
		ledger:  ledger,
		rem:     remSvc,
		notif:   notifSvc,
	}

	hcfg, err := mapHealthConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.health = health.New(hcfg, a.healthSnapshot, log.With(logx.String("comp", "health")))

	return a, nil
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

// ForceCheck triggers one immediate reminder evaluation pass.
func (a *App) ForceCheck(ctx context.Context) error {
	return a.rem.ForceCheck(ctx)
}

func (a *App) Start(ctx context.Context) error {
	a.startedAt = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.rem.Enabled() {
		a.rem.Start(a.sup.Context())
	}
	if a.health.Enabled() {
		a.health.Start(a.sup.Context())
	}

	// Config watcher with hot-apply.
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	}, rtsup.WithPublishFirstError(true))

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	// Debug trace of bus traffic.
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

	a.log.Info("daemon started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	// Stop order: reminder first so nothing new enters the pipeline, then
	// drain the pipeline, then everything else.
	a.rem.Stop(ctx)
	a.notif.Stop(ctx)
	a.health.Stop(ctx)

	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}

	if a.tasks != nil {
		_ = a.tasks.Close()
	}
	if a.ledger != nil {
		_ = a.ledger.Close()
	}

	a.log.Info("daemon stopped")
	_ = a.logs.Close()
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts, keep only the latest.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			if len(sections) > 0 {
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config change applied", fields...)
			} else {
				a.log.Debug("config reload received, but no effective changes detected")
			}
			lastApplied = newCfg
			a.applyConfig(ctx, newCfg, sections)
		}
	}
}

// applyConfig pushes a validated config into running services. Storage
// paths are the one thing that cannot move at runtime.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config, sections []string) {
	for _, s := range sections {
		if s == "tasks" || s == "dedup" {
			a.log.Warn("storage config changed; restart required for changes to take effect",
				logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(cfg))

	if rcfg, err := mapReminderConfig(cfg); err == nil {
		prev := a.rem.Enabled()
		a.rem.Apply(rcfg)
		switch {
		case prev && !rcfg.Enabled:
			a.log.Info("reminder service disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.rem.Stop(stopCtx)
			cancel()
		case !prev && rcfg.Enabled:
			a.log.Info("reminder service enabled via config")
			a.rem.Start(ctx)
		}
	}

	if ncfg, err := mapNotifyConfig(cfg); err == nil {
		prev := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case prev && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prev && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if hcfg, err := mapHealthConfig(cfg); err == nil {
		a.health.Reconfigure(ctx, hcfg)
	}
}

// healthSnapshot aggregates the state the /healthz endpoint reports.
type healthSnapshot struct {
	Status        string               `json:"status"`
	UptimeSeconds int64                `json:"uptime_seconds"`
	Reminder      reminder.Health      `json:"reminder"`
	Deliveries    []notify.HistoryItem `json:"recent_deliveries,omitempty"`
	Supervisor    rtsup.Snapshot       `json:"supervisor"`
}

func (a *App) healthSnapshot() any {
	snap := healthSnapshot{
		Status:   "ok",
		Reminder: a.rem.Health(),
	}
	if !a.startedAt.IsZero() {
		snap.UptimeSeconds = int64(time.Since(a.startedAt).Seconds())
	}
	if a.rem.Enabled() && !snap.Reminder.Running {
		snap.Status = "degraded"
	}
	if snap.Reminder.ConsecutiveFailures > 3 {
		snap.Status = "degraded"
	}
	snap.Deliveries = a.notif.Snapshot()
	if a.sup != nil {
		snap.Supervisor = a.sup.Snapshot()
	}
	return snap
}
