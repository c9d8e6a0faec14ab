package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"haltbot/internal/broadcast"
	"haltbot/internal/config"
	"haltbot/internal/eventbus"
	"haltbot/internal/metrics"
	"haltbot/internal/plugin"
	"haltbot/internal/plugin/builtin/shutdown"
	"haltbot/internal/router"
	"haltbot/internal/runtime/supervisor"
	"haltbot/internal/shutdown/terminate"
	"haltbot/internal/storage"
	"haltbot/internal/transport"
	"haltbot/internal/transport/telegram"
	"haltbot/pkg/logx"
)

const (
	sessionTTL  = 7 * 24 * time.Hour
	sessionsMax = 1024
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter transport.Adapter

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	bc       *broadcast.Service
	term     *terminate.Process

	sessions *router.Sessions
	cmdm     *router.CommandManager
	pm       *plugin.Manager
	halt     *shutdown.Plugin

	updates chan transport.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}

	sessions := router.NewSessions(sessionTTL, sessionsMax)

	bcCfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}
	bc := broadcast.New(bcCfg, ad, log.With(logx.String("comp", "broadcast")),
		broadcast.WithTargetSource(sessions),
		broadcast.WithRecorder(m),
	)

	termCfg, err := mapTerminateConfig(cfg)
	if err != nil {
		return nil, err
	}
	term := terminate.New(termCfg, log.With(logx.String("comp", "terminate")))
	if store != nil {
		term.OnExit("storage.close", func(context.Context) error { return store.Close() })
	}
	term.OnExit("logs.close", func(context.Context) error { return logSvc.Close() })

	cmdm := router.NewCommandManager(log.With(logx.String("comp", "commands")),
		ad, cfg.Telegram.OwnerUserIDs, router.WithSessions(sessions))

	pm := plugin.NewManager(log.With(logx.String("comp", "plugins")), plugin.PluginDeps{
		Logger:      log,
		Sender:      ad,
		Broadcaster: bc,
		Bus:         bus,
		Store:       store,
		Metrics:     m,
	}, cmdm)

	halt := shutdown.New(term)
	pm.Register(halt)

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		registry: reg,
		metrics:  m,
		bc:       bc,
		term:     term,
		sessions: sessions,
		cmdm:     cmdm,
		pm:       pm,
		halt:     halt,
		updates:  make(chan transport.Update, 256),
	}, nil
}

func (a *App) Plugins() *plugin.Manager { return a.pm }

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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	cfg := a.cfgm.Get()

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	if a.bc.Enabled() {
		a.bc.Start(a.sup.Context())
	}

	if err := a.pm.StartAll(a.sup.Context(), cfg); err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		addr, path := metricsEndpoint(cfg)
		a.sup.Go("metrics.http", func(c context.Context) error {
			return metrics.Serve(c, addr, path, a.registry, a.log.With(logx.String("comp", "metrics")),
				metrics.WithPprof(cfg.Metrics.Pprof))
		})
	}

	a.startEventLog()
	a.startReloadLoop()

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if cfg.Terminate != nil && cfg.Terminate.SdNotify {
		if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			a.log.Warn("sd_notify ready failed", logx.Err(err))
		} else if !sent {
			a.log.Debug("sd_notify not available")
		}
	}

	a.log.Info("app started",
		logx.Int("owners", len(cfg.Telegram.OwnerUserIDs)),
		logx.Bool("broadcast", a.bc.Enabled()),
		logx.Bool("metrics", cfg.Metrics.Enabled),
	)
	return nil
}

func (a *App) validate(c context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBroadcastConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTerminateConfig(cfg); err != nil {
		return err
	}
	// per-plugin validation
	if a.pm != nil {
		return a.pm.ValidateConfig(c, cfg)
	}
	return nil
}

// startEventLog mirrors bus events into the log.
func (a *App) startEventLog() {
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
				a.logEvent(e)
			}
		}
	})
}

func (a *App) logEvent(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.ShutdownData:
		fields := []logx.Field{logx.String("type", e.Type), logx.String("source", d.Source)}
		if d.Kind != "" {
			fields = append(fields, logx.String("kind", d.Kind), logx.Uint64("id", d.ID), logx.Time("fire_at", d.FireAt))
		}
		if d.Count > 0 {
			fields = append(fields, logx.Int("count", d.Count))
		}
		a.log.Info("event", fields...)
	case eventbus.PluginData:
		fields := []logx.Field{logx.String("type", e.Type), logx.String("plugin", d.Plugin)}
		if d.Err != "" {
			fields = append(fields, logx.String("err", d.Err))
		}
		a.log.Debug("event", fields...)
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

// startReloadLoop fans committed configs out to the running components.
func (a *App) startReloadLoop() {
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
				a.apply(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, pluginChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(pluginChanged) > 0 {
		a.log.Debug("plugin config changes detected", logx.Any("plugins", pluginChanged))
	}
	for _, s := range sections {
		switch s {
		case "storage", "metrics", "terminate":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(newCfg))
	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)

	if bcCfg, err := mapBroadcastConfig(newCfg); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.bc.Enabled()
		a.bc.Apply(bcCfg)
		switch {
		case wasEnabled && !bcCfg.Enabled:
			a.log.Info("broadcast disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if err := a.bc.Stop(stopCtx); err != nil {
				a.log.Warn("broadcast stop failed", logx.Err(err))
			}
			cancel()
		case !wasEnabled && bcCfg.Enabled:
			a.log.Info("broadcast enabled via config")
			a.bc.Start(ctx)
		}
	}

	a.pm.Apply(ctx, newCfg)

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop stops components in reverse start order. Each step is bounded so one
// component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context, reason string) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", reason))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Plugins first: the shutdown plugin disarms every pending action.
	a.step(ctx, "plugins", 4*time.Second, func(c context.Context) error { a.pm.StopAll(c); return nil })
	a.step(ctx, "broadcast", 2*time.Second, func(c context.Context) error { return a.bc.Stop(c) })
	a.step(ctx, "adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	a.step(ctx, "storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
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
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
