// Package shutdown implements /shutdown: schedule, list and cancel a deferred
// power-off or reboot, with optional wall messages and cron-driven schedules.
package shutdown

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"haltbot/internal/eventbus"
	"haltbot/internal/plugin"
	"haltbot/internal/shutdown/pending"
	"haltbot/pkg/logx"
)

const Name = "shutdown"

type state struct {
	cfg Config
	cat *catalog
	loc *time.Location
}

type Plugin struct {
	plugin.PluginBase

	reg   *pending.Registry
	clock pending.Clock

	mu sync.RWMutex
	st state

	cronMu sync.Mutex
	cron   *cron.Cron
}

type options struct {
	clock pending.Clock
	sched pending.Scheduler
}

type Option func(*options)

// WithClock overrides the wall clock used for time specs and the registry.
func WithClock(c pending.Clock) Option { return func(o *options) { o.clock = c } }

// WithScheduler overrides the timer implementation of the registry.
func WithScheduler(s pending.Scheduler) Option { return func(o *options) { o.sched = s } }

// New builds the plugin and its pending-action registry. term is invoked
// when an action fires.
func New(term pending.Terminator, opts ...Option) *Plugin {
	o := options{clock: pending.SystemClock{}, sched: pending.TimerScheduler{}}
	for _, fn := range opts {
		fn(&o)
	}
	p := &Plugin{clock: o.clock}
	p.reg = pending.NewRegistry(term,
		pending.WithClock(o.clock),
		pending.WithScheduler(o.sched),
		pending.WithObserver(p.onFire),
	)
	return p
}

func (p *Plugin) Name() string { return Name }

// Registry exposes the pending actions, e.g. for shutdown-time logging.
func (p *Plugin) Registry() *pending.Registry { return p.reg }

func (p *Plugin) Init(ctx context.Context, deps plugin.PluginDeps) error {
	p.InitBase(deps, p.Name())
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.st.cat != nil {
		return nil
	}
	cfg := Config{}.withDefaults()
	cat, err := loadCatalog(cfg.Locale)
	if err != nil {
		return err
	}
	p.st = state{cfg: cfg, cat: cat, loc: time.Local}
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)
	p.startAuto()
	return nil
}

// Stop disarms cron schedules and cancels every pending action, so a plugin
// disable or a graceful exit never ends in a late termination.
func (p *Plugin) Stop(ctx context.Context) error {
	p.stopAuto()
	if n := p.reg.CancelAll(); n > 0 {
		p.Log.Warn("pending actions cancelled on stop", logx.Int("count", n))
		p.Deps.Metrics.Cancelled(n)
		p.Deps.Metrics.SetPending(0)
		p.PublishEvent(eventbus.TypeShutdownCancelled, eventbus.ShutdownData{Count: n, Source: "stop"})
	}
	return p.StopBase(ctx)
}

func (p *Plugin) ValidateConfig(ctx context.Context, raw json.RawMessage) error {
	cfg, err := plugin.DecodePluginConfig[Config](raw)
	if err != nil {
		return err
	}
	return cfg.withDefaults().validate(p.clock.Now())
}

func (p *Plugin) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	cfg, err := plugin.DecodePluginConfig[Config](raw)
	if err != nil {
		return err
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(p.clock.Now()); err != nil {
		return err
	}
	cat, err := loadCatalog(cfg.Locale)
	if err != nil {
		return err
	}
	loc, err := cfg.location()
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.st = state{cfg: cfg, cat: cat, loc: loc}
	running := p.Runner != nil
	p.mu.Unlock()

	if running {
		p.stopAuto()
		p.startAuto()
	}
	p.Log.Debug("config applied", logx.String("locale", cfg.Locale), logx.Int("auto", len(cfg.Auto)))
	return nil
}

func (p *Plugin) state() state {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.st
}
