// Package plugin hosts the plugin SDK and the manager that starts, stops and
// reconfigures plugins from the `plugins` config section.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"haltbot/internal/config"
	"haltbot/internal/eventbus"
	"haltbot/internal/router"
	"haltbot/pkg/logx"
)

const (
	callTimeout  = 10 * time.Second
	startGrace   = 2 * time.Second
	slowStopWarn = 500 * time.Millisecond
)

// CommandRegistry receives the commands of every running plugin.
// router.CommandManager implements it.
type CommandRegistry interface {
	SetRegistry(ctx context.Context, cmds []router.Command)
}

type Manager struct {
	mu sync.Mutex

	log   logx.Logger
	deps  PluginDeps
	cmds  CommandRegistry
	order []string
	reg   map[string]Plugin
	run   map[string]bool
	// Init runs once per plugin; re-enabling only calls Start again.
	inited map[string]bool
	// last applied config hash per running plugin
	lastRawHash map[string]uint64
	// raw hash that failed to apply; retried only once the config changes
	quarantine map[string]uint64

	// baseCtx outlives the call-scoped contexts passed to StartAll/Apply.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	pcancel    map[string]context.CancelFunc
}

func NewManager(log logx.Logger, deps PluginDeps, cmds CommandRegistry) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Manager{
		log:         log,
		deps:        deps,
		cmds:        cmds,
		reg:         map[string]Plugin{},
		run:         map[string]bool{},
		inited:      map[string]bool{},
		lastRawHash: map[string]uint64{},
		quarantine:  map[string]uint64{},
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		pcancel:     map[string]context.CancelFunc{},
	}
}

func (pm *Manager) Register(ps ...Plugin) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, p := range ps {
		if p == nil {
			continue
		}
		name := p.Name()
		if _, dup := pm.reg[name]; !dup {
			pm.order = append(pm.order, name)
		}
		pm.reg[name] = p
	}
}

// Running reports whether the named plugin is started.
func (pm *Manager) Running(name string) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.run[name]
}

// StartAll starts every enabled plugin and publishes their commands.
func (pm *Manager) StartAll(ctx context.Context, cfg *config.Config) error {
	return pm.reconcile(ctx, cfg)
}

// Apply reconciles running plugins against a reloaded config.
func (pm *Manager) Apply(ctx context.Context, cfg *config.Config) {
	if err := pm.reconcile(ctx, cfg); err != nil {
		pm.log.Warn("plugin reconcile failed", logx.Err(err))
	}
}

// StopAll stops plugins in reverse registration order, each bounded by ctx.
func (pm *Manager) StopAll(ctx context.Context) {
	pm.mu.Lock()
	names := append([]string(nil), pm.order...)
	pm.mu.Unlock()
	for i := len(names) - 1; i >= 0; i-- {
		pm.stopOne(ctx, names[i], "shutdown")
	}
	pm.baseCancel()
}

// ValidateConfig runs the ConfigValidator hooks of enabled plugins. It never
// calls Init, Start or Stop.
func (pm *Manager) ValidateConfig(ctx context.Context, cfg *config.Config) error {
	for _, o := range pm.snapshot(cfg) {
		if !o.enabled {
			continue
		}
		if err := validateTimeouts(o.name, o.raw.Config); err != nil {
			return err
		}
		if v, ok := o.p.(ConfigValidator); ok {
			vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := pm.safeCall("plugin.validate."+o.name, func() error { return v.ValidateConfig(vctx, o.raw.Config) })
			cancel()
			if err != nil {
				return fmt.Errorf("plugin %s: config validate: %w", o.name, err)
			}
		}
	}
	return nil
}

type planned struct {
	name    string
	p       Plugin
	raw     config.PluginConfigRaw
	rawHash uint64
	enabled bool
	running bool
}

func (pm *Manager) snapshot(cfg *config.Config) []planned {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]planned, 0, len(pm.order))
	for _, name := range pm.order {
		var raw config.PluginConfigRaw
		var ok bool
		if cfg != nil {
			raw, ok = cfg.Plugins[name]
		}
		out = append(out, planned{
			name:    name,
			p:       pm.reg[name],
			raw:     raw,
			rawHash: config.CanonicalHashJSON(raw.Config),
			enabled: ok && raw.Enabled,
			running: pm.run[name],
		})
	}
	return out
}

func (pm *Manager) reconcile(ctx context.Context, cfg *config.Config) error {
	var firstErr error
	for _, o := range pm.snapshot(cfg) {
		var err error
		switch {
		case o.enabled && !o.running:
			err = pm.startOne(o)
		case !o.enabled && o.running:
			sctx, cancel := context.WithTimeout(pm.baseCtx, callTimeout)
			pm.stopOne(sctx, o.name, "disabled")
			cancel()
		case o.enabled && o.running:
			err = pm.reconfigure(o)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	pm.refreshRegistry(ctx, cfg)
	return firstErr
}

func (pm *Manager) startOne(o planned) error {
	pm.mu.Lock()
	failedHash, quarantined := pm.quarantine[o.name]
	needInit := !pm.inited[o.name]
	pm.mu.Unlock()
	if quarantined && failedHash == o.rawHash {
		pm.log.Warn("plugin enable skipped (config unchanged since failure)", logx.String("plugin", o.name))
		return nil
	}

	pctx, cancel := context.WithCancel(pm.baseCtx)
	fail := func(stage string, err error) error {
		cancel()
		pm.mu.Lock()
		pm.quarantine[o.name] = o.rawHash
		pm.mu.Unlock()
		pm.log.Error("plugin "+stage+" failed", logx.String("plugin", o.name), logx.Err(err))
		pm.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypePluginFailed, Data: eventbus.PluginData{Plugin: o.name, Stage: stage, Err: err.Error()}})
		return fmt.Errorf("plugin %s: %s: %w", o.name, stage, err)
	}

	if err := validateTimeouts(o.name, o.raw.Config); err != nil {
		return fail("validate", err)
	}
	if needInit {
		ictx, icancel := context.WithTimeout(pctx, callTimeout)
		err := pm.safeCall("plugin.init."+o.name, func() error { return o.p.Init(ictx, pm.deps) })
		icancel()
		if err != nil {
			return fail("init", err)
		}
		pm.mu.Lock()
		pm.inited[o.name] = true
		pm.mu.Unlock()
	}
	if v, ok := o.p.(ConfigValidator); ok {
		vctx, vcancel := context.WithTimeout(pctx, callTimeout)
		err := pm.safeCall("plugin.validate."+o.name, func() error { return v.ValidateConfig(vctx, o.raw.Config) })
		vcancel()
		if err != nil {
			return fail("validate", err)
		}
	}
	if cp, ok := o.p.(ConfigurablePlugin); ok {
		cctx, ccancel := context.WithTimeout(pctx, callTimeout)
		err := pm.safeCall("plugin.config."+o.name, func() error { return cp.OnConfigChange(cctx, o.raw.Config) })
		ccancel()
		if err != nil {
			return fail("config", err)
		}
	}

	start := time.Now()
	if err := pm.startWithTimeout(o.name, o.p, pctx, cancel, callTimeout); err != nil {
		return fail("start", err)
	}

	pm.mu.Lock()
	pm.run[o.name] = true
	pm.pcancel[o.name] = cancel
	pm.lastRawHash[o.name] = o.rawHash
	delete(pm.quarantine, o.name)
	pm.mu.Unlock()

	pm.log.Info("plugin started", logx.String("plugin", o.name))
	pm.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypePluginStarted, Data: eventbus.PluginData{Plugin: o.name, TookMS: time.Since(start).Milliseconds()}})
	return nil
}

// reconfigure pushes a changed config blob to a running plugin. A plugin
// that rejects it is stopped until the config changes again.
func (pm *Manager) reconfigure(o planned) error {
	cp, ok := o.p.(ConfigurablePlugin)
	if !ok {
		return nil
	}
	pm.mu.Lock()
	old := pm.lastRawHash[o.name]
	pm.mu.Unlock()
	if old == o.rawHash {
		pm.log.Debug("plugin config unchanged; skipping", logx.String("plugin", o.name))
		return nil
	}

	err := validateTimeouts(o.name, o.raw.Config)
	if err == nil {
		cctx, cancel := context.WithTimeout(pm.baseCtx, callTimeout)
		err = pm.safeCall("plugin.config."+o.name, func() error { return cp.OnConfigChange(cctx, o.raw.Config) })
		cancel()
	}
	if err != nil {
		pm.log.Error("plugin config apply failed; stopping", logx.String("plugin", o.name), logx.Err(err))
		pm.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypePluginFailed, Data: eventbus.PluginData{Plugin: o.name, Stage: "config", Err: err.Error()}})
		sctx, cancel := context.WithTimeout(pm.baseCtx, callTimeout)
		pm.stopOne(sctx, o.name, "config_failed")
		cancel()
		pm.mu.Lock()
		pm.quarantine[o.name] = o.rawHash
		pm.mu.Unlock()
		return fmt.Errorf("plugin %s: config: %w", o.name, err)
	}

	pm.mu.Lock()
	pm.lastRawHash[o.name] = o.rawHash
	pm.mu.Unlock()
	pm.log.Info("plugin config applied", logx.String("plugin", o.name))
	return nil
}

func (pm *Manager) stopOne(ctx context.Context, name, reason string) {
	pm.mu.Lock()
	p := pm.reg[name]
	running := pm.run[name]
	cancel := pm.pcancel[name]
	pm.mu.Unlock()
	if !running || p == nil {
		return
	}

	start := time.Now()
	if cancel != nil {
		cancel()
	}

	// A misbehaving Stop must not block shutdown past ctx.
	done := make(chan struct{})
	go func() {
		if err := pm.safeCall("plugin.stop."+name, func() error { return p.Stop(ctx) }); err != nil {
			pm.log.Warn("plugin stop returned error", logx.String("plugin", name), logx.Err(err))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		pm.log.Warn("plugin stop timeout (continuing)", logx.String("plugin", name), logx.Err(ctx.Err()))
	}

	pm.mu.Lock()
	pm.run[name] = false
	delete(pm.pcancel, name)
	delete(pm.lastRawHash, name)
	pm.mu.Unlock()

	took := time.Since(start)
	pm.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypePluginStopped, Data: eventbus.PluginData{Plugin: name, Stage: reason, TookMS: took.Milliseconds()}})
	if took >= slowStopWarn {
		pm.log.Info("plugin stopped", logx.String("plugin", name), logx.String("reason", reason), logx.Duration("took", took))
	} else {
		pm.log.Debug("plugin stopped", logx.String("plugin", name), logx.String("reason", reason), logx.Duration("took", took))
	}
}

// startWithTimeout calls Start(pctx) but enforces a deadline. On timeout the
// plugin context is canceled and Start gets a short grace period to return.
func (pm *Manager) startWithTimeout(name string, p Plugin, pctx context.Context, cancel context.CancelFunc, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- pm.safeCall("plugin.start."+name, func() error { return p.Start(pctx) })
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
	}

	cancel()
	grace := time.NewTimer(startGrace)
	defer grace.Stop()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("start timeout (%s): %w", timeout, err)
		}
		return fmt.Errorf("start timeout (%s)", timeout)
	case <-grace.C:
		return fmt.Errorf("start timeout (%s): start did not return after cancel", timeout)
	}
}

func (pm *Manager) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pm.log.Error("panic in plugin call",
				logx.String("call", label),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}

func (pm *Manager) refreshRegistry(ctx context.Context, cfg *config.Config) {
	if pm.cmds == nil {
		return
	}
	var out []router.Command
	for _, o := range pm.snapshot(cfg) {
		if !o.running {
			continue
		}
		timeout := commandTimeout(o.raw.Config)
		for _, c := range pm.safeCommands(o.name, o.p) {
			c.Plugin = o.name
			if c.Timeout <= 0 {
				c.Timeout = timeout
			}
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	pm.cmds.SetRegistry(ctx, out)
}

func (pm *Manager) safeCommands(name string, p Plugin) (out []router.Command) {
	defer func() {
		if r := recover(); r != nil {
			pm.log.Error("panic in plugin Commands()", logx.String("plugin", name), logx.Any("panic", r))
			out = nil
		}
	}()
	return p.Commands()
}

type timeoutsBlock struct {
	Timeouts *struct {
		Command string `json:"command"`
	} `json:"timeouts"`
}

// commandTimeout reads the optional `timeouts.command` of a plugin config.
func commandTimeout(raw json.RawMessage) time.Duration {
	if len(raw) == 0 {
		return 0
	}
	var w timeoutsBlock
	if err := json.Unmarshal(raw, &w); err != nil || w.Timeouts == nil {
		return 0
	}
	d, err := config.ParseDurationField("timeouts.command", w.Timeouts.Command)
	if err != nil {
		return 0
	}
	return d
}

func validateTimeouts(plugin string, raw json.RawMessage) error {
	var top map[string]json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &top) != nil {
		return nil
	}
	b, ok := top["timeouts"]
	if !ok || string(b) == "null" {
		return nil
	}
	var tm map[string]string
	if err := json.Unmarshal(b, &tm); err != nil {
		return fmt.Errorf("plugin %s: timeouts must be an object of duration strings", plugin)
	}
	for k, v := range tm {
		if k != "command" {
			return fmt.Errorf("plugin %s: unknown timeouts field %q (supported: command)", plugin, k)
		}
		if _, err := config.ParseDurationField("timeouts."+k, v); err != nil {
			return fmt.Errorf("plugin %s: %w", plugin, err)
		}
	}
	return nil
}
