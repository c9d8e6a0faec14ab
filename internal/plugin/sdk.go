package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"haltbot/internal/eventbus"
	"haltbot/internal/metrics"
	"haltbot/internal/router"
	"haltbot/internal/runtime/supervisor"
	"haltbot/internal/storage"
	"haltbot/internal/transport"
	"haltbot/pkg/logx"
)

type Plugin interface {
	Name() string
	Init(ctx context.Context, deps PluginDeps) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Commands() []router.Command
}

// ConfigurablePlugin receives its raw `plugins.<name>.config` blob before
// Start and again whenever it changes.
type ConfigurablePlugin interface {
	OnConfigChange(ctx context.Context, raw json.RawMessage) error
}

// ConfigValidator is an optional hook to reject a config before it is committed.
type ConfigValidator interface {
	ValidateConfig(ctx context.Context, raw json.RawMessage) error
}

// Broadcaster sends a wall message to every known chat. broadcast.Service
// implements it.
type Broadcaster interface {
	Broadcast(ctx context.Context, text string) (jobID string, err error)
}

type PluginDeps struct {
	Logger      logx.Logger
	Sender      transport.Sender
	Broadcaster Broadcaster
	Bus         eventbus.Bus
	Store       storage.Store    // nil when storage is disabled
	Metrics     *metrics.Metrics // nil-safe
}

// PluginBase is a small helper embedded by plugins.
//
//	type Plugin struct { plugin.PluginBase }
//	func (p *Plugin) Init(ctx context.Context, deps plugin.PluginDeps) error { p.InitBase(deps, p.Name()); return nil }
//	func (p *Plugin) Start(ctx context.Context) error { p.StartBase(ctx); return nil }
//	func (p *Plugin) Stop(ctx context.Context) error { return p.StopBase(ctx) }
type PluginBase struct {
	Log    logx.Logger
	Deps   PluginDeps
	Runner *supervisor.Supervisor

	pluginName string
	ctx        context.Context
}

func (b *PluginBase) InitBase(deps PluginDeps, pluginName string) {
	b.Deps = deps
	b.pluginName = pluginName
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	b.Log = log.With(logx.String("plugin", pluginName))
	if b.Deps.Bus == nil {
		b.Deps.Bus = eventbus.Nop{}
	}
}

// StartBase creates a per-plugin supervisor tied to ctx.
func (b *PluginBase) StartBase(ctx context.Context) {
	b.ctx = ctx
	b.Runner = supervisor.New(ctx, supervisor.WithLogger(b.Log))
}

// StopBase cancels the runner and waits, bounded by ctx.
func (b *PluginBase) StopBase(ctx context.Context) error {
	if b.Runner == nil {
		return nil
	}
	err := b.Runner.Stop(ctx)
	b.Runner = nil
	return err
}

// Context returns the plugin runtime context (canceled on stop/disable).
func (b *PluginBase) Context() context.Context {
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}

// AppendAudit stamps e with the plugin name and time and writes it to the
// store. Returns storage.ErrDisabled when there is no store.
func (b *PluginBase) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	st := b.Deps.Store
	if st == nil {
		return storage.ErrDisabled
	}
	if e.Plugin == "" {
		e.Plugin = b.pluginName
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return st.AppendAudit(ctx, e)
}

// PublishEvent is non-blocking.
func (b *PluginBase) PublishEvent(typ string, data any) {
	if b.Deps.Bus == nil {
		return
	}
	b.Deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// DecodePluginConfig decodes a plugin config blob strictly: unknown fields
// and trailing data are errors. An empty blob yields the zero value.
func DecodePluginConfig[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return out, errors.New("trailing data after plugin config")
	}
	return out, nil
}
