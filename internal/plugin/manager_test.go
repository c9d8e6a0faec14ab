package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"haltbot/internal/config"
	"haltbot/internal/eventbus"
	"haltbot/internal/router"
	"haltbot/internal/storage"
	"haltbot/pkg/logx"
)

type fakePlugin struct {
	PluginBase
	name string

	mu        sync.Mutex
	inits     int
	starts    int
	stops     int
	applied   []string
	rejectCfg bool
	panicInit bool
}

func (p *fakePlugin) Name() string { return p.name }

func (p *fakePlugin) Init(_ context.Context, deps PluginDeps) error {
	if p.panicInit {
		panic("init exploded")
	}
	p.mu.Lock()
	p.inits++
	p.mu.Unlock()
	p.InitBase(deps, p.name)
	return nil
}

func (p *fakePlugin) Start(ctx context.Context) error {
	p.mu.Lock()
	p.starts++
	p.mu.Unlock()
	p.StartBase(ctx)
	return nil
}

func (p *fakePlugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
	return p.StopBase(ctx)
}

func (p *fakePlugin) OnConfigChange(_ context.Context, raw json.RawMessage) error {
	if p.rejectCfg {
		return errors.New("bad config")
	}
	p.mu.Lock()
	p.applied = append(p.applied, string(raw))
	p.mu.Unlock()
	return nil
}

func (p *fakePlugin) Commands() []router.Command {
	return []router.Command{{
		Route:  p.name,
		Handle: func(context.Context, *router.Request) error { return nil },
	}}
}

type fakeRegistry struct {
	mu   sync.Mutex
	last []router.Command
}

func (r *fakeRegistry) SetRegistry(_ context.Context, cmds []router.Command) {
	r.mu.Lock()
	r.last = cmds
	r.mu.Unlock()
}

func (r *fakeRegistry) routes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.last))
	for _, c := range r.last {
		out = append(out, c.Route)
	}
	return out
}

func cfgWith(plugins map[string]config.PluginConfigRaw) *config.Config {
	return &config.Config{Plugins: plugins}
}

func TestManagerLifecycle(t *testing.T) {
	t.Parallel()
	reg := &fakeRegistry{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	m := NewManager(logx.Nop(), PluginDeps{Bus: bus}, reg)
	a := &fakePlugin{name: "alpha"}
	b := &fakePlugin{name: "beta"}
	m.Register(a, b)

	ctx := context.Background()
	cfg := cfgWith(map[string]config.PluginConfigRaw{
		"alpha": {Enabled: true, Config: json.RawMessage(`{"x":1,"timeouts":{"command":"3s"}}`)},
		"beta":  {Enabled: false},
	})
	require.NoError(t, m.StartAll(ctx, cfg))
	require.True(t, m.Running("alpha"))
	require.False(t, m.Running("beta"))
	require.Equal(t, []string{"alpha"}, reg.routes())
	require.Equal(t, 3*time.Second, reg.last[0].Timeout)
	require.Equal(t, "alpha", reg.last[0].Plugin)

	e := <-events
	require.Equal(t, eventbus.TypePluginStarted, e.Type)

	// Same config with reordered keys: no reapply.
	m.Apply(ctx, cfgWith(map[string]config.PluginConfigRaw{
		"alpha": {Enabled: true, Config: json.RawMessage(`{"timeouts":{"command":"3s"}, "x":1}`)},
		"beta":  {Enabled: true},
	}))
	require.Len(t, a.applied, 1)
	require.True(t, m.Running("beta"))
	require.ElementsMatch(t, []string{"alpha", "beta"}, reg.routes())

	// Changed config is pushed; disabling stops and re-enabling skips Init.
	m.Apply(ctx, cfgWith(map[string]config.PluginConfigRaw{
		"alpha": {Enabled: false},
		"beta":  {Enabled: true, Config: json.RawMessage(`{"y":2}`)},
	}))
	require.False(t, m.Running("alpha"))
	require.Equal(t, 1, a.stops)
	require.Equal(t, []string{"", `{"y":2}`}, b.applied)
	m.Apply(ctx, cfgWith(map[string]config.PluginConfigRaw{"alpha": {Enabled: true}, "beta": {Enabled: true, Config: json.RawMessage(`{"y":2}`)}}))
	require.Equal(t, 1, a.inits)
	require.Equal(t, 2, a.starts)

	m.StopAll(ctx)
	require.False(t, m.Running("alpha"))
	require.False(t, m.Running("beta"))
}

func TestManagerQuarantinesRejectedConfig(t *testing.T) {
	t.Parallel()
	m := NewManager(logx.Nop(), PluginDeps{}, &fakeRegistry{})
	p := &fakePlugin{name: "alpha", rejectCfg: true}
	m.Register(p)

	cfg := cfgWith(map[string]config.PluginConfigRaw{"alpha": {Enabled: true, Config: json.RawMessage(`{"a":1}`)}})
	require.Error(t, m.StartAll(context.Background(), cfg))
	require.False(t, m.Running("alpha"))

	// Unchanged config is not retried.
	p.rejectCfg = false
	m.Apply(context.Background(), cfg)
	require.False(t, m.Running("alpha"))

	m.Apply(context.Background(), cfgWith(map[string]config.PluginConfigRaw{"alpha": {Enabled: true, Config: json.RawMessage(`{"a":2}`)}}))
	require.True(t, m.Running("alpha"))
	m.StopAll(context.Background())
}

func TestManagerRecoversInitPanic(t *testing.T) {
	t.Parallel()
	m := NewManager(logx.Nop(), PluginDeps{}, nil)
	m.Register(&fakePlugin{name: "boom", panicInit: true})
	err := m.StartAll(context.Background(), cfgWith(map[string]config.PluginConfigRaw{"boom": {Enabled: true}}))
	require.ErrorContains(t, err, "panic")
	require.False(t, m.Running("boom"))
}

func TestValidateConfigTimeouts(t *testing.T) {
	t.Parallel()
	m := NewManager(logx.Nop(), PluginDeps{}, nil)
	m.Register(&fakePlugin{name: "alpha"})

	ok := cfgWith(map[string]config.PluginConfigRaw{"alpha": {Enabled: true, Config: json.RawMessage(`{"timeouts":{"command":"5s"}}`)}})
	require.NoError(t, m.ValidateConfig(context.Background(), ok))

	bad := cfgWith(map[string]config.PluginConfigRaw{"alpha": {Enabled: true, Config: json.RawMessage(`{"timeouts":{"job":"5s"}}`)}})
	require.ErrorContains(t, m.ValidateConfig(context.Background(), bad), "unknown timeouts field")

	badDur := cfgWith(map[string]config.PluginConfigRaw{"alpha": {Enabled: true, Config: json.RawMessage(`{"timeouts":{"command":"soon"}}`)}})
	require.Error(t, m.ValidateConfig(context.Background(), badDur))

	disabled := cfgWith(map[string]config.PluginConfigRaw{"alpha": {Enabled: false, Config: json.RawMessage(`{"timeouts":{"job":"5s"}}`)}})
	require.NoError(t, m.ValidateConfig(context.Background(), disabled))
}

func TestDecodePluginConfig(t *testing.T) {
	t.Parallel()
	type cfg struct {
		Locale string `json:"locale"`
	}
	got, err := DecodePluginConfig[cfg](nil)
	require.NoError(t, err)
	require.Empty(t, got.Locale)

	got, err = DecodePluginConfig[cfg](json.RawMessage(`{"locale":"zh"}`))
	require.NoError(t, err)
	require.Equal(t, "zh", got.Locale)

	_, err = DecodePluginConfig[cfg](json.RawMessage(`{"lokale":"zh"}`))
	require.Error(t, err)

	_, err = DecodePluginConfig[cfg](json.RawMessage(`{"locale":"zh"} {}`))
	require.Error(t, err)
}

type memStore struct {
	entries []storage.AuditEntry
}

func (s *memStore) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	s.entries = append(s.entries, e)
	return nil
}

func (s *memStore) RecentAudit(context.Context, int) ([]storage.AuditEntry, error) {
	return s.entries, nil
}

func (s *memStore) Close() error { return nil }

func TestPluginBaseAudit(t *testing.T) {
	t.Parallel()
	var b PluginBase
	b.InitBase(PluginDeps{}, "shutdown")
	require.ErrorIs(t, b.AppendAudit(context.Background(), storage.AuditEntry{Action: "x"}), storage.ErrDisabled)

	st := &memStore{}
	b.InitBase(PluginDeps{Store: st}, "shutdown")
	require.NoError(t, b.AppendAudit(context.Background(), storage.AuditEntry{Action: "schedule"}))
	require.Len(t, st.entries, 1)
	require.Equal(t, "shutdown", st.entries[0].Plugin)
	require.False(t, st.entries[0].At.IsZero())

	// no bus configured: must not panic
	b.PublishEvent(eventbus.TypeShutdownFired, nil)
}
