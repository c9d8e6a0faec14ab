package shutdown

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"haltbot/internal/eventbus"
	"haltbot/internal/shutdown/pending"
	"haltbot/internal/storage"
	"haltbot/pkg/logx"
)

const auditTimeout = 2 * time.Second

// origin describes who asked for an action.
type origin struct {
	Source        string // "command", "auto:<cron>", "stop"
	ActorID       int64
	ActorUsername string
	ChatID        int64
}

func (p *Plugin) schedule(ctx context.Context, st state, d time.Duration, reboot bool, spec, wall string, noWall bool, o origin) pending.Action {
	a := p.reg.Schedule(d, reboot)
	kind := a.Kind()

	p.Deps.Metrics.Scheduled(kind)
	p.Deps.Metrics.SetPending(p.reg.Len())
	p.PublishEvent(eventbus.TypeShutdownScheduled, eventbus.ShutdownData{ID: a.ID, Kind: kind, FireAt: a.FireAt, Source: o.Source})
	p.audit(ctx, "schedule", kind, 1, o, map[string]any{
		"id":      a.ID,
		"spec":    spec,
		"fire_at": a.FireAt,
		"no_wall": noWall,
	})
	p.Log.Info("action scheduled",
		logx.Uint64("id", a.ID),
		logx.String("kind", kind),
		logx.Time("fire_at", a.FireAt),
		logx.String("source", o.Source),
	)

	if !noWall {
		if wall == "" {
			wall = st.cat.text("wall-messages."+kind, msgData{Time: p.formatTime(st, a.FireAt)})
		}
		p.wall(ctx, wall)
	}
	return a
}

// cancelAll renders the reply for -c. With nothing pending the registry is
// not touched and no wall message goes out.
func (p *Plugin) cancelAll(ctx context.Context, st state, noWall bool, o origin) string {
	if len(p.reg.List()) == 0 {
		return st.cat.text("no-pending", msgData{})
	}
	n := p.reg.CancelAll()
	if n == 0 {
		// everything fired in between
		return st.cat.text("no-pending", msgData{})
	}

	p.Deps.Metrics.Cancelled(n)
	p.Deps.Metrics.SetPending(p.reg.Len())
	p.PublishEvent(eventbus.TypeShutdownCancelled, eventbus.ShutdownData{Count: n, Source: o.Source})
	p.audit(ctx, "cancel", "", n, o, nil)
	p.Log.Info("pending actions cancelled", logx.Int("count", n), logx.String("source", o.Source))

	if !noWall {
		p.wall(ctx, st.cat.text("wall-messages.cancel", msgData{}))
	}
	return st.cat.text("cancel", msgData{})
}

// wallOnly handles -k: the wall message goes out, nothing is scheduled.
func (p *Plugin) wallOnly(ctx context.Context, st state, at time.Time, inv invocation, o origin) string {
	if inv.noWall {
		return st.cat.text("wall-disabled", msgData{})
	}
	kind := "poweroff"
	if inv.reboot {
		kind = "reboot"
	}
	text := inv.wall
	if text == "" {
		text = st.cat.text("wall-messages."+kind, msgData{Time: p.formatTime(st, at)})
	}
	p.wall(ctx, text)
	p.audit(ctx, "wall", kind, 0, o, map[string]any{"text": text})
	return st.cat.text("wall-only", msgData{})
}

// wall is fire-and-forget: failures are logged, never returned.
func (p *Plugin) wall(ctx context.Context, text string) {
	b := p.Deps.Broadcaster
	if b == nil {
		p.Log.Debug("no broadcaster; wall message skipped")
		return
	}
	id, err := b.Broadcast(ctx, text)
	if err != nil {
		p.Log.Warn("wall message not sent", logx.String("job", id), logx.Err(err))
		return
	}
	p.Log.Debug("wall message queued", logx.String("job", id))
}

func (p *Plugin) renderList(st state) string {
	list := p.reg.List()
	if len(list) == 0 {
		return st.cat.text("no-pending", msgData{})
	}
	lines := make([]string, 0, len(list)+1)
	lines = append(lines, st.cat.text("list-header", msgData{}))
	for _, a := range list {
		lines = append(lines, st.cat.text("list-item", msgData{
			ID:   a.ID,
			Type: st.cat.text("types."+a.Kind(), msgData{}),
			Time: p.formatTime(st, a.FireAt),
		}))
	}
	return strings.Join(lines, "\n")
}

func (p *Plugin) renderHistory(ctx context.Context, st state) string {
	store := p.Deps.Store
	if store == nil {
		return st.cat.text("history-unavailable", msgData{})
	}
	entries, err := store.RecentAudit(ctx, st.cfg.HistoryLimit)
	if err != nil {
		p.Log.Warn("audit read failed", logx.Err(err))
		return st.cat.text("history-unavailable", msgData{})
	}
	lines := []string{st.cat.text("history-header", msgData{})}
	for _, e := range entries {
		if e.Plugin != Name {
			continue
		}
		target := e.Target
		if e.Count > 1 {
			target = strings.TrimSpace(target + " x" + strconv.Itoa(e.Count))
		}
		lines = append(lines, st.cat.text("history-item", msgData{
			Time:   p.formatTime(st, e.At),
			Action: e.Action,
			Target: target,
			Actor:  actorName(e),
		}))
	}
	if len(lines) == 1 {
		return st.cat.text("history-empty", msgData{})
	}
	return strings.Join(lines, "\n")
}

func actorName(e storage.AuditEntry) string {
	switch {
	case e.ActorUsername != "":
		return "@" + e.ActorUsername
	case e.ActorID != 0:
		return strconv.FormatInt(e.ActorID, 10)
	default:
		return "system"
	}
}

func (p *Plugin) formatTime(st state, t time.Time) string {
	loc := st.loc
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(st.cfg.TimeFormat)
}

// onFire runs on the timer goroutine after the entry left the registry and
// before the Terminator is called.
func (p *Plugin) onFire(a pending.Action) {
	kind := a.Kind()
	p.Log.Warn("pending action fired", logx.Uint64("id", a.ID), logx.String("kind", kind))
	p.Deps.Metrics.Fired(kind)
	p.Deps.Metrics.SetPending(p.reg.Len())
	p.PublishEvent(eventbus.TypeShutdownFired, eventbus.ShutdownData{ID: a.ID, Kind: kind, FireAt: a.FireAt, Source: "timer"})
	p.audit(context.Background(), "fire", kind, 1, origin{Source: "timer"}, map[string]any{"id": a.ID})
}

func (p *Plugin) audit(ctx context.Context, action, target string, count int, o origin, meta map[string]any) {
	if p.Deps.Store == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["source"] = o.Source
	b, _ := json.Marshal(meta)

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	err := p.AppendAudit(actx, storage.AuditEntry{
		At:            p.clock.Now(),
		ActorID:       o.ActorID,
		ActorUsername: o.ActorUsername,
		ChatID:        o.ChatID,
		Action:        action,
		Target:        target,
		Count:         count,
		MetaJSON:      string(b),
	})
	if err != nil {
		p.Log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}
