package shutdown

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/spf13/pflag"

	"haltbot/internal/router"
	"haltbot/internal/shutdown/timespec"
	"haltbot/pkg/logx"
)

const usage = "/shutdown [-r] [-k] [--no-wall] [-c] [--show] [--history] [time] [wall...]"

type invocation struct {
	reboot   bool
	wallOnly bool
	noWall   bool
	cancel   bool
	show     bool
	history  bool

	time string
	wall string
	// timeArg is the index in args of the time token, -1 when absent.
	timeArg int
}

// parseArgs binds the raw tokens after /shutdown. Flags must come first: the
// first positional token is the time spec and everything after it is wall
// text, dashes included.
func parseArgs(args []string) (invocation, string, error) {
	inv := invocation{timeArg: -1}
	fs := pflag.NewFlagSet("shutdown", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SetInterspersed(false)
	fs.BoolVarP(&inv.reboot, "reboot", "r", false, "reboot instead of powering off")
	fs.BoolVarP(&inv.wallOnly, "wall-only", "k", false, "only send the wall message, schedule nothing")
	fs.BoolVar(&inv.noWall, "no-wall", false, "do not send a wall message")
	fs.BoolVarP(&inv.cancel, "cancel", "c", false, "cancel every pending action")
	fs.BoolVar(&inv.show, "show", false, "list pending actions")
	fs.BoolVar(&inv.history, "history", false, "show recent shutdown activity")

	if err := fs.Parse(args); err != nil {
		return inv, usage + "\n" + fs.FlagUsages(), err
	}
	if rest := fs.Args(); len(rest) > 0 {
		inv.timeArg = len(args) - len(rest)
		inv.time = rest[0]
		inv.wall = strings.TrimSpace(strings.Join(rest[1:], " "))
	}
	return inv, "", nil
}

func (p *Plugin) Commands() []router.Command {
	return []router.Command{{
		Route:       "shutdown",
		Description: "power off or reboot the host",
		Usage:       usage,
		Access:      router.AccessOwnerOnly,
		Handle:      p.cmdShutdown,
	}}
}

func (p *Plugin) cmdShutdown(ctx context.Context, req *router.Request) error {
	st := p.state()
	inv, help, err := parseArgs(req.Args)
	if errors.Is(err, pflag.ErrHelp) {
		return req.Reply(ctx, help)
	}
	if err != nil {
		return req.Reply(ctx, st.cat.text("bad-flags", msgData{Text: err.Error()})+"\n"+usage)
	}
	if inv.timeArg >= 0 {
		// The wall message is the rest of the line as typed.
		inv.wall = req.RawArgs(inv.timeArg + 1)
	}

	o := origin{Source: "command"}
	if m := req.Message; m != nil {
		o.ActorID, o.ActorUsername, o.ChatID = m.FromID, m.FromUsername, m.ChatID
	}

	switch {
	case inv.history:
		return req.Reply(ctx, p.renderHistory(ctx, st))
	case inv.show:
		return req.Reply(ctx, p.renderList(st))
	case inv.cancel:
		return req.Reply(ctx, p.cancelAll(ctx, st, inv.noWall, o))
	}

	text := inv.time
	if text == "" {
		text = st.cfg.DefaultTime
	}
	now := p.clock.Now().In(st.loc)
	d, err := timespec.Resolve(text, now)
	if err != nil {
		req.Logger.Debug("time spec rejected", logx.String("spec", text))
		return req.Reply(ctx, st.cat.text("invalid-time", msgData{Text: text}))
	}

	if inv.wallOnly {
		return req.Reply(ctx, p.wallOnly(ctx, st, now.Add(d), inv, o))
	}

	a := p.schedule(ctx, st, d, inv.reboot, text, inv.wall, inv.noWall, o)
	return req.Reply(ctx, st.cat.text(a.Kind(), msgData{ID: a.ID, Time: p.formatTime(st, a.FireAt)}))
}
