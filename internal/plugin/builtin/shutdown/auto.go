package shutdown

import (
	"github.com/robfig/cron/v3"

	"haltbot/internal/shutdown/timespec"
	"haltbot/pkg/logx"
)

// startAuto registers the configured cron schedules. Each trigger goes
// through the same registry as /shutdown, so it can be listed and cancelled.
func (p *Plugin) startAuto() {
	st := p.state()
	if len(st.cfg.Auto) == 0 {
		return
	}

	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(st.loc))
	for i, a := range st.cfg.Auto {
		if _, err := c.AddFunc(a.Cron, func() { p.runAuto(a) }); err != nil {
			p.Log.Error("auto schedule rejected", logx.Int("index", i), logx.String("cron", a.Cron), logx.Err(err))
		}
	}
	c.Start()

	p.cronMu.Lock()
	p.cron = c
	p.cronMu.Unlock()
	p.Log.Info("auto schedules armed", logx.Int("count", len(st.cfg.Auto)), logx.String("tz", st.loc.String()))
}

func (p *Plugin) stopAuto() {
	p.cronMu.Lock()
	c := p.cron
	p.cron = nil
	p.cronMu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func (p *Plugin) runAuto(a AutoSchedule) {
	st := p.state()
	spec := autoTime(a)
	d, err := timespec.Resolve(spec, p.clock.Now().In(st.loc))
	if err != nil {
		p.Log.Error("auto schedule time invalid", logx.String("cron", a.Cron), logx.String("time", spec), logx.Err(err))
		return
	}
	p.schedule(p.Context(), st, d, a.Reboot, spec, a.Wall, a.NoWall, origin{Source: "auto:" + a.Cron})
}
