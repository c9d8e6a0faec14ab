// Package terminate ends the process (and optionally the host) when a pending
// power action fires.
package terminate

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"haltbot/pkg/logx"
)

const (
	DefaultRebootCode   = 52
	DefaultPowerOffCode = 0

	hookTimeout = 5 * time.Second
)

type Mode string

const (
	// ModeExit only ends the process; the supervisor (systemd, a wrapper
	// script) maps the exit code to a reboot or power-off.
	ModeExit Mode = "exit"
	// ModeHost asks logind to reboot or power off the machine, then exits.
	ModeHost Mode = "host"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeExit:
		return ModeExit, nil
	case ModeHost:
		return ModeHost, nil
	default:
		return "", fmt.Errorf("terminate: unknown mode %q", s)
	}
}

type Config struct {
	Mode         Mode
	RebootCode   int
	PowerOffCode int
	// SdNotify sends STOPPING=1 to systemd before exiting.
	SdNotify bool
}

// HostPower performs a machine-level reboot or power-off.
type HostPower interface {
	Reboot() error
	PowerOff() error
}

// Hook runs before the process exits, e.g. to flush logs or close the store.
type Hook func(ctx context.Context) error

// Process implements pending.Terminator.
type Process struct {
	cfg  Config
	log  logx.Logger
	host HostPower

	exit   func(code int)
	notify func(state string) (bool, error)

	mu    sync.Mutex
	hooks []namedHook
	once  sync.Once
}

type namedHook struct {
	name string
	fn   Hook
}

type Option func(*Process)

// WithExit replaces os.Exit.
func WithExit(fn func(code int)) Option { return func(p *Process) { p.exit = fn } }

// WithNotify replaces daemon.SdNotify.
func WithNotify(fn func(state string) (bool, error)) Option {
	return func(p *Process) { p.notify = fn }
}

// WithHostPower replaces the logind client used in ModeHost.
func WithHostPower(h HostPower) Option { return func(p *Process) { p.host = h } }

func New(cfg Config, log logx.Logger, opts ...Option) *Process {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeExit
	}
	p := &Process{
		cfg:  cfg,
		log:  log,
		exit: os.Exit,
		notify: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
	}
	for _, o := range opts {
		o(p)
	}
	if p.host == nil && cfg.Mode == ModeHost {
		p.host = &logindPower{}
	}
	return p
}

// OnExit registers a hook. Hooks run in registration order.
func (p *Process) OnExit(name string, fn Hook) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	p.hooks = append(p.hooks, namedHook{name: name, fn: fn})
	p.mu.Unlock()
}

// ExitCode maps an action to the process exit code.
func (p *Process) ExitCode(reboot bool) int {
	if reboot {
		return p.cfg.RebootCode
	}
	return p.cfg.PowerOffCode
}

// Terminate runs at most once per Process; later calls are ignored.
func (p *Process) Terminate(reboot bool) {
	p.once.Do(func() { p.terminate(reboot) })
}

func (p *Process) terminate(reboot bool) {
	code := p.ExitCode(reboot)
	kind := "poweroff"
	if reboot {
		kind = "reboot"
	}
	p.log.Warn("terminating", logx.String("kind", kind), logx.String("mode", string(p.cfg.Mode)), logx.Int("exit_code", code))

	if p.cfg.SdNotify {
		if sent, err := p.notify(daemon.SdNotifyStopping); err != nil {
			p.log.Warn("sd_notify stopping failed", logx.Err(err))
		} else if !sent {
			p.log.Debug("sd_notify not available")
		}
	}

	p.runHooks()

	if p.cfg.Mode == ModeHost && p.host != nil {
		var err error
		if reboot {
			err = p.host.Reboot()
		} else {
			err = p.host.PowerOff()
		}
		if err != nil {
			p.log.Error("host power action failed; exiting anyway", logx.String("kind", kind), logx.Err(err))
		}
	}

	p.exit(code)
}

func (p *Process) runHooks() {
	p.mu.Lock()
	hooks := append([]namedHook(nil), p.hooks...)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()
	for _, h := range hooks {
		if err := safeHook(ctx, h.fn); err != nil {
			p.log.Warn("exit hook failed", logx.String("hook", h.name), logx.Err(err))
		}
	}
}

func safeHook(ctx context.Context, fn Hook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
