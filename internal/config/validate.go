package config

import (
	"errors"
	"fmt"
	"strings"
)

var ErrMissingToken = errors.New("telegram.token is required")

// Validate checks the fields the app cannot start without.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return ErrMissingToken
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if b := cfg.Broadcast; b != nil {
		if b.Workers < 0 || b.QueueSize < 0 || b.RatePerSec < 0 || b.RetryMax < 0 {
			return errors.New("broadcast: values must be >= 0")
		}
		if _, err := ParseDurationField("broadcast.retry_base", b.RetryBase); err != nil {
			return err
		}
	}
	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}
	if t := cfg.Terminate; t != nil {
		switch strings.ToLower(strings.TrimSpace(t.Mode)) {
		case "", "exit", "host":
		default:
			return fmt.Errorf("terminate.mode: unknown mode %q", t.Mode)
		}
		for _, c := range []struct {
			path string
			v    *int
		}{{"terminate.reboot_code", t.RebootCode}, {"terminate.power_off_code", t.PowerOffCode}} {
			if c.v != nil && (*c.v < 0 || *c.v > 255) {
				return fmt.Errorf("%s: must be within 0..255, got %d", c.path, *c.v)
			}
		}
	}
	return nil
}
