package shutdown

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"haltbot/internal/shutdown/timespec"
)

// Config is the `plugins.shutdown.config` blob.
type Config struct {
	// Locale selects the message catalog ("en", "zh").
	Locale string `json:"locale,omitempty"`
	// DefaultTime replaces "+1" when /shutdown is called without a time.
	DefaultTime string `json:"default_time,omitempty"`
	// Timezone (IANA) used for hh:mm, auto schedules and rendered times.
	// Empty means the host's local zone.
	Timezone string `json:"timezone,omitempty"`
	// TimeFormat is a Go layout for rendered fire times.
	TimeFormat string `json:"time_format,omitempty"`
	// HistoryLimit caps `/shutdown --history` output.
	HistoryLimit int `json:"history_limit,omitempty"`

	Auto     []AutoSchedule    `json:"auto,omitempty"`
	Timeouts map[string]string `json:"timeouts,omitempty"`
}

// AutoSchedule arms a pending action whenever its cron expression triggers.
type AutoSchedule struct {
	Cron   string `json:"cron"`
	Time   string `json:"time,omitempty"` // time spec, default "now"
	Reboot bool   `json:"reboot,omitempty"`
	Wall   string `json:"wall,omitempty"`
	NoWall bool   `json:"no_wall,omitempty"`
}

const (
	defaultTimeFormat   = "2006-01-02 15:04:05 MST"
	defaultHistoryLimit = 10
	maxHistoryLimit     = 50
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Locale) == "" {
		c.Locale = defaultLocale
	}
	if c.DefaultTime == "" {
		c.DefaultTime = timespec.DefaultSpec
	}
	if strings.TrimSpace(c.TimeFormat) == "" {
		c.TimeFormat = defaultTimeFormat
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	if c.HistoryLimit > maxHistoryLimit {
		c.HistoryLimit = maxHistoryLimit
	}
	return c
}

func (c Config) location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

// validate checks everything that can be checked without side effects.
// now only matters for time specs, which are relative anyway.
func (c Config) validate(now time.Time) error {
	if _, err := loadCatalog(c.Locale); err != nil {
		return fmt.Errorf("shutdown.locale: %w", err)
	}
	if _, err := c.location(); err != nil {
		return fmt.Errorf("shutdown.timezone: %w", err)
	}
	if c.DefaultTime != "" {
		if _, err := timespec.Resolve(c.DefaultTime, now); err != nil {
			return fmt.Errorf("shutdown.default_time: %w", err)
		}
	}
	for i, a := range c.Auto {
		if strings.TrimSpace(a.Cron) == "" {
			return fmt.Errorf("shutdown.auto[%d].cron is required", i)
		}
		if _, err := cronParser.Parse(a.Cron); err != nil {
			return fmt.Errorf("shutdown.auto[%d].cron: %w", i, err)
		}
		if _, err := timespec.Resolve(autoTime(a), now); err != nil {
			return fmt.Errorf("shutdown.auto[%d].time: %w", i, err)
		}
	}
	return nil
}

func autoTime(a AutoSchedule) string {
	if strings.TrimSpace(a.Time) == "" {
		return "now"
	}
	return a.Time
}
