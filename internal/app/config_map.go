package app

import (
	"fmt"
	"strings"
	"time"

	"haltbot/internal/broadcast"
	"haltbot/internal/config"
	"haltbot/internal/metrics"
	"haltbot/internal/shutdown/terminate"
	"haltbot/internal/storage"
	"haltbot/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	if cfg == nil {
		return logx.Config{Level: "info", Console: true}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig reports ok=false when storage is disabled.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapBroadcastConfig applies defaults when the section is omitted.
func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	out := broadcast.Config{Enabled: true}
	if cfg == nil {
		return out, nil
	}
	out.ChatIDs = append([]int64(nil), cfg.Telegram.BroadcastChatIDs...)
	b := cfg.Broadcast
	if b == nil {
		return out, nil
	}
	if b.Workers < 0 || b.QueueSize < 0 || b.RatePerSec < 0 || b.RetryMax < 0 {
		return broadcast.Config{}, fmt.Errorf("broadcast: values must be >= 0")
	}
	base, err := config.ParseDurationField("broadcast.retry_base", b.RetryBase)
	if err != nil {
		return broadcast.Config{}, err
	}
	out.Enabled = b.Enabled
	out.Workers = b.Workers
	out.QueueSize = b.QueueSize
	out.RatePerSec = b.RatePerSec
	out.RetryMax = b.RetryMax
	out.RetryBase = base
	return out, nil
}

func mapTerminateConfig(cfg *config.Config) (terminate.Config, error) {
	out := terminate.Config{
		Mode:         terminate.ModeExit,
		RebootCode:   terminate.DefaultRebootCode,
		PowerOffCode: terminate.DefaultPowerOffCode,
	}
	if cfg == nil || cfg.Terminate == nil {
		return out, nil
	}
	t := cfg.Terminate
	mode, err := terminate.ParseMode(t.Mode)
	if err != nil {
		return terminate.Config{}, err
	}
	out.Mode = mode
	out.SdNotify = t.SdNotify
	if t.RebootCode != nil {
		out.RebootCode = *t.RebootCode
	}
	if t.PowerOffCode != nil {
		out.PowerOffCode = *t.PowerOffCode
	}
	return out, nil
}

func metricsEndpoint(cfg *config.Config) (addr, path string) {
	addr, path = metrics.DefaultAddr, metrics.DefaultPath
	if cfg == nil {
		return addr, path
	}
	if a := strings.TrimSpace(cfg.Metrics.Addr); a != "" {
		addr = a
	}
	if p := strings.TrimSpace(cfg.Metrics.Path); p != "" {
		path = p
	}
	return addr, path
}
