package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every override variable, e.g. HALTBOT_TELEGRAM_TOKEN.
const EnvPrefix = "HALTBOT"

// envOverrides lists the settings that can be injected from the environment.
// Unset variables leave the file value untouched.
type envOverrides struct {
	TelegramToken    *string `envconfig:"TELEGRAM_TOKEN"`
	OwnerUserIDs     []int64 `envconfig:"OWNER_USER_IDS"`
	BroadcastChatIDs []int64 `envconfig:"BROADCAST_CHAT_IDS"`
	LogLevel         *string `envconfig:"LOG_LEVEL"`
	StorageDriver    *string `envconfig:"STORAGE_DRIVER"`
	StoragePath      *string `envconfig:"STORAGE_PATH"`
	MetricsAddr      *string `envconfig:"METRICS_ADDR"`
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	if o.TelegramToken != nil {
		cfg.Telegram.Token = strings.TrimSpace(*o.TelegramToken)
	}
	if o.OwnerUserIDs != nil {
		cfg.Telegram.OwnerUserIDs = o.OwnerUserIDs
	}
	if o.BroadcastChatIDs != nil {
		cfg.Telegram.BroadcastChatIDs = o.BroadcastChatIDs
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.StorageDriver != nil || o.StoragePath != nil {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		if o.StorageDriver != nil {
			cfg.Storage.Driver = *o.StorageDriver
		}
		if o.StoragePath != nil {
			cfg.Storage.Path = *o.StoragePath
		}
	}
	if o.MetricsAddr != nil {
		cfg.Metrics.Addr = *o.MetricsAddr
	}
	return nil
}
