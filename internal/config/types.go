package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Telegram  TelegramConfig             `json:"telegram"`
	Logging   LoggingConfig              `json:"logging"`
	Broadcast *BroadcastConfig           `json:"broadcast,omitempty"`
	Storage   *StorageConfig             `json:"storage,omitempty"`
	Metrics   MetricsConfig              `json:"metrics,omitempty"`
	Terminate *TerminateConfig           `json:"terminate,omitempty"`
	Plugins   map[string]PluginConfigRaw `json:"plugins"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// BroadcastChatIDs always receive wall messages, in addition to the
	// chats that have talked to the bot since it started.
	BroadcastChatIDs []int64 `json:"broadcast_chat_ids,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// BroadcastConfig controls the wall-message fan-out.
//
// All durations are Go duration strings (e.g. "500ms", "10s").
// If the whole section is omitted, defaults apply (enabled).
type BroadcastConfig struct {
	Enabled    bool   `json:"enabled"`
	Workers    int    `json:"workers"`
	QueueSize  int    `json:"queue_size"`
	RatePerSec int    `json:"rate_per_sec"`
	RetryMax   int    `json:"retry_max"`
	RetryBase  string `json:"retry_base"`
}

// StorageConfig controls the audit trail.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./haltbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9120"
	Path    string `json:"path,omitempty"` // default: "/metrics"
	// Pprof mounts /debug/pprof/ on the same listener (loopback only).
	Pprof bool `json:"pprof,omitempty"`
}

// TerminateConfig controls what happens when a pending action fires.
// Changes need a restart.
type TerminateConfig struct {
	Mode         string `json:"mode,omitempty"`           // "exit" (default) or "host"
	RebootCode   *int   `json:"reboot_code,omitempty"`    // default: 52
	PowerOffCode *int   `json:"power_off_code,omitempty"` // default: 0
	SdNotify     bool   `json:"sd_notify,omitempty"`
}

type PluginConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos are caught on reload.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}

// IsOwner reports whether userID is listed in telegram.owner_user_ids.
func (c *Config) IsOwner(userID int64) bool {
	if c == nil {
		return false
	}
	for _, id := range c.Telegram.OwnerUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
