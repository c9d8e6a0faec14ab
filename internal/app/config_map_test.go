package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"haltbot/internal/config"
	"haltbot/internal/metrics"
	"haltbot/internal/shutdown/terminate"
)

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		in      *config.StorageConfig
		enabled bool
		driver  string
		busy    time.Duration
		wantErr bool
	}{
		{name: "omitted"},
		{name: "none", in: &config.StorageConfig{Driver: "none"}},
		{name: "file", in: &config.StorageConfig{Driver: "file", Path: "./audit.jsonl"}, enabled: true, driver: "file"},
		{name: "sqlite default busy", in: &config.StorageConfig{Driver: "SQLite", Path: "x.db"}, enabled: true, driver: "sqlite", busy: time.Second},
		{name: "sqlite3 alias", in: &config.StorageConfig{Driver: "sqlite3", Path: "x.db", BusyTimeout: "3s"}, enabled: true, driver: "sqlite", busy: 3 * time.Second},
		{name: "sqlite without path", in: &config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "bad busy", in: &config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "later"}, wantErr: true},
		{name: "unknown", in: &config.StorageConfig{Driver: "postgres"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: tc.in})
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.enabled, enabled)
			require.Equal(t, tc.driver, sc.Driver)
			require.Equal(t, tc.busy, sc.BusyTimeout)
		})
	}
}

func TestMapBroadcastConfig(t *testing.T) {
	t.Parallel()

	bc, err := mapBroadcastConfig(&config.Config{Telegram: config.TelegramConfig{BroadcastChatIDs: []int64{7, 8}}})
	require.NoError(t, err)
	require.True(t, bc.Enabled)
	require.Equal(t, []int64{7, 8}, bc.ChatIDs)

	bc, err = mapBroadcastConfig(&config.Config{Broadcast: &config.BroadcastConfig{
		Enabled: false, Workers: 3, RatePerSec: 5, RetryMax: 2, RetryBase: "250ms",
	}})
	require.NoError(t, err)
	require.False(t, bc.Enabled)
	require.Equal(t, 3, bc.Workers)
	require.Equal(t, 250*time.Millisecond, bc.RetryBase)

	_, err = mapBroadcastConfig(&config.Config{Broadcast: &config.BroadcastConfig{RetryBase: "often"}})
	require.Error(t, err)
	_, err = mapBroadcastConfig(&config.Config{Broadcast: &config.BroadcastConfig{QueueSize: -1}})
	require.Error(t, err)
}

func TestMapTerminateConfig(t *testing.T) {
	t.Parallel()

	tc, err := mapTerminateConfig(&config.Config{})
	require.NoError(t, err)
	require.Equal(t, terminate.Config{Mode: terminate.ModeExit, RebootCode: 52, PowerOffCode: 0}, tc)

	reboot, off := 3, 4
	tc, err = mapTerminateConfig(&config.Config{Terminate: &config.TerminateConfig{
		Mode: "HOST", RebootCode: &reboot, PowerOffCode: &off, SdNotify: true,
	}})
	require.NoError(t, err)
	require.Equal(t, terminate.Config{Mode: terminate.ModeHost, RebootCode: 3, PowerOffCode: 4, SdNotify: true}, tc)

	zero := 0
	tc, err = mapTerminateConfig(&config.Config{Terminate: &config.TerminateConfig{RebootCode: &zero}})
	require.NoError(t, err)
	require.Equal(t, 0, tc.RebootCode)

	_, err = mapTerminateConfig(&config.Config{Terminate: &config.TerminateConfig{Mode: "halt"}})
	require.Error(t, err)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	addr, path := metricsEndpoint(&config.Config{})
	require.Equal(t, metrics.DefaultAddr, addr)
	require.Equal(t, metrics.DefaultPath, path)

	addr, path = metricsEndpoint(&config.Config{Metrics: config.MetricsConfig{Addr: " :9999 ", Path: "/m"}})
	require.Equal(t, ":9999", addr)
	require.Equal(t, "/m", path)
}

func TestMapLoggingConfig(t *testing.T) {
	t.Parallel()
	lc := mapLoggingConfig(&config.Config{Logging: config.LoggingConfig{
		Level: "debug", File: config.LoggingFile{Enabled: true, Path: "/tmp/h.log"},
	}})
	require.Equal(t, "debug", lc.Level)
	require.True(t, lc.File.Enabled)
	require.Equal(t, "/tmp/h.log", lc.File.Path)
	require.True(t, mapLoggingConfig(nil).Console)
}
