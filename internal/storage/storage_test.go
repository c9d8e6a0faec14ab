package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"haltbot/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		require.Nil(t, st)
	}
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)
}

func TestDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "sub", "haltbot.db")
			st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
			require.NoError(t, err)
			require.NotNil(t, st)
			defer st.Close()

			ctx := context.Background()
			base := time.Date(2024, 3, 10, 14, 20, 0, 0, time.UTC)
			for i, action := range []string{"schedule", "schedule", "cancel", "fire"} {
				require.NoError(t, st.AppendAudit(ctx, AuditEntry{
					At:      base.Add(time.Duration(i) * time.Minute),
					ActorID: 42,
					Plugin:  "shutdown",
					Action:  action,
					Target:  "reboot",
					Count:   i,
				}))
			}

			got, err := st.RecentAudit(ctx, 3)
			require.NoError(t, err)
			require.Len(t, got, 3)
			require.Equal(t, "fire", got[0].Action)
			require.Equal(t, "cancel", got[1].Action)
			require.Equal(t, "schedule", got[2].Action)
			require.Equal(t, 3, got[0].Count)
			require.True(t, got[0].At.Equal(base.Add(3*time.Minute)))
			require.Equal(t, int64(42), got[0].ActorID)

			all, err := st.RecentAudit(ctx, 100)
			require.NoError(t, err)
			require.Len(t, all, 4)

			none, err := st.RecentAudit(ctx, 0)
			require.NoError(t, err)
			require.Empty(t, none)
		})
	}
}

func TestFileStoreSkipsCorruptLines(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "x.json")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Plugin: "shutdown", Action: "schedule"}))

	f, err := os.OpenFile(filepath.Join(dir, "x.audit.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Plugin: "shutdown", Action: "cancel"}))
	got, err := st.RecentAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "cancel", got[0].Action)
	require.False(t, got[1].At.IsZero())
}
