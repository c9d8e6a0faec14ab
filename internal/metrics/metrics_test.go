package metrics

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"haltbot/pkg/logx"
)

func TestCollectors(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.Scheduled("reboot")
	m.Scheduled("reboot")
	m.Scheduled("poweroff")
	m.SetPending(3)
	m.Cancelled(2)
	m.Cancelled(0)
	m.Fired("poweroff")
	m.Broadcast(true)
	m.Broadcast(false)

	expected := `
# HELP haltbot_actions_scheduled_total Power actions scheduled, by kind
# TYPE haltbot_actions_scheduled_total counter
haltbot_actions_scheduled_total{kind="poweroff"} 1
haltbot_actions_scheduled_total{kind="reboot"} 2
`
	require.NoError(t, testutil.CollectAndCompare(m.scheduled, strings.NewReader(expected)))
	require.Equal(t, 3.0, testutil.ToFloat64(m.pending))
	require.Equal(t, 2.0, testutil.ToFloat64(m.cancelled))
	require.Equal(t, 1.0, testutil.ToFloat64(m.fired.WithLabelValues("poweroff")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.broadcast.WithLabelValues("fail")))
}

func TestNewReusesRegisteredCollectors(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	a, err := New(reg)
	require.NoError(t, err)
	b, err := New(reg)
	require.NoError(t, err)

	a.Fired("reboot")
	require.Equal(t, 1.0, testutil.ToFloat64(b.fired.WithLabelValues("reboot")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()
	var m *Metrics
	require.NotPanics(t, func() {
		m.SetPending(1)
		m.Scheduled("reboot")
		m.Cancelled(1)
		m.Fired("reboot")
		m.Broadcast(true)
	})
}

func TestServe(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	m.SetPending(2)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, "/m", reg, logx.Nop(), WithPprof(true)) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/m", addr))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)
	require.Contains(t, body, "haltbot_pending_actions 2")

	for _, p := range []string{"/healthz", "/debug/pprof/cmdline"} {
		resp, err := http.Get(fmt.Sprintf("http://%s%s", addr, p))
		require.NoError(t, err, p)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, p)
	}

	cancel()
	require.NoError(t, <-done)
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:9120": true,
		"localhost:9120": true,
		"[::1]:9120":     true,
		":9120":          false,
		"0.0.0.0:9120":   false,
		"10.0.0.5:9120":  false,
		"nonsense":       false,
	}
	for addr, want := range cases {
		require.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}
