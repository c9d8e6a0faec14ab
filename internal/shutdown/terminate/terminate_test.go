package terminate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"haltbot/pkg/logx"
)

type fakeHost struct {
	calls []string
	err   error
}

func (h *fakeHost) Reboot() error   { h.calls = append(h.calls, "reboot"); return h.err }
func (h *fakeHost) PowerOff() error { h.calls = append(h.calls, "poweroff"); return h.err }

func TestTerminateExitCodes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		reboot bool
		want   int
	}{
		{"reboot", true, DefaultRebootCode},
		{"poweroff", false, DefaultPowerOffCode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var codes []int
			p := New(Config{RebootCode: DefaultRebootCode, PowerOffCode: DefaultPowerOffCode}, logx.Nop(),
				WithExit(func(c int) { codes = append(codes, c) }))
			p.Terminate(tt.reboot)
			require.Equal(t, []int{tt.want}, codes)
		})
	}
}

func TestTerminateRunsOnce(t *testing.T) {
	t.Parallel()
	var codes []int
	p := New(Config{RebootCode: 52}, logx.Nop(), WithExit(func(c int) { codes = append(codes, c) }))
	p.Terminate(true)
	p.Terminate(false)
	require.Equal(t, []int{52}, codes)
}

func TestTerminateNotifiesAndRunsHooksInOrder(t *testing.T) {
	t.Parallel()
	var trace []string
	p := New(Config{SdNotify: true, RebootCode: 52}, logx.Nop(),
		WithExit(func(c int) { trace = append(trace, "exit") }),
		WithNotify(func(state string) (bool, error) {
			trace = append(trace, "notify:"+state)
			return true, nil
		}),
	)
	p.OnExit("first", func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		require.True(t, ok)
		trace = append(trace, "first")
		return errors.New("ignored")
	})
	p.OnExit("panics", func(context.Context) error { panic("boom") })
	p.OnExit("second", func(context.Context) error { trace = append(trace, "second"); return nil })
	p.OnExit("nil", nil)

	p.Terminate(true)
	require.Equal(t, []string{"notify:STOPPING=1", "first", "second", "exit"}, trace)
}

func TestHostModeCallsLogindThenExits(t *testing.T) {
	t.Parallel()
	host := &fakeHost{err: errors.New("no bus")}
	var codes []int
	p := New(Config{Mode: ModeHost, RebootCode: 52}, logx.Nop(),
		WithHostPower(host), WithExit(func(c int) { codes = append(codes, c) }))
	p.Terminate(false)
	require.Equal(t, []string{"poweroff"}, host.calls)
	require.Equal(t, []int{0}, codes)
}

func TestParseMode(t *testing.T) {
	t.Parallel()
	m, err := ParseMode("")
	require.NoError(t, err)
	require.Equal(t, ModeExit, m)
	m, err = ParseMode(" HOST ")
	require.NoError(t, err)
	require.Equal(t, ModeHost, m)
	_, err = ParseMode("halt")
	require.Error(t, err)
}
