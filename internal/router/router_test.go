package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"haltbot/internal/transport"
	"haltbot/pkg/logx"
)

type sent struct {
	to   transport.ChatTarget
	text string
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
}

func (f *fakeSender) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, sent{to: to, text: text})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.msgs)}, nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.msgs))
	for _, m := range f.msgs {
		out = append(out, m.text)
	}
	return out
}

const owner = int64(42)

func msg(from int64, text string) transport.Update {
	return transport.Update{Message: &transport.Message{ID: 1, ChatID: 100, FromID: from, Text: text}}
}

// drain runs every queued job synchronously.
func drain(m *CommandManager) {
	for {
		select {
		case job := <-m.jobs:
			job()
		default:
			return
		}
	}
}

func newTestManager(t *testing.T, cmds ...Command) (*CommandManager, *fakeSender) {
	t.Helper()
	s := &fakeSender{}
	m := NewCommandManager(logx.Nop(), s, []int64{owner}, WithSessions(NewSessions(0, 0)))
	m.SetRegistry(context.Background(), cmds)
	return m, s
}

func TestRouteOwnerCommandWithArgs(t *testing.T) {
	t.Parallel()
	var got *Request
	m, _ := newTestManager(t, Command{
		Route:  "shutdown",
		Access: AccessOwnerOnly,
		Handle: func(_ context.Context, req *Request) error { got = req; return nil },
	})

	m.Route(context.Background(), msg(owner, `/shutdown@haltbot -r 23:30 "kernel upgrade"`))
	drain(m)

	require.NotNil(t, got)
	require.Equal(t, []string{"-r", "23:30", "kernel upgrade"}, got.Args)
	require.Equal(t, []string{"shutdown"}, got.Path)
	require.Equal(t, owner, got.FromID)
	require.NotEmpty(t, got.ReqID)
	require.Equal(t, `"kernel upgrade"`, got.RawArgs(2))
	require.Empty(t, got.RawArgs(3))
}

func TestRawArgsKeepsTextAsTyped(t *testing.T) {
	t.Parallel()
	var got *Request
	m, _ := newTestManager(t, Command{
		Route:  "shutdown",
		Access: AccessOwnerOnly,
		Handle: func(_ context.Context, req *Request) error { got = req; return nil },
	})

	m.Route(context.Background(), msg(owner, "/shutdown +10 Don't log in,  back at 5 -c"))
	drain(m)

	require.NotNil(t, got)
	require.Equal(t, "+10", got.Args[0])
	require.Equal(t, "Don't log in,  back at 5 -c", got.RawArgs(1))
}

func TestRawArgsWithoutMessageText(t *testing.T) {
	t.Parallel()
	req := NewRequest(nil, nil, []string{"+5", "going", "down"})
	require.Equal(t, "going down", req.RawArgs(1))
	require.Empty(t, req.RawArgs(3))

	req = NewRequest(&transport.Message{Text: "/shutdown -r +5 it's  time"}, nil, []string{"-r", "+5", "its  time"})
	require.Equal(t, "it's  time", req.RawArgs(2))
}

func TestRouteRejectsNonOwner(t *testing.T) {
	t.Parallel()
	called := false
	m, s := newTestManager(t, Command{
		Route:  "shutdown",
		Access: AccessOwnerOnly,
		Handle: func(context.Context, *Request) error { called = true; return nil },
	})

	m.Route(context.Background(), msg(7, "/shutdown"))
	drain(m)
	require.False(t, called)
	require.Equal(t, []string{replyUnauthorized}, s.texts())

	m.SetOwners([]int64{7})
	m.Route(context.Background(), msg(7, "/shutdown"))
	drain(m)
	require.True(t, called)
}

func TestRouteAliasAndSubcommands(t *testing.T) {
	t.Parallel()
	var routes []string
	h := func(_ context.Context, req *Request) error {
		routes = append(routes, req.Command)
		return nil
	}
	m, s := newTestManager(t,
		Command{Route: "shutdown", Aliases: []string{"halt"}, Handle: h},
		Command{Route: "audit recent", Handle: h},
	)

	m.Route(context.Background(), msg(1, "/halt -c"))
	m.Route(context.Background(), msg(1, "/audit recent 5"))
	m.Route(context.Background(), msg(1, "/audit"))
	m.Route(context.Background(), msg(1, "/nope"))
	m.Route(context.Background(), msg(1, "not a command"))
	drain(m)

	require.Equal(t, []string{"shutdown", "audit recent"}, routes)
	texts := s.texts()
	require.Len(t, texts, 2)
	require.Contains(t, texts[0], "recent")
	require.Equal(t, replyUnknown, texts[1])
}

func TestHelpHidesOwnerCommands(t *testing.T) {
	t.Parallel()
	m, s := newTestManager(t,
		Command{Route: "shutdown", Description: "schedule a power-off", Access: AccessOwnerOnly, Handle: func(context.Context, *Request) error { return nil }},
	)

	m.Route(context.Background(), msg(1, "/help"))
	m.Route(context.Background(), msg(owner, "/help"))
	m.Route(context.Background(), msg(owner, "/help shutdown"))
	drain(m)

	texts := s.texts()
	require.Len(t, texts, 3)
	require.NotContains(t, texts[0], "/shutdown")
	require.Contains(t, texts[1], "/shutdown - schedule a power-off")
	require.Contains(t, texts[2], "(owner only)")
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Command{Route: "boom", Handle: func(context.Context, *Request) error { panic("x") }})
	m.Route(context.Background(), msg(1, "/boom"))
	require.NotPanics(t, func() { drain(m) })
}

func TestBusyWhenQueueFull(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	m := NewCommandManager(logx.Nop(), s, nil, WithQueueSize(1))
	m.SetRegistry(context.Background(), []Command{{Route: "x", Handle: func(context.Context, *Request) error { return nil }}})

	m.Route(context.Background(), msg(1, "/x"))
	m.Route(context.Background(), msg(1, "/x"))
	require.Equal(t, []string{replyBusy}, s.texts())
}

func TestDispatchLoopRunsHandlers(t *testing.T) {
	t.Parallel()
	done := make(chan bool, 1)
	m, s := newTestManager(t, Command{
		Route:   "ping",
		Timeout: time.Second,
		Handle: func(ctx context.Context, req *Request) error {
			err := req.Reply(ctx, "pong")
			_, hasDeadline := ctx.Deadline()
			done <- hasDeadline
			return err
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan transport.Update, 1)
	stopped := make(chan struct{})
	go func() {
		_ = m.DispatchLoop(ctx, updates)
		close(stopped)
	}()

	updates <- msg(1, "/ping")
	select {
	case hasDeadline := <-done:
		require.True(t, hasDeadline)
		require.Equal(t, []string{"pong"}, s.texts())
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
	cancel()
	<-stopped
}

func TestSessionsTrackChats(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	m.Route(context.Background(), transport.Update{Message: &transport.Message{ChatID: 5, Text: "hi"}})
	m.Route(context.Background(), transport.Update{Message: &transport.Message{ChatID: -3, ThreadID: 9, Text: "/help"}})
	drain(m)

	require.Equal(t, []transport.ChatTarget{{ChatID: -3, ThreadID: 9}, {ChatID: 5}}, m.sessions.Targets())
}

func TestSessionsExpireAndEvict(t *testing.T) {
	t.Parallel()
	s := NewSessions(time.Minute, 2)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.Touch(transport.ChatTarget{ChatID: 1})
	now = now.Add(10 * time.Second)
	s.Touch(transport.ChatTarget{ChatID: 2})
	now = now.Add(10 * time.Second)
	s.Touch(transport.ChatTarget{ChatID: 3}) // evicts chat 1
	require.Equal(t, []transport.ChatTarget{{ChatID: 2}, {ChatID: 3}}, s.Targets())

	now = now.Add(55 * time.Second) // chat 2 idle 65s
	require.Equal(t, []transport.ChatTarget{{ChatID: 3}}, s.Targets())
}

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"/shutdown", []string{"/shutdown"}},
		{"/shutdown  -r\t+5", []string{"/shutdown", "-r", "+5"}},
		{`/shutdown "a b" 'c d'`, []string{"/shutdown", "a b", "c d"}},
		{`/shutdown a\ b ""`, []string{"/shutdown", "a b", ""}},
		{"/shutdown 维护 窗口", []string{"/shutdown", "维护", "窗口"}},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, tokenizeCommandLine(tt.in), tt.in)
	}
}

func TestCutTokens(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"/shutdown +5 back in -5 min", 2, "back in -5 min"},
		{"/shutdown +5", 2, ""},
		{"/shutdown +5   ", 2, ""},
		{`/shutdown "a b" rest "of it"`, 2, `rest "of it"`},
		{`/shutdown a\ b rest`, 2, "rest"},
		{"/shutdown  x", 0, "/shutdown  x"},
		{"/shutdown +1 维护 窗口", 2, "维护 窗口"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, cutTokens(tt.in, tt.n), tt.in)
	}
}

func TestMenuCommands(t *testing.T) {
	t.Parallel()
	root := newRoot()
	root.add([]string{"shutdown"}, Command{Route: "shutdown", Description: "d"})
	root.add([]string{"audit", "recent"}, Command{Route: "audit recent"})
	root.add([]string{"Bad-Name"}, Command{Route: "Bad-Name"})
	require.Equal(t, []transport.BotCommand{
		{Command: "audit_recent"},
		{Command: "shutdown", Description: "d"},
	}, menuCommands(root))
}
