// Package router turns chat messages into command invocations: it owns the
// command tree, the owner ACL, the middleware chain and a bounded worker pool.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"haltbot/internal/runtime/supervisor"
	"haltbot/internal/transport"
	"haltbot/pkg/logx"
)

const (
	replyUnknown      = "unknown command. try /help"
	replyUnauthorized = "unauthorized"
	replyBusy         = "busy, try again"
)

type CommandManager struct {
	mu     sync.RWMutex
	root   *cmdNode
	alias  map[string]*cmdNode // alias -> leaf node
	owners []int64

	log      logx.Logger
	sender   transport.Sender
	sessions *Sessions

	workers int
	jobs    chan func()
}

type Option func(*CommandManager)

// WithSessions records every chat that sends a message into s.
func WithSessions(s *Sessions) Option { return func(m *CommandManager) { m.sessions = s } }

// WithWorkers overrides the worker pool size (default: NumCPU, at least 2).
func WithWorkers(n int) Option { return func(m *CommandManager) { m.workers = n } }

// WithQueueSize overrides the job queue capacity (default 256).
func WithQueueSize(n int) Option {
	return func(m *CommandManager) {
		if n > 0 {
			m.jobs = make(chan func(), n)
		}
	}
}

func NewCommandManager(log logx.Logger, sender transport.Sender, owners []int64, opts ...Option) *CommandManager {
	m := &CommandManager{
		root:    newRoot(),
		alias:   map[string]*cmdNode{},
		owners:  append([]int64(nil), owners...),
		log:     log,
		sender:  sender,
		workers: runtime.NumCPU(),
		jobs:    make(chan func(), 256),
	}
	for _, o := range opts {
		o(m)
	}
	if m.workers < 2 {
		m.workers = 2
	}
	return m
}

// SetOwners updates the owner list used for AccessOwnerOnly. Safe during hot reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.owners {
		if o == id {
			return true
		}
	}
	return false
}

// SetRegistry replaces the command set. /help is always added.
func (m *CommandManager) SetRegistry(ctx context.Context, cmds []Command) {
	cmds = append(cmds, Command{
		Route:       "help",
		Aliases:     []string{"h", "start"},
		Description: "show available commands",
		Usage:       "/help [command]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.Args, m.isOwner(req.FromID)))
		},
	})

	root := newRoot()
	alias := map[string]*cmdNode{}
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		leaf := root.add(route, c)
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			alias[a] = leaf
		}
	}

	m.mu.Lock()
	m.root = root
	m.alias = alias
	m.mu.Unlock()

	if up, ok := m.sender.(transport.CommandMenuUpdater); ok {
		menu := menuCommands(root)
		go func() {
			mctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(mctx, menu); err != nil {
				m.log.Warn("menu update failed", logx.Err(err))
			}
		}()
	}
}

// DispatchLoop routes updates until ctx is done or updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(m.log))
	m.log.Info("command dispatcher started", logx.Int("workers", m.workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < m.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			return m.work(c, idx)
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.Route(ctx, up)
		}
	}
}

func (m *CommandManager) work(ctx context.Context, idx int) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-m.jobs:
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					}
				}()
				job()
			}()
		}
	}
}

// Route resolves a single update and enqueues its handler.
func (m *CommandManager) Route(ctx context.Context, up transport.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	if m.sessions != nil {
		m.sessions.Touch(msg.Target())
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := commandWord(parts[0])
	args := parts[1:]

	m.mu.RLock()
	root, aliases := m.root, m.alias
	m.mu.RUnlock()

	if leaf, ok := aliases[word]; ok && leaf.cmd != nil {
		m.enqueue(ctx, msg, *leaf.cmd, splitRoute(leaf.cmd.Route), args, len(parts)-len(args))
		return
	}

	cur, ok := root.child(word)
	if !ok {
		m.reply(ctx, msg.Target(), replyUnknown)
		return
	}
	path := []string{word}
	for len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		child, ok := cur.child(args[0])
		if !ok {
			break
		}
		cur = child
		path = append(path, args[0])
		args = args[1:]
	}
	if cur.cmd == nil {
		m.reply(ctx, msg.Target(), m.helpText(path, m.isOwner(msg.FromID)))
		return
	}
	m.enqueue(ctx, msg, *cur.cmd, path, args, len(parts)-len(args))
}

// offset is the number of message tokens before args.
func (m *CommandManager) enqueue(ctx context.Context, msg *transport.Message, cmd Command, path, args []string, offset int) {
	if cmd.Access == AccessOwnerOnly && !m.isOwner(msg.FromID) {
		m.log.Warn("unauthorized command", logx.Int64("from_id", msg.FromID), logx.String("cmd", cmd.Route))
		m.reply(ctx, msg.Target(), replyUnauthorized)
		return
	}

	rid := newReqID()
	req := &Request{
		Message: msg,
		Chat:    msg.Target(),
		FromID:  msg.FromID,
		Path:    path,
		Command: cmd.Route,
		Args:    args,
		ReqID:   rid,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
		sender: m.sender,
	}
	req.argOffset = offset

	final := Chain(cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(cmd.Timeout),
	)

	select {
	case m.jobs <- func() { _ = final(ctx, req) }:
	default:
		m.reply(ctx, req.Chat, replyBusy)
	}
}

func (m *CommandManager) reply(ctx context.Context, to transport.ChatTarget, text string) {
	if _, err := m.sender.SendText(ctx, to, text, &transport.SendOptions{DisablePreview: true}); err != nil {
		m.log.Warn("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}
