package router

import (
	"context"
	"strings"
	"time"

	"haltbot/internal/transport"
	"haltbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	// Route is a space-separated command path, e.g. "shutdown" or "audit recent".
	Route       string
	Aliases     []string // root-level aliases
	Description string
	Usage       string
	Access      Access

	Plugin  string
	Timeout time.Duration // optional per-command override
	Handle  HandlerFunc
}

type Request struct {
	Message *transport.Message
	Chat    transport.ChatTarget
	FromID  int64
	Path    []string // matched command path tokens
	Command string
	// Args are the raw tokens after the matched path, flags included.
	Args  []string
	ReqID string

	// argOffset is the number of message tokens before Args[0].
	argOffset int

	Logger logx.Logger
	sender transport.Sender
}

// Reply sends text back to the chat (and thread) the request came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	if r.sender == nil {
		return nil
	}
	_, err := r.sender.SendText(ctx, r.Chat, text, &transport.SendOptions{DisablePreview: true})
	return err
}

// RawArgs returns the message text following the first n Args exactly as
// typed: quotes, backslashes and spacing are kept. Without message text it
// falls back to joining the remaining Args.
func (r *Request) RawArgs(n int) string {
	if n < 0 {
		n = 0
	}
	if r.Message != nil && strings.TrimSpace(r.Message.Text) != "" {
		return cutTokens(r.Message.Text, r.argOffset+n)
	}
	if n >= len(r.Args) {
		return ""
	}
	return strings.Join(r.Args[n:], " ")
}

// NewRequest builds a Request outside the dispatch loop, e.g. to drive a
// handler from tests or another component. Replies go to msg's chat. When
// msg.Text is set it must be a single command word followed by args.
func NewRequest(msg *transport.Message, sender transport.Sender, args []string) *Request {
	if msg == nil {
		msg = &transport.Message{}
	}
	return &Request{
		Message:   msg,
		Chat:      msg.Target(),
		FromID:    msg.FromID,
		Args:      args,
		ReqID:     newReqID(),
		argOffset: 1,
		Logger:    logx.Nop(),
		sender:    sender,
	}
}
