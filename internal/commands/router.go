// Package commands routes chat commands (/start, /status) to handlers.
package commands

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	kit "dvmnbot/internal/transport"
	logx "dvmnbot/pkg/logx"
)

var ErrForbidden = errors.New("command not allowed for this chat")

// Request is one parsed command.
type Request struct {
	Message *kit.Message
	Command string // lower case, without slash and @bot suffix
	Args    []string

	sender kit.Sender
}

// Reply answers in the chat (and thread) the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.sender.SendText(ctx, kit.ChatTarget{ChatID: r.Message.ChatID, ThreadID: r.Message.ThreadID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

type route struct {
	name        string
	description string
	handler     HandlerFunc
}

// Router dispatches updates to registered commands, one at a time.
type Router struct {
	sender kit.Sender
	log    logx.Logger
	mws    []Middleware
	routes []route
}

func New(sender kit.Sender, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		sender: sender,
		log:    log,
		mws: []Middleware{
			MWPanicRecover(log),
			MWRequestLog(log),
			MWTimeout(15 * time.Second),
		},
	}
}

// Handle registers a command. mws wrap only this command, inside the router middleware.
func (r *Router) Handle(name, description string, h HandlerFunc, mws ...Middleware) {
	r.routes = append(r.routes, route{
		name:        strings.ToLower(name),
		description: description,
		handler:     Chain(h, append(slices.Clone(r.mws), mws...)...),
	})
}

// Commands lists registered commands as (name, description) pairs, in registration order.
func (r *Router) Commands() [][2]string {
	out := make([][2]string, 0, len(r.routes))
	for _, rt := range r.routes {
		out = append(out, [2]string{rt.name, rt.description})
	}
	return out
}

// Run consumes updates until ctx ends or in is closed.
func (r *Router) Run(ctx context.Context, in <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up, ok := <-in:
			if !ok {
				return nil
			}
			_ = r.Dispatch(ctx, up)
		}
	}
}

// Dispatch handles a single update. Non-command text is ignored.
func (r *Router) Dispatch(ctx context.Context, up kit.Update) error {
	if up.Message == nil {
		return nil
	}
	name, args, ok := parseCommand(up.Message.Text)
	if !ok {
		return nil
	}
	for _, rt := range r.routes {
		if rt.name == name {
			return rt.handler(ctx, &Request{Message: up.Message, Command: name, Args: args, sender: r.sender})
		}
	}
	r.log.Debug("unknown command", logx.String("cmd", name), logx.Int64("chat_id", up.Message.ChatID))
	return nil
}

// parseCommand splits "/cmd@bot a b" into ("cmd", ["a", "b"]).
func parseCommand(text string) (string, []string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}
