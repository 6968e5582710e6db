package commands

import (
	"context"
	"slices"
	"strings"
	"time"

	"dvmnbot/internal/status"
)

// Start greets the user by first name, falling back to the username.
func Start(ctx context.Context, req *Request) error {
	return req.Reply(ctx, greeting(req.Message.FromFirstName, req.Message.FromUsername))
}

func greeting(first, username string) string {
	name := strings.TrimSpace(first)
	if name == "" {
		name = strings.TrimSpace(username)
	}
	if name == "" {
		return "Привет!"
	}
	return "Привет, " + name + "!"
}

// Status replies with the operator summary.
func Status(src status.Source, now func() time.Time) HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, req *Request) error {
		return req.Reply(ctx, src.Render(now()))
	}
}

// OwnerOrChat allows requests from the destination chat or from owner user ids.
func OwnerOrChat(chatID int64, owners []int64) func(req *Request) bool {
	owners = slices.Clone(owners)
	return func(req *Request) bool {
		return req.Message.ChatID == chatID || slices.Contains(owners, req.Message.FromID)
	}
}
