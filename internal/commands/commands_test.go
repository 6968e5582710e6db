package commands

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"dvmnbot/internal/review"
	"dvmnbot/internal/status"
	kit "dvmnbot/internal/transport"
	logx "dvmnbot/pkg/logx"
)

type sent struct {
	to   kit.ChatTarget
	text string
}

type captureSender struct{ out []sent }

func (c *captureSender) SendText(ctx context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.out = append(c.out, sent{to: to, text: text})
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func msg(chatID, fromID int64, text string) kit.Update {
	return kit.Update{Message: &kit.Message{ChatID: chatID, FromID: fromID, FromFirstName: "Анна", Text: text}}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		name string
		args int
		ok   bool
	}{
		{"/start", "start", 0, true},
		{"/Start@dvmn_bot", "start", 0, true},
		{"  /status now  ", "status", 1, true},
		{"hello", "", 0, false},
		{"/", "", 0, false},
		{"", "", 0, false},
	}
	for _, tt := range tests {
		name, args, ok := parseCommand(tt.in)
		if name != tt.name || len(args) != tt.args || ok != tt.ok {
			t.Fatalf("parseCommand(%q) = %q %v %v", tt.in, name, args, ok)
		}
	}
}

func TestStartGreets(t *testing.T) {
	t.Parallel()
	cs := &captureSender{}
	r := New(cs, logx.Nop())
	r.Handle("start", "greeting", Start)

	if err := r.Dispatch(context.Background(), msg(5, 9, "/start")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(cs.out) != 1 || cs.out[0].text != "Привет, Анна!" || cs.out[0].to.ChatID != 5 {
		t.Fatalf("sent = %+v", cs.out)
	}
}

func TestGreetingFallbacks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		first, username, want string
	}{
		{"Анна", "anna", "Привет, Анна!"},
		{"  ", "anna", "Привет, anna!"},
		{"", "", "Привет!"},
		{" ", " ", "Привет!"},
	}
	for _, tt := range tests {
		if got := greeting(tt.first, tt.username); got != tt.want {
			t.Fatalf("greeting(%q, %q) = %q, want %q", tt.first, tt.username, got, tt.want)
		}
	}
}

func TestStartWithoutNames(t *testing.T) {
	t.Parallel()
	cs := &captureSender{}
	r := New(cs, logx.Nop())
	r.Handle("start", "greeting", Start)
	up := kit.Update{Message: &kit.Message{ChatID: 3, FromID: 4, Text: "/start"}}
	if err := r.Dispatch(context.Background(), up); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(cs.out) != 1 || cs.out[0].text != "Привет!" {
		t.Fatalf("sent = %+v", cs.out)
	}
}

func TestStatusAccess(t *testing.T) {
	t.Parallel()
	cs := &captureSender{}
	r := New(cs, logx.Nop())
	src := status.Source{Loop: func() review.State { return review.State{Cursor: "77"} }}
	r.Handle("status", "state", Status(src, func() time.Time { return time.Unix(0, 0) }), MWAllow(OwnerOrChat(100, []int64{42})))

	ctx := context.Background()
	if err := r.Dispatch(ctx, msg(100, 1, "/status")); err != nil {
		t.Fatalf("destination chat: %v", err)
	}
	if err := r.Dispatch(ctx, msg(555, 42, "/status")); err != nil {
		t.Fatalf("owner: %v", err)
	}
	if err := r.Dispatch(ctx, msg(555, 1, "/status")); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger: err = %v, want ErrForbidden", err)
	}
	if len(cs.out) != 2 || !strings.Contains(cs.out[0].text, "Курсор: 77") {
		t.Fatalf("sent = %+v", cs.out)
	}
}

func TestUnknownAndPlainTextIgnored(t *testing.T) {
	t.Parallel()
	cs := &captureSender{}
	r := New(cs, logx.Nop())
	r.Handle("start", "greeting", Start)
	_ = r.Dispatch(context.Background(), msg(1, 1, "/nope"))
	_ = r.Dispatch(context.Background(), msg(1, 1, "just text"))
	_ = r.Dispatch(context.Background(), kit.Update{})
	if len(cs.out) != 0 {
		t.Fatalf("sent = %+v", cs.out)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()
	r := New(&captureSender{}, logx.Nop())
	r.Handle("boom", "", func(ctx context.Context, req *Request) error { panic("x") })
	if err := r.Dispatch(context.Background(), msg(1, 1, "/boom")); err == nil {
		t.Fatal("panic should surface as error")
	}
}

func TestRunStopsWhenInputCloses(t *testing.T) {
	t.Parallel()
	cs := &captureSender{}
	r := New(cs, logx.Nop())
	r.Handle("start", "greeting", Start)
	in := make(chan kit.Update, 1)
	in <- msg(1, 1, "/start")
	close(in)
	if err := r.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(cs.out) != 1 {
		t.Fatalf("sent = %+v", cs.out)
	}
	if got := r.Commands(); len(got) != 1 || got[0][0] != "start" {
		t.Fatalf("Commands = %v", got)
	}
}
