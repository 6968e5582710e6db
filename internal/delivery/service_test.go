package delivery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dvmnbot/internal/eventbus"
	"dvmnbot/internal/storage"
	kit "dvmnbot/internal/transport"
	logx "dvmnbot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int // number of leading calls that fail
	calls int
	texts []string
	to    []kit.ChatTarget
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return kit.MessageRef{}, errors.New("telegram: bad gateway")
	}
	f.texts = append(f.texts, text)
	f.to = append(f.to, to)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.calls}, nil
}

func fastConfig() Config {
	return Config{RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond, ErrorNotice: true}
}

func TestDeliverSendsToTarget(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	s := New(fastConfig(), fs, kit.ChatTarget{ChatID: 77}, logx.Nop(), bus, nil)

	if err := s.Deliver(context.Background(), "", "hello"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(fs.texts) != 1 || fs.texts[0] != "hello" || fs.to[0].ChatID != 77 {
		t.Fatalf("sent %v to %v", fs.texts, fs.to)
	}
	if st := s.Stats(); st.Sent != 1 || st.LastSentAt.IsZero() {
		t.Fatalf("stats = %+v", st)
	}
	if e := <-events; e.Type != eventbus.DeliverySent {
		t.Fatalf("event = %s", e.Type)
	}
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{fails: 2}
	s := New(fastConfig(), fs, kit.ChatTarget{ChatID: 1}, logx.Nop(), nil, nil)
	if err := s.Deliver(context.Background(), "", "x"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if fs.calls != 3 {
		t.Fatalf("calls = %d, want 3", fs.calls)
	}
}

func TestDeliverGivesUpAndJournals(t *testing.T) {
	t.Parallel()
	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer store.Close()
	fs := &fakeSender{fails: 10}
	s := New(fastConfig(), fs, kit.ChatTarget{ChatID: 1}, logx.Nop(), nil, store)

	if err := s.Deliver(context.Background(), "", "x"); err == nil {
		t.Fatal("expected failure")
	}
	if fs.calls != 3 {
		t.Fatalf("calls = %d, want 1+RetryMax", fs.calls)
	}
	recs, _ := store.RecentDeliveries(context.Background(), 5)
	if len(recs) != 1 || recs[0].OK || recs[0].Attempts != 3 || recs[0].Kind != storage.KindReview || recs[0].ID == "" {
		t.Fatalf("journal = %+v", recs)
	}
	if s.Stats().Failed != 1 {
		t.Fatalf("stats = %+v", s.Stats())
	}
}

func TestDeliverWithoutTarget(t *testing.T) {
	t.Parallel()
	s := New(fastConfig(), &fakeSender{}, kit.ChatTarget{}, logx.Nop(), nil, nil)
	if err := s.Deliver(context.Background(), "", "x"); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("err = %v, want ErrNoTarget", err)
	}
}

func TestDeliverDedupWindow(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.DedupWindow = time.Hour
	fs := &fakeSender{}
	s := New(cfg, fs, kit.ChatTarget{ChatID: 1}, logx.Nop(), nil, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := s.Deliver(ctx, "150#0", "same review")
		if i == 0 && err != nil {
			t.Fatalf("Deliver: %v", err)
		}
		if i == 1 && !errors.Is(err, ErrDuplicate) {
			t.Fatalf("second Deliver = %v, want ErrDuplicate", err)
		}
	}
	if err := s.Deliver(ctx, "150#1", "same review"); err != nil {
		t.Fatalf("same text under another key: %v", err)
	}
	if len(fs.texts) != 2 {
		t.Fatalf("sent %v, want one duplicate suppressed", fs.texts)
	}
	if s.Stats().Deduped != 1 {
		t.Fatalf("stats = %+v", s.Stats())
	}
}

func TestDeliverDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "s.json")
	cfg := fastConfig()
	cfg.DedupWindow = time.Hour
	ctx := context.Background()

	store, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	first := &fakeSender{}
	_ = New(cfg, first, kit.ChatTarget{ChatID: 1}, logx.Nop(), nil, store).Deliver(ctx, "150#0", "review")
	_ = store.Close()

	store, err = storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer store.Close()
	second := &fakeSender{}
	_ = New(cfg, second, kit.ChatTarget{ChatID: 1}, logx.Nop(), nil, store).Deliver(ctx, "150#0", "review")
	if len(first.texts) != 1 || len(second.texts) != 0 {
		t.Fatalf("first=%v second=%v", first.texts, second.texts)
	}
}

func TestFailedDeliveryIsNotDeduped(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.RetryMax = 0
	cfg.DedupWindow = time.Hour
	fs := &fakeSender{fails: 1}
	s := New(cfg, fs, kit.ChatTarget{ChatID: 1}, logx.Nop(), nil, nil)
	if err := s.Deliver(context.Background(), "k", "r"); err == nil {
		t.Fatal("first send should fail")
	}
	if err := s.Deliver(context.Background(), "k", "r"); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if len(fs.texts) != 1 {
		t.Fatalf("texts = %v", fs.texts)
	}
}

func TestNoticeSingleAttemptAndToggle(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{fails: 1}
	s := New(fastConfig(), fs, kit.ChatTarget{ChatID: 1}, logx.Nop(), nil, nil)
	if err := s.Notice(context.Background(), "oops"); err == nil {
		t.Fatal("notice must not retry")
	}
	if fs.calls != 1 {
		t.Fatalf("calls = %d", fs.calls)
	}

	cfg := fastConfig()
	cfg.ErrorNotice = false
	s.Apply(cfg)
	if err := s.Notice(context.Background(), "oops"); !errors.Is(err, ErrNoticesOff) {
		t.Fatalf("err = %v, want ErrNoticesOff", err)
	}
}

func TestDeliverHonorsCancellation(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.RetryMax = 5
	cfg.RetryBase = time.Hour
	cfg.RetryMaxDelay = time.Hour
	s := New(cfg, &fakeSender{fails: 10}, kit.ChatTarget{ChatID: 1}, logx.Nop(), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Deliver(ctx, "", "x"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt, want := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 3: 400 * time.Millisecond} {
		d := retryDelay(cfg, attempt)
		if d < want*7/10 || d > want*13/10 {
			t.Fatalf("attempt %d: %v outside jitter of %v", attempt, d, want)
		}
	}
	if d := retryDelay(cfg, 10); d > time.Second {
		t.Fatalf("delay %v exceeds cap", d)
	}
}

func TestDeliverWithoutKeyIsNeverDeduped(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.DedupWindow = time.Hour
	fs := &fakeSender{}
	s := New(cfg, fs, kit.ChatTarget{ChatID: 1}, logx.Nop(), nil, nil)
	for i := 0; i < 2; i++ {
		if err := s.Deliver(context.Background(), "", "same"); err != nil {
			t.Fatalf("Deliver %d: %v", i, err)
		}
	}
	if len(fs.texts) != 2 || s.Stats().Deduped != 0 {
		t.Fatalf("texts = %v stats = %+v", fs.texts, s.Stats())
	}
}
