package review

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"dvmnbot/internal/delivery"
	"dvmnbot/internal/devman"
	"dvmnbot/internal/eventbus"
	kit "dvmnbot/internal/transport"
	logx "dvmnbot/pkg/logx"
)

type pollResult struct {
	resp devman.Response
	err  error
}

// scriptedPoller replays results in order and records the cursor of each call.
type scriptedPoller struct {
	mu      sync.Mutex
	results []pollResult
	cursors []devman.Timestamp
}

func (p *scriptedPoller) Poll(ctx context.Context, cursor devman.Timestamp) (devman.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursors = append(p.cursors, cursor)
	if len(p.results) == 0 {
		return devman.Response{}, &devman.PollError{Kind: devman.Fatal, Detail: "script exhausted"}
	}
	r := p.results[0]
	p.results = p.results[1:]
	return r.resp, r.err
}

type recordingDeliverer struct {
	keys    []string
	texts   []string
	fail    map[int]bool // zero-based call index
	notices []string
}

func (d *recordingDeliverer) Deliver(ctx context.Context, key, text string) error {
	i := len(d.texts)
	d.keys = append(d.keys, key)
	d.texts = append(d.texts, text)
	if d.fail[i] {
		return errors.New("telegram: chat not found")
	}
	return nil
}

func (d *recordingDeliverer) Notice(ctx context.Context, text string) error {
	d.notices = append(d.notices, text)
	return nil
}

type sleepRecorder struct{ sleeps []time.Duration }

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.sleeps = append(s.sleeps, d)
	return ctx.Err()
}

func timeout(ts devman.Timestamp) pollResult {
	return pollResult{resp: devman.Response{Kind: devman.ResultTimeout, ResumeAt: ts}}
}

func events(ts devman.Timestamp, attempts ...devman.Attempt) pollResult {
	if attempts == nil {
		attempts = []devman.Attempt{}
	}
	return pollResult{resp: devman.Response{Kind: devman.ResultEvents, ResumeAt: ts, Attempts: attempts}}
}

func failure(kind devman.FailureKind, cause devman.Cause, status int) pollResult {
	return pollResult{err: &devman.PollError{Kind: kind, Cause: cause, StatusCode: status, Err: errors.New("boom")}}
}

func newTestLoop(p Poller, d Deliverer) (*Loop, *sleepRecorder) {
	rec := &sleepRecorder{}
	return New(p, d, logx.Nop(), WithSleep(rec.sleep)), rec
}

func TestCursorThreading(t *testing.T) {
	t.Parallel()
	p := &scriptedPoller{results: []pollResult{
		timeout("100"),
		events("150"),
		timeout("160"),
		events("170", devman.Attempt{LessonTitle: "A"}),
	}}
	l, rec := newTestLoop(p, &recordingDeliverer{})

	err := l.Run(context.Background(), State{})
	if !devman.IsFatal(err) {
		t.Fatalf("Run = %v, want the fatal script end", err)
	}
	want := []devman.Timestamp{"", "100", "150", "160", "170"}
	if len(p.cursors) != len(want) {
		t.Fatalf("cursors = %v, want %v", p.cursors, want)
	}
	for i := range want {
		if p.cursors[i] != want[i] {
			t.Fatalf("call %d cursor = %q, want %q", i, p.cursors[i], want[i])
		}
	}
	if len(rec.sleeps) != 0 {
		t.Fatalf("unexpected sleeps %v", rec.sleeps)
	}
	if snap := l.Snapshot(); snap.Cursor != "170" || snap.Polls != 5 || snap.Timeouts != 2 || snap.Delivered != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestSilentRetryKeepsCursorWithoutSleep(t *testing.T) {
	t.Parallel()
	p := &scriptedPoller{results: []pollResult{
		failure(devman.TransientSilent, devman.CauseNone, 0),
		failure(devman.TransientSilent, devman.CauseNone, 0),
	}}
	l, rec := newTestLoop(p, &recordingDeliverer{})

	st := State{Cursor: "42"}
	for i := 0; i < 2; i++ {
		var err error
		st, err = l.Step(context.Background(), st)
		if err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
		if st.Cursor != "42" {
			t.Fatalf("cursor moved to %q", st.Cursor)
		}
	}
	if len(rec.sleeps) != 0 {
		t.Fatalf("silent retries slept: %v", rec.sleeps)
	}
	if st.Retries != 2 || st.LastError != "" {
		t.Fatalf("state = %+v", st)
	}
}

func TestTransientTiers(t *testing.T) {
	t.Parallel()
	tests := []struct {
		cause devman.Cause
		want  time.Duration
	}{
		{devman.CauseConnection, 10 * time.Second},
		{devman.CauseTimeout, 5 * time.Second},
		{devman.CauseServer, 30 * time.Second},
		{devman.CauseNetwork, 30 * time.Second},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.cause.String(), func(t *testing.T) {
			t.Parallel()
			p := &scriptedPoller{results: []pollResult{failure(devman.Transient, tt.cause, 0)}}
			l, rec := newTestLoop(p, &recordingDeliverer{})
			st, err := l.Step(context.Background(), State{Cursor: "7"})
			if err != nil {
				t.Fatalf("Step: %v", err)
			}
			if st.Cursor != "7" {
				t.Fatalf("cursor moved to %q", st.Cursor)
			}
			if len(rec.sleeps) != 1 || rec.sleeps[0] != tt.want {
				t.Fatalf("sleeps = %v, want [%v]", rec.sleeps, tt.want)
			}
		})
	}
}

func TestUnclassifiedErrorUsesNetworkTier(t *testing.T) {
	t.Parallel()
	p := &scriptedPoller{results: []pollResult{{err: errors.New("weird")}}}
	l, rec := newTestLoop(p, &recordingDeliverer{})
	if _, err := l.Step(context.Background(), State{}); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(rec.sleeps) != 1 || rec.sleeps[0] != 30*time.Second {
		t.Fatalf("sleeps = %v", rec.sleeps)
	}
}

func TestSetBackoffAppliesLive(t *testing.T) {
	t.Parallel()
	p := &scriptedPoller{results: []pollResult{
		failure(devman.Transient, devman.CauseServer, 502),
		failure(devman.Transient, devman.CauseServer, 502),
	}}
	l, rec := newTestLoop(p, &recordingDeliverer{})
	_, _ = l.Step(context.Background(), State{})
	l.SetBackoff(BackoffPolicy{Server: time.Minute})
	_, _ = l.Step(context.Background(), State{})
	if rec.sleeps[0] != 30*time.Second || rec.sleeps[1] != time.Minute {
		t.Fatalf("sleeps = %v", rec.sleeps)
	}
	if l.Backoff().Connection != 10*time.Second {
		t.Fatal("unset tiers should keep defaults")
	}
}

func TestDispatchOrderAndTemplates(t *testing.T) {
	t.Parallel()
	attempts := []devman.Attempt{
		{LessonTitle: "A", LessonURL: "u1", IsNegative: false},
		{LessonTitle: "B", LessonURL: "u2", IsNegative: true},
		{LessonTitle: "C", LessonURL: "u3", IsNegative: false},
	}
	p := &scriptedPoller{results: []pollResult{events("9", attempts...)}}
	d := &recordingDeliverer{}
	l, _ := newTestLoop(p, d)

	st, err := l.Step(context.Background(), State{})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(d.texts) != len(attempts) {
		t.Fatalf("delivered %d messages, want %d", len(d.texts), len(attempts))
	}
	for i, a := range attempts {
		if d.texts[i] != FormatAttempt(a) {
			t.Fatalf("message %d = %q", i, d.texts[i])
		}
	}
	if !strings.Contains(d.texts[1], statusNegative) || !strings.Contains(d.texts[0], statusPositive) {
		t.Fatalf("wrong template selection: %q", d.texts)
	}
	if st.Delivered != 3 || st.Reviews != 3 || st.Cursor != "9" {
		t.Fatalf("state = %+v", st)
	}
}

func TestDispatchContinuesAfterDeliveryFailure(t *testing.T) {
	t.Parallel()
	attempts := []devman.Attempt{{LessonTitle: "A"}, {LessonTitle: "B"}, {LessonTitle: "C"}}
	p := &scriptedPoller{results: []pollResult{events("9", attempts...)}}
	d := &recordingDeliverer{fail: map[int]bool{1: true}}
	l, _ := newTestLoop(p, d)

	st, err := l.Step(context.Background(), State{})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(d.texts) != 3 {
		t.Fatalf("delivery attempts = %d, want 3", len(d.texts))
	}
	if len(d.notices) != 1 || !strings.Contains(d.notices[0], `"B"`) {
		t.Fatalf("notices = %q", d.notices)
	}
	if st.Delivered != 2 || st.DeliveryFailed != 1 || st.Cursor != "9" {
		t.Fatalf("state = %+v", st)
	}
}

func TestFormatAttempt(t *testing.T) {
	t.Parallel()
	got := FormatAttempt(devman.Attempt{LessonTitle: "A", LessonURL: "u1"})
	want := "У вас проверили работу \"A\"\n\nПреподавателю все понравилось!\n\nСсылка: u1"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	got = FormatAttempt(devman.Attempt{LessonTitle: "B", LessonURL: "u2", IsNegative: true})
	want = "У вас проверили работу \"B\"\n\nК сожалению, в работе нашлись ошибки.\n\nСсылка: u2"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestScenarioTimeoutThenNoMessages(t *testing.T) {
	t.Parallel()
	p := &scriptedPoller{results: []pollResult{timeout("100"), timeout("100")}}
	d := &recordingDeliverer{}
	l, _ := newTestLoop(p, d)

	st, _ := l.Step(context.Background(), State{})
	_, _ = l.Step(context.Background(), st)
	if p.cursors[0] != "" || p.cursors[1] != "100" {
		t.Fatalf("cursors = %v", p.cursors)
	}
	if len(d.texts) != 0 {
		t.Fatalf("delivered %v", d.texts)
	}
}

func TestScenarioSinglePositiveReview(t *testing.T) {
	t.Parallel()
	p := &scriptedPoller{results: []pollResult{
		events("150", devman.Attempt{LessonTitle: "A", LessonURL: "u1", IsNegative: false}),
	}}
	d := &recordingDeliverer{}
	l, _ := newTestLoop(p, d)

	st, err := l.Step(context.Background(), State{Cursor: "100"})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if p.cursors[0] != "100" || st.Cursor != "150" {
		t.Fatalf("cursor sent %q, next %q", p.cursors[0], st.Cursor)
	}
	if len(d.texts) != 1 || !strings.Contains(d.texts[0], `"A"`) || !strings.Contains(d.texts[0], "u1") || !strings.Contains(d.texts[0], statusPositive) {
		t.Fatalf("texts = %q", d.texts)
	}
}

func TestScenarioConnectTimeoutThreeTimes(t *testing.T) {
	t.Parallel()
	p := &scriptedPoller{results: []pollResult{
		failure(devman.Transient, devman.CauseTimeout, 0),
		failure(devman.Transient, devman.CauseTimeout, 0),
		failure(devman.Transient, devman.CauseTimeout, 0),
		timeout("200"),
	}}
	l, rec := newTestLoop(p, &recordingDeliverer{})

	st := State{Cursor: "100"}
	for i := 0; i < 4; i++ {
		next, err := l.Step(context.Background(), st)
		if err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
		if i < 3 && next.Cursor != "100" {
			t.Fatalf("cursor moved after failure %d", i)
		}
		st = next
	}
	if st.Cursor != "200" {
		t.Fatalf("cursor = %q, want 200", st.Cursor)
	}
	if len(rec.sleeps) != 3 {
		t.Fatalf("sleeps = %v, want three", rec.sleeps)
	}
	for _, d := range rec.sleeps {
		if d != 5*time.Second {
			t.Fatalf("sleeps = %v, want 5s each", rec.sleeps)
		}
	}
}

func TestScenarioServerUnavailable(t *testing.T) {
	t.Parallel()
	p := &scriptedPoller{results: []pollResult{failure(devman.Transient, devman.CauseServer, 503)}}
	l, rec := newTestLoop(p, &recordingDeliverer{})
	st, err := l.Step(context.Background(), State{Cursor: "5"})
	if err != nil || st.Cursor != "5" {
		t.Fatalf("Step = %+v, %v", st, err)
	}
	if len(rec.sleeps) != 1 || rec.sleeps[0] != 30*time.Second {
		t.Fatalf("sleeps = %v", rec.sleeps)
	}
	if !strings.Contains(st.LastError, "503") {
		t.Fatalf("LastError = %q", st.LastError)
	}
}

func TestScenarioUnauthorizedStopsLoop(t *testing.T) {
	t.Parallel()
	p := &scriptedPoller{results: []pollResult{
		failure(devman.Fatal, devman.CauseNone, 401),
		timeout("1"),
	}}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()
	rec := &sleepRecorder{}
	l := New(p, &recordingDeliverer{}, logx.Nop(), WithSleep(rec.sleep), WithBus(bus))

	err := l.Run(context.Background(), State{})
	var pe *devman.PollError
	if !errors.As(err, &pe) || pe.StatusCode != 401 {
		t.Fatalf("Run = %v, want 401 PollError", err)
	}
	if len(p.cursors) != 1 {
		t.Fatalf("polls = %d, want 1", len(p.cursors))
	}
	if len(rec.sleeps) != 0 {
		t.Fatalf("fatal must not back off: %v", rec.sleeps)
	}
	if e := <-ch; e.Type != eventbus.PollFatal {
		t.Fatalf("event = %s", e.Type)
	}
}

func TestRunReturnsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	p := &scriptedPoller{results: []pollResult{failure(devman.Transient, devman.CauseConnection, 0)}}
	l := New(p, &recordingDeliverer{}, logx.Nop(), WithSleep(func(c context.Context, d time.Duration) error {
		cancel()
		return c.Err()
	}))
	if err := l.Run(ctx, State{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
}

func TestDispatchStopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	attempts := []devman.Attempt{{LessonTitle: "A"}, {LessonTitle: "B"}}
	p := &scriptedPoller{results: []pollResult{events("3", attempts...)}}
	d := &cancelingDeliverer{cancel: cancel}
	l, _ := newTestLoop(p, d)

	st, err := l.Step(ctx, State{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Step = %v, want canceled", err)
	}
	if d.calls != 1 || st.Cursor != "3" {
		t.Fatalf("calls = %d cursor = %q", d.calls, st.Cursor)
	}
}

type cancelingDeliverer struct {
	cancel context.CancelFunc
	calls  int
}

func (d *cancelingDeliverer) Deliver(ctx context.Context, key, text string) error {
	d.calls++
	d.cancel()
	return nil
}

type countingSender struct {
	mu    sync.Mutex
	texts []string
}

func (c *countingSender) SendText(ctx context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(c.texts)}, nil
}

func TestIdenticalAttemptsInOneBatchAreAllDelivered(t *testing.T) {
	t.Parallel()
	same := devman.Attempt{LessonTitle: "A", LessonURL: "u1", IsNegative: true}
	p := &scriptedPoller{results: []pollResult{events("300", same, same)}}
	sender := &countingSender{}
	d := delivery.New(delivery.Config{RatePerSec: 1000, DedupWindow: 24 * time.Hour},
		sender, kit.ChatTarget{ChatID: 1}, logx.Nop(), nil, nil)
	l, _ := newTestLoop(p, d)

	st, err := l.Step(context.Background(), State{})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(sender.texts) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sender.texts))
	}
	if st.Delivered != 2 || st.Duplicates != 0 {
		t.Fatalf("state = %+v", st)
	}
}

func TestReplayedBatchCountsDuplicates(t *testing.T) {
	t.Parallel()
	a := devman.Attempt{LessonTitle: "A", LessonURL: "u1"}
	p := &scriptedPoller{results: []pollResult{events("300", a), events("300", a)}}
	sender := &countingSender{}
	d := delivery.New(delivery.Config{RatePerSec: 1000, DedupWindow: 24 * time.Hour},
		sender, kit.ChatTarget{ChatID: 1}, logx.Nop(), nil, nil)
	l, _ := newTestLoop(p, d)

	st, _ := l.Step(context.Background(), State{})
	st, err := l.Step(context.Background(), st)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(sender.texts) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.texts))
	}
	if st.Delivered != 1 || st.Duplicates != 1 || st.DeliveryFailed != 0 {
		t.Fatalf("state = %+v", st)
	}
}

func TestAttemptKeysDifferByPosition(t *testing.T) {
	t.Parallel()
	same := devman.Attempt{LessonTitle: "A", LessonURL: "u1"}
	p := &scriptedPoller{results: []pollResult{events("9", same, same)}}
	d := &recordingDeliverer{}
	l, _ := newTestLoop(p, d)
	if _, err := l.Step(context.Background(), State{}); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(d.keys) != 2 || d.keys[0] == d.keys[1] || d.keys[0] == "" {
		t.Fatalf("keys = %q", d.keys)
	}
}

// endlessTimeouts answers every poll with a fresh cursor until ctx ends.
type endlessTimeouts struct{ n int }

func (e *endlessTimeouts) Poll(ctx context.Context, _ devman.Timestamp) (devman.Response, error) {
	if err := ctx.Err(); err != nil {
		return devman.Response{}, err
	}
	e.n++
	return devman.Response{Kind: devman.ResultTimeout, ResumeAt: devman.Timestamp(strconv.Itoa(e.n))}, nil
}

func TestSnapshotIsStableWhileRunning(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	l := New(&endlessTimeouts{}, &recordingDeliverer{}, logx.Nop())

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, State{}) }()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		a := l.Snapshot()
		b := l.Snapshot()
		if b.Polls < a.Polls {
			t.Fatalf("snapshot went backwards: %d then %d", a.Polls, b.Polls)
		}
		// A published snapshot must never change after it was stored.
		ptr := l.snap.Load()
		cursor := ptr.Cursor
		time.Sleep(time.Millisecond)
		if ptr.Cursor != cursor {
			t.Fatalf("published snapshot changed from %q to %q", cursor, ptr.Cursor)
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
	if l.Snapshot().Polls == 0 {
		t.Fatal("no progress recorded")
	}
}

type blockingDeliverer struct {
	started chan struct{}
	release chan struct{}
}

func (d *blockingDeliverer) Deliver(ctx context.Context, key, text string) error {
	d.started <- struct{}{}
	select {
	case <-d.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestLastActivityAdvancesDuringDispatch(t *testing.T) {
	t.Parallel()
	attempts := []devman.Attempt{{LessonTitle: "A"}, {LessonTitle: "B"}}
	p := &scriptedPoller{results: []pollResult{events("5", attempts...)}}
	d := &blockingDeliverer{started: make(chan struct{}), release: make(chan struct{})}
	l := New(p, d, logx.Nop())
	if !l.LastActivity().IsZero() {
		t.Fatal("activity recorded before the first poll")
	}

	done := make(chan error, 1)
	go func() {
		_, err := l.Step(context.Background(), State{})
		done <- err
	}()

	<-d.started
	first := l.LastActivity()
	if first.IsZero() {
		t.Fatal("no activity after poll")
	}
	if l.Snapshot().Polls != 0 {
		t.Fatal("snapshot should not change mid-step")
	}
	time.Sleep(2 * time.Millisecond)
	d.release <- struct{}{}
	<-d.started
	if !l.LastActivity().After(first) {
		t.Fatalf("activity did not advance: %v then %v", first, l.LastActivity())
	}
	d.release <- struct{}{}
	if err := <-done; err != nil {
		t.Fatalf("Step: %v", err)
	}
}
