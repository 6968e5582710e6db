// Package review runs the long-polling loop: it owns the cursor, applies the
// retry policy and turns reviewed lessons into chat messages.
package review

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"dvmnbot/internal/delivery"
	"dvmnbot/internal/devman"
	"dvmnbot/internal/eventbus"
	logx "dvmnbot/pkg/logx"
)

// Poller performs one long-polling request.
type Poller interface {
	Poll(ctx context.Context, cursor devman.Timestamp) (devman.Response, error)
}

// Deliverer hands a message to the user and waits for the outcome.
//
// key identifies the reviewed attempt. A Deliverer that has already sent key
// returns an error wrapping delivery.ErrDuplicate.
type Deliverer interface {
	Deliver(ctx context.Context, key, text string) error
}

// Noticer is optionally implemented by a Deliverer to send best-effort error notices.
type Noticer interface {
	Notice(ctx context.Context, text string) error
}

// State is everything the loop carries between steps. Only Step writes it.
type State struct {
	Cursor devman.Timestamp

	Polls          uint64
	Timeouts       uint64
	Retries        uint64
	Reviews        uint64
	Delivered      uint64
	Duplicates     uint64
	DeliveryFailed uint64

	StartedAt    time.Time
	LastPollAt   time.Time
	LastReviewAt time.Time
	LastError    string
	LastErrorAt  time.Time
}

// RetryEvent is the payload of poll.retry events.
type RetryEvent struct {
	Kind  string        `json:"kind"`
	Cause string        `json:"cause,omitempty"`
	Delay time.Duration `json:"delay"`
}

type Option func(*Loop)

// WithSleep replaces the backoff sleep. It must return ctx.Err() when ctx ends first.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Loop) { l.sleep = fn }
}

func WithBus(bus eventbus.Bus) Option {
	return func(l *Loop) {
		if bus != nil {
			l.bus = bus
		}
	}
}

func WithBackoff(p BackoffPolicy) Option {
	return func(l *Loop) { l.backoff = p.withDefaults() }
}

// Loop polls, backs off and dispatches, one step at a time.
type Loop struct {
	poller  Poller
	deliver Deliverer
	log     logx.Logger
	bus     eventbus.Bus
	sleep   func(ctx context.Context, d time.Duration) error

	mu      sync.RWMutex
	backoff BackoffPolicy

	snap atomic.Pointer[State]
	// unix nanos of the last poll or delivery start
	active atomic.Int64
}

func New(p Poller, d Deliverer, log logx.Logger, opts ...Option) *Loop {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Loop{
		poller:  p,
		deliver: d,
		log:     log,
		bus:     eventbus.Nop(),
		sleep:   sleepCtx,
		backoff: DefaultBackoff(),
	}
	for _, o := range opts {
		o(l)
	}
	l.snap.Store(&State{})
	return l
}

// SetBackoff swaps the retry tiers; the next Transient failure uses them.
func (l *Loop) SetBackoff(p BackoffPolicy) {
	l.mu.Lock()
	l.backoff = p.withDefaults()
	l.mu.Unlock()
}

func (l *Loop) Backoff() BackoffPolicy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.backoff
}

// LastActivity is when the loop last started a poll or a delivery. It is
// updated mid-step, unlike Snapshot. Zero before the first poll.
func (l *Loop) LastActivity() time.Time {
	n := l.active.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Snapshot returns a copy of the state after the last completed step.
func (l *Loop) Snapshot() State { return *l.snap.Load() }

// Run steps until ctx ends or a Fatal failure. It returns the Fatal error,
// or ctx.Err() on cancellation.
func (l *Loop) Run(ctx context.Context, st State) error {
	if st.StartedAt.IsZero() {
		st.StartedAt = time.Now()
	}
	l.log.Info("review loop started", logx.String("cursor", st.Cursor.String()))
	for {
		next, err := l.Step(ctx, st)
		st = next
		snap := st
		l.snap.Store(&snap)
		if err != nil {
			if ctx.Err() != nil {
				l.log.Info("review loop stopped", logx.String("cursor", st.Cursor.String()))
				return ctx.Err()
			}
			return err
		}
	}
}

// Step performs one poll and, on events, dispatches them in order.
//
// A non-nil error is either ctx.Err() or a Fatal failure; both end the loop.
// Transient failures are absorbed here: Step sleeps the tier delay and returns nil.
func (l *Loop) Step(ctx context.Context, st State) (State, error) {
	if err := ctx.Err(); err != nil {
		return st, err
	}
	st.Polls++
	st.LastPollAt = time.Now()
	l.active.Store(st.LastPollAt.UnixNano())
	resp, err := l.poller.Poll(ctx, st.Cursor)
	if err != nil {
		return l.handleFailure(ctx, st, err)
	}

	st.Cursor = resp.ResumeAt
	switch resp.Kind {
	case devman.ResultTimeout:
		st.Timeouts++
		l.log.Debug("no reviews yet", logx.String("cursor", st.Cursor.String()))
		l.bus.Publish(eventbus.Event{Type: eventbus.PollTimeout, Data: st.Cursor.String()})
		return st, nil
	default:
		l.log.Info("reviews received", logx.Int("count", len(resp.Attempts)), logx.String("cursor", st.Cursor.String()))
		l.bus.Publish(eventbus.Event{Type: eventbus.PollEvents, Data: len(resp.Attempts)})
		return l.dispatch(ctx, st, resp.ResumeAt, resp.Attempts)
	}
}

func (l *Loop) handleFailure(ctx context.Context, st State, err error) (State, error) {
	if ctx.Err() != nil {
		return st, ctx.Err()
	}

	var pe *devman.PollError
	if !errors.As(err, &pe) {
		// Unclassified errors get the generic network tier.
		pe = &devman.PollError{Kind: devman.Transient, Cause: devman.CauseNetwork, Err: err}
	}

	switch pe.Kind {
	case devman.TransientSilent:
		st.Retries++
		l.log.Debug("poll window elapsed, retrying", logx.Err(err))
		l.bus.Publish(eventbus.Event{Type: eventbus.PollRetry, Data: RetryEvent{Kind: pe.Kind.String()}})
		return st, nil

	case devman.Fatal:
		st.LastError = err.Error()
		st.LastErrorAt = time.Now()
		l.log.Error("poll failed, giving up", logx.Int("status", pe.StatusCode), logx.Err(err))
		l.bus.Publish(eventbus.Event{Type: eventbus.PollFatal, Data: err.Error()})
		return st, err

	default:
		st.Retries++
		st.LastError = err.Error()
		st.LastErrorAt = time.Now()
		delay := l.Backoff().Delay(pe.Cause)
		l.log.Warn("poll failed, backing off",
			logx.String("cause", pe.Cause.String()),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		l.bus.Publish(eventbus.Event{Type: eventbus.PollRetry, Data: RetryEvent{Kind: pe.Kind.String(), Cause: pe.Cause.String(), Delay: delay}})
		if serr := l.sleep(ctx, delay); serr != nil {
			return st, serr
		}
		return st, nil
	}
}

// dispatch delivers attempts sequentially. A failed delivery is logged and
// skipped; only cancellation stops the batch.
func (l *Loop) dispatch(ctx context.Context, st State, batch devman.Timestamp, attempts []devman.Attempt) (State, error) {
	for i, a := range attempts {
		if err := ctx.Err(); err != nil {
			l.log.Warn("dispatch interrupted", logx.Int("undelivered", len(attempts)-i))
			return st, err
		}
		st.Reviews++
		st.LastReviewAt = time.Now()
		l.active.Store(st.LastReviewAt.UnixNano())
		err := l.deliver.Deliver(ctx, attemptKey(batch, i, a), FormatAttempt(a))
		if err == nil {
			st.Delivered++
			continue
		}
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		if errors.Is(err, delivery.ErrDuplicate) {
			st.Duplicates++
			continue
		}
		st.DeliveryFailed++
		st.LastError = err.Error()
		st.LastErrorAt = time.Now()
		l.log.Error("review notification not delivered",
			logx.String("lesson", a.LessonTitle),
			logx.String("url", a.LessonURL),
			logx.Err(err),
		)
		if n, ok := l.deliver.(Noticer); ok {
			if nerr := n.Notice(ctx, formatDeliveryFailure(a)); nerr != nil {
				l.log.Debug("error notice not sent", logx.Err(nerr))
			}
		}
	}
	return st, nil
}

// attemptKey identifies an attempt by the batch it arrived in and its position.
// Two identical reviews in one batch get different keys.
func attemptKey(batch devman.Timestamp, i int, a devman.Attempt) string {
	return fmt.Sprintf("%s#%d:%s", batch, i, a.LessonURL)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
