// Package delivery sends bot messages to the destination chat.
//
// Unlike a fire-and-forget queue, Deliver blocks until the message was
// accepted by Telegram or every retry failed, so callers keep strict order.
package delivery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"dvmnbot/internal/eventbus"
	"dvmnbot/internal/storage"
	kit "dvmnbot/internal/transport"
	logx "dvmnbot/pkg/logx"
)

var (
	ErrNoTarget = errors.New("delivery target chat is not set")
	// ErrNoticesOff is returned by Notice when error notices are disabled.
	ErrNoticesOff = errors.New("error notices disabled")
	// ErrDuplicate is returned by Deliver when the key was already delivered.
	ErrDuplicate = errors.New("already delivered within dedup window")
)

// Config controls rate, retries and dedup. Zero fields take defaults.
type Config struct {
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	// SendTimeout is the context deadline handed to the sender for one attempt.
	// The adapter's HTTP client timeout bounds the request itself.
	SendTimeout     time.Duration
	DedupWindow     time.Duration // 0 disables dedup
	DedupMaxEntries int
	ErrorNotice     bool
}

// Event is the payload of delivery.* bus events.
type Event struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	ChatID   int64  `json:"chat_id"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// Stats are counters since start.
type Stats struct {
	Sent       uint64
	Failed     uint64
	Deduped    uint64
	LastSentAt time.Time
}

// Service delivers text to a single chat. Safe for concurrent use.
type Service struct {
	sender kit.Sender
	target kit.ChatTarget
	log    logx.Logger
	bus    eventbus.Bus
	store  storage.Store

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	dmu   sync.Mutex
	dedup map[string]time.Time

	sent, failed, deduped atomic.Uint64
	lastSent              atomic.Int64 // unix nano
}

// New creates a Service. bus and store may be nil.
func New(cfg Config, sender kit.Sender, target kit.ChatTarget, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		sender: sender,
		target: target,
		log:    log,
		bus:    bus,
		store:  store,
		dedup:  map[string]time.Time{},
	}
	s.Apply(cfg)
	return s
}

// Target returns the destination chat.
func (s *Service) Target() kit.ChatTarget { return s.target }

// Apply swaps the live configuration.
func (s *Service) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) Stats() Stats {
	st := Stats{Sent: s.sent.Load(), Failed: s.failed.Load(), Deduped: s.deduped.Load()}
	if ns := s.lastSent.Load(); ns != 0 {
		st.LastSentAt = time.Unix(0, ns)
	}
	return st
}

// Deliver sends a review notification and waits for the outcome.
//
// key identifies the review for dedup; an empty key is never deduped. A key
// already delivered within the dedup window is not sent again and Deliver
// returns ErrDuplicate.
func (s *Service) Deliver(ctx context.Context, key, text string) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	dedup := cfg.DedupWindow > 0 && key != ""
	keyHash := textHash(key)
	if dedup && !s.dedupAllow(ctx, keyHash, cfg) {
		s.deduped.Add(1)
		s.bus.Publish(eventbus.Event{Type: eventbus.DeliveryDedup, Data: Event{Kind: storage.KindReview, ChatID: s.target.ChatID}})
		s.log.Info("delivery skipped, seen within dedup window", logx.String("key", key))
		return ErrDuplicate
	}

	err := s.send(ctx, storage.KindReview, text, textHash(text), 1+cfg.RetryMax, cfg)
	if err != nil && dedup {
		s.forget(keyHash)
	}
	if err == nil && dedup && s.store != nil {
		if perr := s.store.PutDedup(ctx, keyHash, time.Now().Add(cfg.DedupWindow)); perr != nil {
			s.log.Debug("dedup persist failed", logx.Err(perr))
		}
	}
	return err
}

// Notice makes a single best-effort send, used to tell the user something went wrong.
func (s *Service) Notice(ctx context.Context, text string) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if !cfg.ErrorNotice {
		return ErrNoticesOff
	}
	return s.send(ctx, storage.KindNotice, text, textHash(text), 1, cfg)
}

func (s *Service) send(ctx context.Context, kind, text, hash string, maxAttempts int, cfg Config) error {
	if s.target.ChatID == 0 || s.sender == nil {
		return ErrNoTarget
	}
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()

	id := uuid.NewString()
	start := time.Now()
	attempts := 0
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		attempts = attempt
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := s.sender.SendText(callCtx, s.target, text, &kit.SendOptions{DisablePreview: true})
		cancel()
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Debug("send failed", logx.String("id", id), logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Err(err))
		if attempt == maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}

	rec := storage.DeliveryRecord{
		ID:       id,
		At:       start,
		Kind:     kind,
		ChatID:   s.target.ChatID,
		TextHash: hash,
		Attempts: attempts,
		OK:       lastErr == nil,
		TookMS:   time.Since(start).Milliseconds(),
	}
	ev := Event{ID: id, Kind: kind, ChatID: s.target.ChatID, Attempts: attempts}
	if lastErr != nil {
		rec.Error = lastErr.Error()
		ev.Error = rec.Error
		s.failed.Add(1)
		s.bus.Publish(eventbus.Event{Type: eventbus.DeliveryFailed, Data: ev})
	} else {
		s.sent.Add(1)
		s.lastSent.Store(time.Now().UnixNano())
		s.bus.Publish(eventbus.Event{Type: eventbus.DeliverySent, Data: ev})
	}
	if s.store != nil {
		if err := s.store.AppendDelivery(context.WithoutCancel(ctx), rec); err != nil {
			s.log.Warn("delivery journal append failed", logx.Err(err))
		}
	}
	return lastErr
}

func (s *Service) dedupAllow(ctx context.Context, key string, cfg Config) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if s.store != nil {
		until, ok, err := s.store.GetDedup(ctx, key)
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	s.dmu.Lock()
	defer s.dmu.Unlock()
	s.dedup[key] = now.Add(cfg.DedupWindow)
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > cfg.DedupMaxEntries {
		var (
			oldest string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if oldest == "" || t.Before(minT) {
				oldest, minT = k, t
			}
		}
		delete(s.dedup, oldest)
	}
	return true
}

// forget drops a reservation so a failed message can be retried by a later caller.
func (s *Service) forget(key string) {
	s.dmu.Lock()
	delete(s.dedup, key)
	s.dmu.Unlock()
}

func textHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1), capped, jittered 0.7..1.3.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
