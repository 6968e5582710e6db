// Package heartbeat sends a periodic status digest on a cron schedule.
package heartbeat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "dvmnbot/pkg/logx"
)

// parser accepts 5- or 6-field specs and descriptors such as "@daily" or "@every 6h".
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec parses.
func ValidateSchedule(spec string) error {
	if _, err := parser.Parse(strings.TrimSpace(spec)); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

type Config struct {
	Enabled  bool
	Schedule string
	Timezone string
}

// Service fires send(render(now)) on every schedule tick.
type Service struct {
	render  func(now time.Time) string
	send    func(ctx context.Context, text string) error
	log     logx.Logger
	timeout time.Duration

	mu     sync.Mutex
	cfg    Config
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, render func(time.Time) string, send func(context.Context, string) error, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, render: render, send: send, log: log, timeout: 30 * time.Second}
}

// Start begins ticking if enabled. ctx bounds every send.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s.scheduleLocked()
}

// Apply swaps the config and reschedules when anything changed.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg == s.cfg {
		return nil
	}
	s.cfg = cfg
	if s.ctx == nil {
		return nil
	}
	s.stopCronLocked()
	return s.scheduleLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Fire sends one digest now.
func (s *Service) Fire(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.send(cctx, s.render(time.Now()))
}

func (s *Service) scheduleLocked() error {
	cfg := s.cfg
	if !cfg.Enabled {
		s.log.Debug("heartbeat disabled")
		return nil
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("heartbeat timezone: %w", err)
		}
		loc = l
	}
	sched, err := parser.Parse(strings.TrimSpace(cfg.Schedule))
	if err != nil {
		return fmt.Errorf("heartbeat schedule: %w", err)
	}
	ctx := s.ctx
	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	c.Schedule(sched, cron.FuncJob(func() {
		if err := s.Fire(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("heartbeat not sent", logx.Err(err))
		}
	}))
	c.Start()
	s.c = c
	s.log.Info("heartbeat scheduled", logx.String("schedule", cfg.Schedule), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) stopCronLocked() {
	if s.c != nil {
		s.c.Stop()
		s.c = nil
	}
}
