package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dvmnbot/internal/heartbeat"
)

// ErrMissingSecrets is wrapped by Validate when required credentials are absent.
var ErrMissingSecrets = errors.New("missing required settings")

// Validate checks a fully-resolved config (file + env). All missing secrets are
// reported together so the operator can fix them in one go.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var missing []string
	if strings.TrimSpace(cfg.Devman.Token) == "" {
		missing = append(missing, EnvDevmanToken)
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		missing = append(missing, EnvTelegramToken)
	}
	if strings.TrimSpace(cfg.Telegram.ChatID) == "" {
		missing = append(missing, EnvTelegramChatID)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s (check .env or config file)", ErrMissingSecrets, strings.Join(missing, ", "))
	}
	if _, err := ParseChatID("telegram.chat_id", cfg.Telegram.ChatID); err != nil {
		return err
	}
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := ParseChatID("telegram.group_log", g); err != nil {
			return err
		}
	}
	return ValidateReloadable(cfg)
}

// ValidateReloadable checks the sections that may change on hot reload.
// Secrets may still come from env, so they are not required here.
func ValidateReloadable(cfg *Config) error {
	durations := []struct{ path, raw string }{
		{"devman.poll_timeout", cfg.Devman.PollTimeout},
		{"devman.connect_timeout", cfg.Devman.ConnectTimeout},
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"backoff.connection", cfg.Backoff.Connection},
		{"backoff.timeout", cfg.Backoff.Timeout},
		{"backoff.server", cfg.Backoff.Server},
		{"backoff.network", cfg.Backoff.Network},
		{"delivery.retry_base", cfg.Delivery.RetryBase},
		{"delivery.retry_max_delay", cfg.Delivery.RetryMaxDelay},
		{"delivery.dedup_window", cfg.Delivery.DedupWindow},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	if cfg.Delivery.RatePerSec < 0 {
		return fmt.Errorf("delivery.rate_per_sec must be >= 0")
	}
	if cfg.Delivery.RetryMax < 0 {
		return fmt.Errorf("delivery.retry_max must be >= 0")
	}
	if tz := strings.TrimSpace(cfg.Heartbeat.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("heartbeat.timezone: invalid %q: %w", tz, err)
		}
	}
	if cfg.Heartbeat.Enabled {
		if strings.TrimSpace(cfg.Heartbeat.Schedule) == "" {
			return fmt.Errorf("heartbeat.schedule is required when heartbeat.enabled is true")
		}
		if err := heartbeat.ValidateSchedule(cfg.Heartbeat.Schedule); err != nil {
			return fmt.Errorf("heartbeat.schedule: %w", err)
		}
	}
	if cfg.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}

// ParseChatID parses a Telegram chat id such as "123456" or "-100123456".
func ParseChatID(path, raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid chat id %q: %w", path, raw, err)
	}
	if id == 0 {
		return 0, fmt.Errorf("%s: chat id must not be 0", path)
	}
	return id, nil
}
