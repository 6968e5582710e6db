package app

import (
	"fmt"
	"strings"
	"time"

	"dvmnbot/internal/config"
	"dvmnbot/internal/delivery"
	"dvmnbot/internal/devman"
	"dvmnbot/internal/heartbeat"
	"dvmnbot/internal/review"
	"dvmnbot/internal/storage"
	telegram "dvmnbot/internal/transport/telegram/adapter"
	logx "dvmnbot/pkg/logx"
)

func mapDevmanConfig(cfg *config.Config, userAgent string) (devman.Config, error) {
	poll, err := config.ParseDurationOrDefault("devman.poll_timeout", cfg.Devman.PollTimeout, devman.DefaultPollTimeout)
	if err != nil {
		return devman.Config{}, err
	}
	connect, err := config.ParseDurationOrDefault("devman.connect_timeout", cfg.Devman.ConnectTimeout, devman.DefaultConnectTimeout)
	if err != nil {
		return devman.Config{}, err
	}
	return devman.Config{
		URL:            strings.TrimSpace(cfg.Devman.URL),
		Token:          strings.TrimSpace(cfg.Devman.Token),
		PollTimeout:    poll,
		ConnectTimeout: connect,
		UserAgent:      userAgent,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: strings.TrimSpace(cfg.Telegram.Token), PollTimeout: poll}, nil
}

func mapBackoff(cfg *config.Config) (review.BackoffPolicy, error) {
	def := review.DefaultBackoff()
	var (
		p   review.BackoffPolicy
		err error
	)
	if p.Connection, err = config.ParseDurationOrDefault("backoff.connection", cfg.Backoff.Connection, def.Connection); err != nil {
		return p, err
	}
	if p.Timeout, err = config.ParseDurationOrDefault("backoff.timeout", cfg.Backoff.Timeout, def.Timeout); err != nil {
		return p, err
	}
	if p.Server, err = config.ParseDurationOrDefault("backoff.server", cfg.Backoff.Server, def.Server); err != nil {
		return p, err
	}
	if p.Network, err = config.ParseDurationOrDefault("backoff.network", cfg.Backoff.Network, def.Network); err != nil {
		return p, err
	}
	return p, nil
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	dc := cfg.Delivery
	out := delivery.Config{
		RatePerSec:  dc.RatePerSec,
		RetryMax:    dc.RetryMax,
		ErrorNotice: true,
	}
	if out.RatePerSec < 0 || out.RetryMax < 0 {
		return delivery.Config{}, fmt.Errorf("delivery.rate_per_sec and delivery.retry_max must be >= 0")
	}
	if out.RatePerSec == 0 {
		out.RatePerSec = 1
	}
	if out.RetryMax == 0 {
		out.RetryMax = 3
	}
	if dc.ErrorNotice != nil {
		out.ErrorNotice = *dc.ErrorNotice
	}
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("delivery.retry_base", dc.RetryBase, time.Second); err != nil {
		return delivery.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("delivery.retry_max_delay", dc.RetryMaxDelay, 15*time.Second); err != nil {
		return delivery.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("delivery.dedup_window", dc.DedupWindow, 0); err != nil {
		return delivery.Config{}, err
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		if path == "" {
			path = "./data/dvmnbot.json"
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapHeartbeatConfig(cfg *config.Config) heartbeat.Config {
	return heartbeat.Config{
		Enabled:  cfg.Heartbeat.Enabled,
		Schedule: strings.TrimSpace(cfg.Heartbeat.Schedule),
		Timezone: strings.TrimSpace(cfg.Heartbeat.Timezone),
	}
}

// mapLoggingConfig keeps console output on when no other sink is configured.
func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	out := logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    lc.Alert.Enabled,
			ThreadID:   lc.Alert.ThreadID,
			MinLevel:   lc.Alert.MinLevel,
			RatePerSec: lc.Alert.RatePerSec,
		},
	}
	if !out.Console && !out.File.Enabled {
		out.Console = true
	}
	return out
}

// logChatID returns telegram.group_log, or 0 when unset or invalid.
func logChatID(cfg *config.Config) int64 {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0
	}
	id, err := config.ParseChatID("telegram.group_log", raw)
	if err != nil {
		return 0
	}
	return id
}

// validateMappings rejects configs the mappers cannot turn into component settings.
func validateMappings(cfg *config.Config) error {
	if _, err := mapBackoff(cfg); err != nil {
		return err
	}
	if _, err := mapDeliveryConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}
