package config

import (
	"hash/fnv"
	"reflect"
	"strings"

	logx "dvmnbot/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe attrs for logging.
// Secrets (tokens) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Devman.Token != newCfg.Devman.Token ||
		strings.TrimSpace(oldCfg.Devman.URL) != strings.TrimSpace(newCfg.Devman.URL) ||
		oldCfg.Devman.PollTimeout != newCfg.Devman.PollTimeout ||
		oldCfg.Devman.ConnectTimeout != newCfg.Devman.ConnectTimeout {
		changed = append(changed, "devman")
	}
	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		oldCfg.Telegram.ChatID != newCfg.Telegram.ChatID ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
		)
	}
	if oldCfg.Backoff != newCfg.Backoff {
		changed = append(changed, "backoff")
		attrs = append(attrs,
			logx.String("backoff.connection", newCfg.Backoff.Connection),
			logx.String("backoff.timeout", newCfg.Backoff.Timeout),
			logx.String("backoff.server", newCfg.Backoff.Server),
			logx.String("backoff.network", newCfg.Backoff.Network),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Int("delivery.rate_per_sec", newCfg.Delivery.RatePerSec),
			logx.Int("delivery.retry_max", newCfg.Delivery.RetryMax),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if oldCfg.Heartbeat != newCfg.Heartbeat {
		changed = append(changed, "heartbeat")
		attrs = append(attrs,
			logx.Bool("heartbeat.enabled", newCfg.Heartbeat.Enabled),
			logx.String("heartbeat.schedule", newCfg.Heartbeat.Schedule),
		)
	}
	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}
	return changed, attrs
}

// RestartRequired reports whether any of the changed sections cannot be applied live.
func RestartRequired(sections []string) bool {
	for _, s := range sections {
		switch s {
		case "devman", "telegram", "storage", "systemd":
			return true
		}
	}
	return false
}

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
