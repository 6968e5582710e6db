package config

type Config struct {
	Devman    DevmanConfig    `json:"devman"`
	Telegram  TelegramConfig  `json:"telegram"`
	Backoff   BackoffConfig   `json:"backoff"`
	Logging   LoggingConfig   `json:"logging"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Systemd   SystemdConfig   `json:"systemd"`
}

// DevmanConfig controls the long-polling client.
//
// Token may be left empty in the file and supplied via DEVMAN_TOKEN.
type DevmanConfig struct {
	Token string `json:"token"`
	// URL defaults to https://dvmn.org/api/long_polling/.
	URL string `json:"url,omitempty"`
	// PollTimeout is a Go duration string. Default "95s".
	PollTimeout string `json:"poll_timeout,omitempty"`
	// ConnectTimeout bounds TCP dial + TLS handshake. Default "10s".
	ConnectTimeout string `json:"connect_timeout,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// ChatID is the destination chat for review notifications (TELEGRAM_CHAT_ID).
	ChatID       string  `json:"chat_id"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// GroupLog is an optional chat id receiving log alerts and heartbeats.
	GroupLog string `json:"group_log,omitempty"`
	// PollTimeout is the telebot getUpdates timeout (Go duration string).
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// BackoffConfig holds the sleep applied after each transient failure class.
//
// Defaults: connection "10s", timeout "5s", server "30s", network "30s".
type BackoffConfig struct {
	Connection string `json:"connection,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	Server     string `json:"server,omitempty"`
	Network    string `json:"network,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// DeliveryConfig controls how review notifications reach the destination chat.
//
// Defaults (when fields are omitted/zero):
//   - rate_per_sec: 1
//   - retry_max: 3
//   - retry_base: "1s"
//   - retry_max_delay: "15s"
//   - dedup_window: "0s" (disabled)
//   - error_notice: true
type DeliveryConfig struct {
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
	ErrorNotice   *bool  `json:"error_notice,omitempty"`
}

// StorageConfig controls the optional delivery journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/dvmnbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HeartbeatConfig schedules a periodic status digest.
type HeartbeatConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron expression (seconds optional) or a descriptor such as "@daily".
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

type SystemdConfig struct {
	Notify bool `json:"notify"`
}
