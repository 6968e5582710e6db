package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal plus dedup snapshot next to Path
//   - "sqlite": SQLite database at Path (modernc, pure Go)
//
// Empty or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Delivery kinds.
const (
	KindReview = "review"
	KindNotice = "notice"
)

// DeliveryRecord is one outcome of handing a message to the transport.
type DeliveryRecord struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"`
	ChatID   int64     `json:"chat_id"`
	TextHash string    `json:"text_hash"`
	Attempts int       `json:"attempts"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms"`
}
