package devman

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Timestamp is the opaque resumption cursor handed out by the server.
//
// It keeps the server's textual number so the value sent back is byte-for-byte
// what was received. The zero value means "no cursor yet".
type Timestamp string

func (t Timestamp) IsZero() bool { return t == "" }

func (t Timestamp) String() string { return string(t) }

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*t = ""
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Timestamp(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	*t = Timestamp(n.String())
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t == "" {
		return []byte("null"), nil
	}
	return []byte(t), nil
}

// ResultKind tells which of the two success shapes a Response has.
type ResultKind int

const (
	// ResultTimeout: the server's polling window ended without news.
	ResultTimeout ResultKind = iota + 1
	// ResultEvents: one or more lessons were reviewed (Attempts may still be empty).
	ResultEvents
)

func (k ResultKind) String() string {
	switch k {
	case ResultTimeout:
		return "timeout"
	case ResultEvents:
		return "events"
	default:
		return "unknown"
	}
}

// Response is a successfully interpreted long-polling reply.
type Response struct {
	Kind     ResultKind
	ResumeAt Timestamp
	Attempts []Attempt
}

// Attempt is one reviewed submission.
type Attempt struct {
	LessonTitle string `json:"lesson_title"`
	LessonURL   string `json:"lesson_url"`
	IsNegative  bool   `json:"is_negative"`
}

// longPollBody is the wire shape of both response variants.
type longPollBody struct {
	Status               string    `json:"status"`
	TimestampToRequest   Timestamp `json:"timestamp_to_request"`
	LastAttemptTimestamp Timestamp `json:"last_attempt_timestamp"`
	NewAttempts          []Attempt `json:"new_attempts"`
}

const statusTimeout = "timeout"

func (b longPollBody) response() Response {
	if b.Status == statusTimeout {
		return Response{Kind: ResultTimeout, ResumeAt: b.TimestampToRequest}
	}
	attempts := b.NewAttempts
	if attempts == nil {
		attempts = []Attempt{}
	}
	return Response{Kind: ResultEvents, ResumeAt: b.LastAttemptTimestamp, Attempts: attempts}
}
