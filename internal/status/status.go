// Package status renders the operator summary shared by /status and the heartbeat.
package status

import (
	"fmt"
	"strings"
	"time"

	"dvmnbot/internal/delivery"
	"dvmnbot/internal/review"
	"dvmnbot/internal/storage"
)

// Source reads live state. Nil funcs render as absent.
type Source struct {
	Loop     func() review.State
	Delivery func() delivery.Stats
	// Recent returns the latest journaled deliveries, newest first.
	Recent func() []storage.DeliveryRecord
}

// Render formats the summary at now.
func (s Source) Render(now time.Time) string {
	var b strings.Builder
	b.WriteString("Состояние бота\n")
	if s.Loop != nil {
		st := s.Loop()
		cursor := st.Cursor.String()
		if cursor == "" {
			cursor = "—"
		}
		if !st.StartedAt.IsZero() {
			fmt.Fprintf(&b, "Работает: %s\n", now.Sub(st.StartedAt).Truncate(time.Second))
		}
		fmt.Fprintf(&b, "Курсор: %s\n", cursor)
		fmt.Fprintf(&b, "Запросов: %d (пустых: %d, повторов: %d)\n", st.Polls, st.Timeouts, st.Retries)
		fmt.Fprintf(&b, "Проверок: %d, доставлено: %d, уже отправленных: %d, ошибок доставки: %d\n", st.Reviews, st.Delivered, st.Duplicates, st.DeliveryFailed)
		if !st.LastPollAt.IsZero() {
			fmt.Fprintf(&b, "Последний запрос: %s назад\n", ago(now, st.LastPollAt))
		}
		if st.LastError != "" {
			fmt.Fprintf(&b, "Последняя ошибка (%s назад): %s\n", ago(now, st.LastErrorAt), truncate(st.LastError, 300))
		}
	}
	if s.Delivery != nil {
		ds := s.Delivery()
		fmt.Fprintf(&b, "Сообщений: отправлено %d, не отправлено %d, дублей %d\n", ds.Sent, ds.Failed, ds.Deduped)
	}
	if s.Recent != nil {
		if recs := s.Recent(); len(recs) > 0 {
			b.WriteString("Последние доставки:\n")
			for _, r := range recs {
				result := "ок"
				if !r.OK {
					result = "ошибка: " + truncate(r.Error, 120)
				}
				fmt.Fprintf(&b, "  %s назад, %s, попыток %d, %s\n", ago(now, r.At), r.Kind, r.Attempts, result)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func ago(now, t time.Time) time.Duration {
	if t.IsZero() || t.After(now) {
		return 0
	}
	return now.Sub(t).Truncate(time.Second)
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n]) + "…"
}
