package app

import "time"

// watchdogSlack covers one delivery with all its retries.
const watchdogSlack = 2 * time.Minute

// loopHealthy reports whether the review loop made progress recently enough
// for the systemd watchdog to be fed.
func (a *App) loopHealthy() bool {
	b := a.loop.Backoff()
	slowest := max(b.Connection, b.Timeout, b.Server, b.Network)
	window := 2*a.devman.PollTimeout() + slowest + watchdogSlack
	return progressedWithin(a.loop.LastActivity(), time.Now(), window)
}

// progressedWithin is true before the first poll, or when the last activity
// is no older than window.
func progressedWithin(last, now time.Time, window time.Duration) bool {
	if last.IsZero() {
		return true
	}
	return now.Sub(last) <= window
}
