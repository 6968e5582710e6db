// Package storage persists what the bot needs to survive a restart:
//   - the delivery journal (one record per message handed to Telegram)
//   - the delivery dedup window, so a replayed review is not announced twice
//
// The review cursor itself is deliberately kept in memory only.
package storage
