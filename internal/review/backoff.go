package review

import (
	"time"

	"dvmnbot/internal/devman"
)

// BackoffPolicy holds the sleep before retrying a Transient poll failure, per cause.
type BackoffPolicy struct {
	Connection time.Duration
	Timeout    time.Duration
	Server     time.Duration
	Network    time.Duration
}

func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Connection: 10 * time.Second,
		Timeout:    5 * time.Second,
		Server:     30 * time.Second,
		Network:    30 * time.Second,
	}
}

// withDefaults fills zero tiers from DefaultBackoff.
func (p BackoffPolicy) withDefaults() BackoffPolicy {
	d := DefaultBackoff()
	if p.Connection <= 0 {
		p.Connection = d.Connection
	}
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.Server <= 0 {
		p.Server = d.Server
	}
	if p.Network <= 0 {
		p.Network = d.Network
	}
	return p
}

// Delay returns the sleep for a Transient failure with cause c.
func (p BackoffPolicy) Delay(c devman.Cause) time.Duration {
	switch c {
	case devman.CauseConnection:
		return p.Connection
	case devman.CauseTimeout:
		return p.Timeout
	case devman.CauseServer:
		return p.Server
	default:
		return p.Network
	}
}
