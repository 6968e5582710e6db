package devman

import (
	"errors"
	"fmt"
)

// FailureKind is the retry class of a failed poll.
type FailureKind int

const (
	// TransientSilent is the expected "nothing happened within the request timeout"
	// outcome. Retry at once, no backoff, no error log.
	TransientSilent FailureKind = iota + 1
	// Transient failures are retried after a delay chosen by Cause.
	Transient
	// Fatal failures cannot be fixed by retrying (bad token, broken endpoint, garbage body).
	Fatal
)

func (k FailureKind) String() string {
	switch k {
	case TransientSilent:
		return "transient_silent"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Cause refines Transient failures; it selects the backoff tier.
type Cause int

const (
	CauseNone Cause = iota
	// CauseConnection: connection refused or reset.
	CauseConnection
	// CauseTimeout: connect or TLS handshake timed out.
	CauseTimeout
	// CauseServer: the server answered 5xx.
	CauseServer
	// CauseNetwork: any other transport error.
	CauseNetwork
)

func (c Cause) String() string {
	switch c {
	case CauseConnection:
		return "connection"
	case CauseTimeout:
		return "timeout"
	case CauseServer:
		return "server"
	case CauseNetwork:
		return "network"
	default:
		return "none"
	}
}

// PollError is returned by Client.Poll for every failure except caller cancellation.
type PollError struct {
	Kind       FailureKind
	Cause      Cause
	StatusCode int    // HTTP status, 0 when no response was received
	Detail     string // short human-readable reason
	Err        error
}

func (e *PollError) Error() string {
	msg := "devman poll " + e.Kind.String()
	if e.Cause != CauseNone {
		msg += "/" + e.Cause.String()
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (http %d)", e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PollError) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from err, if it wraps a *PollError.
func KindOf(err error) (FailureKind, bool) {
	var pe *PollError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return 0, false
}

// IsFatal reports whether err is a Fatal poll failure.
func IsFatal(err error) bool {
	k, ok := KindOf(err)
	return ok && k == Fatal
}

func silent(err error) *PollError {
	return &PollError{Kind: TransientSilent, Err: err}
}

func transient(cause Cause, status int, err error) *PollError {
	return &PollError{Kind: Transient, Cause: cause, StatusCode: status, Err: err}
}

func fatal(status int, detail string, err error) *PollError {
	return &PollError{Kind: Fatal, StatusCode: status, Detail: detail, Err: err}
}
