// Package fetch performs one fetch per source with retries, backoff, and
// per-source circuit breaking. Remote failure is never a panic or a bare
// error: every failure is a typed *Error carrying its kind.
package fetch

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a fetch failure. Transient kinds are retried with
// backoff; permanent kinds fail fast.
type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"
	KindTimeout     ErrorKind = "timeout"
	KindThrottled   ErrorKind = "throttled"
	KindAuth        ErrorKind = "auth"
	KindNotModified ErrorKind = "not-modified"
	KindParse       ErrorKind = "parse"
	KindServer      ErrorKind = "server"
)

// Error is the typed fetch failure.
type Error struct {
	Kind       ErrorKind
	SourceID   string
	StatusCode int
	RetryAfter time.Duration // from a Retry-After header, when present
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.SourceID, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether the failure class is worth retrying. Server
// errors are transient only for 5xx; other statuses under KindServer are
// permanent remote rejections.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindThrottled:
		return true
	case KindServer:
		return e.StatusCode == 0 || e.StatusCode >= 500
	}
	return false
}

// AsError extracts a *Error from err, if it carries one.
func AsError(err error) (*Error, bool) {
	var fe *Error
	ok := errors.As(err, &fe)
	return fe, ok
}
