package media

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a source or format cannot be resolved.
	// It is never retried.
	ErrNotFound = errors.New("not found")

	// ErrUpstreamUnavailable is a transient upstream failure.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrRateLimited is returned when the upstream throttles us.
	ErrRateLimited = errors.New("rate limited")

	// ErrUpstreamInterrupted is a mid-transfer upstream failure. Bytes already
	// delivered to the client cannot be retracted and are not resumed.
	ErrUpstreamInterrupted = errors.New("upstream interrupted")

	// ErrMergeFailed is returned when the merge tool exits non-zero or times out.
	ErrMergeFailed = errors.New("merge failed")

	// ErrResourceExhausted is returned when temp storage or the session
	// ceiling is reached.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrCancelled marks a client- or staleness-initiated stop.
	ErrCancelled = errors.New("cancelled")
)

// Kind names used in poll responses and metrics labels.
const (
	KindNotFound            = "NotFound"
	KindUpstreamUnavailable = "UpstreamUnavailable"
	KindRateLimited         = "RateLimited"
	KindUpstreamInterrupted = "UpstreamInterrupted"
	KindMergeFailed         = "MergeFailed"
	KindResourceExhausted   = "ResourceExhausted"
	KindCancelled           = "Cancelled"
	KindInternal            = "Internal"
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrNotFound, KindNotFound},
	{ErrRateLimited, KindRateLimited},
	{ErrUpstreamUnavailable, KindUpstreamUnavailable},
	{ErrUpstreamInterrupted, KindUpstreamInterrupted},
	{ErrMergeFailed, KindMergeFailed},
	{ErrResourceExhausted, KindResourceExhausted},
	{ErrCancelled, KindCancelled},
}

// KindOf returns the taxonomy name of err, or "" for nil.
// Context cancellation maps to Cancelled and deadline expiry to
// UpstreamUnavailable; anything unclassified is Internal.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindUpstreamUnavailable
	}
	return KindInternal
}

// Transient reports whether err may succeed on a bounded retry: exactly the
// errors KindOf names UpstreamUnavailable or RateLimited, including an
// expired resolve deadline.
func Transient(err error) bool {
	switch KindOf(err) {
	case KindUpstreamUnavailable, KindRateLimited:
		return true
	}
	return false
}
