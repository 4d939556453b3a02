package session

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Reporter batches byte counts and pushes them into a session on a throttled
// cadence rather than per chunk. A nil *Reporter is a no-op.
type Reporter struct {
	sess    *Session
	pending atomic.Int64
	every   rate.Sometimes
}

// NewReporter returns a Reporter flushing to sess at most once per interval.
func NewReporter(sess *Session, interval time.Duration) *Reporter {
	if sess == nil {
		return nil
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Reporter{sess: sess, every: rate.Sometimes{First: 1, Interval: interval}}
}

// Add records n bytes and flushes if the interval has elapsed.
func (r *Reporter) Add(n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.pending.Add(n)
	r.every.Do(r.Flush)
}

// Flush pushes any pending bytes immediately.
func (r *Reporter) Flush() {
	if r == nil {
		return
	}
	if n := r.pending.Swap(0); n > 0 {
		r.sess.AddBytes(n)
	}
}
