// Package cache provides time-bounded values and a single-goroutine
// scheduler for running expiration callbacks.
//
// A Value is immutable: it is never renewed in place. Callers that want a
// fresh value create a new one and drop the old reference, which is also how
// an expired value leaves whatever container held it.
//
//	peer := cache.New(sensor, 24*time.Second)
//	if s, ok := peer.Get(); ok {
//	    // use s until the deadline passes
//	}
package cache

import "time"

// now is replaced in tests that need to move the clock.
var now = time.Now

// Value holds v until its deadline. The zero Value is expired.
type Value[T any] struct {
	expiresAt time.Time
	value     T
}

// New returns a Value that exposes v for ttl. A non-positive ttl produces a
// value that is already expired.
func New[T any](v T, ttl time.Duration) *Value[T] {
	return &Value[T]{value: v, expiresAt: now().Add(ttl)}
}

// Get returns the value and true while now < ExpiresAt, otherwise the zero
// value and false. A nil receiver behaves as an absent entry.
func (c *Value[T]) Get() (T, bool) {
	var zero T
	if c.IsExpired() {
		return zero, false
	}
	return c.value, true
}

// IsExpired reports whether the deadline has been reached.
func (c *Value[T]) IsExpired() bool {
	if c == nil {
		return true
	}
	return !now().Before(c.expiresAt)
}

// ExpiresAt returns the deadline, the zero time for a nil receiver.
func (c *Value[T]) ExpiresAt() time.Time {
	if c == nil {
		return time.Time{}
	}
	return c.expiresAt
}

// OnExpiration schedules fn to run once on s when the deadline is reached.
// If the deadline already passed, fn is handed to s immediately; it is never
// called on the caller's goroutine. A nil receiver counts as expired.
func (c *Value[T]) OnExpiration(s *Scheduler, fn func()) (*Task, error) {
	if c == nil {
		return s.Schedule(0, fn)
	}
	return s.Schedule(c.expiresAt.Sub(now()), fn)
}
