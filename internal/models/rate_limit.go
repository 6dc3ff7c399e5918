package models

import "time"

// RateLimitCounter is one sliding-window hit counter row, keyed by
// (scope, identifier). Count only grows within a window; a hit after
// ExpiresAt resets the count and opens a new window atomically.
type RateLimitCounter struct {
	Scope      string
	Identifier string
	Count      int
	ExpiresAt  time.Time
	LastSeen   time.Time
}

// RateLimitResult is a first-class outcome, never an error: exceeding the
// limit is an expected state the caller translates into retry messaging.
// RetryAfter is how long until the current window lapses, zero when not
// limited.
type RateLimitResult struct {
	Limited    bool
	Count      int
	RetryAfter time.Duration
}
