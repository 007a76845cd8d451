package infra

import (
	"time"
)

// Backoff computes exponential reconnect delays: attempt n (1-based) waits
// Base * 2^(n-1), capped at MaxDelay. MaxAttempts bounds how many attempts
// are made before giving up; zero means unbounded.
type Backoff struct {
	Base        time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultBackoff returns the standard reconnect policy.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        1 * time.Second,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 10,
	}
}

// Delay returns the wait before the given attempt. Attempts below 1 are
// treated as the first attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	// 2^30 seconds is already far past any sane MaxDelay.
	shift := attempt - 1
	if shift > 30 {
		return b.MaxDelay
	}

	d := b.Base * time.Duration(1<<shift)
	if b.MaxDelay > 0 && d > b.MaxDelay {
		return b.MaxDelay
	}
	return d
}

// Exhausted reports whether the given attempt exceeds the attempt cap.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt > b.MaxAttempts
}
