package roomlock

import "errors"

var (
	// ErrLockReleased rejects waiters still queued when their room tears
	// down.
	ErrLockReleased = errors.New("lock_released")

	// ErrRateLimited rejects an operation id recurring beyond the
	// sliding-window threshold.
	ErrRateLimited = errors.New("lock_rate_limited")
)
