package command

import (
	"context"
	"errors"
)

// Command errors.
var (
	// ErrCommandFailed is returned to callers when a command could not be
	// applied: retries exhausted, the vendor reported a different value, or
	// the device was removed.
	ErrCommandFailed = errors.New("command: failed")

	// ErrTransient marks a retryable dispatch failure (network, timeout,
	// vendor busy). Vendor clients wrap such errors with it.
	ErrTransient = errors.New("command: transient dispatch error")

	// ErrCancelled is wrapped into ErrCommandFailed when a device is removed
	// or the batcher is closed while a command is outstanding.
	ErrCancelled = errors.New("command: cancelled")

	// ErrNoChanges is returned when an intent produces nothing to write.
	ErrNoChanges = errors.New("command: no changes")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("command: batcher closed")
)

// IsTransient reports whether err should be retried. A per-call timeout is
// transient; cancellation is not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}
