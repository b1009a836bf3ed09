package state

import "errors"

var (
	// ErrSyncFailed is returned by a sync cycle in which no device could
	// be read.
	ErrSyncFailed = errors.New("state: sync failed")

	// ErrPushUnsupported is returned by a Subscriber that has no push
	// channel configured. The device is then polled only.
	ErrPushUnsupported = errors.New("state: push not supported")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("state: synchronizer closed")
)
