package bridge

import "errors"

// Domain errors for the bridge package.
var (
	// ErrInvalidTopic is returned for a message on a topic the bridge does
	// not understand.
	ErrInvalidTopic = errors.New("bridge: invalid topic")

	// ErrInvalidCommand is returned when a command payload cannot be parsed.
	ErrInvalidCommand = errors.New("bridge: invalid command")

	// ErrUnknownBinding is returned for a command to a binding the device
	// does not expose.
	ErrUnknownBinding = errors.New("bridge: unknown binding")

	// ErrReadOnly is returned for a command to a sensor.
	ErrReadOnly = errors.New("bridge: binding is read-only")

	// ErrNoSource is returned by Start when no source has been attached.
	ErrNoSource = errors.New("bridge: no source attached")

	// ErrStopped is returned for commands arriving after Stop.
	ErrStopped = errors.New("bridge: stopped")
)
