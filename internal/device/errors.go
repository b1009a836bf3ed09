package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrUnavailable) {
//	    // report unknown state
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrUnavailable is returned by state reads of a device that has not
	// synced within the availability timeout.
	ErrUnavailable = errors.New("device: unavailable")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidFilter is returned when a filter mode is not recognised.
	ErrInvalidFilter = errors.New("device: invalid filter")
)
