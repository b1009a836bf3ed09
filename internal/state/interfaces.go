package state

import (
	"context"

	"github.com/nerrad567/treeow-bridge/internal/capability"
	"github.com/nerrad567/treeow-bridge/internal/device"
)

// Vendor is the cloud API the synchronizer talks to.
type Vendor interface {
	// ListDevices returns every device on the account with its attribute
	// schema. Attribute values, when present, count as an observation.
	ListDevices(ctx context.Context) ([]device.Device, error)

	// ReadAttributes returns the current vendor values for a device.
	ReadAttributes(ctx context.Context, deviceID string) (map[string]any, error)

	// WriteAttributes sets one or more attributes. Retryable failures wrap
	// command.ErrTransient.
	WriteAttributes(ctx context.Context, deviceID string, values map[string]any) error

	// SupportsMultiWrite reports whether one write may carry several keys.
	SupportsMultiWrite() bool
}

// Event is one pushed vendor update.
type Event struct {
	DeviceID string
	Values   map[string]any
	Err      error
}

// Subscriber is implemented by vendors that push updates. The channel is
// closed when ctx ends or the subscription drops.
type Subscriber interface {
	Subscribe(ctx context.Context, deviceID string) (<-chan Event, error)
}

// Adapter receives binding and state changes. Calls for one device never
// overlap. Implementations may read the synchronizer from inside a callback
// but must not submit commands synchronously.
type Adapter interface {
	OnBindingsChanged(deviceID string, change capability.Change)
	OnStateChanged(deviceID string, keys []string)
}

// Recorder persists change notifications.
type Recorder interface {
	Record(ctx context.Context, deviceID string, changed []string, state device.State, source string)
}

// Logger is the logging interface used by the synchronizer.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopAdapter struct{}

func (noopAdapter) OnBindingsChanged(string, capability.Change) {}
func (noopAdapter) OnStateChanged(string, []string)             {}
