package device

import (
	"context"
	"time"
)

// History source values.
const (
	HistorySourcePoll    = "poll"
	HistorySourcePush    = "push"
	HistorySourceCommand = "command"
)

// HistoryEntry represents a single device state change record.
//
// Each entry stores the changed keys and a full snapshot of the device state
// at the time the change was reconciled. This provides a local audit trail
// even when the time-series database is unavailable.
type HistoryEntry struct {
	// ID is the auto-incremented primary key for the history row.
	ID int64 `json:"id"`

	// DeviceID is the unique identifier of the device.
	DeviceID string `json:"device_id"`

	// Changed lists the attribute keys that changed in this notification.
	Changed []string `json:"changed"`

	// State is the JSON snapshot of the device state.
	State State `json:"state"`

	// Source identifies how the change was observed (poll, push, command).
	Source string `json:"source"`

	// CreatedAt is the timestamp of the state change (UTC).
	CreatedAt time.Time `json:"created_at"`
}

// HistoryRepository stores and retrieves device state change history.
//
// Implementations must be thread-safe and use UTC timestamps.
type HistoryRepository interface {
	// RecordStateChange records a device state change.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - deviceID: Unique device identifier
	//   - changed: Keys that changed
	//   - state: State snapshot to persist
	//   - source: Origin of the change (poll, push, command)
	//
	// Returns:
	//   - error: nil on success, otherwise the underlying persistence error
	RecordStateChange(ctx context.Context, deviceID string, changed []string, state State, source string) error

	// GetHistory returns recent state change history for the device.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - deviceID: Unique device identifier
	//   - limit: Maximum entries to return (implementation may clamp bounds)
	//
	// Returns:
	//   - []HistoryEntry: Entries ordered newest first
	//   - error: nil on success, otherwise the underlying query error
	GetHistory(ctx context.Context, deviceID string, limit int) ([]HistoryEntry, error)

	// PruneHistory deletes entries older than the given duration.
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}
