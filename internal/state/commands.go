package state

import (
	"context"
	"fmt"
	"slices"

	"github.com/nerrad567/treeow-bridge/internal/attribute"
	"github.com/nerrad567/treeow-bridge/internal/capability"
	"github.com/nerrad567/treeow-bridge/internal/command"
	"github.com/nerrad567/treeow-bridge/internal/device"
)

// SubmitChange validates raw attribute values against the device's domains
// and queues them as one command. The optimistic values are published
// before it returns.
func (s *Synchronizer) SubmitChange(ctx context.Context, deviceID string, values map[string]any) (*command.Pending, error) {
	return s.submit(ctx, deviceID, func(_ *lane, view *attribute.Set) ([]command.Change, error) {
		return command.Translate(view, s.roles, values)
	})
}

// SubmitFan translates a fan intent into attribute changes and queues them
// as one command.
func (s *Synchronizer) SubmitFan(ctx context.Context, deviceID string, in command.Intent) (*command.Pending, error) {
	return s.submit(ctx, deviceID, func(l *lane, view *attribute.Set) ([]command.Change, error) {
		fan, ok := capability.Fan(l.bindings)
		if !ok {
			return nil, fmt.Errorf("%w: device %s has no fan", attribute.ErrInvalidValue, deviceID)
		}
		return command.TranslateFan(fan, view, in)
	})
}

// RequestChange submits raw values and waits for the command to resolve.
func (s *Synchronizer) RequestChange(ctx context.Context, deviceID string, values map[string]any) error {
	p, err := s.SubmitChange(ctx, deviceID, values)
	if err != nil {
		return err
	}
	return p.Wait(ctx)
}

// RequestFan submits a fan intent and waits for the command to resolve.
func (s *Synchronizer) RequestFan(ctx context.Context, deviceID string, in command.Intent) error {
	p, err := s.SubmitFan(ctx, deviceID, in)
	if err != nil {
		return err
	}
	return p.Wait(ctx)
}

type translateFunc func(l *lane, view *attribute.Set) ([]command.Change, error)

func (s *Synchronizer) submit(ctx context.Context, deviceID string, translate translateFunc) (*command.Pending, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	l := s.lane(deviceID)
	if l == nil {
		return nil, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, deviceID)
	}

	l.mu.Lock()
	if !l.dev.Available {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", device.ErrUnavailable, deviceID)
	}
	view := l.snapshot(s.batcher.Overlay(deviceID)).Attributes
	changes, err := translate(l, view)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	p, err := s.batcher.Submit(deviceID, changes)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("command submitted", "device_id", deviceID, "command_id", p.ID, "keys", command.Keys(changes))

	s.refreshLane(ctx, deviceID, nil)
	return p, nil
}

// View returns the visible state of a device: confirmed values overlaid
// with unresolved commands. An unavailable device returns ErrUnavailable.
func (s *Synchronizer) View(deviceID string) (device.State, error) {
	l := s.lane(deviceID)
	if l == nil {
		return nil, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, deviceID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.dev.Available {
		return nil, fmt.Errorf("%w: %s", device.ErrUnavailable, deviceID)
	}
	return device.State(l.visible(s.batcher.Overlay(deviceID))), nil
}

// Device returns a copy of a device with its visible values applied. An
// unavailable device carries its last confirmed values.
func (s *Synchronizer) Device(deviceID string) (*device.Device, error) {
	l := s.lane(deviceID)
	if l == nil {
		return nil, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, deviceID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot(s.batcher.Overlay(deviceID)), nil
}

// Devices returns copies of every known device ordered by ID.
func (s *Synchronizer) Devices() []*device.Device {
	ids := s.DeviceIDs()
	out := make([]*device.Device, 0, len(ids))
	for _, id := range ids {
		if d, err := s.Device(id); err == nil {
			out = append(out, d)
		}
	}
	return out
}

// Bindings returns the exposed bindings of a device.
func (s *Synchronizer) Bindings(deviceID string) ([]capability.Binding, error) {
	l := s.lane(deviceID)
	if l == nil {
		return nil, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, deviceID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exposed(), nil
}

// DeviceIDs returns the IDs of every known device, sorted.
func (s *Synchronizer) DeviceIDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.lanes))
	for id := range s.lanes {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Pending returns the number of unresolved commands for a device.
func (s *Synchronizer) Pending(deviceID string) int {
	return s.batcher.Pending(deviceID)
}

// Status summarises the synchronizer for health reporting.
type Status struct {
	Devices       int `json:"devices"`
	Available     int `json:"available"`
	Bindings      int `json:"bindings"`
	PendingWrites int `json:"pending_commands"`
}

// Status returns a summary of the known devices.
func (s *Synchronizer) Status() Status {
	var st Status
	for _, l := range s.allLanes() {
		l.mu.Lock()
		st.Devices++
		if l.dev.Available {
			st.Available++
		}
		st.Bindings += len(l.bindings)
		id := l.dev.ID
		l.mu.Unlock()
		st.PendingWrites += s.batcher.Pending(id)
	}
	return st
}
