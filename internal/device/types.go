package device

import (
	"fmt"
	"time"

	"github.com/nerrad567/treeow-bridge/internal/attribute"
)

// Device is one appliance on the vendor account.
type Device struct {
	// Identity
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Serial   string `json:"serial,omitempty"`
	Model    string `json:"model,omitempty"`
	Version  string `json:"version,omitempty"`

	// Meta carries vendor addressing details the core does not interpret,
	// for example the resource category and local index of a Treeow device.
	Meta map[string]string `json:"meta,omitempty"`

	// Attributes holds the schema and last confirmed values.
	Attributes *attribute.Set `json:"-"`

	// Sync status
	LastSync  time.Time `json:"last_sync,omitzero"`
	Available bool      `json:"available"`
}

// State is a flat attribute key to value snapshot.
type State map[string]any

// DeepCopy creates a complete independent copy of the Device.
// The attribute set and meta map are cloned so modifications to the copy
// do not affect the original.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d
	if d.Meta != nil {
		cpy.Meta = make(map[string]string, len(d.Meta))
		for k, v := range d.Meta {
			cpy.Meta[k] = v
		}
	}
	if d.Attributes != nil {
		cpy.Attributes = d.Attributes.Clone()
	}
	return &cpy
}

// Validate checks the device identity and every attribute schema.
func (d *Device) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDevice)
	}
	if d.Attributes == nil {
		return nil
	}
	for _, a := range d.Attributes.All() {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidDevice, d.ID, err)
		}
	}
	return nil
}

// DisplayName returns the name, falling back to the ID.
func (d *Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// Snapshot returns the current values as a State.
func (d *Device) Snapshot() State {
	return State(d.Attributes.Values())
}
