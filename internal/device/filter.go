package device

import (
	"fmt"
	"slices"

	"github.com/nerrad567/treeow-bridge/internal/capability"
)

// FilterMode selects how a target list is interpreted.
type FilterMode string

// Filter modes.
const (
	FilterInclude FilterMode = "include"
	FilterExclude FilterMode = "exclude"
)

// ParseFilterMode validates a filter mode. An empty string means exclude.
func ParseFilterMode(s string) (FilterMode, error) {
	switch FilterMode(s) {
	case "", FilterExclude:
		return FilterExclude, nil
	case FilterInclude:
		return FilterInclude, nil
	}
	return "", fmt.Errorf("%w: mode %q", ErrInvalidFilter, s)
}

// Filter is an include or exclude list of targets.
//
// An exclude filter with no targets admits everything. An include filter
// with no targets admits nothing.
type Filter struct {
	Mode    FilterMode `yaml:"mode" json:"mode"`
	Targets []string   `yaml:"targets" json:"targets"`
}

// Allows reports whether target passes the filter.
func (f Filter) Allows(target string) bool {
	listed := slices.Contains(f.Targets, target)
	if f.Mode == FilterInclude {
		return listed
	}
	return !listed
}

// DeviceFilter decides which account devices are synchronised.
type DeviceFilter Filter

// Allows reports whether the device should be synchronised.
func (f DeviceFilter) Allows(deviceID string) bool {
	return Filter(f).Allows(deviceID)
}

// EntityFilter decides which bindings are exposed.
//
// Kinds restricts the control kinds; empty means every kind. Devices holds
// per-device attribute key filters. A device without an override admits
// every key when LoadAll is set and none otherwise.
type EntityFilter struct {
	Kinds   []capability.Kind `yaml:"kinds" json:"kinds,omitempty"`
	LoadAll bool              `yaml:"load_all" json:"load_all"`
	Devices map[string]Filter `yaml:"devices" json:"devices,omitempty"`
}

// AllowsKey reports whether the attribute key of a device may back a control.
func (f EntityFilter) AllowsKey(deviceID, key string) bool {
	if df, ok := f.Devices[deviceID]; ok {
		return df.Allows(key)
	}
	return f.LoadAll
}

// Apply returns the bindings that pass the filter. A fan is judged by its
// primary key, the power attribute.
func (f EntityFilter) Apply(bindings []capability.Binding) []capability.Binding {
	kept := capability.Filter(bindings, f.Kinds)
	out := make([]capability.Binding, 0, len(kept))
	for _, b := range kept {
		if f.AllowsKey(b.DeviceID, b.Key) {
			out = append(out, b)
		}
	}
	return out
}
