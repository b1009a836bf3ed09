package capability

import "slices"

// Kind is the platform control type of a binding.
type Kind string

// Control kinds.
const (
	KindSwitch Kind = "switch"
	KindNumber Kind = "number"
	KindSelect Kind = "select"
	KindSensor Kind = "sensor"
	KindFan    Kind = "fan"
)

// AllKinds lists every control kind in presentation order.
var AllKinds = []Kind{KindFan, KindSwitch, KindNumber, KindSelect, KindSensor}

// ParseKind validates a control kind name.
func ParseKind(s string) (Kind, bool) {
	k := Kind(s)
	return k, slices.Contains(AllKinds, k)
}

// FanKeys names the attributes that back a composite fan.
type FanKeys struct {
	Power string `json:"power"`
	Speed string `json:"speed"`
	Mode  string `json:"mode,omitempty"`
}

// Binding maps one platform control to the attribute keys behind it.
//
// Key is the primary attribute: the attribute itself for baseline bindings
// and the power attribute for a fan. Fan is set only for KindFan.
type Binding struct {
	Kind     Kind     `json:"kind"`
	DeviceID string   `json:"device_id"`
	Key      string   `json:"key"`
	Fan      *FanKeys `json:"fan,omitempty"`
}

// ID returns the stable identity of the binding, unique per device.
func (b Binding) ID() string {
	return b.DeviceID + "." + string(b.Kind) + "." + b.Key
}

// Keys returns every attribute key backing the binding.
func (b Binding) Keys() []string {
	if b.Fan == nil {
		return []string{b.Key}
	}
	keys := []string{b.Fan.Power, b.Fan.Speed}
	if b.Fan.Mode != "" {
		keys = append(keys, b.Fan.Mode)
	}
	return keys
}

// Uses reports whether the binding is backed by attribute key.
func (b Binding) Uses(key string) bool {
	return slices.Contains(b.Keys(), key)
}

// Equal compares two bindings including their backing keys.
func (b Binding) Equal(o Binding) bool {
	if b.Kind != o.Kind || b.DeviceID != o.DeviceID || b.Key != o.Key {
		return false
	}
	if (b.Fan == nil) != (o.Fan == nil) {
		return false
	}
	return b.Fan == nil || *b.Fan == *o.Fan
}
