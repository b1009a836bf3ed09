package capability

import "github.com/nerrad567/treeow-bridge/internal/attribute"

// Roles names the attribute keys that make up a composite fan.
type Roles struct {
	Power string `yaml:"power" json:"power"`
	Speed string `yaml:"speed" json:"speed"`
	Mode  string `yaml:"mode" json:"mode"`
}

// DefaultRoles matches the Treeow purifier and humidifier digital model.
var DefaultRoles = Roles{
	Power: "power",
	Speed: "fan_speed_enum",
	Mode:  "mode",
}

// Detect computes the bindings for a device's attribute set.
//
// A fan binding comes first when present, followed by baseline bindings in
// attribute order. The result depends only on the inputs.
func Detect(deviceID string, attrs *attribute.Set, roles Roles) []Binding {
	var out []Binding
	hidden := make(map[string]bool)

	if fan, ok := detectFan(attrs, roles); ok {
		out = append(out, Binding{Kind: KindFan, DeviceID: deviceID, Key: fan.Power, Fan: &fan})
		for _, k := range []string{fan.Power, fan.Speed, fan.Mode} {
			if k != "" {
				hidden[k] = true
			}
		}
	}

	for _, a := range attrs.All() {
		if hidden[a.Key] {
			continue
		}
		if kind, ok := baselineKind(a); ok {
			out = append(out, Binding{Kind: kind, DeviceID: deviceID, Key: a.Key})
		}
	}
	return out
}

func detectFan(attrs *attribute.Set, roles Roles) (FanKeys, bool) {
	if !hasWritable(attrs, roles.Power, attribute.KindBoolean) ||
		!hasWritable(attrs, roles.Speed, attribute.KindEnumeration) {
		return FanKeys{}, false
	}
	fan := FanKeys{Power: roles.Power, Speed: roles.Speed}
	if roles.Mode != "" && roles.Mode != roles.Speed && hasWritable(attrs, roles.Mode, attribute.KindEnumeration) {
		fan.Mode = roles.Mode
	}
	return fan, true
}

func hasWritable(attrs *attribute.Set, key string, kind attribute.Kind) bool {
	if key == "" {
		return false
	}
	a, ok := attrs.Get(key)
	return ok && a.Kind == kind && a.Writable()
}

func baselineKind(a attribute.Attribute) (Kind, bool) {
	if a.ReadOnly {
		return KindSensor, true
	}
	switch a.Kind {
	case attribute.KindBoolean:
		return KindSwitch, true
	case attribute.KindRange:
		return KindNumber, true
	case attribute.KindEnumeration:
		return KindSelect, true
	}
	return "", false
}
